package http

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/syncer"
	"github.com/keelwallet/keel-syncer/internal/types"
)

const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

const genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"

// newTestServer wires the API against a fresh database and a synchronizer
// whose backend never connects, so read handlers serve stored data and the
// mutation handlers exercise their disconnected paths.
func newTestServer(t *testing.T) (*HTTPServerImpl, *state.State) {
	t.Helper()
	t.Setenv("DB_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")
	config.InitConfig()

	dbm := db.NewDatabaseManager()
	st := state.InitializeState(dbm)
	sync := syncer.NewSynchronizer(st, func() (chain.Client, error) {
		return nil, chain.ErrDisconnected
	})
	gin.SetMode(gin.TestMode)
	return NewHTTPServer(st, sync), st
}

func perform(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func walletFixture(walletId string) *db.Wallet {
	return &db.Wallet{
		WalletId:    walletId,
		Name:        "api test",
		M:           1,
		N:           1,
		WalletType:  types.WalletSingleSig.String(),
		AddressType: types.AddressNativeSegwit.String(),
		Xpubs:       testXpub,
		GapLimit:    20,
	}
}

func witnessAddress(t *testing.T, seed byte) string {
	t.Helper()
	var keyHash [20]byte
	for i := range keyHash {
		keyHash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(keyHash[:], &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// fundingTx serializes a single-output payment to the given address,
// spending an outpoint foreign to the wallet.
func fundingTx(t *testing.T, address string, value int64) (string, string) {
	t.Helper()
	hash, err := chainhash.NewHashFromStr("f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16")
	require.NoError(t, err)

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *hash}, nil, nil))
	script, err := types.PayToAddrScript(address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	msgTx.AddTxOut(wire.NewTxOut(value, script))

	var buf bytes.Buffer
	require.NoError(t, msgTx.Serialize(&buf))
	return msgTx.TxHash().String(), hex.EncodeToString(buf.Bytes())
}

func TestStatusEndpoint(t *testing.T) {
	hs, st := newTestServer(t)
	router := hs.router()

	w := perform(t, router, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uninitialized", resp.State)
	assert.Equal(t, 0, resp.Progress)
	assert.Zero(t, resp.TipHeight)

	require.NoError(t, st.SetChainTip(845000, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", genesisHeaderHex))

	w = perform(t, router, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int32(845000), resp.TipHeight)
	assert.Equal(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", resp.TipHash)
}

func TestWalletListingAndBalance(t *testing.T) {
	hs, st := newTestServer(t)
	router := hs.router()

	require.NoError(t, st.CreateWallet(walletFixture("w1")))
	require.NoError(t, st.SetWalletBalance("w1", 75000, 4000))

	w := perform(t, router, http.MethodGet, "/api/v1/wallets", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Wallets []db.Wallet `json:"wallets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Wallets, 1)
	assert.Equal(t, "w1", listing.Wallets[0].WalletId)
	assert.Equal(t, int64(75000), listing.Wallets[0].Balance)

	w = perform(t, router, http.MethodGet, "/api/v1/wallets/w1/balance", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, BalanceResponse{WalletId: "w1", Balance: 75000, UnconfirmedBalance: 4000}, balance)

	w = perform(t, router, http.MethodGet, "/api/v1/wallets/missing/balance", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "wallet not found")
}

func TestWalletCoins(t *testing.T) {
	hs, st := newTestServer(t)
	router := hs.router()

	require.NoError(t, st.CreateWallet(walletFixture("w1")))
	addr := witnessAddress(t, 0x11)
	_, err := st.AddAddress("w1", addr, 0, false)
	require.NoError(t, err)

	txid, rawHex := fundingTx(t, addr, 50000)
	_, _, err = st.InsertTransaction("w1", txid, rawHex, types.HeightMempool, 0, 600)
	require.NoError(t, err)

	w := perform(t, router, http.MethodGet, "/api/v1/wallets/w1/coins", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Coins []CoinResponse `json:"coins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Coins, 1)
	coin := resp.Coins[0]
	assert.Equal(t, txid, coin.Txid)
	assert.Equal(t, uint32(0), coin.Vout)
	assert.Equal(t, int64(50000), coin.Value)
	assert.Equal(t, addr, coin.Address)
	assert.False(t, coin.Internal)
	assert.Equal(t, types.CoinIncomingPendingConfirmation.String(), coin.Status)

	w = perform(t, router, http.MethodGet, "/api/v1/wallets/missing/coins", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWalletTransactions(t *testing.T) {
	hs, st := newTestServer(t)
	router := hs.router()

	require.NoError(t, st.CreateWallet(walletFixture("w1")))
	addr := witnessAddress(t, 0x22)
	_, err := st.AddAddress("w1", addr, 0, false)
	require.NoError(t, err)

	confirmedTxid, confirmedRaw := fundingTx(t, addr, 21000)
	_, _, err = st.InsertTransaction("w1", confirmedTxid, confirmedRaw, 845001, 1723000000, 450)
	require.NoError(t, err)

	draftTxid, draftRaw := fundingTx(t, addr, 9000)
	_, err = st.InsertLocalTransaction("w1", draftTxid, draftRaw, 300, "treasury sweep", -1, 2)
	require.NoError(t, err)
	_, err = st.AddTransactionSigner("w1", draftTxid, 0)
	require.NoError(t, err)

	w := perform(t, router, http.MethodGet, "/api/v1/wallets/w1/transactions", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transactions []TransactionResponse `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 2)

	byTxid := make(map[string]TransactionResponse, len(resp.Transactions))
	for _, record := range resp.Transactions {
		byTxid[record.Txid] = record
	}

	confirmed, ok := byTxid[confirmedTxid]
	require.True(t, ok)
	assert.Equal(t, int32(845001), confirmed.Height)
	assert.Equal(t, int64(1723000000), confirmed.BlockTime)
	assert.Equal(t, int64(450), confirmed.Fee)
	assert.Equal(t, types.TxConfirmed.String(), confirmed.Status)
	assert.Equal(t, confirmedRaw, confirmed.RawTx)

	draft, ok := byTxid[draftTxid]
	require.True(t, ok)
	assert.Equal(t, types.HeightLocal, draft.Height)
	assert.Equal(t, "treasury sweep", draft.Memo)
	assert.Equal(t, types.TxPendingSignatures.String(), draft.Status)
	assert.Equal(t, 2, draft.RequiredSigs)
	assert.Equal(t, 1, draft.SignerCount)
}

func TestMutationsWhileDisconnected(t *testing.T) {
	hs, st := newTestServer(t)
	router := hs.router()
	require.NoError(t, st.CreateWallet(walletFixture("w1")))

	w := perform(t, router, http.MethodPost, "/api/v1/wallets/w1/addresses", `{"internal":false}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "backend disconnected")

	w = perform(t, router, http.MethodPost, "/api/v1/wallets/missing/addresses", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(t, router, http.MethodPost, "/api/v1/broadcast", `{"raw_tx":"0100"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = perform(t, router, http.MethodGet, "/api/v1/fees", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestValidation(t *testing.T) {
	hs, _ := newTestServer(t)
	router := hs.router()

	w := perform(t, router, http.MethodPost, "/api/v1/broadcast", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid request")

	w = perform(t, router, http.MethodPost, "/api/v1/broadcast", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(t, router, http.MethodGet, "/api/v1/fees?target=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid target")

	w = perform(t, router, http.MethodGet, "/api/v1/fees?target=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthRequired(t *testing.T) {
	secret := strings.Repeat("ab", 32)
	t.Setenv("HTTP_AUTH_SECRET", secret)
	hs, _ := newTestServer(t)
	router := hs.router()

	w := perform(t, router, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing bearer token")

	key, err := hex.DecodeString(secret)
	require.NoError(t, err)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "wallet-ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	forged, err := token.SignedString([]byte("nowhere near the right key"))
	require.NoError(t, err)
	w = perform(t, router, http.MethodGet, "/api/v1/status", "", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "wallet-ops",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	stale, err := expired.SignedString(key)
	require.NoError(t, err)
	w = perform(t, router, http.MethodGet, "/api/v1/status", "", map[string]string{"Authorization": "Bearer " + stale})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	signed, err := token.SignedString(key)
	require.NoError(t, err)
	w = perform(t, router, http.MethodGet, "/api/v1/status", "", map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	t.Setenv("HTTP_AUTH_SECRET", "tooshort")
	hs, _ := newTestServer(t)
	router := hs.router()

	w := perform(t, router, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
