package http

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/syncer"
)

type HTTPServer interface {
	StartHTTPServer()
}

type HTTPServerImpl struct {
	state  *state.State
	syncer *syncer.Synchronizer
	secret []byte
}

// NewHTTPServer builds the status API. Auth is enabled when a valid
// HTTP_AUTH_SECRET is configured, otherwise the API is open.
func NewHTTPServer(st *state.State, sync *syncer.Synchronizer) *HTTPServerImpl {
	hs := &HTTPServerImpl{state: st, syncer: sync}
	secret, err := authSecret()
	if err != nil {
		log.Warnf("HTTP auth disabled: %v", err)
	}
	hs.secret = secret
	return hs
}

// authSecret decodes the configured bearer token key. An empty
// configuration disables auth.
func authSecret() ([]byte, error) {
	if config.AppConfig.HTTPAuthSecret == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(config.AppConfig.HTTPAuthSecret)
	if err != nil || len(secret) != 32 {
		return nil, errors.New("auth secret is not a 32 bytes hex string")
	}
	return secret, nil
}

func (hs *HTTPServerImpl) StartHTTPServer() {
	r := hs.router()

	// Use configuration port
	addr := ":" + config.AppConfig.HTTPPort
	log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func (hs *HTTPServerImpl) router() *gin.Engine {
	r := gin.Default()

	api := r.Group("/api/v1")
	if len(hs.secret) > 0 {
		api.Use(hs.authRequired())
	}

	api.GET("/status", hs.handleStatus)
	api.GET("/wallets", hs.handleWallets)
	api.GET("/wallets/:id/balance", hs.handleWalletBalance)
	api.GET("/wallets/:id/coins", hs.handleWalletCoins)
	api.GET("/wallets/:id/transactions", hs.handleWalletTransactions)
	api.POST("/wallets/:id/addresses", hs.handleNewAddress)
	api.POST("/broadcast", hs.handleBroadcast)
	api.GET("/fees", hs.handleFees)

	return r
}

// authRequired validates a HS256 bearer token against the configured secret.
func (hs *HTTPServerImpl) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKey
			}
			return hs.secret, nil
		})
		if err != nil || !token.Valid {
			log.Warnf("API token rejected: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
