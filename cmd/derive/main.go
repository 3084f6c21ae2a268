package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/keelwallet/keel-syncer/internal/types"
)

func main() {
	var (
		xpubs       = flag.String("xpubs", "", "Comma separated account xpubs, one per signer")
		walletType  = flag.String("type", "singlesig", "Wallet type: singlesig, multisig")
		addressType = flag.String("address-type", "native_segwit", "Address type: native_segwit, nested_segwit, taproot, legacy")
		m           = flag.Int("m", 1, "Signing threshold for multisig wallets")
		internal    = flag.Bool("internal", false, "Derive the change branch instead of the receive branch")
		from        = flag.Uint("from", 0, "First derivation index")
		count       = flag.Uint("count", 10, "Number of addresses to derive")
		networkType = flag.String("network", "mainnet", "Network type: mainnet, testnet3, signet, regtest")
		help        = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Println("Usage: derive [options]")
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *xpubs == "" {
		log.Fatal("At least one xpub is required. Use -xpubs flag.")
	}

	var net *chaincfg.Params
	switch *networkType {
	case "mainnet":
		net = &chaincfg.MainNetParams
	case "testnet3":
		net = &chaincfg.TestNet3Params
	case "signet":
		net = &chaincfg.SigNetParams
	case "regtest":
		net = &chaincfg.RegressionNetParams
	default:
		log.Fatalf("Invalid network type: %s", *networkType)
	}

	parsedWalletType, err := types.ParseWalletType(*walletType)
	if err != nil {
		log.Fatalf("Invalid wallet type: %v", err)
	}
	parsedAddressType, err := types.ParseAddressType(*addressType)
	if err != nil {
		log.Fatalf("Invalid address type: %v", err)
	}

	signers := strings.Split(*xpubs, ",")
	if parsedWalletType == types.WalletSingleSig && len(signers) != 1 {
		log.Fatal("Single sig wallets take exactly one xpub.")
	}
	if parsedWalletType == types.WalletMultiSig && (*m < 1 || *m > len(signers)) {
		log.Fatalf("Threshold %d is out of range for %d signers.", *m, len(signers))
	}
	if parsedWalletType == types.WalletEscrow {
		log.Fatal("Escrow wallets have no derivation path.")
	}

	wallet := &types.Wallet{
		ID:          "derive",
		M:           *m,
		N:           len(signers),
		WalletType:  parsedWalletType,
		AddressType: parsedAddressType,
		Xpubs:       signers,
	}

	branch := 0
	if *internal {
		branch = 1
	}
	fmt.Printf("Wallet: %s %s, %d signers, network %s\n", *walletType, *addressType, len(signers), *networkType)
	for index := uint32(*from); index < uint32(*from)+uint32(*count); index++ {
		address, err := types.DeriveAddress(wallet, *internal, index, net)
		if err != nil {
			log.Fatalf("Failed to derive address at index %d: %v", index, err)
		}
		fmt.Printf("%d/%d: %s\n", branch, index, address)
	}
}
