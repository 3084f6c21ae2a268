package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/http"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/syncer"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	State           *state.State
	Synchronizer    *syncer.Synchronizer
	HTTPServer      http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()

	dbm := db.NewDatabaseManager()
	state := state.InitializeState(dbm)
	synchronizer := syncer.NewSynchronizer(state, backendFactory())
	httpServer := http.NewHTTPServer(state, synchronizer)

	return &Application{
		DatabaseManager: dbm,
		State:           state,
		Synchronizer:    synchronizer,
		HTTPServer:      httpServer,
	}
}

// backendFactory builds the client constructor for the configured
// backend. The synchronizer calls it once per connection attempt so
// every attempt starts from a fresh client.
func backendFactory() syncer.ClientFactory {
	if config.AppConfig.Backend == "corerpc" {
		connConfig := &rpcclient.ConnConfig{
			Host:         config.AppConfig.BTCRPC,
			User:         config.AppConfig.BTCRPC_USER,
			Pass:         config.AppConfig.BTCRPC_PASS,
			HTTPPostMode: true,
			DisableTLS:   true,
		}
		btcClient, err := rpcclient.New(connConfig, nil)
		if err != nil {
			log.Fatalf("Failed to create bitcoin client: %v", err)
		}
		return func() (chain.Client, error) {
			return chain.NewCoreRPCClient(btcClient), nil
		}
	}
	return func() (chain.Client, error) {
		return chain.NewElectrumClient(), nil
	}
}

func (app *Application) Run() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	app.Synchronizer.Run()

	if config.AppConfig.EnableHTTP {
		go app.HTTPServer.StartHTTPServer()
	}

	<-stop
	log.Info("Receiving exit signal...")

	app.Synchronizer.Stop()
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}
