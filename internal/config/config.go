package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_AUTH_SECRET", "")
	viper.SetDefault("ENABLE_HTTP", true)
	viper.SetDefault("BACKEND", "electrum")
	viper.SetDefault("ELECTRUM_URL", "tcp://127.0.0.1:50001")
	viper.SetDefault("ELECTRUM_PROXY", "")
	viper.SetDefault("ELECTRUM_CLIENT_NAME", "keel-syncer")
	viper.SetDefault("BTC_RPC", "http://localhost:8332")
	viper.SetDefault("BTC_RPC_USER", "")
	viper.SetDefault("BTC_RPC_PASS", "")
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("GAP_LIMIT", 20)
	viper.SetDefault("MAX_SCAN_WINDOWS", 50)
	viper.SetDefault("RECONNECT_DELAY", "3s")
	viper.SetDefault("SUBSCRIBE_PACING", "50ms")
	viper.SetDefault("PING_INTERVAL", "60s")
	viper.SetDefault("POLL_START_DELAY", "10s")
	viper.SetDefault("POLL_INTERVAL", "60s")
	viper.SetDefault("REQUEST_TIMEOUT", "30s")
	viper.SetDefault("TASK_QUEUE_SIZE", 256)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_DIR", "/app/db")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	AppConfig = Config{
		HTTPPort:           viper.GetString("HTTP_PORT"),
		HTTPAuthSecret:     viper.GetString("HTTP_AUTH_SECRET"),
		EnableHTTP:         viper.GetBool("ENABLE_HTTP"),
		Backend:            strings.ToLower(viper.GetString("BACKEND")),
		ElectrumURL:        viper.GetString("ELECTRUM_URL"),
		ElectrumProxy:      viper.GetString("ELECTRUM_PROXY"),
		ElectrumClientName: viper.GetString("ELECTRUM_CLIENT_NAME"),
		BTCRPC:             viper.GetString("BTC_RPC"),
		BTCRPC_USER:        viper.GetString("BTC_RPC_USER"),
		BTCRPC_PASS:        viper.GetString("BTC_RPC_PASS"),
		BTCNetworkType:     viper.GetString("BTC_NETWORK_TYPE"),
		GapLimit:           viper.GetInt("GAP_LIMIT"),
		MaxScanWindows:     viper.GetInt("MAX_SCAN_WINDOWS"),
		ReconnectDelay:     viper.GetDuration("RECONNECT_DELAY"),
		SubscribePacing:    viper.GetDuration("SUBSCRIBE_PACING"),
		PingInterval:       viper.GetDuration("PING_INTERVAL"),
		PollStartDelay:     viper.GetDuration("POLL_START_DELAY"),
		PollInterval:       viper.GetDuration("POLL_INTERVAL"),
		RequestTimeout:     viper.GetDuration("REQUEST_TIMEOUT"),
		TaskQueueSize:      viper.GetInt("TASK_QUEUE_SIZE"),
		DbDir:              viper.GetString("DB_DIR"),
		LogLevel:           logLevel,
	}

	if AppConfig.Backend != "electrum" && AppConfig.Backend != "corerpc" {
		logrus.Warnf("Unknown backend %q, fallback to electrum", AppConfig.Backend)
		AppConfig.Backend = "electrum"
	}
	if AppConfig.GapLimit <= 0 {
		logrus.Warnf("Gap limit %d is invalid, set to 20", AppConfig.GapLimit)
		AppConfig.GapLimit = 20
	}
	if AppConfig.HTTPAuthSecret != "" && len(AppConfig.HTTPAuthSecret) != 64 {
		logrus.Warnf("HTTP auth secret is not a 32 bytes hex string, auth disabled")
		AppConfig.HTTPAuthSecret = ""
	}

	logrus.Infof("Init config, Backend %s, ReconnectDelay %v, GapLimit %d",
		AppConfig.Backend, AppConfig.ReconnectDelay, AppConfig.GapLimit)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort           string
	HTTPAuthSecret     string
	EnableHTTP         bool
	Backend            string
	ElectrumURL        string
	ElectrumProxy      string
	ElectrumClientName string
	BTCRPC             string
	BTCRPC_USER        string
	BTCRPC_PASS        string
	BTCNetworkType     string
	GapLimit           int
	MaxScanWindows     int
	ReconnectDelay     time.Duration
	SubscribePacing    time.Duration
	PingInterval       time.Duration
	PollStartDelay     time.Duration
	PollInterval       time.Duration
	RequestTimeout     time.Duration
	TaskQueueSize      int
	DbDir              string
	LogLevel           logrus.Level
}
