package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "ESENTRADER_"

// applyEnv loads .env when present, then lets ESENTRADER_* variables
// override file values so secrets stay out of the config file.
func applyEnv(cfg *Config) {
	// a missing .env is fine
	_ = godotenv.Load()

	setStr(&cfg.Broker.Kind, "BROKER_KIND")
	setStr(&cfg.Broker.Host, "BROKER_HOST")
	setInt(&cfg.Broker.Port, "BROKER_PORT")
	setInt(&cfg.Broker.ClientID, "BROKER_CLIENT_ID")
	setStr(&cfg.Broker.MasterAccount, "BROKER_MASTER_ACCOUNT")
	setStr(&cfg.Broker.ConnectTimeout, "BROKER_CONNECT_TIMEOUT")
	setStr(&cfg.Broker.SettleWait, "BROKER_SETTLE_WAIT")
	setStr(&cfg.Broker.Scheme, "BROKER_SCHEME")
	setBool(&cfg.Broker.Insecure, "BROKER_INSECURE")

	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStr(&cfg.Server.WebhookSecret, "WEBHOOK_SECRET")

	setStr(&cfg.Journal.Type, "JOURNAL_TYPE")
	setStr(&cfg.Journal.DBPath, "JOURNAL_DB_PATH")
	setStr(&cfg.Journal.SignalsFile, "JOURNAL_SIGNALS_FILE")
	setStr(&cfg.Journal.OrdersFile, "JOURNAL_ORDERS_FILE")
	setStr(&cfg.Journal.RedisAddr, "JOURNAL_REDIS_ADDR")
	setStr(&cfg.Journal.RedisStream, "JOURNAL_REDIS_STREAM")

	setStr(&cfg.Signal.SizingPriority, "SIGNAL_SIZING_PRIORITY")
	setStr(&cfg.Dispatch.Timeout, "DISPATCH_TIMEOUT")
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
