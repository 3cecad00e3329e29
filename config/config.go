package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Signal   SignalConfig   `json:"signal" yaml:"signal"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// BrokerConfig selects the adapter and the gateway session it opens.
type BrokerConfig struct {
	Kind          string `json:"kind" yaml:"kind"` // "demo" or "ibkr"
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	ClientID      int    `json:"client_id" yaml:"client_id"`
	MasterAccount string `json:"master_account,omitempty" yaml:"master_account,omitempty"`

	ConnectTimeout string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"` // e.g. "5s"
	SettleWait     string `json:"settle_wait,omitempty" yaml:"settle_wait,omitempty"`

	// Client Portal gateway transport
	Scheme   string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Insecure bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// ServerConfig contains the HTTP API parameters
type ServerConfig struct {
	Addr          string `json:"addr" yaml:"addr"`
	WebhookSecret string `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type        string `json:"type" yaml:"type"` // "none", "csv", "sqlite" or "redis"
	DBPath      string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	SignalsFile string `json:"signals_file,omitempty" yaml:"signals_file,omitempty"`
	OrdersFile  string `json:"orders_file,omitempty" yaml:"orders_file,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisStream string `json:"redis_stream,omitempty" yaml:"redis_stream,omitempty"`
}

// SignalConfig contains normalizer parameters
type SignalConfig struct {
	SizingPriority string `json:"sizing_priority" yaml:"sizing_priority"` // "quantity" or "notional"
}

// DispatchConfig bounds every adapter call.
type DispatchConfig struct {
	Timeout string `json:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// ConnectTimeoutDuration parses broker.connect_timeout. Empty means zero,
// which the adapter replaces with its default.
func (b BrokerConfig) ConnectTimeoutDuration() (time.Duration, error) {
	return parseDuration(b.ConnectTimeout)
}

// SettleWaitDuration parses broker.settle_wait.
func (b BrokerConfig) SettleWaitDuration() (time.Duration, error) {
	return parseDuration(b.SettleWait)
}

// TimeoutDuration parses dispatch.timeout.
func (d DispatchConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(d.Timeout)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Load reads path when it is set, otherwise starts from Default. It then
// applies .env and ESENTRADER_* overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = readFile(path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (JSON or YAML). Unset fields
// keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine format by extension
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "demo":
	case "ibkr":
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host is required")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be between 1 and 65535")
		}
		if c.Broker.ClientID < 0 {
			return fmt.Errorf("broker.client_id must not be negative")
		}
		if s := c.Broker.Scheme; s != "" && s != "http" && s != "https" {
			return fmt.Errorf("broker.scheme must be 'http' or 'https'")
		}
	default:
		return fmt.Errorf("broker.kind must be 'demo' or 'ibkr'")
	}

	if d, err := c.Broker.ConnectTimeoutDuration(); err != nil || d < 0 {
		return fmt.Errorf("broker.connect_timeout must be a positive duration")
	}
	if d, err := c.Broker.SettleWaitDuration(); err != nil || d < 0 {
		return fmt.Errorf("broker.settle_wait must not be negative")
	}
	if d, err := c.Dispatch.TimeoutDuration(); err != nil || d < 0 {
		return fmt.Errorf("dispatch.timeout must be a positive duration")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.SignalsFile == "" || c.Journal.OrdersFile == "" {
			return fmt.Errorf("journal signals_file and orders_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	case "redis":
		if c.Journal.RedisAddr == "" {
			return fmt.Errorf("journal redis_addr required for Redis type")
		}
	default:
		return fmt.Errorf("journal.type must be 'none', 'csv', 'sqlite' or 'redis'")
	}

	switch c.Signal.SizingPriority {
	case "", "quantity", "notional":
	default:
		return fmt.Errorf("signal.sizing_priority must be 'quantity' or 'notional'")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:           "demo",
			Host:           "127.0.0.1",
			Port:           7497,
			ClientID:       1,
			ConnectTimeout: "5s",
			SettleWait:     "1s",
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./esentrader.db",
		},
		Signal: SignalConfig{
			SizingPriority: "quantity",
		},
		Dispatch: DispatchConfig{
			Timeout: "15s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
