// Package config loads the engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Log          LogConfig                `mapstructure:"log"`
	Database     DatabaseConfig           `mapstructure:"database"`
	Redis        RedisConfig              `mapstructure:"redis"`
	Kafka        KafkaConfig              `mapstructure:"kafka"`
	Node         NodeConfig               `mapstructure:"node"`
	Wallet       WalletConfig             `mapstructure:"wallet"`
	Assets       map[string]AssetConfig   `mapstructure:"assets"`
	Retry        RetryConfig              `mapstructure:"retry"`
	Confirmation ConfirmationConfig       `mapstructure:"confirmation"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig configures the settlement ledger database.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the optional address cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig configures the optional outcome event stream. Empty Brokers
// falls back to log-only publishing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// NodeConfig configures the chain gateway.
type NodeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WalletConfig configures the hot wallet the engine signs for. The signing
// seed is deliberately absent: it comes from the environment only
// (TONSETTLE_SIGNING_SEED), never a config file.
type WalletConfig struct {
	Address     string        `mapstructure:"address"`
	SubwalletID uint32        `mapstructure:"subwallet_id"`
	MessageTTL  time.Duration `mapstructure:"message_ttl"`
}

// AssetConfig describes one settleable asset.
type AssetConfig struct {
	Kind            string        `mapstructure:"kind"` // "native" or "jetton"
	Decimals        int           `mapstructure:"decimals"`
	MinAmount       int64         `mapstructure:"min_amount"`
	MaxAmount       int64         `mapstructure:"max_amount"`
	FeeReserve      int64         `mapstructure:"fee_reserve"`
	QuoteFees       bool          `mapstructure:"quote_fees"`
	FeeMargin       int64         `mapstructure:"fee_margin"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	JettonMaster    string        `mapstructure:"jetton_master"`
	WalletCodeHash  string        `mapstructure:"wallet_code_hash"`
	WalletCodeDepth uint16        `mapstructure:"wallet_code_depth"`
}

// RetryConfig bounds the engine's retry loops.
type RetryConfig struct {
	MaxSigningAttempts   int           `mapstructure:"max_signing_attempts"`
	MaxReconcileAttempts int           `mapstructure:"max_reconcile_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
}

// ConfirmationConfig tunes finality tracking.
type ConfirmationConfig struct {
	Depth            uint32        `mapstructure:"depth"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FinalityDeadline time.Duration `mapstructure:"finality_deadline"`
	LookupWindow     time.Duration `mapstructure:"lookup_window"`
}

// Load reads configuration from the given file (optional) plus TONSETTLE_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TONSETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8084")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("node.timeout", 10*time.Second)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("kafka.topic", "settlement.outcomes")
	v.SetDefault("wallet.message_ttl", 2*time.Minute)
	v.SetDefault("retry.max_signing_attempts", 3)
	v.SetDefault("retry.max_reconcile_attempts", 3)
	v.SetDefault("retry.backoff_base", 500*time.Millisecond)
	v.SetDefault("retry.backoff_max", 30*time.Second)
	v.SetDefault("confirmation.depth", 2)
	v.SetDefault("confirmation.poll_interval", 3*time.Second)
	v.SetDefault("confirmation.finality_deadline", 10*time.Minute)
	v.SetDefault("confirmation.lookup_window", 30*time.Minute)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Wallet.Address == "" {
		return fmt.Errorf("wallet.address is required")
	}
	if c.Node.BaseURL == "" {
		return fmt.Errorf("node.base_url is required")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	for symbol, asset := range c.Assets {
		switch asset.Kind {
		case "native":
		case "jetton":
			if asset.JettonMaster == "" {
				return fmt.Errorf("asset %s: jetton_master is required", symbol)
			}
			if asset.WalletCodeHash == "" {
				return fmt.Errorf("asset %s: wallet_code_hash is required", symbol)
			}
		default:
			return fmt.Errorf("asset %s: unknown kind %q", symbol, asset.Kind)
		}
		if asset.Decimals < 0 || asset.Decimals > 18 {
			return fmt.Errorf("asset %s: decimals out of range", symbol)
		}
		if asset.MinAmount > 0 && asset.MaxAmount > 0 && asset.MinAmount > asset.MaxAmount {
			return fmt.Errorf("asset %s: min_amount exceeds max_amount", symbol)
		}
	}
	return nil
}
