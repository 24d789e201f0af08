package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Chain      ChainConfig      `mapstructure:"chain"`
	KeyManager KeyManagerConfig `mapstructure:"key_manager"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

// ServerConfig holds the server configuration.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig holds the HMAC credentials required on write endpoints.
type AuthConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// RateLimitConfig limits requests per client IP. A zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type ChainConfig struct {
	ChainID           int64         `mapstructure:"chain_id"`
	RPCURL            string        `mapstructure:"rpc_url"`
	BlockTime         time.Duration `mapstructure:"block_time"`
	VerifyingContract string        `mapstructure:"verifying_contract"`
	CancelVerifier    string        `mapstructure:"cancel_verifier"`
	TWAPOracle        string        `mapstructure:"twap_oracle"`
	// DeclarationContract is used by compile when the caller names none.
	DeclarationContract string `mapstructure:"declaration_contract"`
}

// KeyManagerConfig holds the configuration for the key manager.
type KeyManagerConfig struct {
	Type  string      `mapstructure:"type"` // "local" or "vault"
	Local LocalConfig `mapstructure:"local"`
	Vault VaultConfig `mapstructure:"vault"`
	// Relayer selects the account sending execution transactions. Empty
	// picks the first account.
	Relayer string `mapstructure:"relayer"`
	// CreateRelayer creates a relayer key when Relayer is empty and the key
	// manager holds none.
	CreateRelayer bool `mapstructure:"create_relayer"`
}

// LocalConfig holds the configuration for the local key manager.
type LocalConfig struct {
	KeyDir   string `mapstructure:"key_dir"`
	Password string `mapstructure:"password"`
}

// VaultConfig holds the Vault configuration.
type VaultConfig struct {
	Address     string `mapstructure:"address"`
	Token       string `mapstructure:"token"`
	TransitPath string `mapstructure:"transit_path"`
}

type StoreConfig struct {
	Type string `mapstructure:"type"` // "memory" or "postgres"
	DSN  string `mapstructure:"dsn"`
}

// RedisConfig enables the routing estimate cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RouteTTL time.Duration `mapstructure:"route_ttl"`
}

type RoutingConfig struct {
	Odos    SourceConfig  `mapstructure:"odos"`
	Enso    SourceConfig  `mapstructure:"enso"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SourceConfig configures one routing source. A disabled source is not
// queried.
type SourceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GatewayConfig struct {
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ReceiptPoll     time.Duration `mapstructure:"receipt_poll"`
	ExpirySweep     time.Duration `mapstructure:"expiry_sweep"`
	BatchSize       int           `mapstructure:"batch_size"`
	EvalTimeout     time.Duration `mapstructure:"eval_timeout"`
	ChainTimeout    time.Duration `mapstructure:"chain_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	NonceOfferTTL   time.Duration `mapstructure:"nonce_offer_ttl"`
	Lease           time.Duration `mapstructure:"lease"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`
	PendingTimeout  time.Duration `mapstructure:"pending_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	BackoffJitter   time.Duration `mapstructure:"backoff_jitter"`
	GasLimitPercent uint64        `mapstructure:"gas_limit_percent"`
}

const (
	KeyManagerLocal = "local"
	KeyManagerVault = "vault"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{
		"server.address", "auth.api_key", "auth.api_secret",
		"chain.verifying_contract", "chain.cancel_verifier", "chain.twap_oracle", "chain.declaration_contract",
		"key_manager.local.password", "key_manager.vault.token", "key_manager.relayer",
		"store.dsn", "redis.addr", "redis.password",
		"routing.odos.api_key", "routing.enso.api_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.block_time", 12*time.Second)

	v.SetDefault("key_manager.type", KeyManagerLocal)
	v.SetDefault("key_manager.local.key_dir", "./keystore")
	v.SetDefault("key_manager.vault.address", "http://127.0.0.1:8200")
	v.SetDefault("key_manager.vault.transit_path", "transit")
	v.SetDefault("key_manager.create_relayer", true)

	v.SetDefault("store.type", StoreMemory)

	v.SetDefault("redis.route_ttl", 10*time.Second)

	v.SetDefault("routing.timeout", 5*time.Second)
	v.SetDefault("routing.odos.enabled", true)
	v.SetDefault("routing.odos.base_url", "https://api.odos.xyz")
	v.SetDefault("routing.odos.rps", 5)
	v.SetDefault("routing.odos.burst", 5)
	v.SetDefault("routing.enso.enabled", true)
	v.SetDefault("routing.enso.base_url", "https://api.enso.finance")
	v.SetDefault("routing.enso.rps", 5)
	v.SetDefault("routing.enso.burst", 5)

	v.SetDefault("gateway.workers", 4)
	v.SetDefault("gateway.poll_interval", 2*time.Second)
	v.SetDefault("gateway.receipt_poll", 5*time.Second)
	v.SetDefault("gateway.expiry_sweep", 30*time.Second)
	v.SetDefault("gateway.batch_size", 100)
	v.SetDefault("gateway.eval_timeout", 5*time.Second)
	v.SetDefault("gateway.chain_timeout", 10*time.Second)
	v.SetDefault("gateway.dispatch_timeout", 30*time.Second)
	v.SetDefault("gateway.nonce_offer_ttl", 10*time.Minute)
	v.SetDefault("gateway.lease", time.Minute)
	v.SetDefault("gateway.retry_after", 15*time.Second)
	v.SetDefault("gateway.pending_timeout", 10*time.Minute)
	v.SetDefault("gateway.max_attempts", 5)
	v.SetDefault("gateway.backoff_base", 5*time.Second)
	v.SetDefault("gateway.backoff_max", 10*time.Minute)
	v.SetDefault("gateway.backoff_jitter", 2*time.Second)
	v.SetDefault("gateway.gas_limit_percent", 120)
}

// LoadConfig reads config.yaml from the working directory, overlaid by
// environment variables such as CHAIN_RPC_URL.
func LoadConfig() (Config, error) {
	return Load(".")
}

// Load reads config.yaml from dir. A missing file is not an error.
func Load(dir string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}
	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	if err = config.Validate(); err != nil {
		return config, err
	}
	slog.Info("config loaded",
		"chain_id", config.Chain.ChainID,
		"store", config.Store.Type,
		"key_manager", config.KeyManager.Type,
		"workers", config.Gateway.Workers)
	return config, nil
}

func (c *Config) Validate() error {
	if c.Auth.APIKey == "" || c.Auth.APISecret == "" {
		return errors.New("auth.api_key and auth.api_secret are required")
	}
	switch c.KeyManager.Type {
	case KeyManagerLocal, KeyManagerVault:
	default:
		return fmt.Errorf("unknown key_manager.type %q", c.KeyManager.Type)
	}
	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}
	if c.Gateway.Workers <= 0 {
		return fmt.Errorf("gateway.workers must be positive, got %d", c.Gateway.Workers)
	}
	if c.Gateway.Lease > 0 && c.Gateway.DispatchTimeout >= c.Gateway.Lease {
		return fmt.Errorf("gateway.dispatch_timeout %s must be shorter than gateway.lease %s", c.Gateway.DispatchTimeout, c.Gateway.Lease)
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive, got %d", c.Chain.ChainID)
	}
	if !c.Routing.Odos.Enabled && !c.Routing.Enso.Enabled {
		return errors.New("at least one routing source must be enabled")
	}
	return nil
}
