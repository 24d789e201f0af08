package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_API_KEY", "key")
	t.Setenv("AUTH_API_SECRET", "secret")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(1), cfg.Chain.ChainID)
	assert.Equal(t, 12*time.Second, cfg.Chain.BlockTime)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, KeyManagerLocal, cfg.KeyManager.Type)
	assert.True(t, cfg.KeyManager.CreateRelayer)
	assert.Equal(t, 4, cfg.Gateway.Workers)
	assert.Equal(t, uint64(120), cfg.Gateway.GasLimitPercent)
	assert.Equal(t, 10*time.Second, cfg.Gateway.ChainTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.DispatchTimeout)
	assert.True(t, cfg.Routing.Odos.Enabled)
	assert.Equal(t, "https://api.enso.finance", cfg.Routing.Enso.BaseURL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
chain:
  chain_id: 8453
  block_time: 2s
  verifying_contract: "0x000000000000000000000000000000000000b001"
store:
  type: postgres
  dsn: postgres://localhost/brink
gateway:
  workers: 8
  backoff_max: 1m
routing:
  enso:
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("AUTH_API_KEY", "key")
	t.Setenv("AUTH_API_SECRET", "s3cret")
	t.Setenv("GATEWAY_WORKERS", "16")
	t.Setenv("CHAIN_DECLARATION_CONTRACT", "0x000000000000000000000000000000000000dec1")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(8453), cfg.Chain.ChainID)
	assert.Equal(t, 2*time.Second, cfg.Chain.BlockTime)
	assert.Equal(t, "0x000000000000000000000000000000000000b001", cfg.Chain.VerifyingContract)
	assert.Equal(t, "0x000000000000000000000000000000000000dec1", cfg.Chain.DeclarationContract)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://localhost/brink", cfg.Store.DSN)
	assert.Equal(t, 16, cfg.Gateway.Workers)
	assert.Equal(t, time.Minute, cfg.Gateway.BackoffMax)
	assert.Equal(t, "s3cret", cfg.Auth.APISecret)
	assert.False(t, cfg.Routing.Enso.Enabled)
	assert.True(t, cfg.Routing.Odos.Enabled)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("AUTH_API_KEY", "key")
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.api_secret")
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("chain: [unterminated"), 0o600))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Auth:       AuthConfig{APIKey: "key", APISecret: "secret"},
			Chain:      ChainConfig{ChainID: 1},
			KeyManager: KeyManagerConfig{Type: KeyManagerVault},
			Store:      StoreConfig{Type: StoreMemory},
			Routing:    RoutingConfig{Odos: SourceConfig{Enabled: true}},
			Gateway:    GatewayConfig{Workers: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no api key", mutate: func(c *Config) { c.Auth.APIKey = "" }, wantErr: "auth.api_key"},
		{name: "no api secret", mutate: func(c *Config) { c.Auth.APISecret = "" }, wantErr: "auth.api_secret"},
		{name: "unknown key manager", mutate: func(c *Config) { c.KeyManager.Type = "hsm" }, wantErr: "key_manager.type"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "sqlite" }, wantErr: "store.type"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Type = StorePostgres }, wantErr: "store.dsn"},
		{name: "no workers", mutate: func(c *Config) { c.Gateway.Workers = 0 }, wantErr: "gateway.workers"},
		{name: "dispatch outlives lease", mutate: func(c *Config) {
			c.Gateway.Lease = time.Minute
			c.Gateway.DispatchTimeout = time.Minute
		}, wantErr: "gateway.dispatch_timeout"},
		{name: "no chain", mutate: func(c *Config) { c.Chain.ChainID = 0 }, wantErr: "chain.chain_id"},
		{name: "no routing source", mutate: func(c *Config) { c.Routing.Odos.Enabled = false }, wantErr: "routing source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
