package main

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/config"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/signer"
	"github.com/brinktrade/brink-api/internal/store"
)

func TestOpenMemoryStore(t *testing.T) {
	st, closeStore, err := openStore(context.Background(), config.StoreConfig{Type: config.StoreMemory})
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &store.MemoryStore{}, st)
}

func TestNewRouter(t *testing.T) {
	cfg := &config.Config{}
	_, err := newRouter(cfg)
	assert.EqualError(t, err, "no routing source enabled")

	cfg.Routing = config.RoutingConfig{
		Odos:    config.SourceConfig{Enabled: true, BaseURL: "http://odos.invalid", Timeout: time.Second},
		Enso:    config.SourceConfig{Enabled: false},
		Timeout: time.Second,
	}
	router, err := newRouter(cfg)
	require.NoError(t, err)
	assert.Equal(t, []routing.SourceName{routing.Odos}, router.Sources())

	cfg.Routing.Enso = config.SourceConfig{Enabled: true, BaseURL: "http://enso.invalid"}
	router, err = newRouter(cfg)
	require.NoError(t, err)
	assert.Equal(t, []routing.SourceName{routing.Odos, routing.Enso}, router.Sources())
}

func TestNewLocalKeyManagerBootstrap(t *testing.T) {
	km, err := newKeyManager(config.KeyManagerConfig{
		Type:  config.KeyManagerLocal,
		Local: config.LocalConfig{KeyDir: t.TempDir(), Password: "pw"},
	})
	require.NoError(t, err)

	s, err := signer.Bootstrap(km, common.Address{}, true)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{s.Address()}, km.GetAccounts())
}

func TestNewKeyManagerUnknownType(t *testing.T) {
	_, err := newKeyManager(config.KeyManagerConfig{Type: "unknown"})
	assert.ErrorContains(t, err, "failed to create key manager")
}
