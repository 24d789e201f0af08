package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/vault/api"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/config"
	"github.com/brinktrade/brink-api/internal/gateway"
	"github.com/brinktrade/brink-api/internal/lifecycle"
	"github.com/brinktrade/brink-api/internal/middleware"
	"github.com/brinktrade/brink-api/internal/nonce"
	"github.com/brinktrade/brink-api/internal/relayer"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/segment"
	"github.com/brinktrade/brink-api/internal/server"
	"github.com/brinktrade/brink-api/internal/signer"
	"github.com/brinktrade/brink-api/internal/store"
	"github.com/brinktrade/brink-api/internal/validator"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	chainClient, eth, err := chain.Dial(cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		return err
	}
	defer eth.Close()

	keyManager, err := newKeyManager(cfg.KeyManager)
	if err != nil {
		return err
	}
	relayerSigner, err := signer.Bootstrap(keyManager, common.HexToAddress(cfg.KeyManager.Relayer), cfg.KeyManager.CreateRelayer)
	if err != nil {
		return fmt.Errorf("failed to select relayer account: %w", err)
	}
	slog.Info("relayer account selected", "address", relayerSigner.Address().Hex())

	dispatcher := relayer.NewDispatcher(relayer.Config{
		ChainID:         cfg.Chain.ChainID,
		GasLimitPercent: cfg.Gateway.GasLimitPercent,
	}, eth, relayerSigner)

	router, err := newRouter(cfg)
	if err != nil {
		return err
	}

	registry := nonce.NewRegistry(nonce.WithOfferTTL(cfg.Gateway.NonceOfferTTL))
	verifyingContract := common.HexToAddress(cfg.Chain.VerifyingContract)
	evaluator := segment.New(segment.Config{
		Timeout:    cfg.Gateway.EvalTimeout,
		RetryAfter: cfg.Gateway.RetryAfter,
	}, chainClient, chainClient, router, registry)
	tracker := lifecycle.NewTracker(st, registry, lifecycle.BackoffPolicy{
		Base:        cfg.Gateway.BackoffBase,
		Max:         cfg.Gateway.BackoffMax,
		MaxJitter:   cfg.Gateway.BackoffJitter,
		MaxAttempts: cfg.Gateway.MaxAttempts,
	})

	gw := gateway.New(gateway.Config{
		ChainID:             cfg.Chain.ChainID,
		BlockTime:           cfg.Chain.BlockTime,
		VerifyingContract:   verifyingContract,
		CancelVerifier:      common.HexToAddress(cfg.Chain.CancelVerifier),
		TWAPOracle:          common.HexToAddress(cfg.Chain.TWAPOracle),
		DeclarationContract: common.HexToAddress(cfg.Chain.DeclarationContract),
		Lease:               cfg.Gateway.Lease,
		RetryAfter:          cfg.Gateway.RetryAfter,
		PendingTimeout:      cfg.Gateway.PendingTimeout,
		ChainTimeout:        cfg.Gateway.ChainTimeout,
		DispatchTimeout:     cfg.Gateway.DispatchTimeout,
	}, gateway.Deps{
		Store:      st,
		Nonces:     registry,
		Validator:  validator.New(verifyingContract, registry, chainClient),
		Evaluator:  evaluator,
		Router:     router,
		Tracker:    tracker,
		Chain:      chainClient,
		Allowances: chainClient,
		Oracle:     chainClient,
		Dispatcher: dispatcher,
	})
	if err := gw.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore declarations: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	routes := server.Routes{
		Gateway: gw,
		Auth:    middleware.NewAuthMiddleware(cfg.Auth.APIKey, cfg.Auth.APISecret).Wrap,
	}
	if cfg.RateLimit.RPS > 0 {
		routes.RateLimit = middleware.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware
	}
	srv := server.NewServer(server.NewRouter(routes), cfg.Server.Address, cfg.Server.Port, server.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	})

	worker := gateway.NewWorker(gw, gateway.WorkerConfig{
		Workers:      cfg.Gateway.Workers,
		PollInterval: cfg.Gateway.PollInterval,
		ReceiptPoll:  cfg.Gateway.ReceiptPoll,
		ExpirySweep:  cfg.Gateway.ExpirySweep,
		BatchSize:    cfg.Gateway.BatchSize,
	})
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr, "chainId", cfg.Chain.ChainID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.Type != config.StorePostgres {
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

func newKeyManager(cfg config.KeyManagerConfig) (signer.KeyManager, error) {
	opts := signer.Options{
		Type:     cfg.Type,
		KeyDir:   cfg.Local.KeyDir,
		Password: cfg.Local.Password,
	}
	if cfg.Type == config.KeyManagerVault {
		vaultConfig := api.DefaultConfig()
		if err := vaultConfig.ReadEnvironment(); err != nil {
			slog.Warn("could not read Vault environment variables", "error", err)
		}
		if cfg.Vault.Address != "" {
			vaultConfig.Address = cfg.Vault.Address
		}
		vaultClient, err := api.NewClient(vaultConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vault client: %w", err)
		}
		if cfg.Vault.Token != "" {
			vaultClient.SetToken(cfg.Vault.Token)
		}
		opts.VaultClient = vaultClient
		opts.TransitPath = cfg.Vault.TransitPath
	}
	km, err := signer.NewKeyManager(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}
	return km, nil
}

func newRouter(cfg *config.Config) (*routing.Selector, error) {
	var sources []routing.Source
	if c := cfg.Routing.Odos; c.Enabled {
		sources = append(sources, routing.NewOdosSource(sourceConfig(c)))
	}
	if c := cfg.Routing.Enso; c.Enabled {
		sources = append(sources, routing.NewEnsoSource(sourceConfig(c)))
	}
	if len(sources) == 0 {
		return nil, errors.New("no routing source enabled")
	}

	var cache routing.Cache = routing.NoopCache{}
	if cfg.Redis.Addr != "" {
		cache = routing.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.RouteTTL)
	}
	return routing.NewSelector(cache, cfg.Routing.Timeout, sources...), nil
}

func sourceConfig(c config.SourceConfig) routing.SourceConfig {
	return routing.SourceConfig{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		RPS:     c.RPS,
		Burst:   c.Burst,
		Timeout: c.Timeout,
	}
}
