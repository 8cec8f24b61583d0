package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/blossm-network/packages/pkg/anchor"
	"github.com/blossm-network/packages/pkg/archive"
	"github.com/blossm-network/packages/pkg/bus"
	"github.com/blossm-network/packages/pkg/config"
	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/kms"
	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/observability"
	"github.com/blossm-network/packages/pkg/store"
)

// subsystems is everything a command needs, built from one Config.
type subsystems struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *ledger.Engine
	signer    *crypto.Ed25519Signer
	archiver  *archive.Archiver
	queue     anchor.Queue
	telemetry *observability.Provider
	closers   []func() error
}

func (s *subsystems) Close(ctx context.Context) {
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.WarnContext(ctx, "close failed", "error", err)
		}
	}
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(stderr, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func() error, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		return store.NewMemoryStore(), func() error { return nil }, nil
	case config.DriverSQLite, config.DriverPostgres:
		s, err := store.Open(ctx, store.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func openEncryptor(cfg *config.Config) (ledger.Encryptor, error) {
	if cfg.Public {
		return nil, nil
	}
	if len(cfg.AgeRecipients) > 0 {
		return kms.NewAgeEncryptor(cfg.AgeRecipients)
	}
	return kms.NewLocalKMS(cfg.KeystorePath, keystoreLabel(cfg))
}

// keystoreLabel binds local ciphertexts to this store's identity.
func keystoreLabel(cfg *config.Config) string {
	return cfg.Network + "/" + cfg.Service + "/" + cfg.Domain
}

// buildSubsystems wires the configured collaborators into an engine.
func buildSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*subsystems, error) {
	s := &subsystems{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close(ctx)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.closers = append(s.closers, closeStore)

	s.signer, err = crypto.LoadOrCreateSeedFile(cfg.SigningKeyPath, cfg.SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	options := []ledger.Option{ledger.WithSigner(s.signer), ledger.WithLogger(logger)}

	enc, err := openEncryptor(cfg)
	if err != nil {
		return nil, fmt.Errorf("open encryptor: %w", err)
	}
	if enc != nil {
		options = append(options, ledger.WithEncryptor(enc))
	}

	if cfg.RedisAddr != "" {
		client := bus.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		scheduler := bus.NewRedisScheduler(client, cfg.RedisQueue)
		s.queue = scheduler
		options = append(options,
			ledger.WithPublisher(bus.NewRedisPublisher(client, cfg.RedisTopicPrefix)),
			ledger.WithScheduler(scheduler))
	} else {
		scheduler := bus.NewLocalScheduler()
		s.queue = scheduler
		options = append(options,
			ledger.WithPublisher(bus.LogPublisher{Logger: logger}),
			ledger.WithScheduler(scheduler))
	}

	s.archiver, err = archive.New(ctx, cfg.Archive())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if s.archiver != nil {
		options = append(options, ledger.WithArchiver(s.archiver))
	}

	s.telemetry, err = observability.New(ctx, cfg.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	options = append(options, ledger.WithTracker(s.telemetry))

	s.engine, err = ledger.New(st, defaultHandlers(), cfg.EngineOptions(), options...)
	if err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

func (s *subsystems) worker() *anchor.Worker {
	return anchor.NewWorker(s.queue, s.engine, anchor.Config{
		Interval:   s.cfg.AnchorInterval,
		Burst:      s.cfg.AnchorBurst,
		BlockLimit: s.cfg.BlockLimit,
		RetryDelay: s.cfg.AnchorRetryDelay,
	}, s.logger)
}
