package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/milestonebet/internal/blob/s3"
	"github.com/alanyoungcy/milestonebet/internal/cache/redis"
	"github.com/alanyoungcy/milestonebet/internal/config"
	"github.com/alanyoungcy/milestonebet/internal/crypto"
	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/notify"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
	"github.com/alanyoungcy/milestonebet/internal/platform/celo"
	"github.com/alanyoungcy/milestonebet/internal/server/handler"
	"github.com/alanyoungcy/milestonebet/internal/service"
	"github.com/alanyoungcy/milestonebet/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MilestoneStore domain.MilestoneStore
	MarketStore    domain.MarketStore
	BetStore       domain.BetStore
	AuditStore     domain.AuditStore
	Ledger         domain.Ledger

	// Caches
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	History     domain.EventHistory

	// Blob storage; nil unless archiving runs in this process.
	Archiver domain.MarketArchiver

	// Core
	Engine     *parimutuel.Engine
	Markets    *service.MarketService
	Milestones *service.MilestoneService

	Notifier *notify.Notifier

	// Health checks by dependency name.
	Checks map[string]handler.Check
}

// needsS3 reports whether this process runs the archiver.
func needsS3(cfg *config.Config) bool {
	return runsWorker(cfg.Mode) && cfg.Pipeline.Enabled && cfg.Pipeline.ArchiveEnabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. logger must not carry a
// component attribute; each dependency adds its own.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	wireLog := logger.With(slog.String("component", "wire"))
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Checks["postgres"] = pgClient.Ping

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.MilestoneStore = postgres.NewMilestoneStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.BetStore = postgres.NewBetStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Ledger = postgres.NewLedger(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient.Ping

	bus := redis.NewSignalBus(redisClient)
	deps.QuoteCache = redis.NewQuoteCache(redisClient, cfg.Market.QuoteCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = bus
	deps.History = bus

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Checks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engine and services ---
	deps.Engine = parimutuel.NewEngine(parimutuel.EngineConfig{
		Authorizer:    parimutuel.CreatorOnly,
		Ledger:        deps.Ledger,
		Decimals:      parimutuel.Precision(int32(cfg.Market.Decimals)),
		LedgerTimeout: cfg.Market.LedgerTimeout.Duration,
	}, logger)

	deps.Markets = service.NewMarketService(
		deps.Engine, deps.MarketStore, deps.BetStore, deps.QuoteCache,
		deps.SignalBus, deps.AuditStore, logger,
	)
	if deps.Notifier.Enabled() {
		deps.Markets.SetNotifier(deps.Notifier)
	}

	if cfg.Signer.Enabled() {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Signer.PrivateKey,
			EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
			KeyPassword:      cfg.Signer.KeyPassword,
		})
		if err != nil {
			return fail("signer", err)
		}
		signer, err := crypto.NewSigner(key)
		if err != nil {
			return fail("signer", err)
		}
		deps.Markets.SetSigner(signer)
		wireLog.Info("payout receipts signed", slog.String("address", signer.Address().Hex()))
	}

	// A nil *celo.Registry must not become a non-nil Verifier.
	var verifier service.Verifier
	if cfg.Celo.RequireVerification {
		registry, closeRPC, err := celo.Dial(ctx, cfg.Celo.RPCURL, cfg.Celo.RegistryAddress, cfg.Celo.CacheTTL.Duration)
		if err != nil {
			return fail("celo", err)
		}
		closers = append(closers, closeRPC)
		verifier = registry
	}

	deps.Milestones = service.NewMilestoneService(
		deps.Engine, deps.MilestoneStore, deps.Markets, verifier,
		deps.SignalBus, deps.AuditStore, logger,
	)

	return deps, cleanup, nil
}
