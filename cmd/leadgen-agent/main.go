package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	"github.com/p-blackswan/leadgen-agent/internal/config"
	"github.com/p-blackswan/leadgen-agent/internal/generation"
	"github.com/p-blackswan/leadgen-agent/internal/health"
	"github.com/p-blackswan/leadgen-agent/internal/kvstore"
	"github.com/p-blackswan/leadgen-agent/internal/metrics"
	"github.com/p-blackswan/leadgen-agent/internal/mgmt"
	"github.com/p-blackswan/leadgen-agent/internal/notify"
	"github.com/p-blackswan/leadgen-agent/internal/orchestrator"
	"github.com/p-blackswan/leadgen-agent/internal/registry"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("store_driver", cfg.StoreDriver).
		Str("generation_api", cfg.GenerationAPIURL).
		Str("api_addr", cfg.MgmtListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting leadgen agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Agent profiles (optional)
	profiles := &config.Profiles{}
	if cfg.AgentProfilesPath != "" {
		profiles, err = config.LoadProfiles(cfg.AgentProfilesPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AgentProfilesPath).Msg("failed to load agent profiles")
		}
		logger.Info().Int("agents", len(profiles.Agents)).Msg("agent profiles loaded")
	}

	// Storage
	var backend kvstore.Store
	var closeStore func() error
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		sqlStore, err := kvstore.NewSQLiteStore(cfg.StorePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open store")
		}
		if size, err := sqlStore.SizeBytes(); err == nil {
			logger.Info().Str("path", cfg.StorePath).Int64("bytes", size).Msg("sqlite store opened")
		}
		backend = sqlStore
		closeStore = sqlStore.Close
	default:
		logger.Warn().Msg("using in-memory store, tasks and projects will not survive a restart")
		backend = kvstore.NewMemoryStore()
	}
	store := kvstore.NewCachedStore(backend, cfg.StoreCacheEntries)

	m := metrics.New()
	reg := registry.New(store, cfg.HistoryLimit, logger)
	repo := artifact.NewRepository(store, logger)

	// Generation backend client
	clientOpts := []generation.Option{
		generation.WithTimeout(cfg.GenerationTimeout),
	}
	if cfg.GenerationAPIKey != "" {
		clientOpts = append(clientOpts, generation.WithAPIKey(cfg.GenerationAPIKey))
	}
	for _, agent := range task.AgentTypes {
		clientOpts = append(clientOpts, generation.WithDefaults(agent, profiles.Defaults(agent)))
	}
	client := generation.NewClient(cfg.GenerationAPIURL, logger, clientOpts...)

	orch := orchestrator.New(orchestrator.Config{
		MaxAttempts:        cfg.MaxAttempts,
		ProgressCeiling:    cfg.ProgressCeiling,
		TickInterval:       cfg.ProgressTick,
		StalenessThreshold: cfg.StalenessThreshold,
		FailedRetention:    cfg.FailedRetention,
		ExpectedDurations:  profiles.ApplyDurations(cfg.ExpectedDurations()),
		Phases:             profiles.Phases(),
	}, reg, repo, client, m, logger)

	if cfg.SlackEnabled() {
		orch.SetNotifier(notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackNotifyChannel, logger))
		logger.Info().Str("channel", cfg.SlackNotifyChannel).Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack not configured, skipping notifications")
	}

	// Reconcile whatever the previous process left behind before taking traffic
	if err := orch.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to restore tasks (continuing with an empty working set)")
	}
	orch.Start(ctx)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", health.StoreCheck(store))
	checker.Register("persistence", health.PersistenceCheck(orch))

	apiServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.CORSOriginList(),
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, orch, repo, checker, m, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	// Running generations stay persisted as running and are reconciled by
	// the next Restore.
	orch.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	hits, misses := store.Stats()
	logger.Info().Uint64("cache_hits", hits).Uint64("cache_misses", misses).Msg("store cache stats")

	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("store close error")
		}
	}

	logger.Info().Msg("leadgen agent stopped")
}
