package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/storyguard/internal/agent"
	"github.com/goodtune/storyguard/internal/api"
	"github.com/goodtune/storyguard/internal/assets"
	"github.com/goodtune/storyguard/internal/config"
	"github.com/goodtune/storyguard/internal/content"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/metrics"
	"github.com/goodtune/storyguard/internal/policy"
	"github.com/goodtune/storyguard/internal/policy/opa"
	"github.com/goodtune/storyguard/internal/storage"
	"github.com/goodtune/storyguard/internal/storage/redis"
	"github.com/goodtune/storyguard/internal/storage/sqlite"
	"github.com/goodtune/storyguard/internal/systemd"
	"github.com/goodtune/storyguard/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start StoryGuard server",
	Long:  `Start the StoryGuard control API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting StoryGuard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("redis_host", cfg.Storage.Redis.Host).
		Msg("Storage initialized")

	// Initialize budget policy
	limit := parseDuration(cfg.Usage.DailyLimit, usage.DefaultDailyLimit)
	budget, engine, err := openBudget(cfg.Policy, limit, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize budget policy: %w", err)
	}
	if engine != nil && cfg.Policy.Watch {
		go func() {
			if err := engine.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}

	// Initialize usage guard
	guard := usage.NewGuard(store.KV(), usage.Config{
		DailyLimit:   limit,
		TickInterval: parseDuration(cfg.Usage.TickInterval, usage.DefaultTickInterval),
		Budget:       budget,
	}, logger)

	// Initialize content catalog and asset cache
	catalog := openCatalog(cfg.Content, logger)
	cache, err := openCache(ctx, cfg.Assets, store.KV(), catalog, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("dir", cfg.Assets.CacheDir).
		Int("cached", cache.Len()).
		Msg("Asset cache loaded")

	broadcaster := lifecycle.NewBroadcaster(lifecycle.Active)
	storyAgent := agent.New(guard, cache, broadcaster, logger)

	if catalog != nil && cfg.Assets.PreloadOnStart {
		go func() {
			if _, err := storyAgent.Preload(ctx); err != nil {
				logger.Warn().Err(err).Msg("Content preload failed")
			}
		}()
	}

	// Initialize control API
	apiConfig := api.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
	}
	if engine != nil {
		apiConfig.Policy = engine
	}

	apiServer := api.NewServer(apiConfig, storyAgent, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	logger.Info().Str("addr", apiConfig.ListenAddr).Msg("API Server started")

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, storageHealth(store.KV()), logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().Str("addr", metricsAddr).Msg("Metrics Server started")
	}

	logger.Info().Msg("StoryGuard startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policy and catalog...")
		_ = systemd.NotifyReloading()
		if engine != nil {
			if err := engine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload budget policy")
			} else {
				logger.Info().Msg("Budget policy reloaded successfully")
			}
		}
		if catalog != nil {
			catalog.Invalidate()
		}
		_ = systemd.NotifyReady()
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	var metricsStopper stopper
	if metricsServer != nil {
		metricsStopper = metricsServer
	}
	shutdown(stopCtx, apiServer, storyAgent, metricsStopper, logger)
	cancel()

	logger.Info().Msg("StoryGuard stopped")

	return nil
}

type stopper interface {
	Stop(ctx context.Context) error
}

type flusher interface {
	Close(ctx context.Context)
}

// shutdown stops the API before flushing the agent so no request can start a
// session after the final flush. metricsServer may be nil.
func shutdown(ctx context.Context, apiServer stopper, a flusher, metricsServer stopper, logger zerolog.Logger) {
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	// Flush the running session before the store goes away
	a.Close(ctx)

	if metricsServer != nil {
		if err := metricsServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}
}

func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.Open(cfg.Path, logger)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// openBudget returns the limit source for the guard. The engine is nil when
// rego policies are disabled.
func openBudget(cfg config.PolicyConfig, limit time.Duration, logger zerolog.Logger) (usage.Budget, *opa.Engine, error) {
	if !cfg.Enabled {
		return policy.Static(limit), nil, nil
	}

	engine, err := opa.NewEngine(cfg.Dir, limit, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info().Str("dir", cfg.Dir).Bool("watch", cfg.Watch).Msg("Budget policy loaded")
	return engine, engine, nil
}

// openCatalog returns nil when no content source is configured.
func openCatalog(cfg config.ContentConfig, logger zerolog.Logger) *content.CachedCatalog {
	var next content.Catalog
	switch cfg.Source {
	case "file":
		next = content.NewFileCatalog(cfg.File)
	case "http":
		if cfg.URL == "" {
			return nil
		}
		next = content.NewHTTPCatalog(cfg.URL, cfg.Token, parseDuration(cfg.Timeout, 15*time.Second), logger)
	default:
		return nil
	}

	return content.NewCachedCatalog(next, cfg.CacheSize, parseDuration(cfg.CacheTTL, 10*time.Minute))
}

func openCache(ctx context.Context, cfg config.AssetsConfig, kv storage.KVStore, catalog *content.CachedCatalog, logger zerolog.Logger) (*assets.Cache, error) {
	var source content.Catalog
	if catalog != nil {
		source = catalog
	}

	cache := assets.NewCache(assets.Config{
		Dir:         cfg.CacheDir,
		Concurrency: cfg.Concurrency,
	}, kv, assets.NewHTTPDownloader(parseDuration(cfg.DownloadTimeout, time.Minute)), source, logger)

	if err := cache.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load asset cache map: %w", err)
	}
	return cache, nil
}

// storageHealth reports the store unhealthy when a read fails for any reason
// other than a missing key.
func storageHealth(kv storage.KVStore) func() error {
	probe := storage.GlobalKey(storage.PurposeAssetCacheMap)
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := kv.Get(ctx, probe); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
