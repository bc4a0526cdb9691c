package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Usage guard metrics
	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_usage_minutes_consumed_total",
			Help: "Total foreground minutes counted against daily budgets",
		},
		[]string{"user"},
	)

	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_sessions_started_total",
			Help: "Countdown sessions started",
		},
		[]string{"user"},
	)

	RestsEntered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_rests_entered_total",
			Help: "Times a user exhausted the daily budget",
		},
		[]string{"user"},
	)

	GuardState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyguard_guard_state",
			Help: "Current guard state (0 uninitialized, 1 active, 2 resting)",
		},
	)

	RemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyguard_remaining_seconds",
			Help: "Remaining budget of the active countdown",
		},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_storage_errors_total",
			Help: "Persisted store failures recovered by substituting defaults",
		},
		[]string{"op"},
	)

	// Asset cache metrics
	AssetDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_asset_downloads_total",
			Help: "Asset download attempts by result",
		},
		[]string{"result"},
	)

	AssetDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storyguard_asset_download_duration_seconds",
			Help:    "Asset download duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssetResolveHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storyguard_asset_resolve_hits_total",
			Help: "Resolve calls answered with a local path",
		},
	)

	AssetResolveMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storyguard_asset_resolve_misses_total",
			Help: "Resolve calls that fell back to the remote URL",
		},
	)

	CachedAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyguard_cached_assets",
			Help: "Number of URL to path mappings held by the asset cache",
		},
	)

	// Content catalog metrics
	CatalogFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_catalog_fetches_total",
			Help: "Content listing fetches by source and result",
		},
		[]string{"source", "result"},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyguard_api_requests_total",
			Help: "Control API requests",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		UsageMinutesConsumed,
		SessionsStarted,
		RestsEntered,
		GuardState,
		RemainingSeconds,
		StorageErrors,
		AssetDownloads,
		AssetDownloadDuration,
		AssetResolveHits,
		AssetResolveMisses,
		CachedAssets,
		CatalogFetches,
		APIRequestsTotal,
	)
}

// Server exposes /metrics and /health over HTTP
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // systemd socket-activated listener, if any
}

// NewServer creates a metrics server. healthy may be nil; when set, /health
// reports 503 while it returns an error.
func NewServer(addr string, healthy func() error, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			if err := healthy(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes up to ctx
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
