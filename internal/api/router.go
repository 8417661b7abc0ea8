package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Fimeg/systemsdashboard/internal/cache"
	"github.com/Fimeg/systemsdashboard/internal/collector"
	"github.com/Fimeg/systemsdashboard/internal/config"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/hoststats"
	"github.com/Fimeg/systemsdashboard/internal/middleware"
	"github.com/Fimeg/systemsdashboard/internal/monitoring"
)

// Collector measures one device.
type Collector interface {
	Collect(ctx context.Context, d *device.Descriptor) (collector.Envelope, error)
}

// Snapshotter reads the full local host snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*hoststats.Snapshot, error)
}

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Collector   Collector
	Snapshots   Snapshotter
	SnapshotTTL time.Duration
	Metrics     *monitoring.Metrics
	CORS        config.CORSConfig
	Logger      *slog.Logger

	// Now defaults to time.Now and drives generated device ids.
	Now func() time.Time
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	// CORS (if enabled)
	if deps.CORS.Enabled {
		r.Use(middleware.CORS(
			deps.CORS.AllowedOrigins,
			deps.CORS.AllowedMethods,
			deps.CORS.AllowedHeaders,
			deps.CORS.MaxAgeSeconds,
		))
	}

	var opts []cache.Option
	if deps.Metrics != nil {
		opts = append(opts, cache.WithLookupCounter(deps.Metrics.CacheLookups))
	}
	snapshots := cache.New[[]byte]("snapshot", deps.SnapshotTTL, opts...)

	healthHandler := NewHealthHandler()
	deviceHandler := NewDeviceHandler(deps.Collector, deps.Now, logger)
	systemHandler := NewSystemHandler(deps.Snapshots, snapshots, logger)

	r.Get("/health", healthHandler.Health)

	r.Post("/devices", deviceHandler.Add)
	r.Get("/devices/{id}/metrics", deviceHandler.Metrics)

	r.Get("/metrics", systemHandler.Metrics)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", deps.Metrics.Handler())
	}

	return r
}
