// Package collector routes a device to the backend that measures it and
// normalizes the result into a type-tagged envelope.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
	"github.com/Fimeg/systemsdashboard/internal/hoststats"
	"github.com/Fimeg/systemsdashboard/internal/monitoring"
	"github.com/Fimeg/systemsdashboard/internal/pve"
)

// Sessions runs calls against the cluster API with an authenticated session.
type Sessions interface {
	Do(ctx context.Context, t device.ClusterTarget, fn func(context.Context, *pve.Client) error) error
}

// CommandRunner executes a probe command on a host.
type CommandRunner interface {
	Run(ctx context.Context, host string, transport device.Transport, command string) (string, error)
}

// HostProvider reads local host telemetry.
type HostProvider interface {
	Basic(ctx context.Context) (hoststats.Basic, error)
}

// Router dispatches collections by target type.
type Router struct {
	sessions Sessions
	runner   CommandRunner
	host     HostProvider
	metrics  *monitoring.Metrics
	logger   *slog.Logger

	nodeConcurrency int
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records collection counts and durations.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithNodeConcurrency bounds how many nodes a cluster overview queries at
// once.
func WithNodeConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.nodeConcurrency = n
		}
	}
}

// NewRouter creates a Router over the three collaborators.
func NewRouter(logger *slog.Logger, sessions Sessions, runner CommandRunner, host HostProvider, opts ...Option) *Router {
	r := &Router{
		sessions:        sessions,
		runner:          runner,
		host:            host,
		logger:          logger.With("component", "collector"),
		nodeConcurrency: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Collect validates d and collects metrics for it. Malformed descriptors
// fail before any network call.
func (r *Router) Collect(ctx context.Context, d *device.Descriptor) (Envelope, error) {
	target, err := device.Parse(d)
	if err != nil {
		return nil, err
	}
	return r.CollectTarget(ctx, target)
}

// CollectTarget collects metrics for an already validated target.
func (r *Router) CollectTarget(ctx context.Context, target device.Target) (Envelope, error) {
	start := time.Now()
	env, err := r.dispatch(ctx, target)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(errs.KindOf(err))
		r.logger.Warn("Collection failed",
			"type", target.Kind(),
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		r.logger.Debug("Collection completed", "type", target.Kind(), "duration_ms", elapsed.Milliseconds())
	}
	r.metrics.ObserveCollect(string(target.Kind()), outcome, elapsed)
	return env, err
}

func (r *Router) dispatch(ctx context.Context, target device.Target) (Envelope, error) {
	switch t := target.(type) {
	case device.ClusterTarget:
		if t.Node == "" {
			return r.clusterOverview(ctx, t)
		}
		return r.clusterNode(ctx, t)
	case device.VMTarget:
		return r.probes(ctx, device.KindVM, t.Address, t.Transport)
	case device.HostTarget:
		if t.IsLocal() {
			return r.localHost(ctx)
		}
		return r.probes(ctx, device.KindHost, t.Address, device.TransportSSH)
	case device.ContainerTarget:
		return r.container(ctx, t)
	case device.ContainerHostTarget:
		return r.containerHost(ctx, t)
	default:
		return nil, fmt.Errorf("unhandled target %T", target)
	}
}

func (r *Router) localHost(ctx context.Context) (Envelope, error) {
	basic, err := r.host.Basic(ctx)
	if err != nil {
		return nil, errs.WithOp("local host", err)
	}
	return &HostInfo{Type: device.KindHost, Basic: basic}, nil
}
