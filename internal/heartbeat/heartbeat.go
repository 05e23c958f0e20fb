package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackzampolin/drender/internal/cloud"
	"github.com/jackzampolin/drender/internal/types"
)

// Default probe cadence and per-request timeout.
const (
	DefaultInterval     = 15 * time.Second
	DefaultProbeTimeout = 30 * time.Second
)

// Monitor schedules periodic liveness probes, one ticker per watched
// instance. It only reports unhealthy; choosing between restart and
// replacement is the driver's decision, deduplicated through the state
// store's pending queues.
type Monitor struct {
	probe        cloud.HealthProbe
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
}

// Config configures a heartbeat monitor.
type Config struct {
	Probe cloud.HealthProbe
	// Interval between probes (default 15s).
	Interval time.Duration
	// ProbeTimeout per health request (default 30s).
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		probe:        cfg.Probe,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger.With("component", "heartbeat"),
	}
}

// Watch starts probing an instance. Each failed probe reports one
// unhealthy event through onUnhealthy. The returned cancel function stops
// the watch and is safe to call more than once.
func (m *Monitor) Watch(ctx context.Context, inst types.Instance, onUnhealthy func(types.Instance)) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx, inst, onUnhealthy)
			}
		}
	}()

	return cancel
}

// tick runs one probe against the instance.
func (m *Monitor) tick(ctx context.Context, inst types.Instance, onUnhealthy func(types.Instance)) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := m.probe.Probe(probeCtx, inst.PublicIP); err != nil {
		// The watch may have been cancelled mid-probe; a cancelled probe
		// is not a verdict on the worker.
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("instance unhealthy", "instance", inst.ID, "ip", inst.PublicIP, "error", err)
		onUnhealthy(inst)
	}
}
