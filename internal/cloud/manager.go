package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/drender/internal/types"
)

// Default timeouts for provider operations.
const (
	DefaultSpawnTimeout     = 8 * time.Minute
	DefaultRestartTimeout   = 5 * time.Minute
	DefaultTerminateTimeout = 8 * time.Minute
	DefaultPoolSize         = 10
)

// Manager adapts the machine and storage providers for the driver. It is
// stateless apart from the configured provider handles: provider calls
// block, so the manager bounds how many run at once and the driver invokes
// it off its event loop.
type Manager struct {
	machines MachineProvider
	storage  StorageProvider
	probe    HealthProbe
	logger   *slog.Logger

	// semaphore bounds concurrent provider calls.
	semaphore chan struct{}

	spawnTimeout     time.Duration
	restartTimeout   time.Duration
	terminateTimeout time.Duration
}

// ManagerConfig configures a resource manager.
type ManagerConfig struct {
	Machines MachineProvider
	Storage  StorageProvider
	Probe    HealthProbe
	Logger   *slog.Logger

	// PoolSize bounds concurrent provider calls (default 10).
	PoolSize int

	SpawnTimeout     time.Duration
	RestartTimeout   time.Duration
	TerminateTimeout time.Duration
}

// NewManager creates a resource manager over the given providers.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Machines == nil {
		return nil, fmt.Errorf("machine provider is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = DefaultSpawnTimeout
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = DefaultTerminateTimeout
	}

	return &Manager{
		machines:         cfg.Machines,
		storage:          cfg.Storage,
		probe:            cfg.Probe,
		logger:           logger.With("component", "cloud"),
		semaphore:        make(chan struct{}, cfg.PoolSize),
		spawnTimeout:     cfg.SpawnTimeout,
		restartTimeout:   cfg.RestartTimeout,
		terminateTimeout: cfg.TerminateTimeout,
	}, nil
}

// acquire takes a pool slot, respecting context cancellation.
func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.semaphore
}

// Spawn provisions count machines from the given image.
func (m *Manager) Spawn(ctx context.Context, ami string, count int) ([]types.Instance, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	ctx, cancel := context.WithTimeout(ctx, m.spawnTimeout)
	defer cancel()

	m.logger.Info("spawning machines", "ami", ami, "count", count)
	instances, err := m.machines.Spawn(ctx, ami, count)
	if err != nil {
		return nil, fmt.Errorf("spawn of %d machines failed: %w", count, err)
	}
	return instances, nil
}

// Restart reboots a machine and waits for its health probe to answer.
func (m *Manager) Restart(ctx context.Context, inst types.Instance) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	ctx, cancel := context.WithTimeout(ctx, m.restartTimeout)
	defer cancel()

	m.logger.Info("restarting machine", "instance", inst.ID)
	if err := m.machines.Restart(ctx, inst.ID); err != nil {
		return fmt.Errorf("restart of %s failed: %w", inst.ID, err)
	}
	if m.probe != nil {
		if err := WaitHealthy(ctx, m.probe, inst.PublicIP, m.restartTimeout); err != nil {
			return fmt.Errorf("machine %s unhealthy after restart: %w", inst.ID, err)
		}
	}
	return nil
}

// Terminate destroys the listed machines.
func (m *Manager) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	ctx, cancel := context.WithTimeout(ctx, m.terminateTimeout)
	defer cancel()

	m.logger.Info("terminating machines", "instances", instanceIDs)
	if err := m.machines.Terminate(ctx, instanceIDs); err != nil {
		return fmt.Errorf("terminate of %v failed: %w", instanceIDs, err)
	}
	return nil
}

// EnsureBucket creates the project's output location. Idempotent.
func (m *Manager) EnsureBucket(ctx context.Context, projectID string) (types.S3Source, error) {
	if err := m.acquire(ctx); err != nil {
		return types.S3Source{}, err
	}
	defer m.release()

	src, err := m.storage.EnsureBucket(ctx, projectID)
	if err != nil {
		return types.S3Source{}, fmt.Errorf("bucket for project %s: %w", projectID, err)
	}
	return src, nil
}

// Exists reports whether the object at src has been written.
func (m *Manager) Exists(ctx context.Context, src types.S3Source) (bool, error) {
	if err := m.acquire(ctx); err != nil {
		return false, err
	}
	defer m.release()

	return m.storage.Exists(ctx, src)
}
