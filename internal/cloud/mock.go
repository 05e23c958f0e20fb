package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackzampolin/drender/internal/types"
)

// MockMachineProvider is an in-memory MachineProvider for tests.
type MockMachineProvider struct {
	mu sync.Mutex

	// Error injection. When set, the matching call fails.
	SpawnErr     error
	RestartErr   error
	TerminateErr error

	nextID     int
	Spawned    []types.Instance
	Restarted  []string
	Terminated []string
}

// NewMockMachineProvider creates an empty mock provider.
func NewMockMachineProvider() *MockMachineProvider {
	return &MockMachineProvider{}
}

// Spawn returns count fake instances with sequential ids.
func (m *MockMachineProvider) Spawn(ctx context.Context, ami string, count int) ([]types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SpawnErr != nil {
		return nil, m.SpawnErr
	}

	out := make([]types.Instance, 0, count)
	for i := 0; i < count; i++ {
		m.nextID++
		inst := types.Instance{
			ID:       fmt.Sprintf("mock-%d", m.nextID),
			PublicIP: fmt.Sprintf("10.0.0.%d", m.nextID),
			CloudAMI: ami,
			State:    types.InstanceRunning,
		}
		m.Spawned = append(m.Spawned, inst)
		out = append(out, inst)
	}
	return out, nil
}

// Restart records the restart request.
func (m *MockMachineProvider) Restart(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RestartErr != nil {
		return m.RestartErr
	}
	m.Restarted = append(m.Restarted, instanceID)
	return nil
}

// Terminate records the terminated ids.
func (m *MockMachineProvider) Terminate(ctx context.Context, instanceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TerminateErr != nil {
		return m.TerminateErr
	}
	m.Terminated = append(m.Terminated, instanceIDs...)
	return nil
}

// TerminatedIDs returns a copy of the terminated id list.
func (m *MockMachineProvider) TerminatedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Terminated))
	copy(out, m.Terminated)
	return out
}

// MockStorageProvider is an in-memory StorageProvider for tests.
// Objects maps "bucket/key" to existence.
type MockStorageProvider struct {
	mu sync.Mutex

	BucketErr error
	Buckets   map[string]bool
	Objects   map[string]bool
}

// NewMockStorageProvider creates an empty mock store.
func NewMockStorageProvider() *MockStorageProvider {
	return &MockStorageProvider{
		Buckets: make(map[string]bool),
		Objects: make(map[string]bool),
	}
}

// Put marks an object as written.
func (m *MockStorageProvider) Put(src types.S3Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[src.String()] = true
}

// EnsureBucket records the bucket and returns the project output address.
func (m *MockStorageProvider) EnsureBucket(ctx context.Context, projectID string) (types.S3Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BucketErr != nil {
		return types.S3Source{}, m.BucketErr
	}
	m.Buckets[projectID] = true
	return types.S3Source{Bucket: projectID, Key: OutputPrefix}, nil
}

// Exists reports whether Put was called for src.
func (m *MockStorageProvider) Exists(ctx context.Context, src types.S3Source) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Objects[src.String()], nil
}

// MockProbe is a HealthProbe whose answer can be flipped per host.
type MockProbe struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

// NewMockProbe creates a probe that reports every host healthy.
func NewMockProbe() *MockProbe {
	return &MockProbe{unhealthy: make(map[string]bool)}
}

// SetHealthy flips the answer for one host.
func (p *MockProbe) SetHealthy(host string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[host] = !healthy
}

// Probe answers per the configured health of host.
func (p *MockProbe) Probe(ctx context.Context, host string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unhealthy[host] {
		return fmt.Errorf("host %s unhealthy", host)
	}
	return nil
}
