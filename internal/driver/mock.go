package driver

import (
	"context"
	"sync"

	"github.com/jackzampolin/drender/internal/broker"
	"github.com/jackzampolin/drender/internal/types"
)

// MockFeed records job dispatches for tests.
type MockFeed struct {
	mu         sync.Mutex
	dispatched map[string][]types.Job // instanceID -> jobs
	closed     bool

	// Handler is the frame handler the driver registered on open.
	Handler broker.FrameHandler
}

// NewMockFeed creates an empty mock feed.
func NewMockFeed() *MockFeed {
	return &MockFeed{dispatched: make(map[string][]types.Job)}
}

// Opener returns an OpenFeedFunc that hands out this feed.
func (f *MockFeed) Opener() OpenFeedFunc {
	return func(ctx context.Context, q types.MessageQ, handler broker.FrameHandler) (Feed, error) {
		f.mu.Lock()
		f.Handler = handler
		f.mu.Unlock()
		return f, nil
	}
}

// DispatchJob records the dispatch.
func (f *MockFeed) DispatchJob(ctx context.Context, instanceID string, job types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched[instanceID] = append(f.dispatched[instanceID], job)
	return nil
}

// Dispatched returns the jobs dispatched to an instance.
func (f *MockFeed) Dispatched(instanceID string) []types.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Job, len(f.dispatched[instanceID]))
	copy(out, f.dispatched[instanceID])
	return out
}

// DispatchCount returns the total number of dispatches.
func (f *MockFeed) DispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, jobs := range f.dispatched {
		n += len(jobs)
	}
	return n
}

// Close marks the feed closed.
func (f *MockFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// MockWatcher records watched instances without running probes.
type MockWatcher struct {
	mu      sync.Mutex
	watched map[string]func(types.Instance)
}

// NewMockWatcher creates an empty mock watcher.
func NewMockWatcher() *MockWatcher {
	return &MockWatcher{watched: make(map[string]func(types.Instance))}
}

// Watch records the instance and its unhealthy callback.
func (w *MockWatcher) Watch(ctx context.Context, inst types.Instance, onUnhealthy func(types.Instance)) context.CancelFunc {
	w.mu.Lock()
	w.watched[inst.ID] = onUnhealthy
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.watched, inst.ID)
		w.mu.Unlock()
	}
}

// Watching reports whether an instance is currently watched.
func (w *MockWatcher) Watching(instanceID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[instanceID]
	return ok
}
