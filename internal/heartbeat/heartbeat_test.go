package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/drender/internal/cloud"
	"github.com/jackzampolin/drender/internal/types"
)

func TestWatch_ReportsUnhealthy(t *testing.T) {
	probe := cloud.NewMockProbe()
	probe.SetHealthy("10.0.0.1", false)

	m := NewMonitor(Config{
		Probe:    probe,
		Interval: 10 * time.Millisecond,
	})

	var events atomic.Int32
	inst := types.Instance{ID: "i1", PublicIP: "10.0.0.1"}
	cancel := m.Watch(context.Background(), inst, func(got types.Instance) {
		if got.ID != "i1" {
			t.Errorf("unhealthy event for %q, want i1", got.ID)
		}
		events.Add(1)
	})
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for events.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if events.Load() == 0 {
		t.Fatal("no unhealthy event reported for failing instance")
	}
}

func TestWatch_HealthyInstanceStaysQuiet(t *testing.T) {
	probe := cloud.NewMockProbe()
	m := NewMonitor(Config{
		Probe:    probe,
		Interval: 10 * time.Millisecond,
	})

	var events atomic.Int32
	inst := types.Instance{ID: "i1", PublicIP: "10.0.0.1"}
	cancel := m.Watch(context.Background(), inst, func(types.Instance) {
		events.Add(1)
	})
	defer cancel()

	time.Sleep(100 * time.Millisecond)
	if got := events.Load(); got != 0 {
		t.Errorf("%d unhealthy events for healthy instance, want 0", got)
	}
}

func TestWatch_CancelStopsProbing(t *testing.T) {
	probe := cloud.NewMockProbe()
	probe.SetHealthy("10.0.0.1", false)

	m := NewMonitor(Config{
		Probe:    probe,
		Interval: 10 * time.Millisecond,
	})

	var events atomic.Int32
	inst := types.Instance{ID: "i1", PublicIP: "10.0.0.1"}
	cancel := m.Watch(context.Background(), inst, func(types.Instance) {
		events.Add(1)
	})

	cancel()
	// Cancellation is idempotent.
	cancel()

	settled := events.Load()
	time.Sleep(100 * time.Millisecond)
	if got := events.Load(); got != settled {
		t.Errorf("events kept arriving after cancel: %d -> %d", settled, got)
	}
}
