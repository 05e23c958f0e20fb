package driver

import (
	"context"
	"time"
)

// startSweeper begins the periodic completion sweep for a project.
// Idempotent per project id.
func (d *Driver) startSweeper(projectID string) {
	d.mu.Lock()
	if _, running := d.sweeps[projectID]; running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	d.sweeps[projectID] = cancel
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep(ctx, projectID)
			}
		}
	}()
}

// sweep terminates the instances whose active jobs have all rendered.
// The pending-terminate queue keeps an in-flight termination from being
// issued a second time by a later sweep.
func (d *Driver) sweep(ctx context.Context, projectID string) {
	candidates := d.store.InstancesWithAllJobsDone(projectID)
	fresh := d.store.TryQueueTerminate(candidates)
	if len(fresh) == 0 {
		return
	}

	d.logger.Info("terminating finished instances", "project", projectID, "instances", fresh)
	if err := d.resources.Terminate(ctx, fresh); err != nil {
		d.logger.Error("termination sweep failed", "project", projectID, "error", err)
		// The call is no longer in flight; clear the entries so the next
		// sweep retries.
		for _, id := range fresh {
			d.store.DequeueTerminate(id)
		}
		return
	}

	for _, id := range fresh {
		d.store.RemoveInstance(id)
	}
	d.metrics.RecordTerminated(len(fresh))
}
