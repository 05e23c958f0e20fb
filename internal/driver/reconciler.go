package driver

import (
	"context"
	"time"

	"github.com/jackzampolin/drender/internal/types"
)

// existsTimeout bounds the storage verification of one frame report.
const existsTimeout = 30 * time.Second

// handleFrame reconciles one frame notification from the feed: verify the
// reported object actually landed in the store, then record the frame.
// Frames may arrive out of order and duplicated; the store's set
// semantics absorb both. A frame for a deactivated job is still recorded
// because it counts toward project completion.
func (d *Driver) handleFrame(frame types.JobFrame) {
	job, ok := d.store.Job(frame.JobID)
	if !ok {
		d.logger.Warn("frame notification for unknown job", "job", frame.JobID)
		return
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, existsTimeout)
	defer cancel()

	exists, err := d.resources.Exists(ctx, frame.OutputURI)
	if err != nil {
		d.logger.Warn("storage verification failed, dropping frame",
			"job", frame.JobID, "frame", frame.LastFrameRendered, "error", err)
		d.metrics.RecordFrameRejected()
		return
	}
	if !exists {
		// The worker may retry the notification once the object lands.
		d.logger.Warn("reported frame not found in storage",
			"job", frame.JobID, "frame", frame.LastFrameRendered, "uri", frame.OutputURI.String())
		d.metrics.RecordFrameRejected()
		return
	}

	frames := frame.FramesRendered
	if len(frames) == 0 {
		frames = []int{frame.LastFrameRendered}
	}
	for _, f := range frames {
		before := d.store.FrameCount(job.ID)
		if err := d.store.RecordFrame(job.ID, f); err != nil {
			d.logger.Warn("dropping frame record", "job", job.ID, "frame", f, "error", err)
			continue
		}
		if d.store.FrameCount(job.ID) > before {
			d.metrics.RecordFrameRendered()
		}
	}
}
