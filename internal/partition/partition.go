package partition

import (
	"github.com/jackzampolin/drender/internal/types"
)

// Forward splits a project's frame range into contiguous jobs of at most
// FramesPerMachine frames each, the last chunk clamped to the end frame.
// Job IDs are assigned by the state store when the jobs are persisted.
func Forward(p *types.Project, q types.MessageQ) []*types.Job {
	jobs := make([]*types.Job, 0, (p.FrameCount()+p.FramesPerMachine-1)/p.FramesPerMachine)

	for start := p.StartFrame; start <= p.EndFrame; start += p.FramesPerMachine {
		end := start + p.FramesPerMachine - 1
		if end > p.EndFrame {
			end = p.EndFrame
		}
		jobs = append(jobs, &types.Job{
			ProjectID:  p.ID,
			StartFrame: start,
			EndFrame:   end,
			Source:     p.Source,
			IsActive:   true,
			MessageQ:   q,
			Action:     types.JobActionStart,
		})
	}

	return jobs
}

// Residual splits the unrendered frames of a failing job into the minimum
// number of contiguous sub-jobs, in ascending frame order. Each sub-job
// inherits the job's source, project, output URI, and broker coordinates;
// no instance is bound until the driver assigns one.
func Residual(j *types.Job, rendered map[int]struct{}) []*types.Job {
	var subs []*types.Job
	var cur *types.Job

	for frame := j.StartFrame; frame <= j.EndFrame; frame++ {
		if _, done := rendered[frame]; done {
			cur = nil
			continue
		}
		if cur == nil {
			cur = &types.Job{
				ProjectID:  j.ProjectID,
				StartFrame: frame,
				EndFrame:   frame,
				Source:     j.Source,
				OutputURI:  j.OutputURI,
				IsActive:   true,
				MessageQ:   j.MessageQ,
				Action:     types.JobActionStart,
			}
			subs = append(subs, cur)
			continue
		}
		cur.EndFrame = frame
	}

	return subs
}
