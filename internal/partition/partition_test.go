package partition

import (
	"testing"

	"github.com/jackzampolin/drender/internal/types"
)

func testProject(start, end, perMachine int) *types.Project {
	return &types.Project{
		ID:               "proj-1",
		Source:           types.S3Source{Bucket: "scenes", Key: "castle.blend"},
		StartFrame:       start,
		EndFrame:         end,
		FramesPerMachine: perMachine,
		Software:         types.SoftwareBlender,
	}
}

func ranges(jobs []*types.Job) [][2]int {
	out := make([][2]int, len(jobs))
	for i, j := range jobs {
		out[i] = [2]int{j.StartFrame, j.EndFrame}
	}
	return out
}

func TestForward_Chunking(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		perMachine int
		want       [][2]int
	}{
		{"even split with remainder", 1, 5, 2, [][2]int{{1, 2}, {3, 4}, {5, 5}}},
		{"single frame project", 7, 7, 10, [][2]int{{7, 7}}},
		{"chunk larger than range", 1, 4, 100, [][2]int{{1, 4}}},
		{"one job per frame", 1, 3, 1, [][2]int{{1, 1}, {2, 2}, {3, 3}}},
		{"exact multiple", 10, 19, 5, [][2]int{{10, 14}, {15, 19}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := Forward(testProject(tt.start, tt.end, tt.perMachine), types.MessageQ{})
			got := ranges(jobs)
			if len(got) != len(tt.want) {
				t.Fatalf("Forward() produced %d jobs, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("job %d range = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestForward_UnionCoversRange(t *testing.T) {
	p := testProject(3, 47, 7)
	jobs := Forward(p, types.MessageQ{})

	covered := make(map[int]bool)
	for _, j := range jobs {
		for f := j.StartFrame; f <= j.EndFrame; f++ {
			if covered[f] {
				t.Fatalf("frame %d covered by more than one job", f)
			}
			covered[f] = true
		}
	}
	for f := p.StartFrame; f <= p.EndFrame; f++ {
		if !covered[f] {
			t.Errorf("frame %d not covered by any job", f)
		}
	}
	if len(covered) != p.FrameCount() {
		t.Errorf("covered %d frames, want %d", len(covered), p.FrameCount())
	}
}

func TestForward_JobFields(t *testing.T) {
	p := testProject(1, 10, 4)
	q := types.MessageQ{Host: "10.0.0.1", QueueName: "drender.driver.frames"}
	jobs := Forward(p, q)

	for i, j := range jobs {
		if !j.IsActive {
			t.Errorf("job %d not active", i)
		}
		if j.Action != types.JobActionStart {
			t.Errorf("job %d action = %q, want START", i, j.Action)
		}
		if j.ProjectID != p.ID {
			t.Errorf("job %d projectID = %q, want %q", i, j.ProjectID, p.ID)
		}
		if j.Source != p.Source {
			t.Errorf("job %d source = %v, want %v", i, j.Source, p.Source)
		}
		if j.MessageQ != q {
			t.Errorf("job %d messageQ = %v, want %v", i, j.MessageQ, q)
		}
		if j.InstanceID != "" {
			t.Errorf("job %d has instance %q before binding", i, j.InstanceID)
		}
	}
}

func renderedSet(frames ...int) map[int]struct{} {
	set := make(map[int]struct{}, len(frames))
	for _, f := range frames {
		set[f] = struct{}{}
	}
	return set
}

func TestResidual(t *testing.T) {
	out := types.S3Source{Bucket: "proj-1", Key: "output/"}
	base := &types.Job{
		ID:         "job-1",
		ProjectID:  "proj-1",
		StartFrame: 1,
		EndFrame:   10,
		Source:     types.S3Source{Bucket: "scenes", Key: "castle.blend"},
		OutputURI:  &out,
		MessageQ:   types.MessageQ{Host: "10.0.0.1", QueueName: "drender.driver.frames"},
	}

	tests := []struct {
		name     string
		rendered map[int]struct{}
		want     [][2]int
	}{
		{"nothing rendered yields the original range", nil, [][2]int{{1, 10}}},
		{"everything rendered yields nothing", renderedSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), nil},
		{"mid-job crash", renderedSet(1, 2, 3, 5), [][2]int{{4, 4}, {6, 10}}},
		{"alternating frames", renderedSet(1, 3, 5, 7, 9), [][2]int{{2, 2}, {4, 4}, {6, 6}, {8, 8}, {10, 10}}},
		{"gap at the start", renderedSet(4, 5, 6, 7, 8, 9, 10), [][2]int{{1, 3}}},
		{"gap at the end", renderedSet(1, 2, 3), [][2]int{{4, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := Residual(base, tt.rendered)
			got := ranges(subs)
			if len(got) != len(tt.want) {
				t.Fatalf("Residual() produced %d sub-jobs, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sub-job %d range = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResidual_Inheritance(t *testing.T) {
	out := types.S3Source{Bucket: "proj-1", Key: "output/"}
	base := &types.Job{
		ID:         "job-1",
		ProjectID:  "proj-1",
		StartFrame: 1,
		EndFrame:   6,
		Source:     types.S3Source{Bucket: "scenes", Key: "castle.blend"},
		OutputURI:  &out,
		InstanceID: "inst-dead",
		MessageQ:   types.MessageQ{Host: "10.0.0.1", QueueName: "drender.driver.frames"},
	}

	subs := Residual(base, renderedSet(3))
	if len(subs) != 2 {
		t.Fatalf("Residual() produced %d sub-jobs, want 2", len(subs))
	}

	for i, s := range subs {
		if s.ProjectID != base.ProjectID || s.Source != base.Source {
			t.Errorf("sub-job %d did not inherit project/source", i)
		}
		if s.OutputURI == nil || *s.OutputURI != out {
			t.Errorf("sub-job %d did not inherit outputURI", i)
		}
		if s.MessageQ != base.MessageQ {
			t.Errorf("sub-job %d did not inherit messageQ", i)
		}
		if s.InstanceID != "" {
			t.Errorf("sub-job %d inherited instance %q, want unbound", i, s.InstanceID)
		}
		if !s.IsActive || s.Action != types.JobActionStart {
			t.Errorf("sub-job %d not active START", i)
		}
	}
}
