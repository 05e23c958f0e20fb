package state

import (
	"context"
	"errors"
	"testing"

	"github.com/jackzampolin/drender/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(nil)
}

func addProject(t *testing.T, s *Store, id string, start, end int) {
	t.Helper()
	err := s.AddProject(&types.Project{
		ID:               id,
		Source:           types.S3Source{Bucket: "scenes", Key: "castle.blend"},
		StartFrame:       start,
		EndFrame:         end,
		FramesPerMachine: 2,
	})
	if err != nil {
		t.Fatalf("AddProject() error = %v", err)
	}
}

func addJob(t *testing.T, s *Store, projectID string, start, end int) string {
	t.Helper()
	ids, err := s.AddJobs([]*types.Job{{StartFrame: start, EndFrame: end}}, projectID)
	if err != nil {
		t.Fatalf("AddJobs() error = %v", err)
	}
	return ids[0]
}

func TestAddProject_Duplicate(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 10)

	err := s.AddProject(&types.Project{ID: "p1", StartFrame: 1, EndFrame: 5})
	if !errors.Is(err, ErrProjectExists) {
		t.Errorf("duplicate AddProject() error = %v, want ErrProjectExists", err)
	}
}

func TestAddJobs_AssignsUniqueIDs(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 10)

	ids, err := s.AddJobs([]*types.Job{
		{StartFrame: 1, EndFrame: 5},
		{StartFrame: 6, EndFrame: 10},
	}, "p1")
	if err != nil {
		t.Fatalf("AddJobs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] == "" || ids[0] == ids[1] {
		t.Fatalf("AddJobs() ids = %v, want two distinct non-empty ids", ids)
	}

	jobs := s.AllJobs("p1")
	if len(jobs) != 2 {
		t.Fatalf("AllJobs() returned %d jobs, want 2", len(jobs))
	}
	for i, j := range jobs {
		if !j.IsActive {
			t.Errorf("job %d not active after AddJobs", i)
		}
		if j.ProjectID != "p1" {
			t.Errorf("job %d projectID = %q, want p1", i, j.ProjectID)
		}
	}
}

func TestAddJobs_UnknownProject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddJobs([]*types.Job{{StartFrame: 1, EndFrame: 2}}, "ghost"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("AddJobs() error = %v, want ErrProjectNotFound", err)
	}
}

func TestRecordFrame_IdempotentAndBounded(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 10)
	jobID := addJob(t, s, "p1", 1, 10)

	if err := s.RecordFrame(jobID, 3); err != nil {
		t.Fatalf("RecordFrame() error = %v", err)
	}
	if err := s.RecordFrame(jobID, 3); err != nil {
		t.Fatalf("duplicate RecordFrame() error = %v", err)
	}
	if got := s.FrameCount(jobID); got != 1 {
		t.Errorf("FrameCount() = %d after duplicate record, want 1", got)
	}

	if err := s.RecordFrame(jobID, 11); !errors.Is(err, ErrFrameOutOfRange) {
		t.Errorf("out-of-range RecordFrame() error = %v, want ErrFrameOutOfRange", err)
	}
	if err := s.RecordFrame("ghost", 1); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RecordFrame() on unknown job error = %v, want ErrJobNotFound", err)
	}
}

func TestRecordFrame_DeactivatedJobStillCounts(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 2)
	jobID := addJob(t, s, "p1", 1, 2)

	if err := s.RecordFrame(jobID, 1); err != nil {
		t.Fatalf("RecordFrame() error = %v", err)
	}
	if err := s.DeactivateJob(jobID); err != nil {
		t.Fatalf("DeactivateJob() error = %v", err)
	}

	// Stale notification for a superseded worker.
	if err := s.RecordFrame(jobID, 2); err != nil {
		t.Fatalf("RecordFrame() after deactivation error = %v", err)
	}
	if !s.IsProjectComplete("p1") {
		t.Error("IsProjectComplete() = false, stale frame should count")
	}
}

func TestDeactivateJob_IdempotentAndMonotone(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 4)
	jobID := addJob(t, s, "p1", 1, 4)
	if err := s.RecordFrame(jobID, 2); err != nil {
		t.Fatalf("RecordFrame() error = %v", err)
	}

	if err := s.DeactivateJob(jobID); err != nil {
		t.Fatalf("DeactivateJob() error = %v", err)
	}
	if err := s.DeactivateJob(jobID); err != nil {
		t.Fatalf("second DeactivateJob() error = %v", err)
	}

	j, ok := s.Job(jobID)
	if !ok || j.IsActive {
		t.Error("job still active after deactivation")
	}
	// Progress survives deactivation for residual partitioning.
	if got := s.FrameCount(jobID); got != 1 {
		t.Errorf("FrameCount() = %d after deactivation, want 1", got)
	}
}

func TestActiveJobsOf(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 10)
	a := addJob(t, s, "p1", 1, 5)
	b := addJob(t, s, "p1", 6, 8)
	c := addJob(t, s, "p1", 9, 10)

	inst := types.Instance{ID: "i1", PublicIP: "1.2.3.4", CloudAMI: "drender-worker", State: types.InstanceRunning}
	for _, id := range []string{a, b, c} {
		if err := s.BindInstance(id, inst); err != nil {
			t.Fatalf("BindInstance() error = %v", err)
		}
	}
	if err := s.DeactivateJob(b); err != nil {
		t.Fatalf("DeactivateJob() error = %v", err)
	}

	active := s.ActiveJobsOf("i1")
	if len(active) != 2 {
		t.Fatalf("ActiveJobsOf() returned %d jobs, want 2", len(active))
	}
	for _, j := range active {
		if j.ID == b {
			t.Error("ActiveJobsOf() returned a deactivated job")
		}
	}
	if got := s.ActiveJobsOf("ghost"); len(got) != 0 {
		t.Errorf("ActiveJobsOf(ghost) returned %d jobs, want 0", len(got))
	}
}

func TestInstancesWithAllJobsDone(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 6)
	a := addJob(t, s, "p1", 1, 2)
	b := addJob(t, s, "p1", 3, 4)
	c := addJob(t, s, "p1", 5, 6)

	i1 := types.Instance{ID: "i1", State: types.InstanceRunning}
	i2 := types.Instance{ID: "i2", State: types.InstanceRunning}
	s.BindInstance(a, i1)
	s.BindInstance(b, i1)
	s.BindInstance(c, i2)

	// i1 has one of two jobs done.
	s.RecordFrame(a, 1)
	s.RecordFrame(a, 2)
	if got := s.InstancesWithAllJobsDone("p1"); len(got) != 0 {
		t.Errorf("InstancesWithAllJobsDone() = %v with job b incomplete, want none", got)
	}

	s.RecordFrame(b, 3)
	s.RecordFrame(b, 4)
	got := s.InstancesWithAllJobsDone("p1")
	if len(got) != 1 || got[0] != "i1" {
		t.Errorf("InstancesWithAllJobsDone() = %v, want [i1]", got)
	}

	s.RecordFrame(c, 5)
	s.RecordFrame(c, 6)
	if got := s.InstancesWithAllJobsDone("p1"); len(got) != 2 {
		t.Errorf("InstancesWithAllJobsDone() = %v, want both instances", got)
	}

	// A terminated instance must not be offered for termination again,
	// even though its done jobs stay active in history.
	s.RemoveInstance("i1")
	got = s.InstancesWithAllJobsDone("p1")
	if len(got) != 1 || got[0] != "i2" {
		t.Errorf("InstancesWithAllJobsDone() after removal = %v, want [i2]", got)
	}
}

func TestIsProjectComplete_UnionAcrossJobs(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 10)
	orig := addJob(t, s, "p1", 1, 10)

	for _, f := range []int{1, 2, 3, 5} {
		s.RecordFrame(orig, f)
	}
	s.DeactivateJob(orig)

	// Residual sub-jobs cover the gaps.
	r1 := addJob(t, s, "p1", 4, 4)
	r2 := addJob(t, s, "p1", 6, 10)

	if s.IsProjectComplete("p1") {
		t.Fatal("IsProjectComplete() = true before residuals render")
	}

	s.RecordFrame(r1, 4)
	for f := 6; f <= 10; f++ {
		s.RecordFrame(r2, f)
	}
	if !s.IsProjectComplete("p1") {
		t.Error("IsProjectComplete() = false with all frames covered across jobs")
	}
	if s.IsProjectComplete("ghost") {
		t.Error("IsProjectComplete(ghost) = true, want false")
	}
}

func TestTryQueueSpawn_Dedup(t *testing.T) {
	s := newTestStore(t)

	if !s.TryQueueSpawn("i1") {
		t.Fatal("first TryQueueSpawn() = false, want true")
	}
	if s.TryQueueSpawn("i1") {
		t.Fatal("second TryQueueSpawn() = true, want false")
	}
	s.DequeueSpawn("i1")
	if !s.TryQueueSpawn("i1") {
		t.Error("TryQueueSpawn() after dequeue = false, want true")
	}
}

func TestTryQueueRestart_Dedup(t *testing.T) {
	s := newTestStore(t)

	if !s.TryQueueRestart("i1") {
		t.Fatal("first TryQueueRestart() = false, want true")
	}
	if s.TryQueueRestart("i1") {
		t.Fatal("second TryQueueRestart() = true, want false")
	}
	s.DequeueRestart("i1")
	if !s.TryQueueRestart("i1") {
		t.Error("TryQueueRestart() after dequeue = false, want true")
	}
}

func TestTryQueueTerminate_ReturnsFreshSubset(t *testing.T) {
	s := newTestStore(t)

	fresh := s.TryQueueTerminate([]string{"i1", "i2"})
	if len(fresh) != 2 {
		t.Fatalf("TryQueueTerminate() = %v, want both ids", fresh)
	}

	fresh = s.TryQueueTerminate([]string{"i1", "i2", "i3"})
	if len(fresh) != 1 || fresh[0] != "i3" {
		t.Errorf("TryQueueTerminate() = %v, want [i3]", fresh)
	}
}

func TestRemoveInstance_CancelsHeartbeat(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 2)
	jobID := addJob(t, s, "p1", 1, 2)
	s.BindInstance(jobID, types.Instance{ID: "i1", State: types.InstanceRunning})

	ctx, cancel := context.WithCancel(context.Background())
	s.SetHeartbeatCancel("i1", cancel)
	s.TryQueueTerminate([]string{"i1"})
	if !s.IsMonitored("i1") {
		t.Fatal("IsMonitored() = false after SetHeartbeatCancel")
	}

	s.RemoveInstance("i1")
	if s.IsMonitored("i1") {
		t.Error("IsMonitored() = true after RemoveInstance")
	}

	select {
	case <-ctx.Done():
	default:
		t.Error("heartbeat context not cancelled by RemoveInstance")
	}
	if _, ok := s.Instance("i1"); ok {
		t.Error("instance still present after RemoveInstance")
	}
	// Pending-terminate entry is cleared so a later instance with the
	// same id could be terminated again.
	if fresh := s.TryQueueTerminate([]string{"i1"}); len(fresh) != 1 {
		t.Error("pending-terminate entry not cleared by RemoveInstance")
	}

	// Removing again is harmless.
	s.RemoveInstance("i1")
}

func TestFramesRendered_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	addProject(t, s, "p1", 1, 5)
	jobID := addJob(t, s, "p1", 1, 5)
	s.RecordFrame(jobID, 1)

	set := s.FramesRendered(jobID)
	set[2] = struct{}{}

	if got := s.FrameCount(jobID); got != 1 {
		t.Errorf("FrameCount() = %d after mutating caller copy, want 1", got)
	}
}
