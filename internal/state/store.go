package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jackzampolin/drender/internal/types"
)

var (
	// ErrProjectExists is returned when a project id is already registered.
	ErrProjectExists = errors.New("project already exists")
	// ErrProjectNotFound is returned when a project id is unknown.
	ErrProjectNotFound = errors.New("project not found")
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrFrameOutOfRange is returned when a frame index falls outside its job's range.
	ErrFrameOutOfRange = errors.New("frame outside job range")
)

// Store is the single authority for projects, jobs, instances, frame
// progress, and pending-action queues. All domain mutations go through it.
type Store struct {
	mu          sync.RWMutex
	projects    map[string]*types.Project
	jobs        map[string]*types.Job
	projectJobs map[string][]string // projectID -> job ids in creation order
	instances   map[string]*types.Instance
	progress    map[string]map[int]struct{} // jobID -> rendered frame set

	// Pending-action queues: membership means an action is already in
	// flight for the instance, so a duplicate must not be enqueued.
	pendingSpawn     map[string]struct{}
	pendingRestart   map[string]struct{}
	pendingTerminate map[string]struct{}

	// heartbeats maps instance id to its monitor's cancel function.
	// An entry exists iff the instance is being monitored.
	heartbeats map[string]context.CancelFunc

	logger *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		projects:         make(map[string]*types.Project),
		jobs:             make(map[string]*types.Job),
		projectJobs:      make(map[string][]string),
		instances:        make(map[string]*types.Instance),
		progress:         make(map[string]map[int]struct{}),
		pendingSpawn:     make(map[string]struct{}),
		pendingRestart:   make(map[string]struct{}),
		pendingTerminate: make(map[string]struct{}),
		heartbeats:       make(map[string]context.CancelFunc),
		logger:           logger,
	}
}

// AddProject registers a new project. Fails if the id is already present.
func (s *Store) AddProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
	}

	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

// Project returns a snapshot of a project.
func (s *Store) Project(id string) (types.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return types.Project{}, false
	}
	return *p, true
}

// SetProjectOutputURI attaches the output location to a project.
// The URI is written once; later calls are no-ops.
func (s *Store) SetProjectOutputURI(projectID string, uri types.S3Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if p.OutputURI == nil {
		p.OutputURI = &uri
	}
	return nil
}

// AddJobs assigns each job a fresh id, links it to the project, and marks
// it active. Returns the assigned ids in input order.
func (s *Store) AddJobs(jobs []*types.Job, projectID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		cp := *j
		cp.ID = uuid.New().String()
		cp.ProjectID = projectID
		cp.IsActive = true

		s.jobs[cp.ID] = &cp
		s.projectJobs[projectID] = append(s.projectJobs[projectID], cp.ID)
		s.progress[cp.ID] = make(map[int]struct{})
		ids = append(ids, cp.ID)
	}
	return ids, nil
}

// BindInstance binds a provisioned instance to a job, registering the
// instance in the store if it is not yet known.
func (s *Store) BindInstance(jobID string, inst types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if _, known := s.instances[inst.ID]; !known {
		cp := inst
		s.instances[inst.ID] = &cp
	}
	j.InstanceID = inst.ID
	return nil
}

// BindOutputURI attaches the output location to a job.
func (s *Store) BindOutputURI(jobID string, uri types.S3Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := uri
	j.OutputURI = &cp
	return nil
}

// DeactivateJob marks a job inactive. Idempotent; the job and its frame
// progress are preserved for history and residual partitioning.
// Deactivation is monotone: there is no way to reactivate a job.
func (s *Store) DeactivateJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	j.IsActive = false
	return nil
}

// Job returns a snapshot of a job.
func (s *Store) Job(jobID string) (types.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return *j, true
}

// ActiveJobsOf returns snapshots of the active jobs bound to an instance.
func (s *Store) ActiveJobsOf(instanceID string) []types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Job
	for _, j := range s.jobs {
		if j.IsActive && j.InstanceID == instanceID {
			out = append(out, *j)
		}
	}
	return out
}

// AllJobs returns snapshots of every job of a project in creation order,
// deactivated jobs included.
func (s *Store) AllJobs(projectID string) []types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.projectJobs[projectID]
	out := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.jobs[id])
	}
	return out
}

// AllJobIDs returns every job id of a project in creation order.
func (s *Store) AllJobIDs(projectID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.projectJobs[projectID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// RecordFrame adds a rendered frame index to a job's progress. Idempotent.
// Frames for deactivated jobs are still recorded: they count toward
// project completion even when the worker was superseded.
func (s *Store) RecordFrame(jobID string, frame int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if frame < j.StartFrame || frame > j.EndFrame {
		return fmt.Errorf("%w: frame %d not in [%d..%d] of job %s",
			ErrFrameOutOfRange, frame, j.StartFrame, j.EndFrame, jobID)
	}
	s.progress[jobID][frame] = struct{}{}
	return nil
}

// FramesRendered returns a copy of a job's rendered frame set.
func (s *Store) FramesRendered(jobID string) map[int]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.progress[jobID]
	out := make(map[int]struct{}, len(set))
	for f := range set {
		out[f] = struct{}{}
	}
	return out
}

// FrameCount returns the number of frames confirmed rendered for a job.
func (s *Store) FrameCount(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.progress[jobID])
}

// jobDone reports whether every frame of the job's range is rendered.
// Callers hold s.mu.
func (s *Store) jobDone(j *types.Job) bool {
	set := s.progress[j.ID]
	for f := j.StartFrame; f <= j.EndFrame; f++ {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

// InstancesWithAllJobsDone returns the instances of a project whose bound
// active jobs have all been fully rendered.
func (s *Store) InstancesWithAllJobsDone(projectID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// instanceID -> all active jobs done so far
	done := make(map[string]bool)
	for _, id := range s.projectJobs[projectID] {
		j := s.jobs[id]
		if !j.IsActive || j.InstanceID == "" {
			continue
		}
		// An already-removed instance has nothing left to terminate.
		if _, registered := s.instances[j.InstanceID]; !registered {
			continue
		}
		allDone, seen := done[j.InstanceID]
		if !seen {
			allDone = true
		}
		done[j.InstanceID] = allDone && s.jobDone(j)
	}

	var out []string
	for id, allDone := range done {
		if allDone {
			out = append(out, id)
		}
	}
	return out
}

// IsProjectComplete reports whether the union of rendered frames across
// all jobs of the project covers the project's full frame range.
func (s *Store) IsProjectComplete(projectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return false
	}

	rendered := make(map[int]struct{}, p.FrameCount())
	for _, id := range s.projectJobs[projectID] {
		for f := range s.progress[id] {
			rendered[f] = struct{}{}
		}
	}
	for f := p.StartFrame; f <= p.EndFrame; f++ {
		if _, ok := rendered[f]; !ok {
			return false
		}
	}
	return true
}

// ProjectIDs returns the ids of every registered project.
func (s *Store) ProjectIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.projects))
	for id := range s.projects {
		out = append(out, id)
	}
	return out
}

// Instance returns a snapshot of an instance.
func (s *Store) Instance(id string) (types.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// InstanceCount returns the number of registered instances.
func (s *Store) InstanceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// TryQueueSpawn marks a replacement spawn as in flight for an instance.
// Returns true iff no spawn was already pending.
func (s *Store) TryQueueSpawn(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, pending := s.pendingSpawn[instanceID]; pending {
		return false
	}
	s.pendingSpawn[instanceID] = struct{}{}
	return true
}

// DequeueSpawn clears the pending-spawn entry for an instance.
func (s *Store) DequeueSpawn(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingSpawn, instanceID)
}

// TryQueueRestart marks a restart as in flight for an instance.
// Returns true iff no restart was already pending.
func (s *Store) TryQueueRestart(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, pending := s.pendingRestart[instanceID]; pending {
		return false
	}
	s.pendingRestart[instanceID] = struct{}{}
	return true
}

// DequeueRestart clears the pending-restart entry for an instance.
func (s *Store) DequeueRestart(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingRestart, instanceID)
}

// TryQueueTerminate marks terminations as in flight and returns the subset
// of ids that were newly queued. Ids already pending are filtered out so a
// termination still in flight is never issued twice.
func (s *Store) TryQueueTerminate(instanceIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []string
	for _, id := range instanceIDs {
		if _, pending := s.pendingTerminate[id]; pending {
			continue
		}
		s.pendingTerminate[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

// DequeueTerminate clears the pending-terminate entry for an instance.
func (s *Store) DequeueTerminate(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingTerminate, instanceID)
}

// SetHeartbeatCancel registers the cancel function of an instance's
// liveness monitor. The entry exists iff the instance is monitored.
func (s *Store) SetHeartbeatCancel(instanceID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[instanceID] = cancel
}

// IsMonitored reports whether a heartbeat monitor is registered for the
// instance.
func (s *Store) IsMonitored(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.heartbeats[instanceID]
	return ok
}

// RemoveInstance drops an instance from the store, cancelling its
// heartbeat monitor and clearing its pending-terminate entry. Idempotent.
func (s *Store) RemoveInstance(instanceID string) {
	s.mu.Lock()
	cancel := s.heartbeats[instanceID]
	delete(s.heartbeats, instanceID)
	delete(s.instances, instanceID)
	delete(s.pendingTerminate, instanceID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
