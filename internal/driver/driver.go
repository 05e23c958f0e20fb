package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/drender/internal/broker"
	"github.com/jackzampolin/drender/internal/metrics"
	"github.com/jackzampolin/drender/internal/partition"
	"github.com/jackzampolin/drender/internal/state"
	"github.com/jackzampolin/drender/internal/types"
)

var (
	// ErrBrokerMismatch is returned when a project start names a broker
	// host different from the one the driver is already consuming.
	ErrBrokerMismatch = errors.New("broker already initialized with a different host")
)

// Feed is the driver's connection to the worker message broker.
type Feed interface {
	DispatchJob(ctx context.Context, instanceID string, job types.Job) error
	Close() error
}

// OpenFeedFunc dials the broker at the given coordinates and begins
// consuming frame notifications into handler.
type OpenFeedFunc func(ctx context.Context, q types.MessageQ, handler broker.FrameHandler) (Feed, error)

// Resources is the slice of the resource manager the driver drives.
type Resources interface {
	Spawn(ctx context.Context, ami string, count int) ([]types.Instance, error)
	Restart(ctx context.Context, inst types.Instance) error
	Terminate(ctx context.Context, instanceIDs []string) error
	EnsureBucket(ctx context.Context, projectID string) (types.S3Source, error)
	Exists(ctx context.Context, src types.S3Source) (bool, error)
}

// Watcher arms liveness monitoring for an instance.
type Watcher interface {
	Watch(ctx context.Context, inst types.Instance, onUnhealthy func(types.Instance)) context.CancelFunc
}

// Driver is the public entry point of the control plane. It composes the
// state store, partitioner, resource manager, heartbeat monitor, frame
// reconciler, and completion sweeper.
type Driver struct {
	store     *state.Store
	resources Resources
	watcher   Watcher
	openFeed  OpenFeedFunc
	metrics   *metrics.Collector
	logger    *slog.Logger

	images        map[string]string
	defaultImage  string
	sweepInterval time.Duration

	// baseCtx bounds everything that outlives a single request: feed
	// consumption, heartbeat watches, and sweepers.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	feed     Feed
	messageQ types.MessageQ
	sweeps   map[string]context.CancelFunc // projectID -> sweeper cancel
}

// Config configures a driver.
type Config struct {
	Store     *state.Store
	Resources Resources
	Watcher   Watcher
	OpenFeed  OpenFeedFunc
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// Images maps a software tag to the machine image that renders it.
	Images map[string]string
	// DefaultImage is used when a software tag has no mapping.
	DefaultImage string
	// SweepInterval between completion sweeps (default 10s).
	SweepInterval time.Duration
}

// New creates a driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Resources == nil {
		return nil, fmt.Errorf("resource manager is required")
	}
	if cfg.Watcher == nil {
		return nil, fmt.Errorf("heartbeat watcher is required")
	}
	if cfg.OpenFeed == nil {
		return nil, fmt.Errorf("feed opener is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		store:         cfg.Store,
		resources:     cfg.Resources,
		watcher:       cfg.Watcher,
		openFeed:      cfg.OpenFeed,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "driver"),
		images:        cfg.Images,
		defaultImage:  cfg.DefaultImage,
		sweepInterval: cfg.SweepInterval,
		baseCtx:       ctx,
		cancel:        cancel,
		sweeps:        make(map[string]context.CancelFunc),
	}, nil
}

// Close stops the feed, all heartbeat watches, and all sweepers.
func (d *Driver) Close() error {
	d.cancel()

	d.mu.Lock()
	feed := d.feed
	d.feed = nil
	d.mu.Unlock()

	if feed != nil {
		return feed.Close()
	}
	return nil
}

// amiFor resolves the machine image for a software tag.
func (d *Driver) amiFor(software types.SoftwareTag) string {
	if img, ok := d.images[string(software)]; ok {
		return img
	}
	return d.defaultImage
}

// ensureFeed connects the frame feed on the first project start and
// reuses it afterwards. A later start naming a different broker host is
// rejected rather than silently re-pointing the feed.
func (d *Driver) ensureFeed(q types.MessageQ) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.feed != nil {
		if d.messageQ.Host != q.Host {
			return fmt.Errorf("%w: have %s, got %s", ErrBrokerMismatch, d.messageQ.Host, q.Host)
		}
		return nil
	}

	feed, err := d.openFeed(d.baseCtx, q, d.handleFrame)
	if err != nil {
		return fmt.Errorf("failed to open frame feed: %w", err)
	}
	d.feed = feed
	d.messageQ = q
	return nil
}

// dispatcher returns the connected feed.
func (d *Driver) dispatcher() Feed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feed
}

// StartProject partitions the request's frame range into jobs, provisions
// one machine per job alongside the output bucket, binds and dispatches
// the jobs, and arms monitoring. Provisioning failure fails the start.
func (d *Driver) StartProject(ctx context.Context, req *types.ProjectRequest) (types.ProjectResponse, error) {
	if err := req.Validate(); err != nil {
		return types.ProjectResponse{}, err
	}

	project := &types.Project{
		ID:               req.ID,
		Source:           req.Source,
		StartFrame:       req.StartFrame,
		EndFrame:         req.EndFrame,
		FramesPerMachine: req.FramesPerMachine,
		Software:         req.Software,
		CreatedAt:        time.Now().UTC(),
	}
	if err := d.store.AddProject(project); err != nil {
		return types.ProjectResponse{}, err
	}

	q := types.MessageQ{Host: req.PublicIP, QueueName: broker.FramesQueue}
	if err := d.ensureFeed(q); err != nil {
		return types.ProjectResponse{}, err
	}

	jobs := partition.Forward(project, q)
	jobIDs, err := d.store.AddJobs(jobs, project.ID)
	if err != nil {
		return types.ProjectResponse{}, err
	}
	d.metrics.RecordJobsCreated(len(jobIDs))

	// Provision the fleet and the output bucket in parallel.
	var (
		wg        sync.WaitGroup
		instances []types.Instance
		spawnErr  error
		outputURI types.S3Source
		bucketErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		instances, spawnErr = d.resources.Spawn(ctx, d.amiFor(project.Software), len(jobIDs))
	}()
	go func() {
		defer wg.Done()
		outputURI, bucketErr = d.resources.EnsureBucket(ctx, project.ID)
	}()
	wg.Wait()

	if spawnErr != nil {
		return types.ProjectResponse{}, fmt.Errorf("failed to provision fleet: %w", spawnErr)
	}
	if bucketErr != nil {
		// The fleet is up but the project cannot proceed; tear it down.
		ids := make([]string, 0, len(instances))
		for _, inst := range instances {
			ids = append(ids, inst.ID)
		}
		if err := d.resources.Terminate(ctx, ids); err != nil {
			d.logger.Error("failed to tear down fleet after bucket failure", "error", err)
		}
		return types.ProjectResponse{}, fmt.Errorf("failed to create output bucket: %w", bucketErr)
	}
	d.metrics.RecordSpawned(len(instances))

	if err := d.store.SetProjectOutputURI(project.ID, outputURI); err != nil {
		return types.ProjectResponse{}, err
	}

	// Bind instances to jobs pairwise and attach the output location.
	for i, jobID := range jobIDs {
		if err := d.store.BindInstance(jobID, instances[i]); err != nil {
			return types.ProjectResponse{}, err
		}
		if err := d.store.BindOutputURI(jobID, outputURI); err != nil {
			return types.ProjectResponse{}, err
		}
	}

	d.dispatchJobs(ctx, jobIDs)

	for _, inst := range instances {
		d.watch(inst)
	}
	d.startSweeper(project.ID)

	d.metrics.RecordProjectStarted()
	d.logger.Info("project started",
		"project", project.ID,
		"frames", fmt.Sprintf("[%d..%d]", project.StartFrame, project.EndFrame),
		"jobs", len(jobIDs),
		"machines", len(instances))

	return d.Status(project.ID), nil
}

// Status returns a snapshot of a project. Unknown ids yield an empty
// response.
func (d *Driver) Status(projectID string) types.ProjectResponse {
	p, ok := d.store.Project(projectID)
	if !ok {
		return types.ProjectResponse{}
	}

	resp := types.ProjectResponse{
		ID:         p.ID,
		Source:     p.Source,
		StartFrame: p.StartFrame,
		EndFrame:   p.EndFrame,
		Software:   p.Software,
		OutputURI:  p.OutputURI,
		IsComplete: d.store.IsProjectComplete(p.ID),
	}
	for _, j := range d.store.AllJobs(p.ID) {
		entry := types.JobLogEntry{
			ID:             j.ID,
			StartFrame:     j.StartFrame,
			EndFrame:       j.EndFrame,
			IsActive:       j.IsActive,
			FramesRendered: d.store.FrameCount(j.ID),
		}
		if j.InstanceID != "" {
			if inst, ok := d.store.Instance(j.InstanceID); ok {
				entry.InstanceInfo = &inst
			}
		}
		resp.Log.Jobs = append(resp.Log.Jobs, entry)
	}
	return resp
}

// HandleHeartbeat routes an externally submitted instance health event.
func (d *Driver) HandleHeartbeat(hb *types.InstanceHeartbeat) error {
	switch hb.Action {
	case types.ActionHeartbeatCheck:
		d.handleUnhealthy(hb.Instance)
		return nil
	case types.ActionRestartMachine:
		go d.onRestart(hb.Instance)
		return nil
	case types.ActionStartNewMachine:
		go d.onReplace(hb.Instance)
		return nil
	case types.ActionKillMachine:
		go d.onKill(hb.Instance)
		return nil
	default:
		return fmt.Errorf("unknown heartbeat action %q", hb.Action)
	}
}

// handleUnhealthy is the monitor callback. Policy: attempt a restart on
// first detection; the restart path escalates to a replacement machine
// when the restart fails.
func (d *Driver) handleUnhealthy(inst types.Instance) {
	go d.onRestart(inst)
}

// watch arms the heartbeat monitor for an instance and records the cancel
// handle so instance removal stops the monitor.
func (d *Driver) watch(inst types.Instance) {
	cancel := d.watcher.Watch(d.baseCtx, inst, d.handleUnhealthy)
	d.store.SetHeartbeatCancel(inst.ID, cancel)
}

// dispatchJobs sends a start message to the worker bound to each job.
func (d *Driver) dispatchJobs(ctx context.Context, jobIDs []string) {
	feed := d.dispatcher()
	if feed == nil {
		return
	}
	for _, jobID := range jobIDs {
		job, ok := d.store.Job(jobID)
		if !ok || job.InstanceID == "" {
			continue
		}
		if err := feed.DispatchJob(ctx, job.InstanceID, job); err != nil {
			d.logger.Error("failed to dispatch job", "job", jobID, "instance", job.InstanceID, "error", err)
		}
	}
}

// transitionJobs deactivates every active job of a failing instance,
// drops the instance and its heartbeat, and re-partitions the unrendered
// frames of each job into fresh sub-jobs. Returns the ids of the new,
// still unbound jobs. Deactivation happens before the residual jobs are
// created, so a racing frame notification lands on the original job id
// and still counts toward completion.
func (d *Driver) transitionJobs(inst types.Instance) []string {
	active := d.store.ActiveJobsOf(inst.ID)
	for _, j := range active {
		if err := d.store.DeactivateJob(j.ID); err != nil {
			d.logger.Error("failed to deactivate job", "job", j.ID, "error", err)
		}
	}
	d.store.RemoveInstance(inst.ID)

	// Group residual sub-jobs by project so each batch lands in its
	// project's job list.
	byProject := make(map[string][]*types.Job)
	var order []string
	for _, j := range active {
		job := j
		subs := partition.Residual(&job, d.store.FramesRendered(j.ID))
		if len(subs) == 0 {
			continue
		}
		if _, seen := byProject[j.ProjectID]; !seen {
			order = append(order, j.ProjectID)
		}
		byProject[j.ProjectID] = append(byProject[j.ProjectID], subs...)
	}

	var newIDs []string
	for _, projectID := range order {
		ids, err := d.store.AddJobs(byProject[projectID], projectID)
		if err != nil {
			d.logger.Error("failed to persist residual jobs", "project", projectID, "error", err)
			continue
		}
		newIDs = append(newIDs, ids...)
	}

	if len(active) > 0 {
		d.metrics.RecordRecoveryPartition()
		d.metrics.RecordJobsCreated(len(newIDs))
		d.logger.Info("transitioned jobs off instance",
			"instance", inst.ID, "deactivated", len(active), "residual", len(newIDs))
	}
	return newIDs
}

// onRestart recovers a failing instance in place: transition its jobs,
// reboot the machine, and rebind the residual work to it. A failed
// restart escalates to a replacement machine.
func (d *Driver) onRestart(inst types.Instance) {
	if !d.store.TryQueueRestart(inst.ID) {
		return // A recovery action is already in flight.
	}
	d.metrics.RecordUnhealthy()

	newIDs := d.transitionJobs(inst)
	if len(newIDs) == 0 {
		// Every frame was already rendered; the machine is no longer
		// needed and the sweeper can no longer see it.
		d.terminateLeftover(inst)
		d.store.DequeueRestart(inst.ID)
		return
	}

	if err := d.resources.Restart(d.baseCtx, inst); err != nil {
		d.logger.Warn("restart failed, replacing machine", "instance", inst.ID, "error", err)
		d.store.DequeueRestart(inst.ID)
		if d.store.TryQueueSpawn(inst.ID) {
			d.terminateLeftover(inst)
			d.spawnReplacement(inst, newIDs)
			d.store.DequeueSpawn(inst.ID)
		}
		return
	}
	d.metrics.RecordRestarted()

	d.rebind(inst, newIDs)
	d.store.DequeueRestart(inst.ID)
}

// onReplace recovers a failing instance onto a fresh machine: transition
// its jobs, spawn one replacement, and bind all residual work to it.
func (d *Driver) onReplace(inst types.Instance) {
	if !d.store.TryQueueSpawn(inst.ID) {
		return // A replacement is already in flight.
	}
	d.metrics.RecordUnhealthy()

	newIDs := d.transitionJobs(inst)
	d.terminateLeftover(inst)
	if len(newIDs) > 0 {
		d.spawnReplacement(inst, newIDs)
	}
	d.store.DequeueSpawn(inst.ID)
}

// onKill transitions an instance's jobs and terminates the machine. When
// unrendered frames remain, their residual jobs are spawned onto one fresh
// machine.
func (d *Driver) onKill(inst types.Instance) {
	newIDs := d.transitionJobs(inst)
	d.terminateLeftover(inst)
	if len(newIDs) > 0 && d.store.TryQueueSpawn(inst.ID) {
		d.spawnReplacement(inst, newIDs)
		d.store.DequeueSpawn(inst.ID)
	}
}

// spawnReplacement provisions one machine with the failed instance's
// image and binds all residual jobs to it. Spawn hiccups are retried; a
// final failure is logged and the jobs stay unbound for operator action.
func (d *Driver) spawnReplacement(failed types.Instance, jobIDs []string) {
	var replacement types.Instance
	err := retry.Do(
		func() error {
			instances, err := d.resources.Spawn(d.baseCtx, failed.CloudAMI, 1)
			if err != nil {
				return err
			}
			replacement = instances[0]
			return nil
		},
		retry.Context(d.baseCtx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
	)
	if err != nil {
		d.logger.Error("failed to spawn replacement machine",
			"failed_instance", failed.ID, "orphaned_jobs", len(jobIDs), "error", err)
		return
	}
	d.metrics.RecordSpawned(1)

	d.rebind(replacement, jobIDs)
	d.logger.Info("replacement machine bound",
		"failed_instance", failed.ID, "replacement", replacement.ID, "jobs", len(jobIDs))
}

// rebind binds jobs to an instance, dispatches them, and arms the
// heartbeat monitor.
func (d *Driver) rebind(inst types.Instance, jobIDs []string) {
	for _, jobID := range jobIDs {
		if err := d.store.BindInstance(jobID, inst); err != nil {
			d.logger.Error("failed to bind job", "job", jobID, "instance", inst.ID, "error", err)
		}
	}
	d.dispatchJobs(d.baseCtx, jobIDs)
	d.watch(inst)
}

// terminateLeftover destroys a machine that has already been dropped from
// the store. Best effort: a terminate failure only leaks the machine.
func (d *Driver) terminateLeftover(inst types.Instance) {
	if err := d.resources.Terminate(d.baseCtx, []string{inst.ID}); err != nil {
		d.logger.Error("failed to terminate machine", "instance", inst.ID, "error", err)
		return
	}
	d.metrics.RecordTerminated(1)
}
