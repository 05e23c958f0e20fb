// Package types provides shared domain types used across multiple packages.
// This package has no dependencies on other drender packages to avoid import cycles.
package types

import (
	"fmt"
	"time"
)

// S3Source addresses an object or prefix in the render object store.
type S3Source struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// String returns the source in bucket/key form for logging.
func (s S3Source) String() string {
	return fmt.Sprintf("%s/%s", s.Bucket, s.Key)
}

// IsZero reports whether the source is unset.
func (s S3Source) IsZero() bool {
	return s.Bucket == "" && s.Key == ""
}

// SoftwareTag names the renderer package a project uses.
type SoftwareTag string

const (
	SoftwareBlender SoftwareTag = "blender"
	SoftwareMaya    SoftwareTag = "maya"
)

// MessageQ holds the connection coordinates of the worker-to-driver
// broker channel. Set once per driver lifetime by the first project start.
type MessageQ struct {
	Host      string `json:"host"`
	QueueName string `json:"queueName"`
}

// Project is a user render request spanning a contiguous frame range.
// Never mutated after creation except to attach OutputURI once.
type Project struct {
	ID               string      `json:"id"`
	Source           S3Source    `json:"source"`
	StartFrame       int         `json:"startFrame"`
	EndFrame         int         `json:"endFrame"`
	FramesPerMachine int         `json:"framesPerMachine"`
	Software         SoftwareTag `json:"software"`
	OutputURI        *S3Source   `json:"outputURI,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// FrameCount returns the number of frames the project spans.
func (p *Project) FrameCount() int {
	return p.EndFrame - p.StartFrame + 1
}

// JobAction tells a worker what to do with a job.
type JobAction string

const (
	JobActionStart JobAction = "START"
)

// Job is a worker-assignable contiguous frame sub-range of a project.
// A job is active while it is the current authoritative assignment for
// its frame range; deactivated jobs remain as history for progress queries.
type Job struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectID"`
	StartFrame int       `json:"startFrame"`
	EndFrame   int       `json:"endFrame"`
	Source     S3Source  `json:"source"`
	OutputURI  *S3Source `json:"outputURI,omitempty"`
	InstanceID string    `json:"instanceID,omitempty"`
	IsActive   bool      `json:"isActive"`
	MessageQ   MessageQ  `json:"messageQ"`
	Action     JobAction `json:"action"`
}

// FrameCount returns the number of frames the job spans.
func (j *Job) FrameCount() int {
	return j.EndFrame - j.StartFrame + 1
}

// InstanceState tracks the lifecycle of a provisioned worker machine.
type InstanceState string

const (
	InstanceRunning    InstanceState = "running"
	InstanceRestarting InstanceState = "restarting"
)

// Instance is a provisioned worker machine.
type Instance struct {
	ID        string        `json:"id"`
	PublicIP  string        `json:"publicIP"`
	PrivateIP string        `json:"privateIP,omitempty"`
	CloudAMI  string        `json:"cloudAMI"`
	State     InstanceState `json:"state"`
}

// ProjectAction selects the operation a ProjectRequest performs.
type ProjectAction string

const (
	ProjectActionStart  ProjectAction = "START"
	ProjectActionStatus ProjectAction = "STATUS"
)

// ProjectRequest is the inbound control message that starts a project or
// asks for its status.
type ProjectRequest struct {
	ID               string        `json:"id"`
	Source           S3Source      `json:"source"`
	StartFrame       int           `json:"startFrame"`
	EndFrame         int           `json:"endFrame"`
	FramesPerMachine int           `json:"framesPerMachine"`
	Software         SoftwareTag   `json:"software"`
	PublicIP         string        `json:"publicIP"`
	Action           ProjectAction `json:"action"`
}

// Validate checks the request's frame bookkeeping.
func (r *ProjectRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if r.EndFrame < r.StartFrame {
		return fmt.Errorf("endFrame %d before startFrame %d", r.EndFrame, r.StartFrame)
	}
	if r.FramesPerMachine < 1 {
		return fmt.Errorf("framesPerMachine must be at least 1, got %d", r.FramesPerMachine)
	}
	return nil
}

// HeartbeatAction routes an instance health event.
type HeartbeatAction string

const (
	ActionStartNewMachine HeartbeatAction = "START_NEW_MACHINE"
	ActionRestartMachine  HeartbeatAction = "RESTART_MACHINE"
	ActionKillMachine     HeartbeatAction = "KILL_MACHINE"
	ActionHeartbeatCheck  HeartbeatAction = "HEARTBEAT_CHECK"
)

// InstanceHeartbeat is the inbound liveness event for one instance.
type InstanceHeartbeat struct {
	Instance Instance        `json:"instance"`
	Action   HeartbeatAction `json:"action"`
}

// JobFrame is a per-frame completion notification from a worker.
// FramesRendered optionally carries the worker's full rendered set.
type JobFrame struct {
	JobID             string   `json:"jobID"`
	LastFrameRendered int      `json:"lastFrameRendered"`
	OutputURI         S3Source `json:"outputURI"`
	FramesRendered    []int    `json:"frames_rendered,omitempty"`
}

// JobLogEntry reports one job's progress inside a ProjectResponse.
type JobLogEntry struct {
	ID             string    `json:"id"`
	StartFrame     int       `json:"startFrame"`
	EndFrame       int       `json:"endFrame"`
	InstanceInfo   *Instance `json:"instanceInfo,omitempty"`
	IsActive       bool      `json:"isActive"`
	FramesRendered int       `json:"framesRendered"`
}

// ProjectLog groups the per-job entries of a ProjectResponse.
type ProjectLog struct {
	Jobs []JobLogEntry `json:"jobs"`
}

// ProjectResponse is the synchronous status view of a project.
// A zero-valued response means the project is unknown.
type ProjectResponse struct {
	ID         string      `json:"id"`
	Source     S3Source    `json:"source"`
	StartFrame int         `json:"startFrame"`
	EndFrame   int         `json:"endFrame"`
	Software   SoftwareTag `json:"software"`
	OutputURI  *S3Source   `json:"outputURI,omitempty"`
	IsComplete bool        `json:"isComplete"`
	Log        ProjectLog  `json:"log"`
}
