package cloud

import (
	"context"

	"github.com/jackzampolin/drender/internal/types"
)

// MachineProvider provisions and destroys worker machines in the cloud.
type MachineProvider interface {
	// Spawn provisions count machines from the given image and waits for
	// them to boot. Blocking; callers bound it with a context deadline.
	Spawn(ctx context.Context, ami string, count int) ([]types.Instance, error)

	// Restart reboots one machine in place.
	Restart(ctx context.Context, instanceID string) error

	// Terminate destroys the listed machines and waits for the provider ack.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// StorageProvider manages the render output object store.
type StorageProvider interface {
	// EnsureBucket creates the project's output location if it does not
	// exist and returns its address. Idempotent per project id.
	EnsureBucket(ctx context.Context, projectID string) (types.S3Source, error)

	// Exists reports whether the object at src has been written.
	Exists(ctx context.Context, src types.S3Source) (bool, error)
}

// HealthProbe checks a single worker machine for liveness.
type HealthProbe interface {
	// Probe issues one health request against the worker at host.
	// A nil error means the worker answered healthy.
	Probe(ctx context.Context, host string) error
}
