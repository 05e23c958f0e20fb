package cloud

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/jackzampolin/drender/internal/types"
)

const (
	// DefaultWorkerImage is the render worker image used when a project
	// names no AMI.
	DefaultWorkerImage = "drender/worker:latest"
	// workerLabel marks containers owned by this driver for cleanup.
	workerLabel = "drender-worker"

	workerContainerPort = "8080/tcp"
)

// DockerMachineProvider provisions render workers as local Docker
// containers. The AMI names the container image. It backs the
// MachineProvider interface for single-host deployments and tests;
// production deployments swap in a cloud-backed provider.
type DockerMachineProvider struct {
	cli    *client.Client
	probe  HealthProbe
	labels map[string]string
}

// DockerConfig holds configuration for the Docker machine provider.
type DockerConfig struct {
	// Probe used to wait for spawned workers to come up. Optional.
	Probe HealthProbe
	// Labels added to every worker container (used for test cleanup).
	Labels map[string]string
}

// NewDockerMachineProvider creates a Docker-backed machine provider.
func NewDockerMachineProvider(cfg DockerConfig) (*DockerMachineProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	labels := map[string]string{workerLabel: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &DockerMachineProvider{
		cli:    cli,
		probe:  cfg.Probe,
		labels: labels,
	}, nil
}

// Close closes the Docker client.
func (p *DockerMachineProvider) Close() error {
	return p.cli.Close()
}

// Spawn creates count worker containers from the given image and waits
// for each to answer its health probe.
func (p *DockerMachineProvider) Spawn(ctx context.Context, ami string, count int) ([]types.Instance, error) {
	if _, err := p.cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker is not running: %w", err)
	}
	if ami == "" {
		ami = DefaultWorkerImage
	}
	if err := p.ensureImage(ctx, ami); err != nil {
		return nil, err
	}

	instances := make([]types.Instance, 0, count)
	for i := 0; i < count; i++ {
		inst, err := p.spawnOne(ctx, ami)
		if err != nil {
			// Roll back the machines already created so a failed spawn
			// leaves nothing running.
			ids := make([]string, 0, len(instances))
			for _, created := range instances {
				ids = append(ids, created.ID)
			}
			_ = p.Terminate(ctx, ids)
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// spawnOne creates and starts a single worker container.
func (p *DockerMachineProvider) spawnOne(ctx context.Context, ami string) (types.Instance, error) {
	name := fmt.Sprintf("drender-worker-%s", uuid.New().String()[:8])

	containerConfig := &container.Config{
		Image:  ami,
		Labels: p.labels,
		ExposedPorts: nat.PortSet{
			workerContainerPort: struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD", "curl", "-sf", "http://localhost:8080" + NodeStatusPath},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 5 * time.Second,
		},
	}

	resp, err := p.cli.ContainerCreate(ctx, containerConfig, nil, nil, nil, name)
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to create worker container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return types.Instance{}, fmt.Errorf("failed to start worker container: %w", err)
	}

	info, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to inspect worker container: %w", err)
	}
	ip := info.NetworkSettings.IPAddress
	if ip == "" {
		for _, netw := range info.NetworkSettings.Networks {
			if netw.IPAddress != "" {
				ip = netw.IPAddress
				break
			}
		}
	}

	inst := types.Instance{
		ID:        resp.ID[:12],
		PublicIP:  ip,
		PrivateIP: ip,
		CloudAMI:  ami,
		State:     types.InstanceRunning,
	}

	if p.probe != nil {
		if err := WaitHealthy(ctx, p.probe, inst.PublicIP, 2*time.Minute); err != nil {
			_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return types.Instance{}, fmt.Errorf("worker %s never became healthy: %w", inst.ID, err)
		}
	}
	return inst, nil
}

// Restart reboots a worker container in place.
func (p *DockerMachineProvider) Restart(ctx context.Context, instanceID string) error {
	timeout := 10
	if err := p.cli.ContainerRestart(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", instanceID, err)
	}
	return nil
}

// Terminate force-removes the listed worker containers.
func (p *DockerMachineProvider) Terminate(ctx context.Context, instanceIDs []string) error {
	for _, id := range instanceIDs {
		if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", id, err)
		}
	}
	return nil
}

// ListWorkers returns the ids of all worker containers this provider owns.
func (p *DockerMachineProvider) ListWorkers(ctx context.Context) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", workerLabel)

	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID[:12])
	}
	return ids, nil
}

// ensureImage pulls the worker image if not present.
func (p *DockerMachineProvider) ensureImage(ctx context.Context, img string) error {
	_, err := p.cli.ImageInspect(ctx, img)
	if err == nil {
		return nil // Image exists
	}

	reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}
