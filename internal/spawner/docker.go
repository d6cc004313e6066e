package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/hq-labs/relay/internal/apperr"
)

const (
	workerImage  = "hq-worker:latest"
	workerUser   = "1000"
	workingDir   = "/home/worker/task"
	stopTimeout  = 10

	relayNetwork = "hq-relay"
	relaySubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerSpawner launches one ephemeral container per spawned task. The
// worker dials the control plane over its own outbound WebSocket using
// ACCESS_TOKEN, so the control plane never needs to exec into or attach
// to the container directly.
type DockerSpawner struct {
	cli     *client.Client
	runtime string
}

// NewDockerSpawner constructs a Docker-backed Spawner. runtime may be ""
// for the default runtime or "runsc" for gVisor.
func NewDockerSpawner(runtime string) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Internal("create docker client", err)
	}
	return &DockerSpawner{cli: cli, runtime: runtime}, nil
}

// EnsureNetwork creates the worker bridge network if it doesn't exist.
func (d *DockerSpawner) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", apperr.Transport("list networks", err)
	}
	for _, nw := range networks {
		if nw.Name == relayNetwork {
			return nw.ID, nil
		}
	}
	resp, err := d.cli.NetworkCreate(ctx, relayNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: relaySubnet}},
		},
	})
	if err != nil {
		return "", apperr.Transport("create network "+relayNetwork, err)
	}
	slog.Info("worker network created", "network_id", resp.ID, "subnet", relaySubnet)
	return resp.ID, nil
}

// Spawn creates and starts one container for p, retrying on transient
// container-name conflicts.
func (d *DockerSpawner) Spawn(ctx context.Context, p Params) (string, error) {
	if err := ValidateResources(p.CPU, p.MemoryMB); err != nil {
		return "", err
	}
	env, err := BuildEnv(p)
	if err != nil {
		return "", err
	}
	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	name := fmt.Sprintf("worker-%s", p.SessionID)
	labels := Tags(p.Project, p.SessionID, p.WorkerID, p.Skill)

	cfg := &container.Config{
		Image:      workerImage,
		User:       workerUser,
		WorkingDir: workingDir,
		Env:        envVars,
		Labels:     labels,
	}
	hostCfg := &container.HostConfig{
		Runtime:     d.runtime,
		NetworkMode: container.NetworkMode(relayNetwork),
		Resources: container.Resources{
			Memory:   p.MemoryMB * 1024 * 1024,
			CPUQuota: p.CPU * 100, // millicores -> microseconds per 100ms period
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", apperr.Transport("create worker container", createErr)
		}
		slog.Warn("worker container name conflict, retrying",
			"session_id", p.SessionID, "container_name", name, "attempt", i+1)
		if inspect, inspectErr := d.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := d.Stop(ctx, inspect.ID); stopErr != nil {
				slog.Warn("failed to stop conflicting worker container", "container_id", inspect.ID, "error", stopErr)
			}
		}
		select {
		case <-ctx.Done():
			return "", apperr.Cancelled("spawn cancelled")
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", apperr.Transport("create worker container after retries", createErr)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("failed to remove worker container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", apperr.Transport("start worker container", err)
	}

	if d.runtime == "runsc" {
		if err := d.fixDNS(ctx, resp.ID); err != nil {
			slog.Warn("dns fix failed for worker container", "container_id", resp.ID, "error", err)
		}
	}

	slog.Info("worker container spawned", "container_id", resp.ID, "session_id", p.SessionID, "worker_id", p.WorkerID)
	return resp.ID, nil
}

func (d *DockerSpawner) fixDNS(ctx context.Context, containerID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{Cmd: cmd, User: "root"})
	if err != nil {
		return fmt.Errorf("create exec for dns fix: %w", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for dns fix: %w", err)
	}
	defer attach.Close()
	return nil
}

// Stop stops and removes the container identified by trackingID. Idempotent.
func (d *DockerSpawner) Stop(ctx context.Context, trackingID string) error {
	_, err := d.cli.ContainerInspect(ctx, trackingID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return apperr.Transport("inspect worker container "+trackingID, err)
	}

	timeout := stopTimeout
	if err := d.cli.ContainerStop(ctx, trackingID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("worker container stop returned error, continuing to remove", "container_id", trackingID, "error", err)
	}

	if err := d.cli.ContainerRemove(ctx, trackingID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return apperr.Transport("remove worker container "+trackingID, err)
	}
	return nil
}

// Describe reports whether trackingID's container is still running.
func (d *DockerSpawner) Describe(ctx context.Context, trackingID string) (Description, error) {
	inspect, err := d.cli.ContainerInspect(ctx, trackingID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Description{TrackingID: trackingID, Running: false}, nil
		}
		return Description{}, apperr.Transport("inspect worker container "+trackingID, err)
	}
	desc := Description{TrackingID: trackingID, Running: inspect.State.Running}
	if !inspect.State.Running {
		code := inspect.State.ExitCode
		desc.ExitCode = &code
	}
	return desc, nil
}
