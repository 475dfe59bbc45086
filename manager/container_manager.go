package manager

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"drydock/topology"
)

// ContainerNamePrefix is prepended to service names so environment containers
// are recognizable on a shared daemon.
const ContainerNamePrefix = "drydock-"

// NetworkName is the bridge network all environment containers join. Services
// are attached with their service name as a network alias, so cross-service
// URLs like http://client:9999 resolve inside the containers.
const NetworkName = "drydock"

// ContainerManager interacts with the Docker daemon to manage service containers.
type ContainerManager struct {
	dockerClient *client.Client
	stateManager *StateManager // Reference to the StateManager
}

// NewContainerManager creates a new ContainerManager.
func NewContainerManager(stateManager *StateManager) (*ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerManager{
		dockerClient: cli,
		stateManager: stateManager,
	}, nil
}

// EnsureNetwork creates the environment's bridge network if it does not
// already exist. Containers started afterwards join it with their service
// name as a DNS alias.
func (cm *ContainerManager) EnsureNetwork(ctx context.Context) error {
	networks, err := cm.dockerClient.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", NetworkName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list docker networks: %w", err)
	}
	for _, n := range networks {
		// The name filter matches substrings; check for the exact name.
		if n.Name == NetworkName {
			log.Printf("ContainerManager: Network '%s' already exists.", NetworkName)
			return nil
		}
	}

	if _, err := cm.dockerClient.NetworkCreate(ctx, NetworkName, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", NetworkName, err)
	}
	log.Printf("ContainerManager: Created network '%s'.", NetworkName)
	return nil
}

// RemoveNetwork deletes the environment's bridge network. Already-removed
// networks are tolerated.
func (cm *ContainerManager) RemoveNetwork(ctx context.Context) error {
	if err := cm.dockerClient.NetworkRemove(ctx, NetworkName); err != nil {
		if client.IsErrNotFound(err) {
			log.Printf("ContainerManager: Network '%s' not found during remove (already removed).", NetworkName)
			return nil
		}
		return fmt.Errorf("failed to remove network %s: %w", NetworkName, err)
	}
	log.Printf("ContainerManager: Removed network '%s'.", NetworkName)
	return nil
}

// StartService pulls the service image, creates the container with the
// topology's port bindings, binds, env and privilege settings, and starts it
// attached to the environment network.
func (cm *ContainerManager) StartService(ctx context.Context, name string, svc *topology.Service) (string, error) {
	// First check if we're allowed to start (not in stopping state)
	if !cm.stateManager.CanStartService(name) {
		return "", fmt.Errorf("cannot start service %s: container is in stopping state", name)
	}

	imageName := svc.Image
	log.Printf("ContainerManager: Pulling image '%s' for service '%s'...", imageName, name)

	// Pull the image if it doesn't exist locally
	reader, err := cm.dockerClient.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		log.Printf("ContainerManager: Failed to pull image '%s': %v", imageName, err)
		return "", fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	// Discard the pull progress stream to keep logs clean.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		log.Printf("ContainerManager: Warning: failed to discard image pull output: %v", err)
	}
	reader.Close()
	log.Printf("ContainerManager: Image '%s' pulled successfully (or was already present).", imageName)

	// Service env plus values copied from the harness environment
	// (license keys and API secrets are never written into the topology file).
	effectiveEnvVars := make(map[string]string)
	for k, v := range svc.Env {
		effectiveEnvVars[k] = v
	}
	for _, k := range svc.EnvFromHost {
		if v, ok := os.LookupEnv(k); ok {
			effectiveEnvVars[k] = v
		} else {
			log.Printf("ContainerManager: Warning: host environment variable '%s' for service '%s' is not set", k, name)
		}
	}

	envList := make([]string, 0, len(effectiveEnvVars))
	for k, v := range effectiveEnvVars {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	// Configure fixed host port bindings from the topology.
	bindings, err := svc.PortBindings()
	if err != nil {
		return "", fmt.Errorf("invalid port bindings for service %s: %w", name, err)
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, b := range bindings {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", b.Container))
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []nat.PortBinding{
			{
				HostIP:   "0.0.0.0",
				HostPort: fmt.Sprintf("%d", b.Host),
			},
		}
	}

	containerName := ContainerNamePrefix + name

	resp, err := cm.dockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        imageName,
			Cmd:          svc.Command,
			Env:          envList,
			ExposedPorts: exposedPorts,
			Tty:          false,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Binds:        svc.Binds,
			Privileged:   svc.Privileged,
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				NetworkName: {Aliases: []string{name}},
			},
		},
		nil, // Platform
		containerName,
	)
	if err != nil {
		log.Printf("ContainerManager: Failed to create container for service '%s' with image '%s': %v", name, imageName, err)
		return "", fmt.Errorf("failed to create container for service %s: %w", name, err)
	}

	log.Printf("ContainerManager: Container '%s' created for service '%s'. Attempting to start...", resp.ID, name)

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		log.Printf("ContainerManager: Failed to start container '%s' for service '%s': %v", resp.ID, name, err)
		// Attempt to remove the created container if start fails
		if err := cm.dockerClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Printf("ContainerManager: Failed to remove container '%s' after failed start: %v", resp.ID, err)
		} // Best effort removal
		return "", fmt.Errorf("failed to start container %s for service %s: %w", resp.ID, name, err)
	}

	log.Printf("ContainerManager: Container '%s' for service '%s' started.", resp.ID, name)
	return resp.ID, nil
}

// WaitForExit blocks until the container stops running and returns its exit code.
func (cm *ContainerManager) WaitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := cm.dockerClient.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("failed waiting for container %s: %w", containerID, err)
		}
		return -1, fmt.Errorf("container wait for %s returned no status", containerID)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container %s exited with daemon error: %s", containerID, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// StreamLogs copies the container's stdout and stderr to the given writer
// until the container stops or the context is cancelled.
func (cm *ContainerManager) StreamLogs(ctx context.Context, containerID string, w io.Writer) error {
	reader, err := cm.dockerClient.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to open logs for container %s: %w", containerID, err)
	}
	defer reader.Close()

	// The daemon multiplexes stdout/stderr on one stream.
	if _, err := stdcopy.StdCopy(w, w, reader); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed streaming logs for container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops and removes a Docker container by its ID.
func (cm *ContainerManager) StopContainer(ctx context.Context, containerID string) error {
	log.Printf("ContainerManager: Attempting to stop container '%s'...", containerID)
	// Stop the container
	// No timeout specified, docker daemon default (10s) will be used
	if err := cm.dockerClient.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		// Check if the error is "container not found" or similar, might already be stopped
		if !client.IsErrNotFound(err) {
			log.Printf("ContainerManager: Failed to stop container '%s' (it might already be stopped or removed): %v", containerID, err)
			// Do not return error if it's just not found or already stopped, as the goal is to ensure it's not running.
		} else {
			log.Printf("ContainerManager: Container '%s' not found during stop (already stopped/removed).", containerID)
		}
	} else {
		log.Printf("ContainerManager: Container '%s' stopped successfully. Attempting to remove...", containerID)
	}

	// Remove the container
	removeOptions := container.RemoveOptions{
		RemoveVolumes: true,
		Force:         false, // Don't force remove if it's still running, stop should handle it.
	}
	if err := cm.dockerClient.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		if !client.IsErrNotFound(err) {
			log.Printf("ContainerManager: Failed to remove container '%s': %v", containerID, err)
			return fmt.Errorf("failed to remove container %s: %w", containerID, err)
		}
		log.Printf("ContainerManager: Container '%s' not found during remove (already removed).", containerID)
	}

	log.Printf("ContainerManager: Container '%s' successfully stopped and removed.", containerID)
	return nil
}

// SafelyStopService safely stops a service's container, handling state transitions.
// This should be used instead of StopContainer directly when stopping a service.
func (cm *ContainerManager) SafelyStopService(ctx context.Context, name string) error {
	// First mark the service as stopping to prevent new start attempts
	wasMarkedStopping := cm.stateManager.MarkServiceStopping(name)
	if !wasMarkedStopping {
		// Service wasn't running, no need to stop it
		log.Printf("ContainerManager: SafelyStopService - Service '%s' was not running, no need to stop", name)
		return nil
	}

	// Get container details
	status, exists := cm.stateManager.GetStatus(name)
	if !exists || status.ContainerID == "" {
		// Service doesn't exist or has no container, mark as stopped
		cm.stateManager.MarkServiceStopped(name, 0)
		return nil
	}

	containerID := status.ContainerID
	log.Printf("ContainerManager: SafelyStopService - Stopping container '%s' for service '%s'", containerID, name)

	// Perform the actual container stop
	err := cm.StopContainer(ctx, containerID)

	// Update the state regardless of whether the stop succeeded
	cm.stateManager.MarkServiceStopped(name, 0)

	if err != nil {
		return fmt.Errorf("failed to safely stop service %s: %w", name, err)
	}

	return nil
}
