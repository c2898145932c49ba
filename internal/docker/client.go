package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// ContainerState summarizes an existing container for idempotency checks.
type ContainerState struct {
	ID          string
	Image       string
	Running     bool
	PortBinding nat.PortMap
}

// FindContainer inspects a container by name. Returns ErrNotFound when the
// container does not exist.
func (c *Client) FindContainer(ctx context.Context, name string) (ContainerState, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerState{}, fmt.Errorf("container name cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{ID: inspect.ID}
	if inspect.Config != nil {
		state.Image = inspect.Config.Image
	}
	if inspect.State != nil {
		state.Running = inspect.State.Running
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		state.PortBinding = inspect.NetworkSettings.Ports
	}
	return state, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RunContainer creates and starts a container exposing the provided port
// mappings, then waits briefly for a host port to be bound.
func (c *Client) RunContainer(ctx context.Context, name, image string, env []string, ports nat.PortMap) (ContainerState, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerState{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerState{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name: "always",
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerState{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ContainerState{ID: created.ID}, fmt.Errorf("container start: %w", err)
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, created.ID)
		if err != nil {
			return ContainerState{ID: created.ID}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) {
			break
		}
		if attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return ContainerState{ID: created.ID}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	state := ContainerState{ID: created.ID, Image: image, Running: true}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		state.PortBinding = inspect.NetworkSettings.Ports
	}
	return state, nil
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
