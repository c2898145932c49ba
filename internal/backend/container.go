package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/ndovu/selfheal/internal/docker"
	"github.com/ndovu/selfheal/internal/domain"
)

const defaultHealthPath = "/healthz"

// ContainerAdapter deploys prebuilt images to a local Docker daemon. The
// container for a target is named after the target, so a revision that is
// already live is detected and reused instead of double-provisioned.
type ContainerAdapter struct {
	client *docker.Client
	target domain.Target
	port   nat.Port
}

// NewContainer constructs a container adapter for the given target.
func NewContainer(client *docker.Client, target domain.Target, appPort int) (*ContainerAdapter, error) {
	if client == nil {
		return nil, errors.New("docker client required")
	}
	if strings.TrimSpace(target.ImageRepo) == "" {
		return nil, fmt.Errorf("target %s has no image repository", target.Name)
	}
	if appPort <= 0 {
		appPort = 3000
	}
	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", appPort))
	if err != nil {
		return nil, fmt.Errorf("invalid app port: %w", err)
	}
	return &ContainerAdapter{client: client, target: target, port: port}, nil
}

func (a *ContainerAdapter) Name() string { return domain.BackendContainer }

// Deploy runs the image tagged with the revision. When the named container
// already runs that exact image the existing handle is returned unchanged.
func (a *ContainerAdapter) Deploy(ctx context.Context, revision string) (Handle, error) {
	if strings.TrimSpace(revision) == "" {
		return Handle{}, NewDeployError(KindBuildFailed, errors.New("empty revision"), "")
	}
	image := a.target.ImageRepo + ":" + revision
	name := containerName(a.target.Name)

	existing, err := a.client.FindContainer(ctx, name)
	if err == nil && existing.Running && existing.Image == image {
		return a.handleFrom(revision, existing), nil
	}
	if err != nil && !errors.Is(err, docker.ErrNotFound) {
		return Handle{}, classifyDockerError(err)
	}

	// Replace whatever is currently live for this target.
	if err := a.client.RemoveContainer(ctx, name); err != nil {
		return Handle{}, classifyDockerError(err)
	}

	state, err := a.client.RunContainer(ctx, name, image, nil, nat.PortMap{
		a.port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
	})
	if err != nil {
		// Best-effort cleanup so a half-created container is not left live.
		if state.ID != "" {
			_ = a.client.RemoveContainer(ctx, name)
		}
		return Handle{}, classifyDockerError(err)
	}
	return a.handleFrom(revision, state), nil
}

// Rollback redeploys the given known-good revision.
func (a *ContainerAdapter) Rollback(ctx context.Context, revision string) (Handle, error) {
	return a.Deploy(ctx, revision)
}

// HealthURL derives the probe URL from the container's host port binding.
func (a *ContainerAdapter) HealthURL(h Handle) string {
	return h.URL
}

func (a *ContainerAdapter) handleFrom(revision string, state docker.ContainerState) Handle {
	h := Handle{
		Target:     a.target.Name,
		Revision:   revision,
		ResourceID: state.ID,
	}
	path := a.target.HealthPath
	if path == "" {
		path = defaultHealthPath
	}
	if bindings := state.PortBinding[a.port]; len(bindings) > 0 {
		host := bindings[0].HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		if bindings[0].HostPort != "" {
			h.URL = fmt.Sprintf("http://%s:%s%s", host, bindings[0].HostPort, path)
		}
	}
	return h
}

func containerName(target string) string {
	return "selfheal-" + target
}

func classifyDockerError(err error) *DeployError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such image") || strings.Contains(msg, "pull access denied") || strings.Contains(msg, "manifest unknown"):
		return NewDeployError(KindBuildFailed, err, "image not available for revision")
	case strings.Contains(msg, "cannot connect to the docker daemon") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout"):
		return NewDeployError(KindNetworkUnavailable, err, "")
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission denied"):
		return NewDeployError(KindAuthFailed, err, "")
	default:
		return Classify(err)
	}
}
