package backend

import (
	"fmt"

	"github.com/ndovu/selfheal/internal/docker"
	"github.com/ndovu/selfheal/internal/domain"
)

// Factory builds the adapter matching a target's backend kind.
type Factory struct {
	docker     *docker.Client
	appPort    int
	staticRoot string
}

// NewFactory constructs a Factory. The docker client may be nil when no
// container targets are configured.
func NewFactory(dockerClient *docker.Client, appPort int, staticRoot string) *Factory {
	return &Factory{docker: dockerClient, appPort: appPort, staticRoot: staticRoot}
}

// Adapter returns the adapter for the target's backend.
func (f *Factory) Adapter(target domain.Target) (Adapter, error) {
	switch target.Backend {
	case domain.BackendContainer:
		if f.docker == nil {
			return nil, fmt.Errorf("container backend unavailable: docker client not configured")
		}
		return NewContainer(f.docker, target, f.appPort)
	case domain.BackendStatic:
		return NewStaticSite(f.staticRoot, target)
	default:
		return nil, fmt.Errorf("unknown backend %q for target %s", target.Backend, target.Name)
	}
}
