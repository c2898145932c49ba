package backend

import "context"

// Handle references a live deployment produced by an adapter.
type Handle struct {
	Target     string
	Revision   string
	ResourceID string
	URL        string
}

// Adapter abstracts a deployment destination. Deploy must be idempotent per
// revision: deploying the same revision twice without an intervening
// rollback must not create duplicate live resources.
type Adapter interface {
	Name() string
	Deploy(ctx context.Context, revision string) (Handle, error)
	HealthURL(h Handle) string
	Rollback(ctx context.Context, revision string) (Handle, error)
}
