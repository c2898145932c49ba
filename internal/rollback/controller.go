package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/ndovu/selfheal/internal/backend"
	"github.com/ndovu/selfheal/internal/domain"
)

// ErrNoKnownGood means the target has nothing to revert to.
var ErrNoKnownGood = errors.New("rollback: target has no last known-good revision")

// ErrUnhealthy means the reverted deployment failed its health check; the
// attempt requires manual intervention.
var ErrUnhealthy = errors.New("rollback: reverted deployment failed health check")

// HealthWatcher verifies a deployment post-revert.
type HealthWatcher interface {
	Watch(ctx context.Context, attemptID, url string, window time.Duration) ([]domain.HealthReport, bool)
}

// Controller reverts a target to its last known-good revision and verifies
// the result before declaring the rollback successful.
type Controller struct {
	monitor HealthWatcher
	logger  *slog.Logger
}

// New constructs a Controller.
func New(monitor HealthWatcher, logger *slog.Logger) *Controller {
	return &Controller{monitor: monitor, logger: logger}
}

// Revert redeploys target.LastKnownGood through the adapter and re-runs the
// health monitor against it. The probe history is returned for the
// attempt's audit trail even when the rollback fails.
func (c *Controller) Revert(ctx context.Context, attempt *domain.Attempt, target domain.Target, adapter backend.Adapter) ([]domain.HealthReport, error) {
	if target.LastKnownGood == "" {
		return nil, ErrNoKnownGood
	}
	if c.logger != nil {
		c.logger.Info("rolling back",
			"attempt_id", attempt.ID,
			"target", target.Name,
			"from_revision", attempt.Revision,
			"to_revision", target.LastKnownGood,
		)
	}
	handle, err := adapter.Rollback(ctx, target.LastKnownGood)
	if err != nil {
		return nil, fmt.Errorf("revert to %s: %w", target.LastKnownGood, err)
	}
	reports, healthy := c.monitor.Watch(ctx, attempt.ID, adapter.HealthURL(handle), 0)
	if !healthy {
		return reports, ErrUnhealthy
	}
	return reports, nil
}
