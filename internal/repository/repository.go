package repository

import (
	"context"

	"github.com/ndovu/selfheal/internal/domain"
)

// AttemptRepository stores deployment attempts and their audit history.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, attempt *domain.Attempt) error
	UpdateAttempt(ctx context.Context, attempt *domain.Attempt) error
	GetAttemptByID(ctx context.Context, id string) (*domain.Attempt, error)
	ListAttemptsByTarget(ctx context.Context, target string, limit int) ([]domain.Attempt, error)
	AppendHealthReport(ctx context.Context, report domain.HealthReport) error
	AppendRemediation(ctx context.Context, action domain.RemediationAction) error
	AppendNotification(ctx context.Context, event domain.NotificationEvent) error
}

// TargetRepository persists the target catalog and last known-good
// revisions.
type TargetRepository interface {
	UpsertTarget(ctx context.Context, target *domain.Target) error
	GetTargetByName(ctx context.Context, name string) (*domain.Target, error)
	ListTargets(ctx context.Context) ([]domain.Target, error)
	SetLastKnownGood(ctx context.Context, name, revision string) error
}
