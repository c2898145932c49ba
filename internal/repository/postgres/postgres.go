package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.AttemptRepository = (*Repository)(nil)
	_ repository.TargetRepository  = (*Repository)(nil)
)

// CreateAttempt inserts a new attempt row.
func (r *Repository) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	const query = `INSERT INTO attempts (id, target, revision, status, attempt_number, max_retries, last_error, manual_review, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.Target, attempt.Revision, string(attempt.Status),
		attempt.AttemptNumber, attempt.MaxRetries, attempt.LastError, attempt.ManualReview,
		attempt.StartedAt, attempt.UpdatedAt)
	return err
}

// UpdateAttempt persists the mutable attempt fields.
func (r *Repository) UpdateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	const query = `UPDATE attempts
		SET status = $2, attempt_number = $3, last_error = $4, manual_review = $5, updated_at = $6, completed_at = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		attempt.ID, string(attempt.Status), attempt.AttemptNumber, attempt.LastError,
		attempt.ManualReview, attempt.UpdatedAt, attempt.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAttemptByID loads an attempt with its full audit history.
func (r *Repository) GetAttemptByID(ctx context.Context, id string) (*domain.Attempt, error) {
	const query = `SELECT id, target, revision, status, attempt_number, max_retries, last_error, manual_review, started_at, updated_at, completed_at
		FROM attempts WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := r.loadHistory(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// ListAttemptsByTarget returns recent attempts for a target, newest first.
// When target is empty all attempts are listed.
func (r *Repository) ListAttemptsByTarget(ctx context.Context, target string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, target, revision, status, attempt_number, max_retries, last_error, manual_review, started_at, updated_at, completed_at
		FROM attempts`
	args := []any{limit}
	if target != "" {
		query += ` WHERE target = $2`
		args = append(args, target)
	}
	query += ` ORDER BY started_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// AppendHealthReport records one probe outcome.
func (r *Repository) AppendHealthReport(ctx context.Context, report domain.HealthReport) error {
	diagnostics, err := json.Marshal(report.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	const query = `INSERT INTO health_reports (attempt_id, healthy, checked_at, latency_ms, diagnostics)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = r.pool.Exec(ctx, query, report.AttemptID, report.Healthy, report.CheckedAt, report.LatencyMs, diagnostics)
	return err
}

// AppendRemediation records one remediation action.
func (r *Repository) AppendRemediation(ctx context.Context, action domain.RemediationAction) error {
	const query = `INSERT INTO remediation_actions (attempt_id, kind, applied_at, outcome, detail)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, action.AttemptID, string(action.Kind), action.AppliedAt, string(action.Outcome), action.Detail)
	return err
}

// AppendNotification records one delivery outcome.
func (r *Repository) AppendNotification(ctx context.Context, event domain.NotificationEvent) error {
	const query = `INSERT INTO notification_events (attempt_id, channel, message, sent_at, delivered, error)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, event.AttemptID, string(event.Channel), event.Message, event.SentAt, event.Delivered, event.Error)
	return err
}

// UpsertTarget creates or updates a catalog entry.
func (r *Repository) UpsertTarget(ctx context.Context, target *domain.Target) error {
	const query = `INSERT INTO targets (name, backend, image_repo, health_url, health_path, last_known_good, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (name) DO UPDATE
		SET backend = EXCLUDED.backend,
			image_repo = EXCLUDED.image_repo,
			health_url = EXCLUDED.health_url,
			health_path = EXCLUDED.health_path,
			updated_at = EXCLUDED.updated_at`
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, query,
		target.Name, target.Backend, target.ImageRepo, target.HealthURL, target.HealthPath,
		target.LastKnownGood, now)
	return err
}

// GetTargetByName fetches a catalog entry.
func (r *Repository) GetTargetByName(ctx context.Context, name string) (*domain.Target, error) {
	const query = `SELECT name, backend, image_repo, health_url, health_path, last_known_good, created_at, updated_at
		FROM targets WHERE name = $1`
	row := r.pool.QueryRow(ctx, query, name)
	var t domain.Target
	if err := row.Scan(&t.Name, &t.Backend, &t.ImageRepo, &t.HealthURL, &t.HealthPath, &t.LastKnownGood, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTargets returns the target catalog.
func (r *Repository) ListTargets(ctx context.Context) ([]domain.Target, error) {
	const query = `SELECT name, backend, image_repo, health_url, health_path, last_known_good, created_at, updated_at
		FROM targets ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.Name, &t.Backend, &t.ImageRepo, &t.HealthURL, &t.HealthPath, &t.LastKnownGood, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// SetLastKnownGood records the revision a future rollback should revert to.
func (r *Repository) SetLastKnownGood(ctx context.Context, name, revision string) error {
	const query = `UPDATE targets SET last_known_good = $2, updated_at = $3 WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query, name, revision, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) loadHistory(ctx context.Context, attempt *domain.Attempt) error {
	const healthQuery = `SELECT healthy, checked_at, latency_ms, diagnostics
		FROM health_reports WHERE attempt_id = $1 ORDER BY checked_at, id`
	rows, err := r.pool.Query(ctx, healthQuery, attempt.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		report := domain.HealthReport{AttemptID: attempt.ID}
		var diagnostics []byte
		if err := rows.Scan(&report.Healthy, &report.CheckedAt, &report.LatencyMs, &diagnostics); err != nil {
			rows.Close()
			return err
		}
		if len(diagnostics) > 0 {
			if err := json.Unmarshal(diagnostics, &report.Diagnostics); err != nil {
				rows.Close()
				return fmt.Errorf("decode diagnostics: %w", err)
			}
		}
		attempt.Health = append(attempt.Health, report)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const remedyQuery = `SELECT kind, applied_at, outcome, detail
		FROM remediation_actions WHERE attempt_id = $1 ORDER BY applied_at, id`
	rows, err = r.pool.Query(ctx, remedyQuery, attempt.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		action := domain.RemediationAction{AttemptID: attempt.ID}
		var kind, outcome string
		if err := rows.Scan(&kind, &action.AppliedAt, &outcome, &action.Detail); err != nil {
			rows.Close()
			return err
		}
		action.Kind = domain.RemediationKind(kind)
		action.Outcome = domain.RemediationOutcome(outcome)
		attempt.Remediations = append(attempt.Remediations, action)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const notifyQuery = `SELECT channel, message, sent_at, delivered, error
		FROM notification_events WHERE attempt_id = $1 ORDER BY sent_at, id`
	rows, err = r.pool.Query(ctx, notifyQuery, attempt.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		event := domain.NotificationEvent{AttemptID: attempt.ID}
		var channel string
		if err := rows.Scan(&channel, &event.Message, &event.SentAt, &event.Delivered, &event.Error); err != nil {
			return err
		}
		event.Channel = domain.NotificationChannel(channel)
		attempt.Notifications = append(attempt.Notifications, event)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.Attempt, error) {
	var a domain.Attempt
	var status string
	if err := row.Scan(&a.ID, &a.Target, &a.Revision, &status, &a.AttemptNumber, &a.MaxRetries,
		&a.LastError, &a.ManualReview, &a.StartedAt, &a.UpdatedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AttemptStatus(status)
	return &a, nil
}
