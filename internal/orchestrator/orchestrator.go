package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ndovu/selfheal/internal/backend"
	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/internal/journal"
	"github.com/ndovu/selfheal/internal/notify"
	"github.com/ndovu/selfheal/internal/repository"
	"github.com/ndovu/selfheal/pkg/config"
)

// errCancelled marks an operator-initiated cancellation, distinguished from
// the attempt lifetime deadline at suspension points.
var errCancelled = errors.New("attempt cancelled")

// Store is the persistence surface the orchestrator writes through.
type Store interface {
	repository.AttemptRepository
	GetTargetByName(ctx context.Context, name string) (*domain.Target, error)
	SetLastKnownGood(ctx context.Context, name, revision string) error
}

// Journal receives append-only audit records.
type Journal interface {
	Append(attemptID string, rec journal.Record) error
}

// AdapterFactory builds a backend adapter for a catalog target.
type AdapterFactory interface {
	Adapter(target domain.Target) (backend.Adapter, error)
}

// HealthWatcher confirms a deployment is serving.
type HealthWatcher interface {
	Watch(ctx context.Context, attemptID, url string, window time.Duration) ([]domain.HealthReport, bool)
}

// Remediator selects and applies an automated fix for a failure.
type Remediator interface {
	Attempt(ctx context.Context, att *domain.Attempt, report domain.HealthReport) (domain.RemediationAction, bool)
}

// Reverter rolls a target back to its last known-good revision.
type Reverter interface {
	Revert(ctx context.Context, att *domain.Attempt, target domain.Target, adapter backend.Adapter) ([]domain.HealthReport, error)
}

// Notifier fans status events out to the configured channels.
type Notifier interface {
	Broadcast(ctx context.Context, event notify.Event) []notify.Delivery
}

// EventSink receives every state transition, e.g. for live streaming.
type EventSink interface {
	Publish(tr domain.Transition)
}

// Request asks for one deployment attempt.
type Request struct {
	Target        string
	Revision      string
	MaxRetries    int
	HealthTimeout time.Duration
}

// Orchestrator sequences deploy, health check, remediation and rollback
// into a bounded-retry state machine. Each attempt runs sequentially in its
// own goroutine; attempts for different targets run concurrently.
type Orchestrator struct {
	store    Store
	journal  Journal
	factory  AdapterFactory
	monitor  HealthWatcher
	remedy   Remediator
	rollback Reverter
	notifier Notifier
	registry *Registry
	events   EventSink
	logger   *slog.Logger

	maxRetries      int
	rollbackEnabled bool
	attemptTimeout  time.Duration
	rollbackGrace   time.Duration

	now func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// New constructs an Orchestrator. The registry must be owned by the caller
// so concurrent orchestrator instances (and tests) stay isolated.
func New(store Store, jw Journal, factory AdapterFactory, monitor HealthWatcher, remedy Remediator, reverter Reverter, notifier Notifier, registry *Registry, events EventSink, logger *slog.Logger, cfg config.ServerConfig) *Orchestrator {
	initMetrics()
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 15 * time.Minute
	}
	rollbackGrace := cfg.RollbackGracePeriod
	if rollbackGrace <= 0 {
		rollbackGrace = 5 * time.Minute
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}
	return &Orchestrator{
		store:           store,
		journal:         jw,
		factory:         factory,
		monitor:         monitor,
		remedy:          remedy,
		rollback:        reverter,
		notifier:        notifier,
		registry:        registry,
		events:          events,
		logger:          logger,
		maxRetries:      maxRetries,
		rollbackEnabled: cfg.RollbackEnabled,
		attemptTimeout:  attemptTimeout,
		rollbackGrace:   rollbackGrace,
		now:             time.Now,
		cancels:         make(map[string]context.CancelCauseFunc),
	}
}

// Request accepts a deployment request and starts its state machine.
// Returns ErrTargetBusy when the target already has a non-terminal attempt.
func (o *Orchestrator) Request(ctx context.Context, req Request) (*domain.Attempt, error) {
	if strings.TrimSpace(req.Target) == "" {
		return nil, errors.New("target required")
	}
	if strings.TrimSpace(req.Revision) == "" {
		return nil, errors.New("revision required")
	}
	target, err := o.store.GetTargetByName(ctx, req.Target)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("unknown target %q", req.Target)
		}
		return nil, err
	}
	adapter, err := o.factory.Adapter(*target)
	if err != nil {
		return nil, fmt.Errorf("backend for target %q: %w", req.Target, err)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.maxRetries
	}
	now := o.now()
	att := &domain.Attempt{
		ID:            uuid.NewString(),
		Target:        req.Target,
		Revision:      req.Revision,
		Status:        domain.StatusPending,
		AttemptNumber: 1,
		MaxRetries:    maxRetries,
		StartedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.registry.Acquire(att.Target, att.ID); err != nil {
		return nil, err
	}
	if err := o.store.CreateAttempt(ctx, att); err != nil {
		o.registry.Release(att.Target, att.ID)
		return nil, fmt.Errorf("persist attempt: %w", err)
	}
	o.appendJournal(att.ID, journal.Record{
		Kind: journal.KindTransition,
		At:   now,
		Transition: &domain.Transition{
			AttemptID:     att.ID,
			Target:        att.Target,
			Revision:      att.Revision,
			To:            domain.StatusPending,
			AttemptNumber: att.AttemptNumber,
			Reason:        "deployment requested",
			At:            now,
		},
	})

	runCtx, cancel := context.WithCancelCause(context.Background())
	o.mu.Lock()
	o.cancels[att.ID] = cancel
	o.mu.Unlock()

	snapshot := *att
	o.wg.Add(1)
	go o.run(runCtx, att, *target, adapter, req.HealthTimeout)

	if o.logger != nil {
		o.logger.Info("attempt accepted", "attempt_id", att.ID, "target", att.Target, "revision", att.Revision, "max_retries", att.MaxRetries)
	}
	return &snapshot, nil
}

// Cancel signals an in-flight attempt to stop. The cancellation is observed
// at the attempt's next suspension point.
func (o *Orchestrator) Cancel(attemptID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[attemptID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errCancelled)
	if o.logger != nil {
		o.logger.Info("attempt cancellation requested", "attempt_id", attemptID)
	}
	return true
}

// Wait blocks until all in-flight attempts reach a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(runCtx context.Context, att *domain.Attempt, target domain.Target, adapter backend.Adapter, healthWindow time.Duration) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, att.ID)
		o.mu.Unlock()
		o.registry.Release(att.Target, att.ID)
	}()

	ctx, cancel := context.WithTimeout(runCtx, o.attemptTimeout)
	defer cancel()

	for {
		o.transition(ctx, att, domain.StatusDeploying, fmt.Sprintf("deploying revision %s (try %d/%d)", att.Revision, att.AttemptNumber, att.MaxRetries))
		handle, err := adapter.Deploy(ctx, att.Revision)
		if err != nil {
			if o.interrupted(ctx, att, target, adapter) {
				return
			}
			derr := backend.Classify(err)
			att.LastError = derr.Error()
			if !derr.Retryable() {
				// Non-retryable errors skip remediation entirely.
				o.escalate(ctx, att, target, adapter, "non-retryable deploy error: "+derr.Error())
				return
			}
			report := domain.HealthReport{
				AttemptID:   att.ID,
				CheckedAt:   o.now(),
				Diagnostics: map[string]string{"deploy_error": derr.Error()},
			}
			if derr.LogExcerpt != "" {
				report.Diagnostics["log_excerpt"] = derr.LogExcerpt
			}
			o.recordHealth(att, report)
			if !o.remediate(ctx, att, target, adapter, report) {
				return
			}
			continue
		}

		o.transition(ctx, att, domain.StatusHealthChecking, "verifying deployment health")
		reports, healthy := o.monitor.Watch(ctx, att.ID, adapter.HealthURL(handle), healthWindow)
		for _, report := range reports {
			o.recordHealth(att, report)
		}
		if healthy {
			if err := o.store.SetLastKnownGood(context.WithoutCancel(ctx), target.Name, att.Revision); err != nil {
				if o.logger != nil {
					o.logger.Warn("record last known-good failed", "attempt_id", att.ID, "target", target.Name, "error", err)
				}
			}
			o.finish(ctx, att, domain.StatusSucceeded, "deployment healthy")
			return
		}
		if o.interrupted(ctx, att, target, adapter) {
			return
		}
		att.LastError = "health check did not confirm deployment"
		last := domain.HealthReport{AttemptID: att.ID, Diagnostics: map[string]string{}}
		if len(reports) > 0 {
			last = reports[len(reports)-1]
		}
		if !o.remediate(ctx, att, target, adapter, last) {
			return
		}
	}
}

// remediate runs one remediation cycle. It returns true when the state
// machine should loop back into deploying, false when it escalated.
func (o *Orchestrator) remediate(ctx context.Context, att *domain.Attempt, target domain.Target, adapter backend.Adapter, report domain.HealthReport) bool {
	if att.AttemptNumber >= att.MaxRetries {
		o.escalate(ctx, att, target, adapter, fmt.Sprintf("retries exhausted after %d tries", att.AttemptNumber))
		return false
	}
	o.transition(ctx, att, domain.StatusRemediating, "selecting remediation")
	action, ok := o.remedy.Attempt(ctx, att, report)
	if action.Kind != "" {
		o.recordRemediation(att, action)
	}
	if !ok {
		o.escalate(ctx, att, target, adapter, "remediation exhausted: "+action.Detail)
		return false
	}
	if o.interrupted(ctx, att, target, adapter) {
		return false
	}
	att.AttemptNumber++
	return true
}

// escalate enters the rollback path, or fails the attempt when rollback is
// disabled or impossible.
func (o *Orchestrator) escalate(ctx context.Context, att *domain.Attempt, target domain.Target, adapter backend.Adapter, reason string) {
	if !o.rollbackEnabled || target.LastKnownGood == "" {
		if target.LastKnownGood == "" {
			att.ManualReview = true
		}
		o.finish(ctx, att, domain.StatusFailed, reason)
		return
	}
	o.transition(ctx, att, domain.StatusRollingBack, reason)

	// The rollback gets its own grace window so an expired attempt
	// deadline cannot strand the target on a broken revision.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.rollbackGrace)
	defer cancel()

	reports, err := o.rollback.Revert(rbCtx, att, target, adapter)
	for _, report := range reports {
		o.recordHealth(att, report)
	}
	if err != nil {
		att.LastError = err.Error()
		att.ManualReview = true
		o.finish(rbCtx, att, domain.StatusFailed, "rollback failed: "+err.Error())
		return
	}
	o.finish(rbCtx, att, domain.StatusSucceededRollback, "reverted to revision "+target.LastKnownGood)
}

// interrupted handles context expiry at a suspension point. Operator
// cancellation fails the attempt with a cancelled diagnostic; the overall
// lifetime deadline forces the rollback path.
func (o *Orchestrator) interrupted(ctx context.Context, att *domain.Attempt, target domain.Target, adapter backend.Adapter) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(context.Cause(ctx), errCancelled) {
		att.LastError = "cancelled"
		o.finish(ctx, att, domain.StatusFailed, "attempt cancelled by operator")
		return true
	}
	att.LastError = "attempt lifetime exceeded"
	o.escalate(ctx, att, target, adapter, "attempt lifetime exceeded")
	return true
}

func (o *Orchestrator) finish(ctx context.Context, att *domain.Attempt, status domain.AttemptStatus, reason string) {
	completed := o.now()
	att.CompletedAt = &completed
	o.transition(ctx, att, status, reason)
	attemptResults.WithLabelValues(string(status)).Inc()
	if o.logger != nil {
		o.logger.Info("attempt finished",
			"attempt_id", att.ID,
			"target", att.Target,
			"revision", att.Revision,
			"status", status,
			"tries", att.AttemptNumber,
			"reason", reason,
		)
	}
}

// transition moves the attempt to a new state, persists it, journals it and
// notifies every channel. Persistence uses a detached context so terminal
// transitions still land after cancellation.
func (o *Orchestrator) transition(ctx context.Context, att *domain.Attempt, to domain.AttemptStatus, reason string) {
	from := att.Status
	att.Status = to
	att.UpdatedAt = o.now()

	tr := domain.Transition{
		AttemptID:     att.ID,
		Target:        att.Target,
		Revision:      att.Revision,
		From:          from,
		To:            to,
		AttemptNumber: att.AttemptNumber,
		Reason:        reason,
		At:            att.UpdatedAt,
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.UpdateAttempt(persistCtx, att); err != nil {
		if o.logger != nil {
			o.logger.Warn("attempt update failed", "attempt_id", att.ID, "status", to, "error", err)
		}
	}
	o.appendJournal(att.ID, journal.Record{Kind: journal.KindTransition, At: tr.At, Transition: &tr})
	if o.events != nil {
		o.events.Publish(tr)
	}
	o.broadcast(persistCtx, att, tr, reason)
}

func (o *Orchestrator) broadcast(ctx context.Context, att *domain.Attempt, tr domain.Transition, reason string) {
	if o.notifier == nil {
		return
	}
	event := notify.Event{
		AttemptID:     att.ID,
		Target:        att.Target,
		Revision:      att.Revision,
		Status:        tr.To,
		AttemptNumber: att.AttemptNumber,
		Message:       reason,
		At:            tr.At,
	}
	if att.LastError != "" {
		event.Diagnostics = map[string]string{"last_error": att.LastError}
	}
	for _, delivery := range o.notifier.Broadcast(ctx, event) {
		record := domain.NotificationEvent{
			AttemptID: att.ID,
			Channel:   delivery.Channel,
			Message:   fmt.Sprintf("%s: %s", tr.To, reason),
			SentAt:    delivery.SentAt,
			Delivered: delivery.Delivered,
		}
		if delivery.Err != nil {
			record.Error = delivery.Err.Error()
		}
		att.Notifications = append(att.Notifications, record)
		if err := o.store.AppendNotification(ctx, record); err != nil {
			if o.logger != nil {
				o.logger.Warn("notification record failed", "attempt_id", att.ID, "channel", record.Channel, "error", err)
			}
		}
		o.appendJournal(att.ID, journal.Record{Kind: journal.KindNotification, At: record.SentAt, Notification: &record})
	}
}

func (o *Orchestrator) recordHealth(att *domain.Attempt, report domain.HealthReport) {
	att.Health = append(att.Health, report)
	if err := o.store.AppendHealthReport(context.Background(), report); err != nil {
		if o.logger != nil {
			o.logger.Warn("health report record failed", "attempt_id", att.ID, "error", err)
		}
	}
	o.appendJournal(att.ID, journal.Record{Kind: journal.KindHealth, At: report.CheckedAt, Health: &report})
}

func (o *Orchestrator) recordRemediation(att *domain.Attempt, action domain.RemediationAction) {
	att.Remediations = append(att.Remediations, action)
	remediations.WithLabelValues(string(action.Kind), string(action.Outcome)).Inc()
	if err := o.store.AppendRemediation(context.Background(), action); err != nil {
		if o.logger != nil {
			o.logger.Warn("remediation record failed", "attempt_id", att.ID, "kind", action.Kind, "error", err)
		}
	}
	o.appendJournal(att.ID, journal.Record{Kind: journal.KindRemediation, At: action.AppliedAt, Remediation: &action})
}

func (o *Orchestrator) appendJournal(attemptID string, rec journal.Record) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Append(attemptID, rec); err != nil {
		if o.logger != nil {
			o.logger.Warn("journal append failed", "attempt_id", attemptID, "kind", rec.Kind, "error", err)
		}
	}
}
