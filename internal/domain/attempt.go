package domain

import "time"

// AttemptStatus enumerates the lifecycle states of a deployment attempt.
type AttemptStatus string

const (
	StatusPending           AttemptStatus = "pending"
	StatusDeploying         AttemptStatus = "deploying"
	StatusHealthChecking    AttemptStatus = "health_checking"
	StatusRemediating       AttemptStatus = "remediating"
	StatusRollingBack       AttemptStatus = "rolling_back"
	StatusSucceeded         AttemptStatus = "succeeded"
	StatusSucceededRollback AttemptStatus = "succeeded_rollback"
	StatusFailed            AttemptStatus = "failed"
)

// Terminal reports whether the status ends an attempt's lifecycle.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSucceededRollback, StatusFailed:
		return true
	}
	return false
}

// Attempt captures one end-to-end deployment lifecycle for a target,
// including retries and rollback.
type Attempt struct {
	ID            string        `json:"id"`
	Target        string        `json:"target"`
	Revision      string        `json:"revision"`
	Status        AttemptStatus `json:"status"`
	AttemptNumber int           `json:"attempt_number"`
	MaxRetries    int           `json:"max_retries"`
	LastError     string        `json:"last_error,omitempty"`
	ManualReview  bool          `json:"manual_review"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`

	Health        []HealthReport      `json:"health,omitempty"`
	Remediations  []RemediationAction `json:"remediations,omitempty"`
	Notifications []NotificationEvent `json:"notifications,omitempty"`
}

// RemediationApplied reports whether a remediation of the given kind was
// already recorded for this attempt.
func (a *Attempt) RemediationApplied(kind RemediationKind) bool {
	for _, action := range a.Remediations {
		if action.Kind == kind {
			return true
		}
	}
	return false
}
