package domain

import "time"

// RemediationKind enumerates automated corrective actions.
type RemediationKind string

const (
	RemedyDependencyReinstall  RemediationKind = "dependency_reinstall"
	RemedyCacheClear           RemediationKind = "cache_clear"
	RemedyFallbackEnvInject    RemediationKind = "fallback_env_inject"
	RemedyStaticExportFallback RemediationKind = "static_export_fallback"
	RemedyContainerFallback    RemediationKind = "container_fallback"
)

// RemediationOutcome reports how an action concluded.
type RemediationOutcome string

const (
	RemediationApplied RemediationOutcome = "applied"
	RemediationSkipped RemediationOutcome = "skipped"
	RemediationFailed  RemediationOutcome = "failed"
)

// RemediationAction is an append-only audit record of one corrective step.
// Entries are never mutated, deleted or reordered after creation.
type RemediationAction struct {
	AttemptID string             `json:"attempt_id"`
	Kind      RemediationKind    `json:"kind"`
	AppliedAt time.Time          `json:"applied_at"`
	Outcome   RemediationOutcome `json:"outcome"`
	Detail    string             `json:"detail,omitempty"`
}
