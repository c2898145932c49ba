package domain

import "time"

// HealthReport records the outcome of a single post-deploy probe.
// Reports are immutable once created.
type HealthReport struct {
	AttemptID   string            `json:"attempt_id"`
	Healthy     bool              `json:"healthy"`
	CheckedAt   time.Time         `json:"checked_at"`
	LatencyMs   int64             `json:"latency_ms"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}
