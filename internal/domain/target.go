package domain

import "time"

// Backend kinds understood by the adapter factory.
const (
	BackendContainer = "container"
	BackendStatic    = "static"
)

// Target describes a named deployment destination and its last
// known-good revision.
type Target struct {
	Name          string    `json:"name"`
	Backend       string    `json:"backend"`
	ImageRepo     string    `json:"image_repo,omitempty"`
	HealthURL     string    `json:"health_url,omitempty"`
	HealthPath    string    `json:"health_path,omitempty"`
	LastKnownGood string    `json:"last_known_good,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
