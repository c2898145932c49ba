package domain

import "time"

// Transition records one state change of an attempt.
type Transition struct {
	AttemptID     string        `json:"attempt_id"`
	Target        string        `json:"target"`
	Revision      string        `json:"revision"`
	From          AttemptStatus `json:"from"`
	To            AttemptStatus `json:"to"`
	AttemptNumber int           `json:"attempt_number"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}
