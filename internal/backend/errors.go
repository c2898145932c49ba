package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies deploy failures for retry decisions.
type ErrorKind string

const (
	KindAuthFailed         ErrorKind = "auth_failed"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindNetworkUnavailable ErrorKind = "network_unavailable"
	KindBuildFailed        ErrorKind = "build_failed"
	KindUnknown            ErrorKind = "unknown"
)

// DeployError is the adapter error taxonomy. Auth and quota failures are
// non-retryable; build and network failures feed the remediation loop.
type DeployError struct {
	Kind       ErrorKind
	LogExcerpt string
	Err        error
}

func (e *DeployError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.LogExcerpt != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.LogExcerpt)
	}
	return msg
}

func (e *DeployError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may loop back into the
// remediate/deploy cycle for this error.
func (e *DeployError) Retryable() bool {
	switch e.Kind {
	case KindAuthFailed, KindQuotaExceeded:
		return false
	}
	return true
}

// NewDeployError wraps err with a classification.
func NewDeployError(kind ErrorKind, err error, excerpt string) *DeployError {
	return &DeployError{Kind: kind, Err: err, LogExcerpt: excerpt}
}

// Classify coerces an arbitrary adapter error into a DeployError, matching
// common failure signatures when the adapter did not classify it already.
func Classify(err error) *DeployError {
	if err == nil {
		return nil
	}
	var derr *DeployError
	if errors.As(err, &derr) {
		return derr
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") || strings.Contains(msg, "permission denied"):
		return &DeployError{Kind: KindAuthFailed, Err: err}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit exceeded"):
		return &DeployError{Kind: KindQuotaExceeded, Err: err}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "timeout") || strings.Contains(msg, "network"):
		return &DeployError{Kind: KindNetworkUnavailable, Err: err}
	case strings.Contains(msg, "build") || strings.Contains(msg, "no such image") || strings.Contains(msg, "not found"):
		return &DeployError{Kind: KindBuildFailed, Err: err}
	default:
		return &DeployError{Kind: KindUnknown, Err: err}
	}
}
