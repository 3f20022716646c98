package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies refresh failures for retry and escalation decisions
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"  // bad URLs, missing credentials; never retried
	KindTransientAuth ErrorKind = "transient_auth" // login/2FA timeout, navigation failure; retried
	KindValidation    ErrorKind = "validation"     // captured artifact does not authenticate; rolled back
	KindStorage       ErrorKind = "storage"        // disk I/O or corrupt artifact
	KindCancelled     ErrorKind = "cancelled"      // caller deadline or cancellation
	KindInternal      ErrorKind = "internal"       // strategy bug or panic
)

// Sentinel errors shared across packages
var (
	ErrNotFound          = errors.New("auth state not found")
	ErrCorruptArtifact   = errors.New("auth state artifact is corrupt")
	ErrBackupNotFound    = errors.New("backup not found")
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrInvalidCookie     = errors.New("invalid cookie")
	ErrMissingCredential = errors.New("missing credential")
)

// RefreshError carries the taxonomy kind and the machine step that failed
type RefreshError struct {
	Kind ErrorKind
	Step RefreshState
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// NewRefreshError wraps err with a kind and step
func NewRefreshError(kind ErrorKind, step RefreshState, err error) *RefreshError {
	return &RefreshError{Kind: kind, Step: step, Err: err}
}

// ConfigurationError builds a non-retryable configuration failure
func ConfigurationError(format string, args ...interface{}) *RefreshError {
	return &RefreshError{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain. Context errors map to KindCancelled,
// anything unclassified is treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientAuth
	}
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrUnknownStrategy) || errors.Is(err, ErrUnknownService) {
		return KindConfiguration
	}
	if errors.Is(err, ErrCorruptArtifact) {
		return KindStorage
	}
	return KindTransientAuth
}

// StepOf returns the failing machine step recorded on the error, if any
func StepOf(err error) RefreshState {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Step
	}
	return ""
}

// IsRetryable reports whether another attempt could succeed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientAuth, KindStorage, KindInternal:
		return true
	default:
		return false
	}
}
