package models

import (
	"time"
)

// RefreshState is a state of the per-attempt strategy machine
type RefreshState string

const (
	StateStart         RefreshState = "START"
	StateCheckExisting RefreshState = "CHECK_EXISTING"
	StateReuseValid    RefreshState = "REUSE_VALID"
	StateLogin         RefreshState = "LOGIN"
	StateAwaitUser     RefreshState = "AWAIT_USER"
	StateVerify        RefreshState = "VERIFY"
	StateExtract       RefreshState = "EXTRACT"
	StateSuccess       RefreshState = "SUCCESS"
	StateFailed        RefreshState = "FAILED"
)

// IsTerminal reports whether the attempt ends in this state
func (s RefreshState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// RefreshResult is the outcome of one strategy invocation or one orchestrated refresh.
// It is a value type: the With* helpers return modified copies and never alter the receiver.
type RefreshResult struct {
	Service                    string         `json:"service"`
	Account                    string         `json:"account,omitempty"`
	Success                    bool           `json:"success"`
	Message                    string         `json:"message"`
	CookiesSaved               int            `json:"cookies_saved"`
	StorageStateSaved          bool           `json:"storage_state_saved"`
	ManualInterventionRequired bool           `json:"manual_intervention_required"`
	Skipped                    bool           `json:"skipped,omitempty"`
	Attempts                   int            `json:"attempts,omitempty"`
	Kind                       ErrorKind      `json:"kind,omitempty"`
	Step                       RefreshState   `json:"step,omitempty"`
	Trace                      []RefreshState `json:"trace,omitempty"`
	Err                        error          `json:"-"`
	Error                      string         `json:"error,omitempty"`
	Timestamp                  time.Time      `json:"timestamp"`
}

// NewSuccessResult builds a successful result
func NewSuccessResult(service, account, message string, cookiesSaved int, storageSaved bool) RefreshResult {
	return RefreshResult{
		Service:           service,
		Account:           account,
		Success:           true,
		Message:           message,
		CookiesSaved:      cookiesSaved,
		StorageStateSaved: storageSaved,
		Timestamp:         time.Now().UTC(),
	}
}

// NewSkippedResult builds the "still valid" result for a refresh that was not needed
func NewSkippedResult(service, account, reason string) RefreshResult {
	r := NewSuccessResult(service, account, "still valid: "+reason, 0, false)
	r.Skipped = true
	return r
}

// NewFailureResult builds a failed result; kind and step are taken from err.
// Configuration errors and exhausted manual steps always require intervention.
func NewFailureResult(service, account, message string, err error) RefreshResult {
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
	}
	r := RefreshResult{
		Service:                    service,
		Account:                    account,
		Success:                    false,
		Message:                    message,
		Kind:                       kind,
		Step:                       StepOf(err),
		Err:                        err,
		ManualInterventionRequired: kind == KindConfiguration,
		Timestamp:                  time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// WithAttempts returns a copy carrying the attempt count
func (r RefreshResult) WithAttempts(n int) RefreshResult {
	r.Attempts = n
	return r
}

// WithManualIntervention returns a copy flagged for manual intervention
func (r RefreshResult) WithManualIntervention() RefreshResult {
	r.ManualInterventionRequired = true
	return r
}

// WithTrace returns a copy carrying the machine trace
func (r RefreshResult) WithTrace(trace []RefreshState) RefreshResult {
	r.Trace = append([]RefreshState(nil), trace...)
	return r
}

// WithMessage returns a copy with a replaced message
func (r RefreshResult) WithMessage(message string) RefreshResult {
	r.Message = message
	return r
}
