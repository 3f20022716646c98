package models

import "time"

// RunRecord is one persisted refresh outcome in the run history
type RunRecord struct {
	ID                 string    `json:"id"`
	RunID              string    `json:"run_id" badgerhold:"index"`
	Service            string    `json:"service" badgerhold:"index"`
	Account            string    `json:"account,omitempty"`
	Success            bool      `json:"success"`
	Skipped            bool      `json:"skipped,omitempty"`
	Message            string    `json:"message"`
	Kind               string    `json:"kind,omitempty"`
	Step               string    `json:"step,omitempty"`
	Attempts           int       `json:"attempts"`
	ManualIntervention bool      `json:"manual_intervention"`
	Timestamp          time.Time `json:"timestamp"`
}

// NewRunRecord converts a refresh result into a history record
func NewRunRecord(id, runID string, r RefreshResult) *RunRecord {
	return &RunRecord{
		ID:                 id,
		RunID:              runID,
		Service:            r.Service,
		Account:            r.Account,
		Success:            r.Success,
		Skipped:            r.Skipped,
		Message:            r.Message,
		Kind:               string(r.Kind),
		Step:               string(r.Step),
		Attempts:           r.Attempts,
		ManualIntervention: r.ManualInterventionRequired,
		Timestamp:          r.Timestamp,
	}
}
