package common

import (
	"github.com/google/uuid"
)

// NewRunID generates the identifier shared by every result of one orchestrated run
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewRecordID generates a run history record identifier
func NewRecordID() string {
	return "rec_" + uuid.New().String()
}
