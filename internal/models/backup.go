package models

import "time"

// BackupHandle identifies one timestamped backup of an AuthState.
// An Empty handle records that nothing existed when the backup was requested;
// restoring it removes whatever was written afterwards.
type BackupHandle struct {
	Service   string    `json:"service"`
	Account   string    `json:"account,omitempty"`
	ID        string    `json:"id"`
	Dir       string    `json:"dir,omitempty"`
	Empty     bool      `json:"empty,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the (service, account) key the backup belongs to
func (b *BackupHandle) Key() string {
	return StateKey(b.Service, b.Account)
}
