package interfaces

import (
	"context"

	"github.com/ternarybob/authkeeper/internal/models"
)

// AuthStateStore persists cookies and storage state per (service, account).
// Save, Backup and Restore on the same key are mutually exclusive; reads may run
// concurrently with each other but never with an in-flight write.
type AuthStateStore interface {
	// Load returns models.ErrNotFound when nothing is stored. A corrupt artifact loads
	// with Corrupt set instead of failing.
	Load(ctx context.Context, service, account string) (*models.AuthState, error)

	// Save backs up the current artifact, then atomically writes the new one.
	// storageState may be nil for cookie-only services.
	Save(ctx context.Context, service, account string, cookies []models.Cookie, storageState []byte) (*models.BackupHandle, error)

	Backup(ctx context.Context, service, account string) (*models.BackupHandle, error)
	Restore(ctx context.Context, handle *models.BackupHandle) error
	Backups(service, account string) ([]*models.BackupHandle, error)

	// ExpirationInfo loads and derives freshness; absence yields status MISSING, not an error
	ExpirationInfo(ctx context.Context, service, account string) (*models.AuthState, error)

	// ListAll derives freshness for every configured service and account
	ListAll(ctx context.Context) ([]*models.AuthState, error)
}
