package interfaces

import (
	"context"

	"github.com/ternarybob/authkeeper/internal/models"
)

// RunHistoryStorage persists refresh outcomes for reporting
type RunHistoryStorage interface {
	Record(ctx context.Context, record *models.RunRecord) error
	ListByService(ctx context.Context, service string, limit int) ([]*models.RunRecord, error)
	ListByRun(ctx context.Context, runID string) ([]*models.RunRecord, error)
	Recent(ctx context.Context, limit int) ([]*models.RunRecord, error)
	Close() error
}
