package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

const defaultHistoryLimit = 50

// HistoryStorage implements RunHistoryStorage on badgerhold
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new HistoryStorage instance
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunHistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *HistoryStorage) Record(ctx context.Context, record *models.RunRecord) error {
	if record.ID == "" {
		record.ID = common.NewRecordID()
	}
	if record.Service == "" {
		return fmt.Errorf("run record service is required")
	}

	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

func (s *HistoryStorage) ListByService(ctx context.Context, service string, limit int) ([]*models.RunRecord, error) {
	query := badgerhold.Where("Service").Eq(service).SortBy("Timestamp").Reverse().Limit(normalizeLimit(limit))
	return s.find(query)
}

func (s *HistoryStorage) ListByRun(ctx context.Context, runID string) ([]*models.RunRecord, error) {
	return s.find(badgerhold.Where("RunID").Eq(runID).SortBy("Timestamp"))
}

func (s *HistoryStorage) Recent(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("Timestamp").Reverse().Limit(normalizeLimit(limit))
	return s.find(query)
}

func (s *HistoryStorage) Close() error {
	return s.db.Close()
}

func (s *HistoryStorage) find(query *badgerhold.Query) ([]*models.RunRecord, error) {
	var records []models.RunRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to find run records: %w", err)
	}

	result := make([]*models.RunRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
