package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/models"
)

func newTestHistory(t *testing.T) *HistoryStorage {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, t.TempDir())
	require.NoError(t, err)

	storage := NewHistoryStorage(db, logger).(*HistoryStorage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestHistoryStorage_RecordAndQuery(t *testing.T) {
	storage := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	results := []models.RefreshResult{
		models.NewSuccessResult("portal", "", "refreshed", 3, false),
		models.NewFailureResult("toolost", "", "login failed", models.NewRefreshError(models.KindTransientAuth, models.StateLogin, assert.AnError)),
		models.NewSkippedResult("portal", "", "VALID"),
	}

	for i, r := range results {
		r.Timestamp = base.Add(time.Duration(i) * time.Minute)
		record := models.NewRunRecord("", "run-1", r.WithAttempts(i+1))
		require.NoError(t, storage.Record(ctx, record))
		assert.NotEmpty(t, record.ID)
	}
	require.NoError(t, storage.Record(ctx, models.NewRunRecord("", "run-2", models.NewSuccessResult("portal", "", "later", 1, false))))

	portal, err := storage.ListByService(ctx, "portal", 10)
	require.NoError(t, err)
	require.Len(t, portal, 3)
	assert.Equal(t, "later", portal[0].Message, "newest first")

	run, err := storage.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run, 3)
	assert.Equal(t, "toolost", run[1].Service)
	assert.False(t, run[1].Success)
	assert.Equal(t, string(models.KindTransientAuth), run[1].Kind)
	assert.Equal(t, string(models.StateLogin), run[1].Step)
	assert.Equal(t, 2, run[1].Attempts)

	recent, err := storage.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestHistoryStorage_RequiresService(t *testing.T) {
	storage := newTestHistory(t)

	err := storage.Record(context.Background(), &models.RunRecord{RunID: "run-1"})
	assert.Error(t, err)
}

func TestNewBadgerDB_InMemory(t *testing.T) {
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, InMemoryPath)
	require.NoError(t, err)

	storage := NewHistoryStorage(db, logger)
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.Record(ctx, models.NewRunRecord("", "run-mem", models.NewSuccessResult("portal", "", "refreshed", 2, false))))

	records, err := storage.ListByRun(ctx, "run-mem")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "portal", records[0].Service)
}
