package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/models"
)

type blockingRefresher struct {
	calls   int32
	release chan struct{}
	started chan struct{}
	fail    bool
}

func newBlockingRefresher() *blockingRefresher {
	return &blockingRefresher{release: make(chan struct{}), started: make(chan struct{}, 10)}
}

func (b *blockingRefresher) CheckAll(ctx context.Context) ([]*models.AuthState, error) {
	return nil, nil
}

func (b *blockingRefresher) RefreshOne(ctx context.Context, service, account string, force bool) models.RefreshResult {
	return models.RefreshResult{}
}

func (b *blockingRefresher) RefreshAll(ctx context.Context, force bool) (map[string][]models.RefreshResult, error) {
	atomic.AddInt32(&b.calls, 1)
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	result := models.NewSuccessResult("portal", "", "auth state refreshed", 1, false)
	if b.fail {
		result = models.NewFailureResult("portal", "", "login timed out", context.DeadlineExceeded)
	}
	return map[string][]models.RefreshResult{"portal": {result}}, nil
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Status().IsRunning }, time.Second, 5*time.Millisecond)
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	s := NewService(newBlockingRefresher(), arbor.NewLogger())
	assert.Error(t, s.Start("not a cron"))
	assert.False(t, s.IsRunning())
}

func TestStartStop(t *testing.T) {
	s := NewService(newBlockingRefresher(), arbor.NewLogger())
	require.NoError(t, s.Start("0 */6 * * *"))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start("0 */6 * * *"))

	status := s.Status()
	assert.Equal(t, "0 */6 * * *", status.Schedule)
	require.NotNil(t, status.NextRun)
	assert.True(t, status.NextRun.After(time.Now()))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}

func TestTriggerNow_NoOverlappingSweeps(t *testing.T) {
	refresher := newBlockingRefresher()
	s := NewService(refresher, arbor.NewLogger())

	require.NoError(t, s.TriggerNow())
	<-refresher.started
	assert.True(t, s.Status().IsRunning)
	assert.Error(t, s.TriggerNow())

	close(refresher.release)
	waitIdle(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
	status := s.Status()
	require.NotNil(t, status.LastRun)
	assert.Empty(t, status.LastError)
}

func TestTriggerNow_RecordsFailures(t *testing.T) {
	refresher := newBlockingRefresher()
	refresher.fail = true
	close(refresher.release)
	s := NewService(refresher, arbor.NewLogger())

	require.NoError(t, s.TriggerNow())
	<-refresher.started
	waitIdle(t, s)

	assert.Contains(t, s.Status().LastError, "portal")
}

func TestStop_CancelsRunningSweep(t *testing.T) {
	refresher := newBlockingRefresher()
	s := NewService(refresher, arbor.NewLogger())
	require.NoError(t, s.Start("0 */6 * * *"))

	require.NoError(t, s.TriggerNow())
	<-refresher.started

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Contains(t, s.Status().LastError, "context canceled")
}

func TestRestart_SweepRunsWithLiveContext(t *testing.T) {
	refresher := newBlockingRefresher()
	close(refresher.release)
	s := NewService(refresher, arbor.NewLogger())

	for cycle := 0; cycle < 3; cycle++ {
		require.NoError(t, s.Start("0 */6 * * *"))

		require.NoError(t, s.TriggerNow())
		<-refresher.started
		waitIdle(t, s)
		assert.Empty(t, s.Status().LastError, "cycle %d", cycle)

		require.NoError(t, s.Stop())
	}
}
