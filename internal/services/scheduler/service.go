package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
)

// Service implements SchedulerService: a cron-driven RefreshAll sweep
type Service struct {
	refresher interfaces.RefreshService
	cron      *cron.Cron
	logger    arbor.ILogger

	mu           sync.Mutex // Protects the fields below
	schedule     string
	entryID      cron.EntryID
	running      bool
	isProcessing bool
	lastRun      *time.Time
	lastError    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(refresher interfaces.RefreshService, logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		refresher: refresher,
		cron:      cron.New(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the scheduler with the given cron expression
func (s *Service) Start(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if err := common.ValidateSchedule(cronExpr); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		// Restarted after Stop
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.cron.Remove(s.entryID)
	}

	id, err := s.cron.AddFunc(cronExpr, s.runSweep)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = id
	s.schedule = cronExpr

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("cron_expr", cronExpr).
		Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler, cancels an in-flight sweep and waits for it to return
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	stopped := s.cron.Stop()
	cancel()
	<-stopped.Done()
	s.wg.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// TriggerNow starts a sweep in the background unless one is already running
func (s *Service) TriggerNow() error {
	s.mu.Lock()
	busy := s.isProcessing
	s.mu.Unlock()
	if busy {
		return fmt.Errorf("refresh sweep already in progress")
	}

	s.logger.Info().Msg("Manual sweep trigger requested")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweep()
	}()
	return nil
}

// IsRunning returns true if scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the schedule, last outcome and next fire time
func (s *Service) Status() interfaces.SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := interfaces.SweepStatus{
		Schedule:  s.schedule,
		Enabled:   s.running,
		IsRunning: s.isProcessing,
		LastError: s.lastError,
	}
	if s.lastRun != nil {
		last := *s.lastRun
		status.LastRun = &last
	}
	if s.running {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// runSweep executes one RefreshAll; overlapping invocations are skipped
func (s *Service) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in refresh sweep")
			s.finish(fmt.Errorf("panic: %v", r))
		}
	}()

	s.mu.Lock()
	if s.isProcessing {
		s.mu.Unlock()
		s.logger.Warn().Msg("Previous refresh sweep still running, skipping this cycle")
		return
	}
	s.isProcessing = true
	// Start replaces ctx after a Stop
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info().Msg("🔄 Scheduled refresh sweep started")

	results, err := s.refresher.RefreshAll(ctx, false)
	if err == nil {
		for service, rs := range results {
			for _, r := range rs {
				if !r.Success {
					err = fmt.Errorf("refresh failed for %s", service)
					break
				}
			}
		}
	}

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("duration", time.Since(started).String()).
			Msg("Refresh sweep finished with failures")
	} else {
		s.logger.Info().
			Int("services", len(results)).
			Str("duration", time.Since(started).String()).
			Msg("✅ Refresh sweep completed")
	}
	s.finish(err)
}

func (s *Service) finish(err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isProcessing = false
	s.lastRun = &now
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}
