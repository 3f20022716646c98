// -----------------------------------------------------------------------
// Refresh Orchestrator - decides what to refresh, retries, validates,
// rolls back and escalates
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// SweepService is the service name used on sweep summary events
const SweepService = "authkeeper"

// Service implements interfaces.RefreshService
type Service struct {
	config     *common.Config
	store      interfaces.AuthStateStore
	strategies map[string]interfaces.Strategy
	guard      interfaces.URLGuard
	notifier   interfaces.Notifier
	history    interfaces.RunHistoryStorage
	locks      *common.KeyedLocker
	logger     arbor.ILogger

	maxAttempts  int
	attemptDelay time.Duration
	accountDelay time.Duration
	workers      int
	thresholds   models.Thresholds

	sleep func(ctx context.Context, d time.Duration) error
}

// NewService wires the orchestrator. history may be nil when run history is disabled.
func NewService(
	config *common.Config,
	store interfaces.AuthStateStore,
	strategies map[string]interfaces.Strategy,
	guard interfaces.URLGuard,
	notifier interfaces.Notifier,
	history interfaces.RunHistoryStorage,
	logger arbor.ILogger,
) *Service {
	s := &Service{
		config:       config,
		store:        store,
		strategies:   strategies,
		guard:        guard,
		notifier:     notifier,
		history:      history,
		locks:        common.NewKeyedLocker(),
		logger:       logger,
		maxAttempts:  config.Refresh.MaxAttempts,
		attemptDelay: common.ParseDurationOr(config.Refresh.AttemptDelay, 10*time.Second),
		accountDelay: common.ParseDurationOr(config.Refresh.AccountDelay, 5*time.Second),
		workers:      config.Refresh.ConcurrentRefreshes,
		thresholds:   config.Thresholds(),
		sleep:        sleepContext,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

// InFlight returns the (service, account) keys currently being refreshed or waiting to be
func (s *Service) InFlight() []string {
	return s.locks.Keys()
}

// CheckAll derives freshness for every configured (service, account) without refreshing
func (s *Service) CheckAll(ctx context.Context) ([]*models.AuthState, error) {
	return s.store.ListAll(ctx)
}

// RefreshOne refreshes one service. With an empty account on a multi-account service, every
// target account is refreshed and the results are folded into one.
func (s *Service) RefreshOne(ctx context.Context, service, account string, force bool) models.RefreshResult {
	runID := common.NewRunID()
	logger := s.logger.WithCorrelationId(runID)

	svc, ok := s.config.Service(service)
	if !ok {
		err := models.ConfigurationError("%w: %s", models.ErrUnknownService, service)
		return s.finishFailure(ctx, runID, logger, service, account, models.StatusMissing, 0, err)
	}

	if account == "" && len(svc.Accounts) > 1 {
		results := s.refreshAccounts(ctx, runID, logger, service, svc, svc.TargetAccounts(), force)
		return Aggregate(service, results)
	}
	if account == "" && len(svc.Accounts) == 1 {
		account = svc.Accounts[0]
	}
	if !svc.HasAccount(account) {
		err := models.ConfigurationError("account %q is not configured for service %s", account, service)
		return s.finishFailure(ctx, runID, logger, service, account, models.StatusMissing, 0, err)
	}

	return s.refreshAccount(ctx, runID, logger, service, svc, account, force)
}

// RefreshAll sweeps every enabled service in priority order. Services run on a bounded worker
// pool; accounts of one service run sequentially.
func (s *Service) RefreshAll(ctx context.Context, force bool) (map[string][]models.RefreshResult, error) {
	runID := common.NewRunID()
	logger := s.logger.WithCorrelationId(runID)
	started := time.Now()

	states, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth states: %w", err)
	}
	byService := make(map[string]map[string]*models.AuthState)
	for _, st := range states {
		if byService[st.Service] == nil {
			byService[st.Service] = make(map[string]*models.AuthState)
		}
		byService[st.Service][st.Account] = st
	}

	services := s.config.EnabledServices()
	logger.Info().
		Int("services", len(services)).
		Bool("force", force).
		Int("workers", s.workers).
		Msg("Starting refresh sweep")

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string][]models.RefreshResult, len(services))
		sem     = make(chan struct{}, s.workers)
	)

	for _, id := range services {
		svc, _ := s.config.Service(id)

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id string, svc common.ServiceConfig) {
			defer wg.Done()
			defer func() { <-sem }()

			var due, fresh []string
			for _, account := range svc.TargetAccounts() {
				if force || needsAttention(byService[id][account]) {
					due = append(due, account)
				} else {
					fresh = append(fresh, account)
				}
			}

			serviceResults := make([]models.RefreshResult, 0, len(due)+len(fresh))
			for _, account := range fresh {
				reason := byService[id][account].Reason
				if reason == "" {
					reason = "status " + string(models.StatusValid)
				}
				serviceResults = append(serviceResults, models.NewSkippedResult(id, account, reason))
			}
			serviceResults = append(serviceResults, s.refreshAccounts(ctx, runID, logger, id, svc, due, force)...)

			mu.Lock()
			results[id] = serviceResults
			mu.Unlock()
		}(id, svc)
	}
	wg.Wait()

	s.emitSummary(ctx, logger, results, time.Since(started))
	return results, ctx.Err()
}

// refreshAccounts runs accounts one after another, pausing between accounts that were
// actually refreshed. One account's failure never stops the rest.
func (s *Service) refreshAccounts(ctx context.Context, runID string, logger arbor.ILogger, service string, svc common.ServiceConfig, accounts []string, force bool) []models.RefreshResult {
	results := make([]models.RefreshResult, 0, len(accounts))
	previousRan := false
	for _, account := range accounts {
		if previousRan && s.accountDelay > 0 {
			if err := s.sleep(ctx, s.accountDelay); err != nil {
				preStatus := models.StatusMissing
				if info, ierr := s.store.ExpirationInfo(context.WithoutCancel(ctx), service, account); ierr == nil {
					preStatus = info.Status
				}
				r := s.cancelledResult(service, account, models.StateStart, err)
				s.notifyFailure(ctx, r, preStatus)
				s.record(ctx, runID, r)
				results = append(results, r)
				continue
			}
		}
		r := s.refreshAccount(ctx, runID, logger, service, svc, account, force)
		previousRan = !r.Skipped
		results = append(results, r)
	}
	return results
}

// refreshAccount is the per-(service, account) pipeline: guard, need check, attempts,
// post-capture validation with rollback, notification and history
func (s *Service) refreshAccount(ctx context.Context, runID string, logger arbor.ILogger, service string, svc common.ServiceConfig, account string, force bool) models.RefreshResult {
	unlock := s.locks.Lock(models.StateKey(service, account))
	defer unlock()

	strategy, ok := s.strategies[service]
	if !ok {
		err := models.ConfigurationError("no strategy registered for service %s (strategy %q)", service, svc.Strategy)
		return s.finishFailure(ctx, runID, logger, service, account, models.StatusMissing, 0, err)
	}

	if err := s.guard.Validate(service, svc.DeclaredURLs()); err != nil {
		logger.Error().Err(err).Str("service", service).Str("account", account).Msg("URL guard rejected service configuration")
		return s.finishFailure(ctx, runID, logger, service, account, models.StatusMissing, 0, err)
	}

	preStatus := models.StatusMissing
	if info, err := s.store.ExpirationInfo(ctx, service, account); err == nil {
		preStatus = info.Status
	}

	if !force {
		needs, reason := strategy.NeedsRefresh(ctx, account, s.thresholds.WarningDays)
		if !needs {
			logger.Debug().Str("service", service).Str("account", account).Str("reason", reason).Msg("Refresh not needed")
			r := models.NewSkippedResult(service, account, reason)
			s.record(ctx, runID, r)
			return r
		}
		logger.Info().Str("service", service).Str("account", account).Str("reason", reason).Msg("Refresh needed")
	}

	if err := ctx.Err(); err != nil {
		r := s.cancelledResult(service, account, models.StateStart, err)
		s.notifyFailure(ctx, r, preStatus)
		s.record(ctx, runID, r)
		return r
	}

	preHandle, err := s.store.Backup(ctx, service, account)
	if err != nil {
		if ctx.Err() != nil {
			r := s.cancelledResult(service, account, models.StateStart, ctx.Err())
			s.notifyFailure(ctx, r, preStatus)
			s.record(ctx, runID, r)
			return r
		}
		err = models.NewRefreshError(models.KindStorage, models.StateStart, fmt.Errorf("pre-refresh backup failed: %w", err))
		return s.finishFailure(ctx, runID, logger, service, account, preStatus, 0, err)
	}

	var (
		result   models.RefreshResult
		attempts int
	)
	for attempts = 1; attempts <= s.maxAttempts; attempts++ {
		if attempts > 1 && s.attemptDelay > 0 {
			if err := s.sleep(ctx, s.attemptDelay); err != nil {
				result = s.cancelledResult(service, account, result.Step, err)
				break
			}
		}

		result = s.invoke(ctx, logger, strategy, service, account)
		if result.Success {
			result = s.validateCapture(ctx, logger, strategy, service, account, result, preHandle)
			break
		}

		logger.Warn().
			Str("service", service).
			Str("account", account).
			Int("attempt", attempts).
			Int("max_attempts", s.maxAttempts).
			Str("step", string(result.Step)).
			Str("kind", string(result.Kind)).
			Str("error", result.Error).
			Msg("Refresh attempt failed")

		var panicErr *common.PanicError
		if ctx.Err() != nil || errors.As(result.Err, &panicErr) || !models.IsRetryable(result.Err) {
			break
		}
	}
	if attempts > s.maxAttempts {
		attempts = s.maxAttempts
	}
	if !result.Success && ctx.Err() != nil {
		result = s.rollbackCancelled(ctx, logger, result, preHandle)
	}
	result = result.WithAttempts(attempts)

	if result.Success {
		logger.Info().
			Str("service", service).
			Str("account", account).
			Int("attempts", attempts).
			Int("cookies_saved", result.CookiesSaved).
			Msg("Refresh succeeded")
		s.emit(ctx, service, account, models.LevelSuccess, result.Message, map[string]interface{}{
			"attempts":            attempts,
			"cookies_saved":       result.CookiesSaved,
			"storage_state_saved": result.StorageStateSaved,
		})
	} else {
		if result.Kind != models.KindCancelled {
			result = result.WithManualIntervention()
		}
		s.notifyFailure(ctx, result, preStatus)
	}

	s.record(ctx, runID, result)
	return result
}

// invoke runs one strategy attempt, converting a panic into an internal failure
func (s *Service) invoke(ctx context.Context, logger arbor.ILogger, strategy interfaces.Strategy, service, account string) models.RefreshResult {
	var result models.RefreshResult
	err := common.SafeCall(logger, "strategy "+strategy.ID()+" for "+service, func() error {
		result = strategy.Refresh(ctx, account)
		return nil
	})
	if err != nil {
		re := models.NewRefreshError(models.KindInternal, "", err)
		return models.NewFailureResult(service, account, "strategy crashed: "+err.Error(), re).WithManualIntervention()
	}
	if ctx.Err() != nil && result.Success {
		// A strategy that ignored cancellation does not get to report success
		return s.cancelledResult(service, account, models.StateExtract, ctx.Err())
	}
	return result
}

// validateCapture re-loads what the strategy saved and confirms it authenticates; a failure
// restores the pre-refresh backup and is never retried
func (s *Service) validateCapture(ctx context.Context, logger arbor.ILogger, strategy interfaces.Strategy, service, account string, result models.RefreshResult, preHandle *models.BackupHandle) models.RefreshResult {
	if result.Skipped || containsState(result.Trace, models.StateReuseValid) {
		return result
	}

	var reason string
	state, err := s.store.Load(ctx, service, account)
	if err != nil {
		reason = fmt.Sprintf("captured state could not be loaded: %v", err)
	} else {
		var ok bool
		if ok, reason = strategy.Validate(ctx, state); ok {
			return result
		}
	}

	logger.Warn().Str("service", service).Str("account", account).Str("reason", reason).Str("backup", preHandle.ID).Msg("Captured auth state failed validation, rolling back")

	message := "captured auth state failed validation: " + reason
	if rerr := s.store.Restore(context.WithoutCancel(ctx), preHandle); rerr != nil {
		logger.Error().Err(rerr).Str("service", service).Str("account", account).Msg("Rollback failed")
		message += fmt.Sprintf(" (rollback failed: %v)", rerr)
	} else {
		message += " (previous state restored)"
	}

	verr := models.NewRefreshError(models.KindValidation, models.StateVerify, errors.New(reason))
	return models.NewFailureResult(service, account, message, verr).WithTrace(result.Trace)
}

// rollbackCancelled restores the pre-refresh backup after an interrupted refresh
func (s *Service) rollbackCancelled(ctx context.Context, logger arbor.ILogger, result models.RefreshResult, preHandle *models.BackupHandle) models.RefreshResult {
	if rerr := s.store.Restore(context.WithoutCancel(ctx), preHandle); rerr != nil {
		logger.Error().Err(rerr).Str("service", result.Service).Str("account", result.Account).Msg("Rollback after cancellation failed")
		return result.WithMessage(result.Message + fmt.Sprintf(" (rollback failed: %v)", rerr))
	}
	logger.Info().Str("service", result.Service).Str("account", result.Account).Str("backup", preHandle.ID).Msg("Refresh cancelled, previous state restored")
	if strings.HasSuffix(result.Message, "(previous state restored)") {
		return result
	}
	return result.WithMessage(result.Message + " (previous state restored)")
}

func (s *Service) cancelledResult(service, account string, step models.RefreshState, err error) models.RefreshResult {
	re := models.NewRefreshError(models.KindCancelled, step, err)
	return models.NewFailureResult(service, account, "refresh cancelled", re)
}

// finishFailure reports a failure that happened before any strategy attempt
func (s *Service) finishFailure(ctx context.Context, runID string, logger arbor.ILogger, service, account string, preStatus models.Status, attempts int, err error) models.RefreshResult {
	r := models.NewFailureResult(service, account, err.Error(), err).WithAttempts(attempts)
	if r.Kind != models.KindCancelled {
		r = r.WithManualIntervention()
	}
	logger.Error().Err(err).Str("service", service).Str("account", account).Str("kind", string(r.Kind)).Msg("Refresh failed before any attempt")
	s.notifyFailure(ctx, r, preStatus)
	s.record(ctx, runID, r)
	return r
}

// notifyFailure emits exactly one ERROR or CRITICAL event for a failed refresh
func (s *Service) notifyFailure(ctx context.Context, r models.RefreshResult, preStatus models.Status) {
	details := map[string]interface{}{
		"attempts":                     r.Attempts,
		"kind":                         string(r.Kind),
		"manual_intervention_required": r.ManualInterventionRequired,
		"previous_status":              string(preStatus),
	}
	if r.Step != "" {
		details["step"] = string(r.Step)
	}
	if r.Error != "" {
		details["error"] = r.Error
	}
	s.emit(ctx, r.Service, r.Account, Escalate(preStatus, r.Kind), r.Message, details)
}

func (s *Service) emit(ctx context.Context, service, account string, level models.Level, message string, details map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	// Deliver even when the refresh itself was cancelled
	s.notifier.Emit(context.WithoutCancel(ctx), models.NewNotificationEvent(service, account, level, message, details))
}

func (s *Service) emitSummary(ctx context.Context, logger arbor.ILogger, results map[string][]models.RefreshResult, took time.Duration) {
	var refreshed, skipped, failed int
	for _, rs := range results {
		for _, r := range rs {
			switch {
			case !r.Success:
				failed++
			case r.Skipped:
				skipped++
			default:
				refreshed++
			}
		}
	}

	level := models.LevelInfo
	if failed > 0 {
		level = models.LevelWarning
	}
	message := fmt.Sprintf("sweep finished: %d refreshed, %d still valid, %d failed", refreshed, skipped, failed)

	logger.Info().
		Int("refreshed", refreshed).
		Int("skipped", skipped).
		Int("failed", failed).
		Str("duration", took.String()).
		Msg("Refresh sweep finished")

	s.emit(ctx, SweepService, "", level, message, map[string]interface{}{
		"services":  len(results),
		"refreshed": refreshed,
		"skipped":   skipped,
		"failed":    failed,
	})
}

func (s *Service) record(ctx context.Context, runID string, r models.RefreshResult) {
	if s.history == nil {
		return
	}
	rec := models.NewRunRecord(common.NewRecordID(), runID, r)
	if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn().Err(err).Str("service", r.Service).Msg("Failed to record run history")
	}
}

// Escalate picks the failure severity: CRITICAL when the service was already unusable or the
// failure needs a configuration fix, ERROR otherwise
func Escalate(preStatus models.Status, kind models.ErrorKind) models.Level {
	if kind == models.KindConfiguration {
		return models.LevelCritical
	}
	switch preStatus {
	case models.StatusExpired, models.StatusMissing, models.StatusCritical:
		return models.LevelCritical
	default:
		return models.LevelError
	}
}

// Aggregate folds per-account results into one service result without hiding any failure
func Aggregate(service string, results []models.RefreshResult) models.RefreshResult {
	if len(results) == 1 {
		return results[0]
	}

	agg := models.RefreshResult{
		Service:   service,
		Success:   true,
		Skipped:   len(results) > 0,
		Timestamp: time.Now().UTC(),
	}
	var failedAccounts []string
	for _, r := range results {
		agg.CookiesSaved += r.CookiesSaved
		agg.StorageStateSaved = agg.StorageStateSaved || r.StorageStateSaved
		agg.ManualInterventionRequired = agg.ManualInterventionRequired || r.ManualInterventionRequired
		if r.Attempts > agg.Attempts {
			agg.Attempts = r.Attempts
		}
		if !r.Skipped {
			agg.Skipped = false
		}
		if !r.Success {
			agg.Success = false
			failedAccounts = append(failedAccounts, r.Account)
			if agg.Err == nil {
				agg.Err, agg.Error, agg.Kind, agg.Step = r.Err, r.Error, r.Kind, r.Step
			}
		}
	}

	if agg.Success {
		agg.Message = fmt.Sprintf("%d accounts ok", len(results))
	} else {
		agg.Message = fmt.Sprintf("%d of %d accounts failed: %v", len(failedAccounts), len(results), failedAccounts)
	}
	return agg
}

func needsAttention(st *models.AuthState) bool {
	return st == nil || st.Status != models.StatusValid
}

func containsState(trace []models.RefreshState, state models.RefreshState) bool {
	for _, s := range trace {
		if s == state {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
