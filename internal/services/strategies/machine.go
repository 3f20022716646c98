package strategies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// Capture is the artifact extracted from a completed login
type Capture struct {
	Cookies      []models.Cookie
	StorageState []byte
}

// Flow is the service-specific half of the state machine. Each method runs one state;
// the Machine owns transitions, persistence and notifications.
type Flow interface {
	// CheckExisting reports whether the stored artifact still authenticates
	CheckExisting(ctx context.Context, run *Run) (bool, error)
	// Login starts a login and reports whether a human step must follow (AWAIT_USER)
	Login(ctx context.Context, run *Run) (bool, error)
	// AwaitUser blocks until the human step completes or its timeout passes
	AwaitUser(ctx context.Context, run *Run) error
	// Verify confirms the login by a service-specific check
	Verify(ctx context.Context, run *Run) error
	Extract(ctx context.Context, run *Run) (*Capture, error)
}

// Run carries the per-invocation state shared between Flow steps
type Run struct {
	Service   string
	Account   string
	StartedAt time.Time
	Existing  *models.AuthState

	// Flow scratch space
	Token          *models.OAuthToken
	AwaitTwoFactor bool
	RedirectURL    string
	OAuthState     string

	browser interfaces.Browser
	session interfaces.BrowserSession
}

// Session opens the browser session on first use
func (r *Run) Session(ctx context.Context) (interfaces.BrowserSession, error) {
	if r.session != nil {
		return r.session, nil
	}
	if r.browser == nil {
		return nil, models.ConfigurationError("no browser available for service %s", r.Service)
	}
	session, err := r.browser.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	r.session = session
	return session, nil
}

// HasSession reports whether a browser session was opened during this run
func (r *Run) HasSession() bool {
	return r.session != nil
}

func (r *Run) close() {
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}
}

// Machine drives START -> CHECK_EXISTING -> REUSE_VALID | LOGIN -> AWAIT_USER | VERIFY ->
// EXTRACT -> SUCCESS, with FAILED reachable from every non-terminal state
type Machine struct {
	service    string
	policy     models.ExpirationPolicy
	thresholds models.Thresholds
	store      interfaces.AuthStateStore
	browser    interfaces.Browser
	notifier   interfaces.Notifier
	logger     arbor.ILogger
	now        func() time.Time
}

// Execute runs the machine once for account and returns its result
func (m *Machine) Execute(ctx context.Context, account string, flow Flow) models.RefreshResult {
	run := &Run{
		Service:   m.service,
		Account:   account,
		StartedAt: m.now(),
		browser:   m.browser,
	}
	defer run.close()

	var (
		state   = models.StateStart
		trace   []models.RefreshState
		result  models.RefreshResult
		failure error
	)

	for !state.IsTerminal() {
		trace = append(trace, state)

		if err := ctx.Err(); err != nil {
			failure = models.NewRefreshError(models.KindCancelled, state, err)
			state = models.StateFailed
			break
		}

		next, stepResult, err := m.step(ctx, run, flow, state)
		if err != nil {
			failure = classify(err, state)
			m.logger.Warn().
				Str("service", m.service).
				Str("account", account).
				Str("state", string(state)).
				Err(err).
				Msg("Refresh step failed")
			state = models.StateFailed
			break
		}

		m.logger.Debug().
			Str("service", m.service).
			Str("account", account).
			Str("from", string(state)).
			Str("to", string(next)).
			Msg("Refresh transition")

		if next == models.StateSuccess {
			result = stepResult
		}
		state = next
	}
	trace = append(trace, state)

	if state == models.StateSuccess {
		return result.WithTrace(trace)
	}

	step := models.StepOf(failure)
	r := models.NewFailureResult(m.service, account, fmt.Sprintf("refresh failed at %s: %v", step, errors.Unwrap(failure)), failure)
	if step == models.StateAwaitUser {
		r = r.WithManualIntervention()
	}
	return r.WithTrace(trace)
}

func (m *Machine) step(ctx context.Context, run *Run, flow Flow, state models.RefreshState) (models.RefreshState, models.RefreshResult, error) {
	var none models.RefreshResult

	switch state {
	case models.StateStart:
		return models.StateCheckExisting, none, nil

	case models.StateCheckExisting:
		existing, err := m.store.Load(ctx, run.Service, run.Account)
		switch {
		case errors.Is(err, models.ErrNotFound):
			return models.StateLogin, none, nil
		case err != nil:
			if ctx.Err() != nil || models.KindOf(err) == models.KindConfiguration {
				return "", none, err
			}
			m.logger.Warn().Err(err).Str("service", run.Service).Msg("Existing auth state unreadable, logging in")
			return models.StateLogin, none, nil
		case existing.Corrupt:
			return models.StateLogin, none, nil
		}

		existing.Derive(m.policy, m.thresholds, m.now())
		run.Existing = existing
		if existing.Status != models.StatusValid {
			return models.StateLogin, none, nil
		}

		ok, err := flow.CheckExisting(ctx, run)
		if err != nil {
			if ctx.Err() != nil || models.KindOf(err) == models.KindConfiguration {
				return "", none, err
			}
			m.logger.Debug().Err(err).Str("service", run.Service).Msg("Existing auth state check failed, logging in")
			return models.StateLogin, none, nil
		}
		if ok {
			return models.StateReuseValid, none, nil
		}
		return models.StateLogin, none, nil

	case models.StateReuseValid:
		existing := run.Existing
		if _, err := m.store.Save(ctx, run.Service, run.Account, existing.Cookies, existing.StorageState); err != nil {
			return "", none, err
		}
		return models.StateSuccess, models.NewSuccessResult(run.Service, run.Account, "existing auth state still valid, re-saved",
			len(existing.Cookies), len(existing.StorageState) > 0), nil

	case models.StateLogin:
		awaitUser, err := flow.Login(ctx, run)
		if err != nil {
			return "", none, err
		}
		if !awaitUser {
			return models.StateVerify, none, nil
		}
		m.emit(ctx, run, models.LevelWarning, "manual login required", map[string]interface{}{
			"two_factor": run.AwaitTwoFactor,
		})
		return models.StateAwaitUser, none, nil

	case models.StateAwaitUser:
		if err := flow.AwaitUser(ctx, run); err != nil {
			return "", none, err
		}
		return models.StateVerify, none, nil

	case models.StateVerify:
		if err := flow.Verify(ctx, run); err != nil {
			return "", none, err
		}
		return models.StateExtract, none, nil

	case models.StateExtract:
		capture, err := flow.Extract(ctx, run)
		if err != nil {
			return "", none, err
		}
		if _, err := m.store.Save(ctx, run.Service, run.Account, capture.Cookies, capture.StorageState); err != nil {
			return "", none, err
		}
		return models.StateSuccess, models.NewSuccessResult(run.Service, run.Account, "auth state refreshed",
			len(capture.Cookies), capture.StorageState != nil), nil
	}

	return "", none, fmt.Errorf("unexpected state %s", state)
}

func (m *Machine) emit(ctx context.Context, run *Run, level models.Level, message string, details map[string]interface{}) {
	if m.notifier == nil {
		return
	}
	m.notifier.Emit(ctx, models.NewNotificationEvent(run.Service, run.Account, level, message, details))
}

// classify attaches the failing step and a default kind to a step error
func classify(err error, state models.RefreshState) error {
	var re *models.RefreshError
	if errors.As(err, &re) {
		if re.Step != "" {
			return err
		}
		return models.NewRefreshError(re.Kind, state, re.Err)
	}
	if errors.Is(err, context.Canceled) {
		return models.NewRefreshError(models.KindCancelled, state, err)
	}
	return models.NewRefreshError(models.KindOf(err), state, err)
}
