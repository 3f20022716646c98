package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// FormLoginID is the registry id of the cookie-based password form strategy
const FormLoginID = "form_login"

// FormLogin keeps a portal session cookie jar fresh
type FormLogin struct {
	*Base
}

// NewFormLogin creates the form_login strategy for one service
func NewFormLogin(service string, config common.ServiceConfig, deps Deps) (interfaces.Strategy, error) {
	if config.URLs.Login == "" {
		return nil, models.ConfigurationError("service %s: form_login requires urls.login", service)
	}
	return &FormLogin{Base: newBase(FormLoginID, service, config, deps)}, nil
}

func (s *FormLogin) Refresh(ctx context.Context, account string) models.RefreshResult {
	return s.machine.Execute(ctx, account, s)
}

// Validate replays the cookies against the dashboard; it never touches the stored state
func (s *FormLogin) Validate(ctx context.Context, state *models.AuthState) (bool, string) {
	if state == nil || len(state.Cookies) == 0 {
		return false, "no cookies"
	}
	if ok, missing := models.HasCookies(state.Cookies, s.config.RequiredCookies); !ok {
		return false, "missing required cookies: " + strings.Join(missing, ", ")
	}

	now := s.deps.Now()
	live := 0
	for _, c := range state.Cookies {
		if !c.IsExpired(now) {
			live++
		}
	}
	if live == 0 {
		return false, "all cookies have expired"
	}

	target := s.config.URLs.Dashboard
	if target == "" {
		return true, fmt.Sprintf("%d live cookies, no dashboard to check", live)
	}

	ok, reason, err := s.deps.Validator.CheckCookies(ctx, target, s.config.URLs.Login, s.config.Selectors.LoggedIn, state.Cookies)
	if err != nil {
		return false, err.Error()
	}
	return ok, reason
}

func (s *FormLogin) CheckExisting(ctx context.Context, run *Run) (bool, error) {
	ok, reason := s.Validate(ctx, run.Existing)
	s.logger.Debug().Str("service", s.service).Str("account", run.Account).Bool("valid", ok).Str("reason", reason).Msg("Checked existing cookies")
	return ok, nil
}

func (s *FormLogin) Login(ctx context.Context, run *Run) (bool, error) {
	return s.browserLogin(ctx, run)
}

func (s *FormLogin) AwaitUser(ctx context.Context, run *Run) error {
	return s.awaitLeaveLogin(ctx, run)
}

// Verify polls until the browser has left the login page, holds every required cookie and,
// when configured, shows the logged-in marker
func (s *FormLogin) Verify(ctx context.Context, run *Run) error {
	session, err := run.Session(ctx)
	if err != nil {
		return err
	}

	var missing []string
	err = s.waitUntil(ctx, models.StateVerify, s.deps.Settings.LoginTimeout, "login confirmation", func(ctx context.Context) (bool, error) {
		current, err := session.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		if isLoginPage(current, s.config.URLs.Login) {
			return false, nil
		}
		cookies, err := session.Cookies(ctx)
		if err != nil {
			return false, err
		}
		var ok bool
		if ok, missing = models.HasCookies(cookies, s.config.RequiredCookies); !ok {
			return false, nil
		}
		if s.config.Selectors.LoggedIn == "" {
			return true, nil
		}
		return session.Exists(ctx, s.config.Selectors.LoggedIn)
	})
	if err != nil && len(missing) > 0 && models.KindOf(err) != models.KindCancelled {
		return models.NewRefreshError(models.KindTransientAuth, models.StateVerify,
			fmt.Errorf("required cookies never appeared: %s", strings.Join(missing, ", ")))
	}
	return err
}

func (s *FormLogin) Extract(ctx context.Context, run *Run) (*Capture, error) {
	session, err := run.Session(ctx)
	if err != nil {
		return nil, err
	}
	cookies, err := session.Cookies(ctx)
	if err != nil {
		return nil, models.NewRefreshError(models.KindTransientAuth, models.StateExtract, fmt.Errorf("failed to read cookies: %w", err))
	}
	if len(cookies) == 0 {
		return nil, models.NewRefreshError(models.KindTransientAuth, models.StateExtract, fmt.Errorf("browser returned no cookies"))
	}

	origin, err := session.LocalStorage(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Str("service", s.service).Msg("No localStorage captured")
	}
	var origins []models.OriginState
	if len(origin.LocalStorage) > 0 {
		origins = append(origins, origin)
	}

	blob, err := models.BuildStorageState(cookies, origins, nil)
	if err != nil {
		return nil, models.NewRefreshError(models.KindInternal, models.StateExtract, err)
	}
	return &Capture{Cookies: cookies, StorageState: blob}, nil
}
