package strategies

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// defaultCredentialKey is the credentials entry used when an account has none of its own
const defaultCredentialKey = "default"

// Settings are the runtime knobs shared by every strategy
type Settings struct {
	Headless         bool
	LoginTimeout     time.Duration
	TwoFactorTimeout time.Duration
	PollInterval     time.Duration
	Thresholds       models.Thresholds
}

// SettingsFromConfig resolves the duration strings of the refresh and browser sections
func SettingsFromConfig(config *common.Config) Settings {
	return Settings{
		Headless:         config.Browser.Headless,
		LoginTimeout:     common.ParseDurationOr(config.Refresh.LoginTimeout, 300*time.Second),
		TwoFactorTimeout: common.ParseDurationOr(config.Refresh.TwoFactorTimeout, 120*time.Second),
		PollInterval:     common.ParseDurationOr(config.Refresh.PollInterval, time.Second),
		Thresholds:       config.Thresholds(),
	}
}

// Deps are the collaborators injected into every strategy
type Deps struct {
	Store     interfaces.AuthStateStore
	Browser   interfaces.Browser
	Notifier  interfaces.Notifier
	Codes     interfaces.CodeProvider // optional
	Pacer     *LoginPacer
	Validator *HTTPValidator
	// HTTPClient is used for OAuth token endpoints
	HTTPClient *http.Client
	Settings   Settings
	Logger     arbor.ILogger
	Getenv     func(string) string
	Now        func() time.Time
}

// Base carries the parts of the contract that are identical for every service
type Base struct {
	id      string
	service string
	config  common.ServiceConfig
	deps    Deps
	machine *Machine
	logger  arbor.ILogger
}

func newBase(id, service string, config common.ServiceConfig, deps Deps) *Base {
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Settings.PollInterval <= 0 {
		deps.Settings.PollInterval = time.Second
	}
	if deps.Validator == nil {
		deps.Validator = NewHTTPValidator(deps.Logger)
	}
	return &Base{
		id:      id,
		service: service,
		config:  config,
		deps:    deps,
		logger:  deps.Logger,
		machine: &Machine{
			service:    service,
			policy:     config.Policy(),
			thresholds: deps.Settings.Thresholds,
			store:      deps.Store,
			browser:    deps.Browser,
			notifier:   deps.Notifier,
			logger:     deps.Logger,
			now:        deps.Now,
		},
	}
}

func (b *Base) ID() string {
	return b.id
}

func (b *Base) Service() string {
	return b.service
}

// NeedsRefresh is true when the stored state is missing, unreadable, expired, holds neither
// cookies nor a token, or expires within warningDays
func (b *Base) NeedsRefresh(ctx context.Context, account string, warningDays int) (bool, string) {
	info, err := b.deps.Store.ExpirationInfo(ctx, b.service, account)
	if err != nil {
		return true, fmt.Sprintf("unable to read auth state: %v", err)
	}

	switch {
	case !info.Found:
		return true, "no stored auth state"
	case info.Corrupt:
		return true, "stored auth state is unreadable"
	case info.IsExpired:
		return true, info.Reason
	case info.CookieCount == 0 && !info.HasToken:
		return true, "no cookies or tokens stored"
	case info.DaysUntilExpiration == nil:
		return false, info.Reason
	case *info.DaysUntilExpiration <= warningDays:
		return true, fmt.Sprintf("expires in %d days", *info.DaysUntilExpiration)
	default:
		return false, fmt.Sprintf("valid for %d more days", *info.DaysUntilExpiration)
	}
}

// credentials resolves the username and password env references for account
func (b *Base) credentials(account string) (string, string, error) {
	ref, ok := b.config.Credentials[account]
	if !ok {
		ref, ok = b.config.Credentials[defaultCredentialKey]
	}
	if !ok || ref.UsernameEnv == "" || ref.PasswordEnv == "" {
		return "", "", fmt.Errorf("%w: no credential reference for %s", models.ErrMissingCredential, models.StateKey(b.service, account))
	}

	username := b.deps.Getenv(ref.UsernameEnv)
	password := b.deps.Getenv(ref.PasswordEnv)
	if username == "" || password == "" {
		return "", "", fmt.Errorf("%w: environment variables %s/%s are not set", models.ErrMissingCredential, ref.UsernameEnv, ref.PasswordEnv)
	}
	return username, password, nil
}

// waitUntil polls cond until it reports true, the timeout passes or ctx ends.
// A timeout is a transient failure at step; a cancelled parent is a cancellation.
func (b *Base) waitUntil(ctx context.Context, step models.RefreshState, timeout time.Duration, what string, cond func(context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(b.deps.Settings.PollInterval)
	defer ticker.Stop()

	for {
		done, err := cond(waitCtx)
		if err == nil && done {
			return nil
		}
		if err != nil && waitCtx.Err() == nil {
			b.logger.Debug().Err(err).Str("service", b.service).Str("waiting_for", what).Msg("Poll check failed")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return models.NewRefreshError(models.KindCancelled, step, ctx.Err())
			}
			return models.NewRefreshError(models.KindTransientAuth, step,
				fmt.Errorf("timed out after %s waiting for %s", timeout, what))
		case <-ticker.C:
		}
	}
}

// browserLogin opens the login page and submits credentials when it can.
// It returns true when a human has to finish the login (AWAIT_USER).
func (b *Base) browserLogin(ctx context.Context, run *Run) (bool, error) {
	loginURL := b.config.URLs.Login
	if loginURL == "" {
		return false, models.ConfigurationError("service %s has no login URL", b.service)
	}

	session, err := run.Session(ctx)
	if err != nil {
		return false, err
	}

	if run.Existing != nil && len(run.Existing.Cookies) > 0 {
		if err := session.SetCookies(ctx, run.Existing.Cookies); err != nil {
			b.logger.Debug().Err(err).Str("service", b.service).Msg("Could not seed existing cookies")
		}
	}

	if err := b.deps.Pacer.Wait(ctx, loginURL); err != nil {
		return false, models.NewRefreshError(models.KindCancelled, models.StateLogin, err)
	}
	if err := session.Navigate(ctx, loginURL); err != nil {
		return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin,
			fmt.Errorf("failed to open login page: %w", err))
	}

	current, err := session.CurrentURL(ctx)
	if err == nil && !isLoginPage(current, loginURL) {
		// Seeded cookies were still accepted and the provider skipped the form
		return false, nil
	}

	username, password, err := b.credentials(run.Account)
	if err != nil {
		if b.deps.Settings.Headless {
			return false, models.NewRefreshError(models.KindConfiguration, models.StateLogin, err)
		}
		b.logger.Info().Str("service", b.service).Str("account", run.Account).Msg("No credentials configured, waiting for manual login")
		return true, nil
	}

	sel := b.config.Selectors
	if sel.Username == "" || sel.Password == "" {
		if b.deps.Settings.Headless {
			return false, models.ConfigurationError("service %s has no login form selectors", b.service)
		}
		return true, nil
	}

	if err := session.SetValue(ctx, sel.Username, username); err != nil {
		return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to fill username: %w", err))
	}
	if err := session.SetValue(ctx, sel.Password, password); err != nil {
		return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to fill password: %w", err))
	}
	if sel.Submit != "" {
		if err := session.Click(ctx, sel.Submit); err != nil {
			return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to submit login form: %w", err))
		}
	}

	if !b.config.Requires2FA {
		return false, nil
	}
	return b.twoFactor(ctx, run, session)
}

// twoFactor completes the second factor from the CodeProvider, or hands it to a human
func (b *Base) twoFactor(ctx context.Context, run *Run, session interfaces.BrowserSession) (bool, error) {
	sel := b.config.Selectors
	if sel.TwoFactor == "" || b.deps.Codes == nil {
		if b.deps.Settings.Headless {
			return false, models.ConfigurationError("service %s requires 2FA but no code source is configured for headless mode", b.service)
		}
		run.AwaitTwoFactor = true
		return true, nil
	}

	prompted := false
	err := b.waitUntil(ctx, models.StateLogin, b.deps.Settings.LoginTimeout, "2FA prompt", func(ctx context.Context) (bool, error) {
		ok, err := session.Exists(ctx, sel.TwoFactor)
		if err != nil {
			return false, err
		}
		if ok {
			prompted = true
			return true, nil
		}
		current, err := session.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return !isLoginPage(current, b.config.URLs.Login), nil
	})
	if err != nil {
		return false, err
	}
	if !prompted {
		// The provider trusted this device and skipped the challenge
		return false, nil
	}

	codeCtx, cancel := context.WithTimeout(ctx, b.deps.Settings.TwoFactorTimeout)
	defer cancel()
	code, err := b.deps.Codes.WaitForCode(codeCtx, b.service, run.Account, run.StartedAt)
	if err != nil {
		if ctx.Err() != nil {
			return false, models.NewRefreshError(models.KindCancelled, models.StateLogin, ctx.Err())
		}
		if b.deps.Settings.Headless {
			return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("no 2FA code received: %w", err))
		}
		b.logger.Warn().Err(err).Str("service", b.service).Msg("No 2FA code received, waiting for manual entry")
		run.AwaitTwoFactor = true
		return true, nil
	}

	if err := session.SetValue(ctx, sel.TwoFactor, code); err != nil {
		return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to fill 2FA code: %w", err))
	}
	if sel.TwoFactorSubmit != "" {
		if err := session.Click(ctx, sel.TwoFactorSubmit); err != nil {
			return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to submit 2FA code: %w", err))
		}
	}
	return false, nil
}

// awaitLeaveLogin waits for the human to finish: navigation away from the login page
func (b *Base) awaitLeaveLogin(ctx context.Context, run *Run) error {
	session, err := run.Session(ctx)
	if err != nil {
		return err
	}

	timeout := b.deps.Settings.LoginTimeout
	if run.AwaitTwoFactor {
		timeout = b.deps.Settings.TwoFactorTimeout
	}

	b.logger.Info().
		Str("service", b.service).
		Str("account", run.Account).
		Str("timeout", timeout.String()).
		Msg("Waiting for manual login in the browser window")

	return b.waitUntil(ctx, models.StateAwaitUser, timeout, "manual login", func(ctx context.Context) (bool, error) {
		current, err := session.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return !isLoginPage(current, b.config.URLs.Login), nil
	})
}

// isLoginPage reports whether current is still the login endpoint (or one of its sub-pages)
func isLoginPage(current, loginURL string) bool {
	if current == "" || strings.HasPrefix(current, "about:") {
		return true
	}
	cu, err := url.Parse(current)
	if err != nil {
		return true
	}
	lu, err := url.Parse(loginURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(cu.Hostname(), lu.Hostname()) {
		return false
	}
	loginPath := strings.TrimSuffix(lu.Path, "/")
	currentPath := strings.TrimSuffix(cu.Path, "/")
	if loginPath == "" {
		return currentPath == ""
	}
	return currentPath == loginPath || strings.HasPrefix(currentPath, loginPath+"/")
}
