package strategies

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// OAuthRefreshID is the registry id of the OAuth refresh-token strategy
const OAuthRefreshID = "oauth_refresh"

// OAuthRefresh renews an OAuth token with its refresh token and falls back to the browser
// consent flow when the provider no longer accepts it
type OAuthRefresh struct {
	*Base
}

// NewOAuthRefresh creates the oauth_refresh strategy for one service
func NewOAuthRefresh(service string, config common.ServiceConfig, deps Deps) (interfaces.Strategy, error) {
	if config.OAuth.TokenURL == "" || config.OAuth.AuthURL == "" {
		return nil, models.ConfigurationError("service %s: oauth_refresh requires oauth.auth_url and oauth.token_url", service)
	}
	if config.URLs.Redirect == "" {
		return nil, models.ConfigurationError("service %s: oauth_refresh requires urls.redirect", service)
	}
	return &OAuthRefresh{Base: newBase(OAuthRefreshID, service, config, deps)}, nil
}

func (s *OAuthRefresh) Refresh(ctx context.Context, account string) models.RefreshResult {
	return s.machine.Execute(ctx, account, s)
}

// oauthConfig resolves the client credentials from the environment
func (s *OAuthRefresh) oauthConfig() (*oauth2.Config, error) {
	o := s.config.OAuth
	clientID := ""
	if o.ClientIDEnv != "" {
		clientID = s.deps.Getenv(o.ClientIDEnv)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: oauth client id (%s) is not set", models.ErrMissingCredential, o.ClientIDEnv)
	}
	clientSecret := ""
	if o.ClientSecretEnv != "" {
		clientSecret = s.deps.Getenv(o.ClientSecretEnv)
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.AuthURL,
			TokenURL: o.TokenURL,
		},
		RedirectURL: s.config.URLs.Redirect,
		Scopes:      o.Scopes,
	}, nil
}

// tokenContext carries the injected HTTP client to the oauth2 package
func (s *OAuthRefresh) tokenContext(ctx context.Context) context.Context {
	if s.deps.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.deps.HTTPClient)
}

// Validate checks the stored access token has not expired and, when configured, that the API
// accepts it
func (s *OAuthRefresh) Validate(ctx context.Context, state *models.AuthState) (bool, string) {
	token := storedToken(state)
	if token == nil || token.AccessToken == "" {
		return false, "no oauth token stored"
	}
	if !token.Expiry.IsZero() && !s.deps.Now().Before(token.Expiry) {
		return false, "access token expired"
	}
	if s.config.URLs.APICheck == "" {
		return true, "access token present"
	}
	ok, reason, err := s.deps.Validator.CheckBearer(ctx, s.config.URLs.APICheck, token.AccessToken)
	if err != nil {
		return false, err.Error()
	}
	return ok, reason
}

func (s *OAuthRefresh) CheckExisting(ctx context.Context, run *Run) (bool, error) {
	ok, reason := s.Validate(ctx, run.Existing)
	s.logger.Debug().Str("service", s.service).Str("account", run.Account).Bool("valid", ok).Str("reason", reason).Msg("Checked existing oauth token")
	return ok, nil
}

// Login renews with the stored refresh token when there is one; otherwise it opens the
// consent page and hands over to the user
func (s *OAuthRefresh) Login(ctx context.Context, run *Run) (bool, error) {
	cfg, err := s.oauthConfig()
	if err != nil {
		return false, models.NewRefreshError(models.KindConfiguration, models.StateLogin, err)
	}

	if existing := storedToken(run.Existing); existing != nil && existing.RefreshToken != "" {
		src := cfg.TokenSource(s.tokenContext(ctx), &oauth2.Token{RefreshToken: existing.RefreshToken})
		token, err := src.Token()
		if err == nil {
			run.Token = fromOAuth2(token)
			s.logger.Info().Str("service", s.service).Str("account", run.Account).Msg("Access token renewed with refresh token")
			return false, nil
		}

		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) {
			if ctx.Err() != nil {
				return false, models.NewRefreshError(models.KindCancelled, models.StateLogin, ctx.Err())
			}
			return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("token refresh failed: %w", err))
		}
		s.logger.Warn().
			Str("service", s.service).
			Str("account", run.Account).
			Str("error_code", retrieveErr.ErrorCode).
			Msg("Refresh token rejected, falling back to consent")
	}

	if s.deps.Settings.Headless {
		return false, models.ConfigurationError("service %s needs OAuth consent, which cannot run headless", s.service)
	}

	session, err := run.Session(ctx)
	if err != nil {
		return false, err
	}
	run.OAuthState = uuid.New().String()
	run.RedirectURL = s.config.URLs.Redirect

	consentURL := cfg.AuthCodeURL(run.OAuthState, oauth2.AccessTypeOffline)
	if err := s.deps.Pacer.Wait(ctx, consentURL); err != nil {
		return false, models.NewRefreshError(models.KindCancelled, models.StateLogin, err)
	}
	if err := session.Navigate(ctx, consentURL); err != nil {
		return false, models.NewRefreshError(models.KindTransientAuth, models.StateLogin, fmt.Errorf("failed to open consent page: %w", err))
	}
	return true, nil
}

// AwaitUser waits for the provider to redirect back with an authorization code, then exchanges it
func (s *OAuthRefresh) AwaitUser(ctx context.Context, run *Run) error {
	session, err := run.Session(ctx)
	if err != nil {
		return err
	}

	var redirected string
	err = s.waitUntil(ctx, models.StateAwaitUser, s.deps.Settings.LoginTimeout, "oauth consent", func(ctx context.Context) (bool, error) {
		current, err := session.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		if strings.HasPrefix(current, run.RedirectURL) {
			redirected = current
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	u, err := url.Parse(redirected)
	if err != nil {
		return models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser, fmt.Errorf("invalid redirect: %w", err))
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser, fmt.Errorf("consent denied: %s", e))
	}
	if q.Get("state") != run.OAuthState {
		return models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser, fmt.Errorf("oauth state mismatch"))
	}
	code := q.Get("code")
	if code == "" {
		return models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser, fmt.Errorf("redirect carried no authorization code"))
	}

	cfg, err := s.oauthConfig()
	if err != nil {
		return models.NewRefreshError(models.KindConfiguration, models.StateAwaitUser, err)
	}
	token, err := cfg.Exchange(s.tokenContext(ctx), code)
	if err != nil {
		return models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser, fmt.Errorf("code exchange failed: %w", err))
	}
	run.Token = fromOAuth2(token)
	return nil
}

func (s *OAuthRefresh) Verify(ctx context.Context, run *Run) error {
	if run.Token == nil || run.Token.AccessToken == "" {
		return models.NewRefreshError(models.KindTransientAuth, models.StateVerify, fmt.Errorf("no access token obtained"))
	}
	if s.config.URLs.APICheck == "" {
		return nil
	}
	ok, reason, err := s.deps.Validator.CheckBearer(ctx, s.config.URLs.APICheck, run.Token.AccessToken)
	if err != nil {
		return models.NewRefreshError(models.KindTransientAuth, models.StateVerify, err)
	}
	if !ok {
		return models.NewRefreshError(models.KindTransientAuth, models.StateVerify, fmt.Errorf("new access token rejected: %s", reason))
	}
	return nil
}

// Extract stores the token in the blob next to the browser cookies; origins from the previous
// blob are carried over when no browser ran
func (s *OAuthRefresh) Extract(ctx context.Context, run *Run) (*Capture, error) {
	var (
		cookies []models.Cookie
		origins []models.OriginState
	)

	if run.Existing != nil {
		cookies = run.Existing.Cookies
		if parsed, err := models.ParseStorageState(run.Existing.StorageState); err == nil {
			origins = parsed.Origins
		}
	}

	if run.HasSession() {
		session, err := run.Session(ctx)
		if err != nil {
			return nil, err
		}
		if captured, err := session.Cookies(ctx); err == nil {
			cookies = captured
		} else {
			s.logger.Debug().Err(err).Str("service", s.service).Msg("Could not read consent cookies")
		}
	}

	blob, err := models.BuildStorageState(cookies, origins, run.Token)
	if err != nil {
		return nil, models.NewRefreshError(models.KindInternal, models.StateExtract, err)
	}
	return &Capture{Cookies: cookies, StorageState: blob}, nil
}

func storedToken(state *models.AuthState) *models.OAuthToken {
	if state == nil || len(state.StorageState) == 0 {
		return nil
	}
	parsed, err := models.ParseStorageState(state.StorageState)
	if err != nil {
		return nil
	}
	return parsed.OAuthToken
}

func fromOAuth2(t *oauth2.Token) *models.OAuthToken {
	return &models.OAuthToken{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry.UTC(),
	}
}
