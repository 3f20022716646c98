package strategies

import (
	"context"
	"fmt"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// JWTStorageID is the registry id of the localStorage JWT strategy
const JWTStorageID = "jwt_storage"

// JWTStorage keeps a single-page app's bearer token fresh. The token lives in localStorage
// under token_key, so the storage-state blob is the artifact that matters.
type JWTStorage struct {
	*Base
	tokenKey string
}

// NewJWTStorage creates the jwt_storage strategy for one service
func NewJWTStorage(service string, config common.ServiceConfig, deps Deps) (interfaces.Strategy, error) {
	if config.URLs.Login == "" {
		return nil, models.ConfigurationError("service %s: jwt_storage requires urls.login", service)
	}
	if config.TokenKey == "" {
		return nil, models.ConfigurationError("service %s: jwt_storage requires token_key", service)
	}
	return &JWTStorage{
		Base:     newBase(JWTStorageID, service, config, deps),
		tokenKey: config.TokenKey,
	}, nil
}

func (s *JWTStorage) Refresh(ctx context.Context, account string) models.RefreshResult {
	return s.machine.Execute(ctx, account, s)
}

// Validate checks the token in the blob is present and unexpired, then checks the API if one
// is configured
func (s *JWTStorage) Validate(ctx context.Context, state *models.AuthState) (bool, string) {
	if state == nil || len(state.StorageState) == 0 {
		return false, "no storage state"
	}
	parsed, err := models.ParseStorageState(state.StorageState)
	if err != nil {
		return false, err.Error()
	}
	value, ok := parsed.LocalStorageValue(s.tokenKey)
	if !ok {
		return false, fmt.Sprintf("localStorage key %q not present", s.tokenKey)
	}

	token, isJWT := models.ExtractJWT(value)
	if isJWT {
		if exp, ok := models.JWTExpiry(token); ok && !s.deps.Now().Before(exp) {
			return false, fmt.Sprintf("token expired at %s", exp.Format("2006-01-02 15:04"))
		}
	}

	if s.config.URLs.APICheck == "" {
		return true, "token present"
	}
	if !isJWT {
		token = value
	}
	ok, reason, err := s.deps.Validator.CheckBearer(ctx, s.config.URLs.APICheck, token)
	if err != nil {
		return false, err.Error()
	}
	return ok, reason
}

func (s *JWTStorage) CheckExisting(ctx context.Context, run *Run) (bool, error) {
	ok, reason := s.Validate(ctx, run.Existing)
	s.logger.Debug().Str("service", s.service).Str("account", run.Account).Bool("valid", ok).Str("reason", reason).Msg("Checked existing token")
	return ok, nil
}

func (s *JWTStorage) Login(ctx context.Context, run *Run) (bool, error) {
	return s.browserLogin(ctx, run)
}

func (s *JWTStorage) AwaitUser(ctx context.Context, run *Run) error {
	return s.awaitLeaveLogin(ctx, run)
}

// Verify polls localStorage until the app has written its token
func (s *JWTStorage) Verify(ctx context.Context, run *Run) error {
	session, err := run.Session(ctx)
	if err != nil {
		return err
	}

	return s.waitUntil(ctx, models.StateVerify, s.deps.Settings.LoginTimeout, "localStorage "+s.tokenKey, func(ctx context.Context) (bool, error) {
		origin, err := session.LocalStorage(ctx)
		if err != nil {
			return false, err
		}
		for _, item := range origin.LocalStorage {
			if item.Name == s.tokenKey && item.Value != "" {
				return true, nil
			}
		}
		return false, nil
	})
}

func (s *JWTStorage) Extract(ctx context.Context, run *Run) (*Capture, error) {
	session, err := run.Session(ctx)
	if err != nil {
		return nil, err
	}
	origin, err := session.LocalStorage(ctx)
	if err != nil {
		return nil, models.NewRefreshError(models.KindTransientAuth, models.StateExtract, fmt.Errorf("failed to read localStorage: %w", err))
	}
	cookies, err := session.Cookies(ctx)
	if err != nil {
		return nil, models.NewRefreshError(models.KindTransientAuth, models.StateExtract, fmt.Errorf("failed to read cookies: %w", err))
	}

	blob, err := models.BuildStorageState(cookies, []models.OriginState{origin}, nil)
	if err != nil {
		return nil, models.NewRefreshError(models.KindInternal, models.StateExtract, err)
	}
	return &Capture{Cookies: cookies, StorageState: blob}, nil
}
