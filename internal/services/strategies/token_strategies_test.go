package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/models"
)

const (
	appLogin = "https://app.toolost.example.com/login"
	appHome  = "https://app.toolost.example.com/releases"
)

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func toolostService() common.ServiceConfig {
	return common.ServiceConfig{
		Enabled:    true,
		Strategy:   JWTStorageID,
		Expiration: common.ExpirationConfig{Policy: "jwt", JWTWindowDays: 7},
		TokenKey:   "auth_token",
		URLs:       common.ServiceURLs{Login: appLogin},
		Selectors: common.SelectorConfig{
			Username: "input[name=email]",
			Password: "input[name=password]",
			Submit:   "form button",
		},
		Credentials: map[string]common.CredentialRef{
			"default": {UsernameEnv: "TOOLOST_USER", PasswordEnv: "TOOLOST_PASS"},
		},
	}
}

func TestJWTStorage_VerifyWaitsForToken(t *testing.T) {
	env := newTestEnv(t, map[string]common.ServiceConfig{"toolost": toolostService()})
	env.env["TOOLOST_USER"] = "ops@example.com"
	env.env["TOOLOST_PASS"] = "secret"
	token := signedJWT(t, time.Now().Add(7*24*time.Hour))

	env.browser.session.onClick = func(s *fakeSession, selector string) {
		s.set(func(s *fakeSession) { s.url = appHome })
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.set(func(s *fakeSession) {
				s.localStorage = models.OriginState{
					Origin:       "https://app.toolost.example.com",
					LocalStorage: []models.NameValue{{Name: "auth_token", Value: token}},
				}
			})
		}()
	}

	result := env.strategy(t, "toolost", true).Refresh(context.Background(), "")
	require.True(t, result.Success, result.Message)
	assert.True(t, result.StorageStateSaved)

	info, err := env.store.ExpirationInfo(context.Background(), "toolost", "")
	require.NoError(t, err)
	assert.True(t, info.HasToken)
	assert.False(t, info.IsExpired)
	assert.Equal(t, models.StatusWarning, info.Status, "a 7-day window is always inside the warning threshold")
}

func TestJWTStorage_VerifyTimesOutWithoutToken(t *testing.T) {
	env := newTestEnv(t, map[string]common.ServiceConfig{"toolost": toolostService()})
	env.env["TOOLOST_USER"] = "ops@example.com"
	env.env["TOOLOST_PASS"] = "secret"
	env.browser.session.onClick = func(s *fakeSession, selector string) {
		s.set(func(s *fakeSession) { s.url = appHome })
	}

	result := env.strategy(t, "toolost", true).Refresh(context.Background(), "")

	assert.False(t, result.Success)
	assert.Equal(t, models.StateVerify, result.Step)
	assert.Equal(t, models.KindTransientAuth, result.Kind)
	assert.False(t, result.ManualInterventionRequired)
}

func TestJWTStorage_Validate(t *testing.T) {
	env := newTestEnv(t, map[string]common.ServiceConfig{"toolost": toolostService()})
	strategy := env.strategy(t, "toolost", true)

	blob := func(value string) []byte {
		raw, err := models.BuildStorageState(nil, []models.OriginState{{
			Origin:       "https://app.toolost.example.com",
			LocalStorage: []models.NameValue{{Name: "auth_token", Value: value}},
		}}, nil)
		require.NoError(t, err)
		return raw
	}

	ok, _ := strategy.Validate(context.Background(), &models.AuthState{StorageState: blob(signedJWT(t, time.Now().Add(time.Hour)))})
	assert.True(t, ok)

	ok, reason := strategy.Validate(context.Background(), &models.AuthState{StorageState: blob(signedJWT(t, time.Now().Add(-time.Hour)))})
	assert.False(t, ok)
	assert.Contains(t, reason, "expired")

	ok, _ = strategy.Validate(context.Background(), &models.AuthState{})
	assert.False(t, ok)
}

func TestJWTStorage_ValidateChecksAPI(t *testing.T) {
	token := signedJWT(t, time.Now().Add(time.Hour))
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer api.Close()

	svc := toolostService()
	svc.URLs.APICheck = api.URL
	env := newTestEnv(t, map[string]common.ServiceConfig{"toolost": svc})
	strategy := env.strategy(t, "toolost", true)

	wrapped, err := json.Marshal(map[string]string{"accessToken": token})
	require.NoError(t, err)
	raw, err := models.BuildStorageState(nil, []models.OriginState{{
		LocalStorage: []models.NameValue{{Name: "auth_token", Value: string(wrapped)}},
	}}, nil)
	require.NoError(t, err)

	ok, reason := strategy.Validate(context.Background(), &models.AuthState{StorageState: raw})
	assert.True(t, ok, reason)
}

func apiService(tokenURL string) common.ServiceConfig {
	return common.ServiceConfig{
		Enabled:    true,
		Strategy:   OAuthRefreshID,
		Expiration: common.ExpirationConfig{Policy: "oauth"},
		URLs:       common.ServiceURLs{Redirect: "http://127.0.0.1:8765/callback"},
		OAuth: common.OAuthConfig{
			ClientIDEnv:     "API_CLIENT_ID",
			ClientSecretEnv: "API_CLIENT_SECRET",
			AuthURL:         "https://auth.api.example.com/authorize",
			TokenURL:        tokenURL,
			Scopes:          []string{"read"},
		},
	}
}

func saveToken(t *testing.T, env *testEnv, service string, token *models.OAuthToken) {
	t.Helper()
	blob, err := models.BuildStorageState(nil, nil, token)
	require.NoError(t, err)
	_, err = env.store.Save(context.Background(), service, "", nil, blob)
	require.NoError(t, err)
}

func TestOAuthRefresh_RenewsWithRefreshToken(t *testing.T) {
	var calls int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a2","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	env := newTestEnv(t, map[string]common.ServiceConfig{"api": apiService(tokenServer.URL)})
	env.env["API_CLIENT_ID"] = "client"
	env.env["API_CLIENT_SECRET"] = "shh"
	saveToken(t, env, "api", &models.OAuthToken{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})

	result := env.strategy(t, "api", true).Refresh(context.Background(), "")

	require.True(t, result.Success, result.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, env.browser.sessions)
	assert.NotContains(t, result.Trace, models.StateAwaitUser)

	state, err := env.store.Load(context.Background(), "api", "")
	require.NoError(t, err)
	token := storedToken(state)
	require.NotNil(t, token)
	assert.Equal(t, "a2", token.AccessToken)
	assert.Equal(t, "r1", token.RefreshToken, "refresh token is kept when the provider does not rotate it")

	info, err := env.store.ExpirationInfo(context.Background(), "api", "")
	require.NoError(t, err)
	assert.False(t, info.IsExpired)
}

func TestOAuthRefresh_RejectedRefreshTokenNeedsConsent(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer tokenServer.Close()

	env := newTestEnv(t, map[string]common.ServiceConfig{"api": apiService(tokenServer.URL)})
	env.env["API_CLIENT_ID"] = "client"
	saveToken(t, env, "api", &models.OAuthToken{AccessToken: "a1", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Minute)})

	result := env.strategy(t, "api", true).Refresh(context.Background(), "")

	assert.False(t, result.Success)
	assert.Equal(t, models.KindConfiguration, result.Kind)
	assert.True(t, result.ManualInterventionRequired)
}

func TestOAuthRefresh_ConsentFlow(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"r-new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	svc := apiService(tokenServer.URL)
	env := newTestEnv(t, map[string]common.ServiceConfig{"api": svc})
	env.env["API_CLIENT_ID"] = "client"

	deps := env.deps(false)
	strategy, err := NewOAuthRefresh("api", svc, deps)
	require.NoError(t, err)

	session := env.browser.session
	go func() {
		// Wait for the consent page, then play the provider's redirect back
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			current, _ := session.CurrentURL(context.Background())
			if current == "" {
				continue
			}
			state := queryParam(current, "state")
			session.set(func(s *fakeSession) {
				s.url = svc.URLs.Redirect + "?code=the-code&state=" + state
			})
			return
		}
	}()

	result := strategy.Refresh(context.Background(), "")

	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Trace, models.StateAwaitUser)

	state, err := env.store.Load(context.Background(), "api", "")
	require.NoError(t, err)
	token := storedToken(state)
	require.NotNil(t, token)
	assert.Equal(t, "fresh", token.AccessToken)
	assert.Equal(t, "r-new", token.RefreshToken)
}

func TestOAuthRefresh_MissingClientID(t *testing.T) {
	env := newTestEnv(t, map[string]common.ServiceConfig{"api": apiService("https://auth.api.example.com/token")})

	result := env.strategy(t, "api", true).Refresh(context.Background(), "")

	assert.False(t, result.Success)
	assert.Equal(t, models.KindConfiguration, result.Kind)
	assert.ErrorIs(t, result.Err, models.ErrMissingCredential)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{FormLoginID, JWTStorageID, OAuthRefreshID}, IDs())

	env := newTestEnv(t, nil)
	_, err := New("x", common.ServiceConfig{Strategy: "carrier_pigeon"}, env.deps(true))
	assert.ErrorIs(t, err, models.ErrUnknownStrategy)
	assert.Equal(t, models.KindConfiguration, models.KindOf(err))

	_, err = New("x", common.ServiceConfig{Strategy: JWTStorageID, URLs: common.ServiceURLs{Login: appLogin}}, env.deps(true))
	assert.Error(t, err, "jwt_storage without token_key")
}

func queryParam(raw, key string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}
