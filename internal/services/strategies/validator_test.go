package strategies

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/models"
)

func TestHTTPValidator_CheckCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dashboard":
			if _, err := r.Cookie("session"); err != nil {
				http.Redirect(w, r, "/login?next=/dashboard", http.StatusFound)
				return
			}
			fmt.Fprint(w, `<html><body><div class="user-menu">ops</div></body></html>`)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	v := NewHTTPValidator(arbor.NewLogger(), WithUserAgent("authkeeper-test"))
	ctx := context.Background()
	loginURL := server.URL + "/login"
	session := []models.Cookie{cookie("session", "abc", time.Now().Add(time.Hour))}

	ok, reason, err := v.CheckCookies(ctx, server.URL+"/dashboard", loginURL, ".user-menu", session)
	require.NoError(t, err)
	assert.True(t, ok, reason)

	ok, reason, err = v.CheckCookies(ctx, server.URL+"/dashboard", loginURL, ".admin-menu", session)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, ".admin-menu")

	ok, reason, err = v.CheckCookies(ctx, server.URL+"/dashboard", loginURL, "", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "redirected to login page", reason)

	expired := []models.Cookie{cookie("session", "abc", time.Now().Add(-time.Hour))}
	ok, _, err = v.CheckCookies(ctx, server.URL+"/dashboard", loginURL, "", expired)
	require.NoError(t, err)
	assert.False(t, ok, "expired cookies are not sent")

	ok, _, err = v.CheckCookies(ctx, server.URL+"/forbidden", loginURL, "", session)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = v.CheckCookies(ctx, server.URL+"/broken", loginURL, "", session)
	assert.Error(t, err)
}

func TestHTTPValidator_CheckBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	v := NewHTTPValidator(arbor.NewLogger())

	ok, _, err := v.CheckBearer(context.Background(), server.URL, "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := v.CheckBearer(context.Background(), server.URL, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "rejected with status 401", reason)
}

func TestHTTPValidator_InvalidURLIsConfigurationError(t *testing.T) {
	v := NewHTTPValidator(arbor.NewLogger())
	_, _, err := v.CheckBearer(context.Background(), "http://[::1", "x")
	require.Error(t, err)
	assert.Equal(t, models.KindConfiguration, models.KindOf(err))
}

func TestLoginPacer(t *testing.T) {
	pacer := NewLoginPacer(80 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, pacer.Wait(ctx, "https://accounts.example.com/login"))
	require.NoError(t, pacer.Wait(ctx, "https://other.example.com/login"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "first login per host is immediate")

	require.NoError(t, pacer.Wait(ctx, "https://ACCOUNTS.example.com/signin"))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "second login to the same host waits")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, pacer.Wait(cancelled, "https://accounts.example.com/login"))
}

func TestLoginPacer_Disabled(t *testing.T) {
	var nilPacer *LoginPacer
	assert.NoError(t, nilPacer.Wait(context.Background(), "https://a.example.com"))

	pacer := NewLoginPacer(0)
	for i := 0; i < 3; i++ {
		assert.NoError(t, pacer.Wait(context.Background(), "https://a.example.com"))
	}
}
