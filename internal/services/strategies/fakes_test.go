package strategies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
	"github.com/ternarybob/authkeeper/internal/storage/authstate"
)

// fakeSession is a scripted browser page. Navigate moves to the target URL and onClick lets a
// test simulate what a form submission does.
type fakeSession struct {
	mu           sync.Mutex
	url          string
	values       map[string]string
	clicks       []string
	cookies      []models.Cookie
	localStorage models.OriginState
	present      map[string]bool
	onClick      func(s *fakeSession, selector string)
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		values:  map[string]string{},
		present: map[string]bool{},
	}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	return nil
}

func (s *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string) error {
	return nil
}

func (s *fakeSession) Exists(ctx context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[selector], nil
}

func (s *fakeSession) SetValue(ctx context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[selector] = value
	return nil
}

func (s *fakeSession) Click(ctx context.Context, selector string) error {
	s.mu.Lock()
	s.clicks = append(s.clicks, selector)
	hook := s.onClick
	s.mu.Unlock()
	if hook != nil {
		hook(s, selector)
	}
	return nil
}

func (s *fakeSession) Cookies(ctx context.Context) ([]models.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Cookie(nil), s.cookies...), nil
}

func (s *fakeSession) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append(s.cookies, cookies...)
	return nil
}

func (s *fakeSession) LocalStorage(ctx context.Context) (models.OriginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStorage, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// set runs fn under the session lock; used from onClick hooks
func (s *fakeSession) set(fn func(s *fakeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type fakeBrowser struct {
	session  *fakeSession
	sessions int
}

func (b *fakeBrowser) NewSession(ctx context.Context) (interfaces.BrowserSession, error) {
	b.sessions++
	return b.session, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (n *recordingNotifier) Emit(ctx context.Context, event models.NotificationEvent) models.DeliveryReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return models.DeliveryReport{}
}

func (n *recordingNotifier) levels() []models.Level {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Level
	for _, e := range n.events {
		out = append(out, e.Level)
	}
	return out
}

type fakeCodes struct {
	code string
	err  error
}

func (c *fakeCodes) WaitForCode(ctx context.Context, service, account string, since time.Time) (string, error) {
	return c.code, c.err
}

type testEnv struct {
	config   *common.Config
	store    *authstate.Store
	browser  *fakeBrowser
	notifier *recordingNotifier
	env      map[string]string
}

func newTestEnv(t *testing.T, services map[string]common.ServiceConfig) *testEnv {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Storage.AuthDir = t.TempDir()
	config.Services = services

	store, err := authstate.NewStore(config, arbor.NewLogger())
	require.NoError(t, err)

	return &testEnv{
		config:   config,
		store:    store,
		browser:  &fakeBrowser{session: newFakeSession()},
		notifier: &recordingNotifier{},
		env:      map[string]string{},
	}
}

func (e *testEnv) deps(headless bool) Deps {
	return Deps{
		Store:    e.store,
		Browser:  e.browser,
		Notifier: e.notifier,
		Settings: Settings{
			Headless:         headless,
			LoginTimeout:     200 * time.Millisecond,
			TwoFactorTimeout: 100 * time.Millisecond,
			PollInterval:     5 * time.Millisecond,
			Thresholds:       models.DefaultThresholds(),
		},
		Logger: arbor.NewLogger(),
		Getenv: func(key string) string { return e.env[key] },
	}
}

func (e *testEnv) strategy(t *testing.T, service string, headless bool) interfaces.Strategy {
	t.Helper()
	svc, ok := e.config.Service(service)
	require.True(t, ok)
	s, err := New(service, svc, e.deps(headless))
	require.NoError(t, err)
	return s
}

func cookie(name, value string, expires time.Time) models.Cookie {
	return models.Cookie{
		Name:      name,
		Value:     value,
		Domain:    ".portal.example.com",
		Path:      "/",
		ExpiresAt: &expires,
	}
}
