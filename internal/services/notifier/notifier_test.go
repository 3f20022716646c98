package notifier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

type mockChannel struct {
	mock.Mock
	name      string
	enabled   bool
	available bool
	minLevel  models.Level
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name, enabled: true, available: true, minLevel: models.LevelInfo}
}

func (m *mockChannel) Name() string { return m.name }
func (m *mockChannel) Enabled() bool { return m.enabled }
func (m *mockChannel) Available() bool { return m.available }
func (m *mockChannel) MinLevel() models.Level { return m.minLevel }

func (m *mockChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func testEvent(level models.Level) models.NotificationEvent {
	return models.NewNotificationEvent("toolost", "", level, "refresh failed", map[string]interface{}{"attempts": 3})
}

func TestDispatcher_FailingChannelDoesNotBlockOthers(t *testing.T) {
	a := newMockChannel("a")
	b := newMockChannel("b")
	c := newMockChannel("c")
	a.On("Send", mock.Anything, mock.Anything).Return(nil)
	b.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	c.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher([]interfaces.NotificationChannel{a, b, c}, nil, arbor.NewLogger())
	report := d.Emit(context.Background(), testEvent(models.LevelError))

	assert.Equal(t, []string{"a", "c"}, report.Delivered)
	assert.Equal(t, map[string]string{"b": "smtp down"}, report.Failed)
	assert.False(t, report.OK())
	a.AssertNumberOfCalls(t, "Send", 1)
	b.AssertNumberOfCalls(t, "Send", 1)
	c.AssertNumberOfCalls(t, "Send", 1)
}

type panickingChannel struct{ *mockChannel }

func (p panickingChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	panic("formatter bug")
}

func TestDispatcher_PanickingChannelIsRecovered(t *testing.T) {
	ok := newMockChannel("ok")
	ok.On("Send", mock.Anything, mock.Anything).Return(nil)
	bad := panickingChannel{newMockChannel("bad")}

	d := NewDispatcher([]interfaces.NotificationChannel{bad, ok}, nil, arbor.NewLogger())
	report := d.Emit(context.Background(), testEvent(models.LevelCritical))

	assert.Equal(t, []string{"ok"}, report.Delivered)
	assert.Contains(t, report.Failed["bad"], "formatter bug")
}

type mutatingChannel struct{ *mockChannel }

func (m mutatingChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	event.Details["attempts"] = "tampered"
	return nil
}

func TestDispatcher_ChannelsReceiveIndependentCopies(t *testing.T) {
	var got models.NotificationEvent
	observer := newMockChannel("observer")
	observer.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		// Give the mutating channel a chance to run first
		time.Sleep(10 * time.Millisecond)
		got = args.Get(1).(models.NotificationEvent)
	}).Return(nil)

	event := testEvent(models.LevelError)
	d := NewDispatcher([]interfaces.NotificationChannel{mutatingChannel{newMockChannel("mutator")}, observer}, nil, arbor.NewLogger())
	d.Emit(context.Background(), event)

	assert.Equal(t, 3, got.Details["attempts"])
	assert.Equal(t, 3, event.Details["attempts"])
}

func TestDispatcher_Filtering(t *testing.T) {
	critical := newMockChannel("pager")
	critical.minLevel = models.LevelCritical
	disabled := newMockChannel("disabled")
	disabled.enabled = false
	unavailable := newMockChannel("webhook")
	unavailable.available = false
	everything := newMockChannel("console")
	everything.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher([]interfaces.NotificationChannel{critical, disabled, unavailable, everything}, nil, arbor.NewLogger())
	report := d.Emit(context.Background(), testEvent(models.LevelWarning))

	assert.Equal(t, []string{"console"}, report.Delivered)
	assert.Equal(t, []string{"webhook"}, report.Skipped)
	assert.True(t, report.OK())
	critical.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	disabled.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcher_ServiceRoutes(t *testing.T) {
	console := newMockChannel("console")
	console.On("Send", mock.Anything, mock.Anything).Return(nil)
	slack := newMockChannel("slack")
	slack.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher([]interfaces.NotificationChannel{console, slack}, map[string][]string{"toolost": {"slack"}}, arbor.NewLogger())

	report := d.Emit(context.Background(), testEvent(models.LevelInfo))
	assert.Equal(t, []string{"slack"}, report.Delivered)

	other := models.NewNotificationEvent("portal", "", models.LevelInfo, "ok", nil)
	report = d.Emit(context.Background(), other)
	assert.Equal(t, []string{"console", "slack"}, report.Delivered)
}

func TestConsoleChannel_LogsAtEventLevel(t *testing.T) {
	correlationID := "console-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	logger := arbor.NewLogger().WithMemoryWriter(arbormodels.WriterConfiguration{}).WithCorrelationId(correlationID)
	ch := NewConsoleChannel(true, "info", logger)
	require.True(t, ch.Available())

	events := []models.NotificationEvent{
		models.NewNotificationEvent("portal", "ops", models.LevelSuccess, "auth state refreshed", map[string]interface{}{"cookies": 4}),
		models.NewNotificationEvent("portal", "", models.LevelWarning, "auth state expires soon", nil),
		models.NewNotificationEvent("toolost", "", models.LevelCritical, "refresh failed", map[string]interface{}{"error": "timed out waiting for login"}),
	}
	for _, e := range events {
		require.NoError(t, ch.Send(context.Background(), e))
	}

	var lines []string
	require.Eventually(t, func() bool {
		logs, err := logger.GetMemoryLogs(correlationID, arbor.InfoLevel)
		if err != nil || len(logs) < len(events) {
			return false
		}
		lines = lines[:0]
		for _, line := range logs {
			lines = append(lines, line)
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)

	want := map[string]string{
		"auth state refreshed":    "INF|",
		"auth state expires soon": "WRN|",
		"refresh failed":          "ERR|",
	}
	for message, prefix := range want {
		found := false
		for _, line := range lines {
			if strings.HasSuffix(line, "|"+message) {
				assert.True(t, strings.HasPrefix(line, prefix), line)
				found = true
			}
		}
		assert.True(t, found, "no log line for %q", message)
	}
}

func TestConsoleLevel(t *testing.T) {
	assert.Equal(t, arbor.InfoLevel, consoleLevel(models.LevelInfo))
	assert.Equal(t, arbor.InfoLevel, consoleLevel(models.LevelSuccess))
	assert.Equal(t, arbor.WarnLevel, consoleLevel(models.LevelWarning))
	assert.Equal(t, arbor.ErrorLevel, consoleLevel(models.LevelError))
	assert.Equal(t, arbor.ErrorLevel, consoleLevel(models.LevelCritical))
}

func TestFileChannel_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "notifications.jsonl")
	ch := NewFileChannel(true, "", path)
	require.True(t, ch.Available())

	require.NoError(t, ch.Send(context.Background(), testEvent(models.LevelWarning)))
	require.NoError(t, ch.Send(context.Background(), testEvent(models.LevelCritical)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var levels []models.Level
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e models.NotificationEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []models.Level{models.LevelWarning, models.LevelCritical}, levels)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestWebhookChannel_Formats(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]interface{}{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		bodies[strings.TrimPrefix(r.URL.Path, "/")] = body
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	event := testEvent(models.LevelCritical)
	require.NoError(t, NewWebhookChannel("s", true, "", FormatSlack, server.URL+"/slack").Send(context.Background(), event))
	require.NoError(t, NewWebhookChannel("d", true, "", FormatDiscord, server.URL+"/discord").Send(context.Background(), event))
	require.NoError(t, NewWebhookChannel("g", true, "", FormatGeneric, server.URL+"/generic").Send(context.Background(), event))

	err := NewWebhookChannel("b", true, "", FormatSlack, server.URL+"/broken").Send(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.Contains(t, bodies["slack"]["text"], "*[CRITICAL] toolost*")
	assert.Contains(t, bodies["discord"]["content"], "**[CRITICAL] toolost**")
	assert.Equal(t, "CRITICAL", bodies["generic"]["level"])
	assert.Equal(t, "toolost", bodies["generic"]["service"])

	assert.False(t, NewWebhookChannel("x", true, "", FormatSlack, "").Available())
}

func TestWebhookChannel_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			w.WriteHeader(http.StatusNotModified)
		case "/accepted":
			w.WriteHeader(http.StatusAccepted)
		case "/nocontent":
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	event := testEvent(models.LevelError)
	err := NewWebhookChannel("m", true, "", FormatGeneric, server.URL+"/moved").Send(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "304")

	assert.NoError(t, NewWebhookChannel("a", true, "", FormatGeneric, server.URL+"/accepted").Send(context.Background(), event))
	assert.NoError(t, NewWebhookChannel("n", true, "", FormatGeneric, server.URL+"/nocontent").Send(context.Background(), event))
}

func TestEmailChannel_RendersMultipart(t *testing.T) {
	ch := NewEmailChannel(true, "error", SMTPSettings{
		Host: "smtp.example.com", Port: 587, From: "bot@example.com", To: []string{"ops@example.com"}, UseTLS: true,
	})
	var sent []byte
	ch.send = func(ctx context.Context, settings SMTPSettings, msg []byte) error {
		sent = msg
		return nil
	}

	require.True(t, ch.Available())
	require.NoError(t, ch.Send(context.Background(), testEvent(models.LevelCritical)))

	msg := string(sent)
	assert.Contains(t, msg, "Subject: [CRITICAL] toolost: refresh failed")
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "ops@example.com")
}

func TestEmailChannel_KeepsMultiWordDetails(t *testing.T) {
	ch := NewEmailChannel(true, "", SMTPSettings{Host: "smtp.example.com", From: "bot@example.com", To: []string{"ops@example.com"}})
	var sent []byte
	ch.send = func(ctx context.Context, settings SMTPSettings, msg []byte) error {
		sent = msg
		return nil
	}

	reason := "timed out after 5m0s waiting for login confirmation | retry later"
	event := models.NewNotificationEvent("toolost", "", models.LevelCritical, "refresh failed", map[string]interface{}{
		"error":    reason,
		"attempts": 3,
	})
	require.NoError(t, ch.Send(context.Background(), event))

	mr, err := mail.CreateReader(bytes.NewReader(sent))
	require.NoError(t, err)
	parts := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		parts[contentType] = string(body)
	}

	require.Contains(t, parts, "text/plain")
	require.Contains(t, parts, "text/html")
	assert.Contains(t, parts["text/plain"], `| error | timed out after 5m0s waiting for login confirmation \| retry later |`)
	assert.Contains(t, parts["text/plain"], "| attempts | 3 |")
	assert.Contains(t, parts["text/html"], "timed out after 5m0s waiting for login confirmation | retry later")
}

func TestEmailChannel_UnavailableWithoutRecipients(t *testing.T) {
	ch := NewEmailChannel(true, "", SMTPSettings{Host: "smtp.example.com", From: "bot@example.com"})
	assert.False(t, ch.Available())
}

func TestNewFromConfig(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Notify.File.Path = filepath.Join(t.TempDir(), "n.jsonl")
	config.Notify.Webhooks = []common.WebhookChannelConfig{
		{Name: "slack", Enabled: true, Format: FormatSlack, URLEnv: "SLACK_URL"},
	}
	config.Services = map[string]common.ServiceConfig{
		"portal": {Enabled: true, Strategy: "form_login", Notify: []string{"file"}},
	}

	env := map[string]string{"SLACK_URL": "https://hooks.example.com/x"}
	d := NewFromConfig(config, func(k string) string { return env[k] }, arbor.NewLogger())

	assert.Equal(t, []string{"console", "file", "email", "slack"}, d.Channels())
	assert.Equal(t, []string{"file"}, d.routes["portal"])
}
