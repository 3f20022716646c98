package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/models"
)

// ConsoleChannel writes each event as a structured log line
type ConsoleChannel struct {
	enabled  bool
	minLevel models.Level
	logger   arbor.ILogger
}

func NewConsoleChannel(enabled bool, minLevel string, logger arbor.ILogger) *ConsoleChannel {
	return &ConsoleChannel{enabled: enabled, minLevel: models.ParseLevel(minLevel), logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }
func (c *ConsoleChannel) Enabled() bool { return c.enabled }
func (c *ConsoleChannel) Available() bool { return c.logger != nil }
func (c *ConsoleChannel) MinLevel() models.Level { return c.minLevel }

func (c *ConsoleChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	var ev arbor.ILogEvent
	switch consoleLevel(event.Level) {
	case arbor.ErrorLevel:
		ev = c.logger.Error()
	case arbor.WarnLevel:
		ev = c.logger.Warn()
	default:
		ev = c.logger.Info()
	}

	ev = ev.Str("service", event.Service).Str("level", string(event.Level))
	if event.Account != "" {
		ev = ev.Str("account", event.Account)
	}
	for _, k := range sortedKeys(event.Details) {
		ev = ev.Str(k, fmt.Sprint(event.Details[k]))
	}
	ev.Msg(event.Message)
	return nil
}

// consoleLevel maps a notification level onto the log level it is written at
func consoleLevel(level models.Level) arbor.LogLevel {
	switch level {
	case models.LevelError, models.LevelCritical:
		return arbor.ErrorLevel
	case models.LevelWarning:
		return arbor.WarnLevel
	default:
		return arbor.InfoLevel
	}
}

func sortedKeys(details map[string]interface{}) []string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDetails renders details as sorted key=value pairs
func formatDetails(details map[string]interface{}) string {
	keys := sortedKeys(details)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
