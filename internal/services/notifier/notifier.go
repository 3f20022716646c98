package notifier

import (
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
)

// NewFromConfig builds every configured channel and the per-service routes.
// Channels whose secrets are absent are still registered; they report unavailable.
func NewFromConfig(config *common.Config, getenv func(string) string, logger arbor.ILogger) *Dispatcher {
	if getenv == nil {
		getenv = os.Getenv
	}
	n := config.Notify

	channels := []interfaces.NotificationChannel{
		NewConsoleChannel(n.Console.Enabled, n.Console.MinLevel, logger),
		NewFileChannel(n.File.Enabled, n.File.MinLevel, n.File.Path),
		NewEmailChannel(n.Email.Enabled, n.Email.MinLevel, SMTPSettingsFromConfig(n.Email, getenv)),
	}
	for _, wh := range n.Webhooks {
		channels = append(channels, NewWebhookChannel(wh.Name, wh.Enabled, wh.MinLevel, wh.Format, getenv(wh.URLEnv)))
	}

	routes := make(map[string][]string)
	for _, id := range config.ServiceIDs() {
		if svc, ok := config.Service(id); ok && len(svc.Notify) > 0 {
			routes[id] = svc.Notify
		}
	}

	d := NewDispatcher(channels, routes, logger)
	for _, ch := range channels {
		logger.Debug().
			Str("channel", ch.Name()).
			Bool("enabled", ch.Enabled()).
			Bool("available", ch.Available()).
			Str("min_level", string(ch.MinLevel())).
			Msg("Notification channel registered")
	}
	return d
}
