// -----------------------------------------------------------------------
// Notifier - fans refresh events out to independent delivery channels
// -----------------------------------------------------------------------

package notifier

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// Dispatcher delivers each event to every eligible channel concurrently and waits for all of
// them. A failing or panicking channel never affects the others.
type Dispatcher struct {
	channels []interfaces.NotificationChannel
	routes   map[string][]string
	logger   arbor.ILogger
}

// NewDispatcher creates a dispatcher. routes maps a service to the channel names it is
// limited to; services without a route use every channel.
func NewDispatcher(channels []interfaces.NotificationChannel, routes map[string][]string, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		routes:   routes,
		logger:   logger,
	}
}

// Channels returns the names of the registered channels
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Emit sends event to every enabled, available channel whose minimum level it meets
func (d *Dispatcher) Emit(ctx context.Context, event models.NotificationEvent) models.DeliveryReport {
	report := models.DeliveryReport{Failed: map[string]string{}}

	var selected []interfaces.NotificationChannel
	for _, ch := range d.channels {
		if !d.routed(event.Service, ch.Name()) || !ch.Enabled() || event.Level.Rank() < ch.MinLevel().Rank() {
			continue
		}
		if !ch.Available() {
			report.Skipped = append(report.Skipped, ch.Name())
			continue
		}
		selected = append(selected, ch)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range selected {
		wg.Add(1)
		go func(ch interfaces.NotificationChannel) {
			defer wg.Done()

			// Each channel gets its own copy so none can observe another's changes
			ev := event.Clone()
			err := common.SafeCall(d.logger, "channel "+ch.Name(), func() error {
				return ch.Send(ctx, ev)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[ch.Name()] = err.Error()
				d.logger.Warn().
					Err(err).
					Str("channel", ch.Name()).
					Str("service", event.Service).
					Str("level", string(event.Level)).
					Msg("Notification delivery failed")
				return
			}
			report.Delivered = append(report.Delivered, ch.Name())
		}(ch)
	}
	wg.Wait()

	sort.Strings(report.Delivered)
	sort.Strings(report.Skipped)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report
}

func (d *Dispatcher) routed(service, channel string) bool {
	allowed, ok := d.routes[service]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, name := range allowed {
		if name == channel {
			return true
		}
	}
	return false
}
