package models

import (
	"strings"
	"time"
)

// Level is the severity of a notification event
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelSuccess  Level = "SUCCESS"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Rank orders levels for channel min-level filtering
func (l Level) Rank() int {
	switch l {
	case LevelInfo:
		return 0
	case LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// ParseLevel parses a case-insensitive level name, defaulting to INFO
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelSuccess:
		return LevelSuccess
	case LevelWarning, "WARN":
		return LevelWarning
	case LevelError:
		return LevelError
	case LevelCritical:
		return LevelCritical
	default:
		return LevelInfo
	}
}

// NotificationEvent is delivered to every enabled channel independently
type NotificationEvent struct {
	Service   string                 `json:"service"`
	Account   string                 `json:"account,omitempty"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewNotificationEvent stamps a new event with the current time
func NewNotificationEvent(service, account string, level Level, message string, details map[string]interface{}) NotificationEvent {
	return NotificationEvent{
		Service:   service,
		Account:   account,
		Level:     level,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy whose Details map is not shared with the receiver
func (e NotificationEvent) Clone() NotificationEvent {
	clone := e
	if e.Details != nil {
		clone.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return clone
}

// Subject returns a one-line summary used by email and chat channels
func (e NotificationEvent) Subject() string {
	target := e.Service
	if e.Account != "" {
		target += " (" + e.Account + ")"
	}
	return "[" + string(e.Level) + "] " + target + ": " + e.Message
}

// DeliveryReport summarises one Emit call across channels
type DeliveryReport struct {
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
}

// OK reports whether no selected channel failed
func (r DeliveryReport) OK() bool {
	return len(r.Failed) == 0
}
