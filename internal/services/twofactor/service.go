package twofactor

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// clockSkew tolerates mail servers whose Date header lags the login start
const clockSkew = time.Minute

// Service waits for emailed verification codes
type Service struct {
	mailbox       Mailbox
	subjectFilter string
	pattern       *regexp.Regexp
	pollInterval  time.Duration
	timeout       time.Duration
	logger        arbor.ILogger
}

// NewService creates the code provider. codePattern must contain one capture group or match
// the code itself.
func NewService(mailbox Mailbox, subjectFilter, codePattern string, pollInterval, timeout time.Duration, logger arbor.ILogger) (interfaces.CodeProvider, error) {
	pattern, err := regexp.Compile(codePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid code pattern: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Service{
		mailbox:       mailbox,
		subjectFilter: subjectFilter,
		pattern:       pattern,
		pollInterval:  pollInterval,
		timeout:       timeout,
		logger:        logger,
	}, nil
}

// WaitForCode polls the mailbox until a message received after since yields a code,
// the two-factor timeout passes or ctx ends
func (s *Service) WaitForCode(ctx context.Context, service, account string, since time.Time) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info().
		Str("service", service).
		Str("account", account).
		Str("subject_filter", s.subjectFilter).
		Msg("Waiting for verification code email")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		code, err := s.poll(ctx, since)
		if err != nil {
			s.logger.Warn().Err(err).Str("service", service).Msg("Verification mailbox poll failed")
		} else if code != "" {
			s.logger.Info().Str("service", service).Str("account", account).Msg("Verification code received")
			return code, nil
		}

		select {
		case <-ctx.Done():
			return "", models.NewRefreshError(models.KindTransientAuth, models.StateAwaitUser,
				fmt.Errorf("timed out waiting for verification code: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (s *Service) poll(ctx context.Context, since time.Time) (string, error) {
	emails, err := s.mailbox.FetchUnseen(ctx, s.subjectFilter)
	if err != nil {
		return "", err
	}

	var newest *Email
	for i := range emails {
		e := &emails[i]
		if !e.Date.IsZero() && e.Date.Before(since.Add(-clockSkew)) {
			continue
		}
		if s.extract(e.Body) == "" && s.extract(e.Subject) == "" {
			continue
		}
		if newest == nil || e.Date.After(newest.Date) {
			newest = e
		}
	}
	if newest == nil {
		return "", nil
	}

	code := s.extract(newest.Body)
	if code == "" {
		code = s.extract(newest.Subject)
	}
	if err := s.mailbox.MarkSeen(ctx, newest.ID); err != nil {
		s.logger.Warn().Err(err).Int("message_id", int(newest.ID)).Msg("Failed to mark verification email as read")
	}
	return code, nil
}

func (s *Service) extract(text string) string {
	m := s.pattern.FindStringSubmatch(text)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}
