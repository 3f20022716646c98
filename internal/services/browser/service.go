package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// Service launches isolated Chrome sessions through chromedp
type Service struct {
	config common.BrowserConfig
	logger arbor.ILogger
}

// NewService creates a browser launcher
func NewService(config common.BrowserConfig, logger arbor.ILogger) interfaces.Browser {
	return &Service{config: config, logger: logger}
}

// NewSession starts a fresh browser with its own temporary profile
func (s *Service) NewSession(ctx context.Context) (interfaces.BrowserSession, error) {
	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.config.Headless),
		chromedp.Flag("disable-gpu", s.config.DisableGPU),
		chromedp.Flag("no-sandbox", s.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(s.config.UserAgent),
	)
	if s.config.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(s.config.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	session := &Session{
		ctx:             browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		logger:          s.logger,
	}

	if err := session.run(ctx, network.Enable(), chromedp.Navigate("about:blank")); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("browser failed startup: %w", err)
	}

	s.logger.Debug().
		Bool("headless", s.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser session started")

	return session, nil
}

// Session is one chromedp tab in its own browser process
type Session struct {
	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	logger          arbor.ILogger
}

// run executes actions on the tab while honouring the caller's deadline and cancellation.
// Cancelling the derived context aborts the actions without closing the tab.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := s.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return location, nil
}

func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("selector %s not visible: %w", selector, err)
	}
	return nil
}

func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	script := fmt.Sprintf(`document.querySelector(%s) !== null`, quoted)
	if err := s.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return false, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return found, nil
}

func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

// Cookies returns every cookie in the browser profile
func (s *Session) Cookies(ctx context.Context) ([]models.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: models.NormalizeSameSite(string(c.SameSite)),
		}
		if !c.Session && c.Expires > 0 {
			sec := int64(c.Expires)
			t := time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
			cookie.ExpiresAt = &t
		}
		out = append(out, cookie)
	}
	return out, nil
}

// SetCookies injects stored cookies so an existing session can be checked in the browser
func (s *Session) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	now := time.Now()
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		failed := 0
		for _, c := range cookies {
			if c.IsExpired(now) {
				continue
			}
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(strings.TrimPrefix(c.Domain, ".")).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			switch c.SameSite {
			case "Strict":
				params = params.WithSameSite(network.CookieSameSiteStrict)
			case "Lax":
				params = params.WithSameSite(network.CookieSameSiteLax)
			case "None":
				params = params.WithSameSite(network.CookieSameSiteNone)
			}
			if c.ExpiresAt != nil {
				expires := cdp.TimeSinceEpoch(*c.ExpiresAt)
				params = params.WithExpires(&expires)
			}
			if err := params.Do(ctx); err != nil {
				failed++
				s.logger.Warn().Err(err).Str("cookie_name", c.Name).Str("domain", c.Domain).Msg("Failed to inject cookie")
			}
		}
		if failed > 0 && failed == len(cookies) {
			return fmt.Errorf("failed to inject any of %d cookies", failed)
		}
		return nil
	}))
}

// LocalStorage reads the localStorage of the current page's origin
func (s *Session) LocalStorage(ctx context.Context) (models.OriginState, error) {
	const script = `(() => {
		const items = [];
		for (let i = 0; i < window.localStorage.length; i++) {
			const name = window.localStorage.key(i);
			items.push({name: name, value: window.localStorage.getItem(name) || ""});
		}
		return {origin: window.location.origin, localStorage: items};
	})()`

	var origin models.OriginState
	if err := s.run(ctx, chromedp.Evaluate(script, &origin)); err != nil {
		return models.OriginState{}, fmt.Errorf("failed to read localStorage: %w", err)
	}
	return origin, nil
}

// Close shuts down the tab and the browser process
func (s *Session) Close() error {
	s.browserCancel()
	s.allocatorCancel()
	return nil
}
