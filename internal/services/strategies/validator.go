package strategies

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/httpclient"
	"github.com/ternarybob/authkeeper/internal/models"
)

// DefaultValidateTimeout bounds one live validation request
const DefaultValidateTimeout = 30 * time.Second

// HTTPValidator replays captured credentials against a live endpoint without a browser
type HTTPValidator struct {
	httpClient *http.Client
	userAgent  string
	logger     arbor.ILogger
}

// ValidatorOption configures the HTTPValidator
type ValidatorOption func(*HTTPValidator)

// WithValidatorClient sets a custom HTTP client
func WithValidatorClient(client *http.Client) ValidatorOption {
	return func(v *HTTPValidator) {
		v.httpClient = client
	}
}

// WithUserAgent sets the User-Agent sent with validation requests
func WithUserAgent(userAgent string) ValidatorOption {
	return func(v *HTTPValidator) {
		v.userAgent = userAgent
	}
}

// NewHTTPValidator creates a validator. Redirects are not followed so a bounce to the
// login page is visible to the caller.
func NewHTTPValidator(logger arbor.ILogger, opts ...ValidatorOption) *HTTPValidator {
	v := &HTTPValidator{
		httpClient: httpclient.NewNoRedirectClient(DefaultValidateTimeout),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckCookies requests target with cookies attached. The state is valid when the response
// is 2xx, does not redirect to loginURL and, when marker is set, the page contains an element
// matching the marker selector.
func (v *HTTPValidator) CheckCookies(ctx context.Context, target, loginURL, marker string, cookies []models.Cookie) (bool, string, error) {
	req, err := v.newRequest(ctx, target)
	if err != nil {
		return false, "", err
	}

	now := time.Now()
	for _, c := range cookies {
		if c.IsExpired(now) {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if loginURL != "" && sameEndpoint(resolve(target, location), loginURL) {
			return false, "redirected to login page", nil
		}
		return false, fmt.Sprintf("unexpected redirect to %s", location), nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, fmt.Sprintf("rejected with status %d", resp.StatusCode), nil
	}
	if resp.StatusCode >= 400 {
		return false, "", fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}

	if marker == "" {
		return true, fmt.Sprintf("status %d", resp.StatusCode), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("failed to parse validation page: %w", err)
	}
	if doc.Find(marker).Length() == 0 {
		return false, fmt.Sprintf("logged-in marker %q not found", marker), nil
	}
	return true, "logged-in marker present", nil
}

// CheckBearer calls target with an Authorization header
func (v *HTTPValidator) CheckBearer(ctx context.Context, target, token string) (bool, string, error) {
	req, err := v.newRequest(ctx, target)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, fmt.Sprintf("status %d", resp.StatusCode), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, fmt.Sprintf("rejected with status %d", resp.StatusCode), nil
	default:
		return false, "", fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}
}

func (v *HTTPValidator) newRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, models.ConfigurationError("invalid validation URL %q: %w", target, err)
	}
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}
	return req, nil
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// sameEndpoint compares scheme-insensitive host and path, ignoring query and trailing slash
func sameEndpoint(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname()) &&
		strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
