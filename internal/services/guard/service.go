package guard

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// Rules are the domain and path expectations for one service
type Rules struct {
	AllowedDomains []string
	DeniedDomains  []string
	PathPatterns   []string
}

// Violation is one rejected URL
type Violation struct {
	Role   string
	URL    string
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s url %q: %s", v.Role, v.URL, v.Reason)
}

// ViolationError lists every violation found for a service
type ViolationError struct {
	Service    string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("url guard rejected service %s: %s", e.Service, strings.Join(parts, "; "))
}

// Service validates strategy endpoints against per-service rules
type Service struct {
	rules         map[string]Rules
	allowLocalDev bool
	logger        arbor.ILogger
}

// NewService builds the guard from the service configuration
func NewService(config *common.Config, logger arbor.ILogger) interfaces.URLGuard {
	rules := make(map[string]Rules, len(config.Services))
	for _, id := range config.ServiceIDs() {
		svc, _ := config.Service(id)
		rules[id] = Rules{
			AllowedDomains: svc.AllowedDomains,
			DeniedDomains:  svc.DeniedDomains,
			PathPatterns:   svc.PathPatterns,
		}
	}
	return &Service{
		rules:         rules,
		allowLocalDev: !config.IsProduction(),
		logger:        logger,
	}
}

// Validate checks every declared URL and returns a configuration error naming all violations
func (s *Service) Validate(service string, urls map[string]string) error {
	rules, ok := s.rules[service]
	if !ok {
		return models.ConfigurationError("%w: %s", models.ErrUnknownService, service)
	}

	violations := Check(rules, urls, s.allowLocalDev)
	if len(violations) == 0 {
		return nil
	}

	s.logger.Warn().
		Str("service", service).
		Int("violations", len(violations)).
		Msg("URL guard rejected service configuration")

	return models.NewRefreshError(models.KindConfiguration, models.StateStart, &ViolationError{
		Service:    service,
		Violations: violations,
	})
}

// Check applies rules to urls (role -> URL) and returns the violations in role order.
// allowLocalDev permits plain http for loopback hosts.
func Check(rules Rules, urls map[string]string, allowLocalDev bool) []Violation {
	roles := make([]string, 0, len(urls))
	for role := range urls {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var violations []Violation
	for _, role := range roles {
		raw := urls[role]
		add := func(format string, args ...interface{}) {
			violations = append(violations, Violation{Role: role, URL: raw, Reason: fmt.Sprintf(format, args...)})
		}

		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			add("not an absolute URL")
			continue
		}
		host := strings.ToLower(u.Hostname())

		switch u.Scheme {
		case "https":
		case "http":
			if !(allowLocalDev && isLoopback(host)) {
				add("plain http is only allowed for localhost outside production")
			}
		default:
			add("unsupported scheme %q", u.Scheme)
		}

		if len(rules.AllowedDomains) == 0 {
			add("no allowed domains configured")
		} else if !matchesDomain(host, rules.AllowedDomains) {
			add("host %s is not in allowed domains [%s]", host, strings.Join(rules.AllowedDomains, ", "))
		}

		if matchesDomain(host, rules.DeniedDomains) {
			add("host %s is a denied domain", host)
		}

		if len(rules.PathPatterns) > 0 {
			p := u.EscapedPath()
			if p == "" {
				p = "/"
			}
			if !matchesAnyPath(p, rules.PathPatterns) {
				add("path %s matches none of [%s]", p, strings.Join(rules.PathPatterns, ", "))
			}
		}
	}
	return violations
}

// matchesDomain reports whether host equals a domain or is a subdomain of it
func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// matchesAnyPath supports path.Match globs plus a trailing "/**" for whole subtrees
func matchesAnyPath(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "**" || pattern == "/**" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return true
			}
			continue
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
