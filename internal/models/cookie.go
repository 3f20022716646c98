package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cookie represents a browser cookie as persisted by the auth state store.
// A nil ExpiresAt means the cookie is session-scoped and never expires by time alone.
type Cookie struct {
	Name      string
	Value     string
	Domain    string
	Path      string
	ExpiresAt *time.Time
	HTTPOnly  bool
	Secure    bool
	SameSite  string
}

// cookieJSON is the canonical on-disk shape (Playwright/Chrome compatible)
type cookieJSON struct {
	Name     string          `json:"name"`
	Value    string          `json:"value"`
	Domain   string          `json:"domain,omitempty"`
	Path     string          `json:"path,omitempty"`
	Expires  json.RawMessage `json:"expires"`
	HTTPOnly bool            `json:"httpOnly"`
	Secure   bool            `json:"secure"`
	SameSite string          `json:"sameSite,omitempty"`
}

// Field aliases seen in exports from browser extensions, Selenium and older tooling.
var (
	expiresAliases  = []string{"expires", "expirationDate", "expiry", "expires_at", "expiresAt"}
	httpOnlyAliases = []string{"httpOnly", "http_only", "httponly", "HttpOnly"}
	sameSiteAliases = []string{"sameSite", "same_site", "samesite", "SameSite"}
	secureAliases   = []string{"secure", "Secure"}
	sessionAliases  = []string{"session"}
)

// Validate checks the cookie invariant: name and value are non-empty.
func (c Cookie) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("cookie name is required")
	}
	if c.Value == "" {
		return fmt.Errorf("cookie %q has empty value", c.Name)
	}
	return nil
}

// IsExpired reports whether the cookie is past its expiry at the given instant
func (c Cookie) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// MarshalJSON writes the canonical field names only
func (c Cookie) MarshalJSON() ([]byte, error) {
	out := cookieJSON{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: NormalizeSameSite(c.SameSite),
		Expires:  json.RawMessage("-1"),
	}
	if c.ExpiresAt != nil {
		out.Expires = json.RawMessage(formatEpoch(*c.ExpiresAt))
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts canonical and legacy field names; unknown fields are dropped.
func (c *Cookie) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var parsed Cookie
	if err := decodeString(raw, "name", &parsed.Name); err != nil {
		return err
	}
	if err := decodeString(raw, "value", &parsed.Value); err != nil {
		return err
	}
	if err := decodeString(raw, "domain", &parsed.Domain); err != nil {
		return err
	}
	if err := decodeString(raw, "path", &parsed.Path); err != nil {
		return err
	}

	for _, key := range httpOnlyAliases {
		if v, ok := raw[key]; ok {
			parsed.HTTPOnly = decodeBool(v)
			break
		}
	}
	for _, key := range secureAliases {
		if v, ok := raw[key]; ok {
			parsed.Secure = decodeBool(v)
			break
		}
	}
	for _, key := range sameSiteAliases {
		if v, ok := raw[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				parsed.SameSite = NormalizeSameSite(s)
			}
			break
		}
	}

	session := false
	for _, key := range sessionAliases {
		if v, ok := raw[key]; ok {
			session = decodeBool(v)
		}
	}

	if !session {
		for _, key := range expiresAliases {
			v, ok := raw[key]
			if !ok {
				continue
			}
			expires, err := parseExpires(v)
			if err != nil {
				return fmt.Errorf("cookie %q: %w", parsed.Name, err)
			}
			parsed.ExpiresAt = expires
			break
		}
	}

	*c = parsed
	return nil
}

// ToHTTPCookie converts the cookie to a net/http cookie for validation requests
func (c Cookie) ToHTTPCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}

	if c.ExpiresAt != nil {
		cookie.Expires = *c.ExpiresAt
	}

	switch c.SameSite {
	case "Strict":
		cookie.SameSite = http.SameSiteStrictMode
	case "Lax":
		cookie.SameSite = http.SameSiteLaxMode
	case "None":
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.SameSite = http.SameSiteDefaultMode
	}

	return cookie
}

// NormalizeSameSite maps the many spellings browsers export to Strict, Lax, None or "".
func NormalizeSameSite(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	case "none", "no_restriction":
		return "None"
	default:
		return ""
	}
}

// CookieNames returns the cookie names in order
func CookieNames(cookies []Cookie) []string {
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	return names
}

// HasCookies reports whether every required name is present with a non-empty value
func HasCookies(cookies []Cookie, required []string) (bool, []string) {
	present := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		if c.Value != "" {
			present[c.Name] = true
		}
	}
	var missing []string
	for _, name := range required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return len(missing) == 0, missing
}

func decodeString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("invalid cookie field %s: %w", key, err)
	}
	return nil
}

func decodeBool(v json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		parsed, _ := strconv.ParseBool(s)
		return parsed
	}
	return false
}

// parseExpires accepts unix seconds (int or float), unix milliseconds, RFC3339 strings and
// null. Zero or negative values mean session-scoped.
func parseExpires(v json.RawMessage) (*time.Time, error) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid expires value: %w", err)
		}
		if s == "" {
			return nil, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
		t, err := parseEpoch(s)
		if err != nil {
			return nil, fmt.Errorf("invalid expires value %q", s)
		}
		return t, nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return nil, fmt.Errorf("invalid expires value: %w", err)
	}
	t, err := parseEpoch(n.String())
	if err != nil {
		return nil, fmt.Errorf("invalid expires value: %w", err)
	}
	return t, nil
}

// parseEpoch reads plain decimal seconds digit by digit so sub-second precision survives
// a save/load cycle. Exponent forms and millisecond values go through float64.
func parseEpoch(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, err
		}
		return nil, nil
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || !isDigits(fracPart) || sec > millisecondThreshold {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil, ferr
		}
		return epochToTime(f), nil
	}

	if len(fracPart) > 9 {
		fracPart = fracPart[:9]
	}
	var nsec int64
	if fracPart != "" {
		nsec, _ = strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
	}
	if sec == 0 && nsec == 0 {
		return nil, nil
	}
	t := time.Unix(sec, nsec).UTC()
	return &t, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Values beyond year 5138 in seconds are treated as milliseconds.
const millisecondThreshold = 1e11

func epochToTime(f float64) *time.Time {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f > millisecondThreshold {
		f = f / 1000
	}
	sec, frac := math.Modf(f)
	t := time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return &t
}

func formatEpoch(t time.Time) string {
	if t.Nanosecond() == 0 {
		return strconv.FormatInt(t.Unix(), 10)
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", t.Nanosecond()), "0")
	return strconv.FormatInt(t.Unix(), 10) + "." + frac
}
