package models

import (
	"math"
	"time"
)

// Status is the freshness classification of a stored auth state
type Status string

const (
	StatusValid    Status = "VALID"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
	StatusExpired  Status = "EXPIRED"
	StatusMissing  Status = "MISSING"
)

// Severity orders statuses from healthy to unusable
func (s Status) Severity() int {
	switch s {
	case StatusValid:
		return 0
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusExpired:
		return 3
	case StatusMissing:
		return 4
	default:
		return 4
	}
}

// Source of the cookies in a loaded AuthState
const (
	SourceStorageState = "storage_state"
	SourceCookieFile   = "cookies"
)

// AuthState is the persisted cookie/storage-state record for one (service, account) pair,
// together with the freshness fields derived from it.
type AuthState struct {
	Service string `json:"service"`
	Account string `json:"account,omitempty"`

	Cookies      []Cookie `json:"cookies"`
	StorageState []byte   `json:"-"`
	Source       string   `json:"source,omitempty"`

	CookieFileModTime  time.Time `json:"cookie_file_mod_time,omitempty"`
	StorageFileModTime time.Time `json:"storage_file_mod_time,omitempty"`
	LastRefresh        time.Time `json:"last_refresh,omitempty"` // max of the two mtimes

	Found   bool `json:"found"`
	Corrupt bool `json:"corrupt,omitempty"`

	// Derived, never persisted
	CookieCount         int        `json:"cookie_count"`
	HasToken            bool       `json:"has_token"`
	NextExpiration      *time.Time `json:"next_expiration,omitempty"`
	IsExpired           bool       `json:"is_expired"`
	DaysUntilExpiration *int       `json:"days_until_expiration,omitempty"`
	Status              Status     `json:"status"`
	Reason              string     `json:"reason,omitempty"`
}

// Key identifies the artifact for locking and logging
func (a *AuthState) Key() string {
	return StateKey(a.Service, a.Account)
}

// StateKey builds the (service, account) key used across the engine
func StateKey(service, account string) string {
	if account == "" {
		return service
	}
	return service + "/" + account
}

// ExpirationPolicyKind selects how nextExpiration is computed
type ExpirationPolicyKind string

const (
	// PolicyCookie uses the earliest per-cookie expiry
	PolicyCookie ExpirationPolicyKind = "cookie"
	// PolicyJWT uses lastRefresh + a fixed window because the JWT lives in the storage blob
	PolicyJWT ExpirationPolicyKind = "jwt"
	// PolicyOAuth uses the expiry of the stored OAuth token
	PolicyOAuth ExpirationPolicyKind = "oauth"
)

// ExpirationPolicy is the per-service rule for computing freshness
type ExpirationPolicy struct {
	Kind          ExpirationPolicyKind
	MaxAgeDays    int
	JWTWindowDays int
	TokenKey      string
}

// Thresholds are the day boundaries for WARNING and CRITICAL
type Thresholds struct {
	WarningDays  int
	CriticalDays int
}

// DefaultThresholds returns 7 days for WARNING and 3 days for CRITICAL
func DefaultThresholds() Thresholds {
	return Thresholds{WarningDays: 7, CriticalDays: 3}
}

// Derive computes every derived field from the stored data, the policy and now.
// Derive is deterministic and never touches disk.
func (a *AuthState) Derive(policy ExpirationPolicy, thresholds Thresholds, now time.Time) {
	a.CookieCount = len(a.Cookies)
	a.NextExpiration = nil
	a.DaysUntilExpiration = nil
	a.IsExpired = false
	a.HasToken = false
	a.Reason = ""

	if !a.Found {
		a.Status = StatusMissing
		a.Reason = "no stored auth state"
		return
	}

	if a.Corrupt {
		a.CookieCount = 0
		a.IsExpired = true
		a.Status = StatusExpired
		a.Reason = "stored auth state is unreadable"
		return
	}

	var parsed *StorageState
	if len(a.StorageState) > 0 {
		parsed, _ = ParseStorageState(a.StorageState)
	}

	switch policy.Kind {
	case PolicyJWT:
		a.deriveJWT(policy, parsed)
	case PolicyOAuth:
		a.deriveOAuth(parsed)
	default:
		a.deriveCookie(policy, now)
	}

	if a.NextExpiration != nil {
		if !now.Before(*a.NextExpiration) {
			a.IsExpired = true
		}
		days := int(math.Floor(a.NextExpiration.Sub(now).Hours() / 24))
		a.DaysUntilExpiration = &days
	}

	switch {
	case a.IsExpired:
		a.Status = StatusExpired
		if a.Reason == "" {
			a.Reason = "auth state has expired"
		}
	case a.CookieCount == 0 && !a.HasToken:
		a.IsExpired = true
		a.Status = StatusExpired
		a.Reason = "no cookies or tokens stored"
	case a.DaysUntilExpiration == nil:
		a.Status = StatusValid
		a.Reason = "session-scoped cookies only"
	case *a.DaysUntilExpiration < 0:
		a.IsExpired = true
		a.Status = StatusExpired
	case *a.DaysUntilExpiration <= thresholds.CriticalDays:
		a.Status = StatusCritical
	case *a.DaysUntilExpiration <= thresholds.WarningDays:
		a.Status = StatusWarning
	default:
		a.Status = StatusValid
	}
}

func (a *AuthState) deriveCookie(policy ExpirationPolicy, now time.Time) {
	for _, c := range a.Cookies {
		if c.ExpiresAt == nil {
			continue
		}
		if a.NextExpiration == nil || c.ExpiresAt.Before(*a.NextExpiration) {
			t := *c.ExpiresAt
			a.NextExpiration = &t
		}
		if c.IsExpired(now) {
			a.IsExpired = true
			a.Reason = "cookie " + c.Name + " has expired"
		}
	}

	if a.NextExpiration == nil && policy.MaxAgeDays > 0 && !a.LastRefresh.IsZero() {
		t := a.LastRefresh.Add(time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
		a.NextExpiration = &t
	}
}

func (a *AuthState) deriveJWT(policy ExpirationPolicy, parsed *StorageState) {
	window := policy.JWTWindowDays
	if window <= 0 {
		window = policy.MaxAgeDays
	}
	if window > 0 && !a.LastRefresh.IsZero() {
		t := a.LastRefresh.Add(time.Duration(window) * 24 * time.Hour)
		a.NextExpiration = &t
	}

	if policy.TokenKey == "" || parsed == nil {
		return
	}
	value, ok := parsed.LocalStorageValue(policy.TokenKey)
	if !ok {
		return
	}
	a.HasToken = true
	if token, ok := ExtractJWT(value); ok {
		if exp, ok := JWTExpiry(token); ok && (a.NextExpiration == nil || exp.Before(*a.NextExpiration)) {
			a.NextExpiration = &exp
		}
	}
}

func (a *AuthState) deriveOAuth(parsed *StorageState) {
	if parsed == nil || parsed.OAuthToken == nil || parsed.OAuthToken.AccessToken == "" {
		return
	}
	a.HasToken = true
	if !parsed.OAuthToken.Expiry.IsZero() {
		t := parsed.OAuthToken.Expiry.UTC()
		a.NextExpiration = &t
	}
}
