package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StorageState is the parsed view of the opaque storage-state blob
// (Playwright-style: cookies plus per-origin localStorage, with an optional OAuth token).
// The raw blob is what gets persisted; this view is only used to read from it.
type StorageState struct {
	Cookies    []Cookie      `json:"cookies"`
	Origins    []OriginState `json:"origins"`
	OAuthToken *OAuthToken   `json:"oauth_token,omitempty"`
}

// OriginState holds the localStorage entries for one origin
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a single localStorage entry
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OAuthToken is the renewable token captured by OAuth-based strategies
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// ParseStorageState decodes a storage-state blob. Cookies inside it are normalised the same way
// as the standalone cookie file.
func ParseStorageState(raw []byte) (*StorageState, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty storage state")
	}
	var state StorageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state: %w", err)
	}
	return &state, nil
}

// NormalizeStorageState rewrites the cookie list of a blob using canonical field names while
// keeping every other top-level member untouched.
func NormalizeStorageState(raw []byte) ([]byte, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("storage state is not a JSON object: %w", err)
	}

	if cookiesRaw, ok := members["cookies"]; ok {
		var cookies []Cookie
		if err := json.Unmarshal(cookiesRaw, &cookies); err != nil {
			return nil, fmt.Errorf("invalid cookies in storage state: %w", err)
		}
		normalized, err := json.Marshal(cookies)
		if err != nil {
			return nil, err
		}
		members["cookies"] = normalized
	}

	return json.MarshalIndent(members, "", "  ")
}

// BuildStorageState assembles a blob from captured browser data
func BuildStorageState(cookies []Cookie, origins []OriginState, token *OAuthToken) ([]byte, error) {
	if cookies == nil {
		cookies = []Cookie{}
	}
	if origins == nil {
		origins = []OriginState{}
	}
	return json.MarshalIndent(StorageState{
		Cookies:    cookies,
		Origins:    origins,
		OAuthToken: token,
	}, "", "  ")
}

// LocalStorageValue returns the first localStorage value stored under key across origins
func (s *StorageState) LocalStorageValue(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, origin := range s.Origins {
		for _, item := range origin.LocalStorage {
			if item.Name == key && item.Value != "" {
				return item.Value, true
			}
		}
	}
	return "", false
}

// ExtractJWT finds a compact JWT inside a localStorage value. Values are often JSON-quoted
// strings or small JSON objects wrapping the token.
func ExtractJWT(value string) (string, bool) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "Bearer ")

	if strings.HasPrefix(value, "\"") {
		var unquoted string
		if err := json.Unmarshal([]byte(value), &unquoted); err == nil {
			value = unquoted
		}
	}

	if looksLikeJWT(value) {
		return value, true
	}

	if strings.HasPrefix(value, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(value), &obj); err != nil {
			return "", false
		}
		for _, key := range []string{"accessToken", "access_token", "token", "jwt", "idToken", "id_token"} {
			if s, ok := obj[key].(string); ok && looksLikeJWT(s) {
				return s, true
			}
		}
		for _, v := range obj {
			if s, ok := v.(string); ok && looksLikeJWT(s) {
				return s, true
			}
		}
	}

	return "", false
}

// JWTExpiry reads the exp claim without verifying the signature; the token was issued by the
// external service and we only track its freshness.
func JWTExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if p == "" {
			return false
		}
	}
	return strings.HasPrefix(s, "eyJ")
}
