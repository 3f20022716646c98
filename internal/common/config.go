package common

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/authkeeper/internal/models"
)

// Config represents the application configuration. A Config is built once by LoadFromFiles
// and treated as read-only afterwards; overrides always produce a new value.
type Config struct {
	Environment string                   `toml:"environment" yaml:"environment"` // "development" or "production"
	Logging     LoggingConfig            `toml:"logging" yaml:"logging"`
	Storage     StorageConfig            `toml:"storage" yaml:"storage"`
	Refresh     RefreshConfig            `toml:"refresh" yaml:"refresh"`
	Browser     BrowserConfig            `toml:"browser" yaml:"browser"`
	Schedule    ScheduleConfig           `toml:"schedule" yaml:"schedule"`
	Notify      NotifyConfig             `toml:"notify" yaml:"notify"`
	TwoFactor   TwoFactorConfig          `toml:"two_factor" yaml:"two_factor"`
	Services    map[string]ServiceConfig `toml:"services" yaml:"services" validate:"dive"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // default "15:04:05"
	Dir        string   `toml:"dir" yaml:"dir"`                 // log directory, default <exec dir>/logs
}

type StorageConfig struct {
	AuthDir             string `toml:"auth_dir" yaml:"auth_dir" validate:"required"`
	BackupRetentionDays int    `toml:"backup_retention_days" yaml:"backup_retention_days" validate:"min=1"`
	HistoryEnabled      bool   `toml:"history_enabled" yaml:"history_enabled"`
	HistoryPath         string `toml:"history_path" yaml:"history_path"` // Badger directory for run history
}

// RefreshConfig holds orchestration parameters. Durations are strings ("5s", "5m").
type RefreshConfig struct {
	MaxAttempts         int    `toml:"max_attempts" yaml:"max_attempts" validate:"min=1,max=10"`
	AttemptDelay        string `toml:"attempt_delay" yaml:"attempt_delay" validate:"duration"`
	AccountDelay        string `toml:"account_delay" yaml:"account_delay" validate:"duration"`
	ConcurrentRefreshes int    `toml:"concurrent_refreshes" yaml:"concurrent_refreshes" validate:"min=1,max=16"`
	WarningDays         int    `toml:"warning_days" yaml:"warning_days" validate:"min=0"`
	CriticalDays        int    `toml:"critical_days" yaml:"critical_days" validate:"min=0,ltefield=WarningDays"`
	LoginTimeout        string `toml:"login_timeout" yaml:"login_timeout" validate:"duration"`
	TwoFactorTimeout    string `toml:"two_factor_timeout" yaml:"two_factor_timeout" validate:"duration"`
	PollInterval        string `toml:"poll_interval" yaml:"poll_interval" validate:"duration"`
	LoginMinInterval    string `toml:"login_min_interval" yaml:"login_min_interval" validate:"duration"`
}

type BrowserConfig struct {
	Headless   bool   `toml:"headless" yaml:"headless"`
	UserAgent  string `toml:"user_agent" yaml:"user_agent"`
	NoSandbox  bool   `toml:"no_sandbox" yaml:"no_sandbox"`
	DisableGPU bool   `toml:"disable_gpu" yaml:"disable_gpu"`
	ExecPath   string `toml:"exec_path" yaml:"exec_path"` // optional Chrome binary
}

type ScheduleConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Cron    string `toml:"cron" yaml:"cron"` // standard 5-field cron expression
}

type NotifyConfig struct {
	Console  ConsoleChannelConfig   `toml:"console" yaml:"console"`
	File     FileChannelConfig      `toml:"file" yaml:"file"`
	Email    EmailChannelConfig     `toml:"email" yaml:"email"`
	Webhooks []WebhookChannelConfig `toml:"webhooks" yaml:"webhooks" validate:"dive"`
}

type ConsoleChannelConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	MinLevel string `toml:"min_level" yaml:"min_level"`
}

type FileChannelConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	MinLevel string `toml:"min_level" yaml:"min_level"`
	Path     string `toml:"path" yaml:"path" validate:"required_if=Enabled true"`
}

type EmailChannelConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	MinLevel    string   `toml:"min_level" yaml:"min_level"`
	Host        string   `toml:"host" yaml:"host" validate:"required_if=Enabled true"`
	Port        int      `toml:"port" yaml:"port"`
	UsernameEnv string   `toml:"username_env" yaml:"username_env" validate:"omitempty,envname"`
	PasswordEnv string   `toml:"password_env" yaml:"password_env" validate:"omitempty,envname"`
	From        string   `toml:"from" yaml:"from" validate:"omitempty,email"`
	FromName    string   `toml:"from_name" yaml:"from_name"`
	To          []string `toml:"to" yaml:"to" validate:"required_if=Enabled true,dive,email"`
	UseTLS      bool     `toml:"use_tls" yaml:"use_tls"`
}

type WebhookChannelConfig struct {
	Name     string `toml:"name" yaml:"name" validate:"required"`
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	MinLevel string `toml:"min_level" yaml:"min_level"`
	Format   string `toml:"format" yaml:"format" validate:"oneof=slack discord generic"`
	URLEnv   string `toml:"url_env" yaml:"url_env" validate:"required,envname"`
}

type TwoFactorConfig struct {
	IMAP IMAPConfig `toml:"imap" yaml:"imap"`
}

// IMAPConfig configures the inbox polled for emailed verification codes
type IMAPConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	Host          string `toml:"host" yaml:"host" validate:"required_if=Enabled true"`
	Port          int    `toml:"port" yaml:"port"`
	UsernameEnv   string `toml:"username_env" yaml:"username_env" validate:"omitempty,envname"`
	PasswordEnv   string `toml:"password_env" yaml:"password_env" validate:"omitempty,envname"`
	UseTLS        bool   `toml:"use_tls" yaml:"use_tls"`
	SubjectFilter string `toml:"subject_filter" yaml:"subject_filter"`
	CodePattern   string `toml:"code_pattern" yaml:"code_pattern"`
}

// ServiceConfig is the static per-service configuration
type ServiceConfig struct {
	Enabled         bool                     `toml:"enabled" yaml:"enabled"`
	Strategy        string                   `toml:"strategy" yaml:"strategy" validate:"required"`
	Priority        int                      `toml:"priority" yaml:"priority"`
	Expiration      ExpirationConfig         `toml:"expiration" yaml:"expiration"`
	Accounts        []string                 `toml:"accounts" yaml:"accounts" validate:"unique,dive,required,excludesall=/\\"`
	AccountMode     string                   `toml:"account_mode" yaml:"account_mode" validate:"omitempty,oneof=all first"`
	Requires2FA     bool                     `toml:"requires_2fa" yaml:"requires_2fa"`
	URLs            ServiceURLs              `toml:"urls" yaml:"urls"`
	AllowedDomains  []string                 `toml:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains   []string                 `toml:"denied_domains" yaml:"denied_domains"`
	PathPatterns    []string                 `toml:"path_patterns" yaml:"path_patterns"`
	RequiredCookies []string                 `toml:"required_cookies" yaml:"required_cookies"`
	TokenKey        string                   `toml:"token_key" yaml:"token_key"`
	Selectors       SelectorConfig           `toml:"selectors" yaml:"selectors"`
	Credentials     map[string]CredentialRef `toml:"credentials" yaml:"credentials" validate:"dive"`
	OAuth           OAuthConfig              `toml:"oauth" yaml:"oauth"`
	Notify          []string                 `toml:"notify" yaml:"notify"`
}

// ExpirationConfig selects the expiration policy
type ExpirationConfig struct {
	Policy        string `toml:"policy" yaml:"policy" validate:"omitempty,oneof=cookie jwt oauth"`
	MaxAgeDays    int    `toml:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	JWTWindowDays int    `toml:"jwt_window_days" yaml:"jwt_window_days" validate:"min=0"`
}

// ServiceURLs are the endpoints a strategy navigates; all of them pass through the URL guard
type ServiceURLs struct {
	Login     string `toml:"login" yaml:"login" validate:"omitempty,url"`
	Dashboard string `toml:"dashboard" yaml:"dashboard" validate:"omitempty,url"`
	APICheck  string `toml:"api_check" yaml:"api_check" validate:"omitempty,url"`
	Redirect  string `toml:"redirect" yaml:"redirect" validate:"omitempty,url"`
}

// SelectorConfig holds the CSS selectors a browser flow uses
type SelectorConfig struct {
	Username        string `toml:"username" yaml:"username"`
	Password        string `toml:"password" yaml:"password"`
	Submit          string `toml:"submit" yaml:"submit"`
	TwoFactor       string `toml:"two_factor" yaml:"two_factor"`
	TwoFactorSubmit string `toml:"two_factor_submit" yaml:"two_factor_submit"`
	LoggedIn        string `toml:"logged_in" yaml:"logged_in"`
}

// CredentialRef names the environment variables holding a login; never literal secrets
type CredentialRef struct {
	UsernameEnv string `toml:"username_env" yaml:"username_env" validate:"omitempty,envname"`
	PasswordEnv string `toml:"password_env" yaml:"password_env" validate:"omitempty,envname"`
}

// OAuthConfig configures the oauth_refresh strategy
type OAuthConfig struct {
	ClientIDEnv     string   `toml:"client_id_env" yaml:"client_id_env" validate:"omitempty,envname"`
	ClientSecretEnv string   `toml:"client_secret_env" yaml:"client_secret_env" validate:"omitempty,envname"`
	AuthURL         string   `toml:"auth_url" yaml:"auth_url" validate:"omitempty,url"`
	TokenURL        string   `toml:"token_url" yaml:"token_url" validate:"omitempty,url"`
	Scopes          []string `toml:"scopes" yaml:"scopes"`
}

// Account modes for multi-account services
const (
	AccountModeAll   = "all"
	AccountModeFirst = "first"
)

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Storage: StorageConfig{
			AuthDir:             "./auth",
			BackupRetentionDays: 30,
			HistoryEnabled:      true,
			HistoryPath:         "./data/history",
		},
		Refresh: RefreshConfig{
			MaxAttempts:         3,
			AttemptDelay:        "10s",
			AccountDelay:        "5s",
			ConcurrentRefreshes: 2,
			WarningDays:         7,
			CriticalDays:        3,
			LoginTimeout:        "300s",
			TwoFactorTimeout:    "120s",
			PollInterval:        "1s",
			LoginMinInterval:    "30s",
		},
		Browser: BrowserConfig{
			Headless:   true,
			UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			DisableGPU: true,
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "0 */6 * * *", // every 6 hours
		},
		Notify: NotifyConfig{
			Console: ConsoleChannelConfig{Enabled: true, MinLevel: "info"},
			File:    FileChannelConfig{Enabled: true, MinLevel: "info", Path: "./logs/notifications.jsonl"},
			Email:   EmailChannelConfig{Port: 587, UseTLS: true, FromName: "Authkeeper", MinLevel: "warning"},
		},
		TwoFactor: TwoFactorConfig{
			IMAP: IMAPConfig{
				Port:        993,
				UseTLS:      true,
				CodePattern: `\b(\d{6})\b`,
			},
		},
		Services: map[string]ServiceConfig{},
	}
}

// LoadFromFiles builds the configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Files ending in .yaml/.yml are decoded as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := decodeInto(path, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	normalizeServices(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func decodeInto(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return toml.Unmarshal(data, config)
	}
}

// applyEnvOverrides applies AUTHKEEPER_* environment variables to the config under construction
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AUTHKEEPER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("AUTHKEEPER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("AUTHKEEPER_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if authDir := os.Getenv("AUTHKEEPER_AUTH_DIR"); authDir != "" {
		config.Storage.AuthDir = authDir
	}
	if retention := os.Getenv("AUTHKEEPER_BACKUP_RETENTION_DAYS"); retention != "" {
		if r, err := strconv.Atoi(retention); err == nil {
			config.Storage.BackupRetentionDays = r
		}
	}
	if historyPath := os.Getenv("AUTHKEEPER_HISTORY_PATH"); historyPath != "" {
		config.Storage.HistoryPath = historyPath
	}

	if maxAttempts := os.Getenv("AUTHKEEPER_MAX_ATTEMPTS"); maxAttempts != "" {
		if m, err := strconv.Atoi(maxAttempts); err == nil {
			config.Refresh.MaxAttempts = m
		}
	}
	if attemptDelay := os.Getenv("AUTHKEEPER_ATTEMPT_DELAY"); attemptDelay != "" {
		config.Refresh.AttemptDelay = attemptDelay
	}
	if concurrency := os.Getenv("AUTHKEEPER_CONCURRENT_REFRESHES"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Refresh.ConcurrentRefreshes = c
		}
	}
	if loginTimeout := os.Getenv("AUTHKEEPER_LOGIN_TIMEOUT"); loginTimeout != "" {
		config.Refresh.LoginTimeout = loginTimeout
	}

	if headless := os.Getenv("AUTHKEEPER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if execPath := os.Getenv("AUTHKEEPER_CHROME_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	if schedule := os.Getenv("AUTHKEEPER_SCHEDULE"); schedule != "" {
		config.Schedule.Cron = schedule
		config.Schedule.Enabled = true
	}
}

// normalizeServices fills per-service defaults that depend on other fields
func normalizeServices(config *Config) {
	for id, svc := range config.Services {
		if svc.Expiration.Policy == "" {
			svc.Expiration.Policy = string(models.PolicyCookie)
		}
		if len(svc.Accounts) <= 1 && svc.AccountMode == "" {
			svc.AccountMode = AccountModeAll
		}
		config.Services[id] = svc
	}
}

var (
	envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	validate       = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// Validate checks struct constraints and the cross-field rules the tags cannot express
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Schedule.Enabled {
		if err := ValidateSchedule(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid configuration: schedule: %w", err)
		}
	}

	for _, id := range c.ServiceIDs() {
		svc := c.Services[id]
		if len(svc.Accounts) > 1 && svc.AccountMode == "" {
			return fmt.Errorf("invalid configuration: service %s has %d accounts but no account_mode (all|first)", id, len(svc.Accounts))
		}
		if svc.Expiration.Policy == string(models.PolicyJWT) && svc.Expiration.JWTWindowDays == 0 && svc.Expiration.MaxAgeDays == 0 {
			return fmt.Errorf("invalid configuration: service %s uses the jwt policy without jwt_window_days", id)
		}
		for _, channel := range svc.Notify {
			if !c.hasChannel(channel) {
				return fmt.Errorf("invalid configuration: service %s selects unknown notification channel %q", id, channel)
			}
		}
	}

	return nil
}

// ValidateStrategies checks every service references a known strategy id
func (c *Config) ValidateStrategies(known []string) error {
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	for _, id := range c.ServiceIDs() {
		if !set[c.Services[id].Strategy] {
			return models.ConfigurationError("service %s: %w %q", id, models.ErrUnknownStrategy, c.Services[id].Strategy)
		}
	}
	return nil
}

func (c *Config) hasChannel(name string) bool {
	switch name {
	case "console", "file", "email":
		return true
	}
	for _, w := range c.Notify.Webhooks {
		if w.Name == name {
			return true
		}
	}
	return false
}

// ValidateSchedule validates a cron expression and enforces a minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// ServiceIDs returns every configured service id sorted alphabetically
func (c *Config) ServiceIDs() []string {
	ids := make([]string, 0, len(c.Services))
	for id := range c.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Service returns a copy of a service's configuration
func (c *Config) Service(id string) (ServiceConfig, bool) {
	svc, ok := c.Services[id]
	if !ok {
		return ServiceConfig{}, false
	}
	return cloneService(svc), true
}

// EnabledServices returns enabled service ids ordered by priority ascending, then id
func (c *Config) EnabledServices() []string {
	var ids []string
	for _, id := range c.ServiceIDs() {
		if c.Services[id].Enabled {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return c.Services[ids[i]].Priority < c.Services[ids[j]].Priority
	})
	return ids
}

// Thresholds returns the WARNING/CRITICAL day boundaries
func (c *Config) Thresholds() models.Thresholds {
	return models.Thresholds{
		WarningDays:  c.Refresh.WarningDays,
		CriticalDays: c.Refresh.CriticalDays,
	}
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// Policy converts the expiration settings to the model policy
func (s ServiceConfig) Policy() models.ExpirationPolicy {
	kind := models.ExpirationPolicyKind(s.Expiration.Policy)
	if kind == "" {
		kind = models.PolicyCookie
	}
	return models.ExpirationPolicy{
		Kind:          kind,
		MaxAgeDays:    s.Expiration.MaxAgeDays,
		JWTWindowDays: s.Expiration.JWTWindowDays,
		TokenKey:      s.TokenKey,
	}
}

// TargetAccounts resolves which accounts a refresh covers when none is specified.
// An empty slice element ("") stands for the single implicit account.
func (s ServiceConfig) TargetAccounts() []string {
	if len(s.Accounts) == 0 {
		return []string{""}
	}
	if s.AccountMode == AccountModeFirst {
		return []string{s.Accounts[0]}
	}
	return append([]string(nil), s.Accounts...)
}

// AllAccounts returns every configured account, or the implicit account
func (s ServiceConfig) AllAccounts() []string {
	if len(s.Accounts) == 0 {
		return []string{""}
	}
	return append([]string(nil), s.Accounts...)
}

// HasAccount reports whether account is configured for the service
func (s ServiceConfig) HasAccount(account string) bool {
	if account == "" {
		return len(s.Accounts) <= 1
	}
	for _, a := range s.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// DeclaredURLs returns the non-empty URLs keyed by role, for the URL guard
func (s ServiceConfig) DeclaredURLs() map[string]string {
	urls := map[string]string{}
	if s.URLs.Login != "" {
		urls["login"] = s.URLs.Login
	}
	if s.URLs.Dashboard != "" {
		urls["dashboard"] = s.URLs.Dashboard
	}
	if s.URLs.APICheck != "" {
		urls["api_check"] = s.URLs.APICheck
	}
	if s.URLs.Redirect != "" {
		urls["redirect"] = s.URLs.Redirect
	}
	if s.OAuth.AuthURL != "" {
		urls["oauth_auth"] = s.OAuth.AuthURL
	}
	if s.OAuth.TokenURL != "" {
		urls["oauth_token"] = s.OAuth.TokenURL
	}
	return urls
}

// ParseDurationOr parses a duration string, falling back when empty or invalid
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FlagOverrides carries command-line values; zero values leave the config untouched
type FlagOverrides struct {
	AuthDir  string
	LogLevel string
	Headless *bool
}

// ApplyFlagOverrides returns a copy of config with command-line flags applied (highest priority).
// The input config is not modified.
func ApplyFlagOverrides(config *Config, flags FlagOverrides) (*Config, error) {
	clone := DeepCloneConfig(config)
	if flags.AuthDir != "" {
		clone.Storage.AuthDir = flags.AuthDir
	}
	if flags.LogLevel != "" {
		clone.Logging.Level = flags.LogLevel
	}
	if flags.Headless != nil {
		clone.Browser.Headless = *flags.Headless
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}

// DeepCloneConfig creates a deep copy so that no slice or map is shared with c
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c
	clone.Logging.Output = append([]string(nil), c.Logging.Output...)
	clone.Notify.Email.To = append([]string(nil), c.Notify.Email.To...)
	clone.Notify.Webhooks = append([]WebhookChannelConfig(nil), c.Notify.Webhooks...)

	clone.Services = make(map[string]ServiceConfig, len(c.Services))
	for id, svc := range c.Services {
		clone.Services[id] = cloneService(svc)
	}

	return &clone
}

func cloneService(s ServiceConfig) ServiceConfig {
	clone := s
	clone.Accounts = append([]string(nil), s.Accounts...)
	clone.AllowedDomains = append([]string(nil), s.AllowedDomains...)
	clone.DeniedDomains = append([]string(nil), s.DeniedDomains...)
	clone.PathPatterns = append([]string(nil), s.PathPatterns...)
	clone.RequiredCookies = append([]string(nil), s.RequiredCookies...)
	clone.OAuth.Scopes = append([]string(nil), s.OAuth.Scopes...)
	clone.Notify = append([]string(nil), s.Notify...)
	if s.Credentials != nil {
		clone.Credentials = make(map[string]CredentialRef, len(s.Credentials))
		for k, v := range s.Credentials {
			clone.Credentials[k] = v
		}
	}
	return clone
}
