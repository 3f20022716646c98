package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/authkeeper/internal/models"
)

const baseTOML = `
[refresh]
max_attempts = 5
attempt_delay = "2s"

[services.portal]
enabled = true
strategy = "form_login"
priority = 2
accounts = ["ops"]

[services.portal.urls]
login = "https://portal.example.com/login"

[services.portal.credentials.ops]
username_env = "PORTAL_USER"
password_env = "PORTAL_PASS"

[services.toolost]
enabled = true
strategy = "jwt_storage"
priority = 1
token_key = "auth_token"

[services.toolost.expiration]
policy = "jwt"
jwt_window_days = 7

[services.legacy]
enabled = false
strategy = "form_login"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFromFiles_Defaults(t *testing.T) {
	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 3, config.Refresh.MaxAttempts)
	assert.Equal(t, 2, config.Refresh.ConcurrentRefreshes)
	assert.Equal(t, models.Thresholds{WarningDays: 7, CriticalDays: 3}, config.Thresholds())
	assert.Empty(t, config.Services)
}

func TestLoadFromFiles_LaterFilesAndEnvWin(t *testing.T) {
	first := writeFile(t, "authkeeper.toml", baseTOML)
	second := writeFile(t, "override.yaml", "refresh:\n  max_attempts: 2\nbrowser:\n  headless: false\n")

	config, err := LoadFromFiles(first, second)
	require.NoError(t, err)
	assert.Equal(t, 2, config.Refresh.MaxAttempts)
	assert.Equal(t, "2s", config.Refresh.AttemptDelay)
	assert.False(t, config.Browser.Headless)
	assert.Len(t, config.Services, 3)

	t.Setenv("AUTHKEEPER_MAX_ATTEMPTS", "4")
	config, err = LoadFromFiles(first, second)
	require.NoError(t, err)
	assert.Equal(t, 4, config.Refresh.MaxAttempts)
}

func TestLoadFromFiles_NormalizesServices(t *testing.T) {
	config, err := LoadFromFiles(writeFile(t, "authkeeper.toml", baseTOML))
	require.NoError(t, err)

	portal, ok := config.Service("portal")
	require.True(t, ok)
	assert.Equal(t, "cookie", portal.Expiration.Policy)
	assert.Equal(t, AccountModeAll, portal.AccountMode)

	assert.Equal(t, []string{"toolost", "portal"}, config.EnabledServices())
	assert.Equal(t, []string{"legacy", "portal", "toolost"}, config.ServiceIDs())
}

func TestLoadFromFiles_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "multiple accounts need a mode",
			content: "[services.multi]\nstrategy = \"form_login\"\naccounts = [\"a\", \"b\"]\n",
			want:    "account_mode",
		},
		{
			name:    "literal secret instead of env name",
			content: "[services.portal]\nstrategy = \"form_login\"\n[services.portal.credentials.default]\nusername_env = \"hunter2\"\n",
			want:    "envname",
		},
		{
			name:    "unknown notification channel",
			content: "[services.portal]\nstrategy = \"form_login\"\nnotify = [\"pager\"]\n",
			want:    "pager",
		},
		{
			name:    "jwt policy without a window",
			content: "[services.toolost]\nstrategy = \"jwt_storage\"\n[services.toolost.expiration]\npolicy = \"jwt\"\n",
			want:    "jwt_window_days",
		},
		{
			name:    "schedule every minute",
			content: "[schedule]\nenabled = true\ncron = \"* * * * *\"\n",
			want:    "minimum 5-minute",
		},
		{
			name:    "bad duration",
			content: "[refresh]\nattempt_delay = \"soon\"\n",
			want:    "AttemptDelay",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFiles(writeFile(t, "bad.toml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestApplyFlagOverrides_LeavesInputUntouched(t *testing.T) {
	config, err := LoadFromFiles(writeFile(t, "authkeeper.toml", baseTOML))
	require.NoError(t, err)

	headless := false
	overridden, err := ApplyFlagOverrides(config, FlagOverrides{AuthDir: "/srv/auth", LogLevel: "debug", Headless: &headless})
	require.NoError(t, err)

	assert.Equal(t, "/srv/auth", overridden.Storage.AuthDir)
	assert.Equal(t, "debug", overridden.Logging.Level)
	assert.False(t, overridden.Browser.Headless)

	assert.Equal(t, "./auth", config.Storage.AuthDir)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Browser.Headless)

	_, err = ApplyFlagOverrides(config, FlagOverrides{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestDeepCloneConfig_SharesNothing(t *testing.T) {
	config, err := LoadFromFiles(writeFile(t, "authkeeper.toml", baseTOML))
	require.NoError(t, err)

	clone := DeepCloneConfig(config)
	svc := clone.Services["portal"]
	svc.Accounts[0] = "changed"
	clone.Services["portal"] = svc
	clone.Logging.Output[0] = "changed"

	assert.Equal(t, "ops", config.Services["portal"].Accounts[0])
	assert.NotEqual(t, "changed", config.Logging.Output[0])

	// Service returns a copy as well
	copied, _ := config.Service("portal")
	copied.Credentials["ops"] = CredentialRef{UsernameEnv: "OTHER"}
	assert.Equal(t, "PORTAL_USER", config.Services["portal"].Credentials["ops"].UsernameEnv)
}

func TestServiceConfig_Accounts(t *testing.T) {
	single := ServiceConfig{}
	assert.Equal(t, []string{""}, single.TargetAccounts())
	assert.True(t, single.HasAccount(""))
	assert.False(t, single.HasAccount("ops"))

	multi := ServiceConfig{Accounts: []string{"a", "b"}, AccountMode: AccountModeAll}
	assert.Equal(t, []string{"a", "b"}, multi.TargetAccounts())
	assert.False(t, multi.HasAccount(""))
	assert.True(t, multi.HasAccount("b"))

	multi.AccountMode = AccountModeFirst
	assert.Equal(t, []string{"a"}, multi.TargetAccounts())
	assert.Equal(t, []string{"a", "b"}, multi.AllAccounts())
}

func TestServiceConfig_DeclaredURLs(t *testing.T) {
	svc := ServiceConfig{
		URLs:  ServiceURLs{Login: "https://a.example.com/login", APICheck: "https://api.example.com/me"},
		OAuth: OAuthConfig{TokenURL: "https://auth.example.com/token"},
	}
	assert.Equal(t, map[string]string{
		"login":       "https://a.example.com/login",
		"api_check":   "https://api.example.com/me",
		"oauth_token": "https://auth.example.com/token",
	}, svc.DeclaredURLs())
}

func TestValidateStrategies(t *testing.T) {
	config := NewDefaultConfig()
	config.Services = map[string]ServiceConfig{"portal": {Strategy: "form_login"}}
	assert.NoError(t, config.ValidateStrategies([]string{"form_login", "jwt_storage"}))

	err := config.ValidateStrategies([]string{"jwt_storage"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownStrategy)
	assert.Equal(t, models.KindConfiguration, models.KindOf(err))
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		valid    bool
	}{
		{"0 */6 * * *", true},
		{"*/15 * * * *", true},
		{"*/2 * * * *", false},
		{"* * * * *", false},
		{"every day", false},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := ValidateSchedule(tt.schedule)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDurationOr("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("later", time.Minute))
}
