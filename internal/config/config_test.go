package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calendar-agent/internal/conversation"
	"calendar-agent/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TABLE_NAME", "calendar-agent-state")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, StoreDynamoDB, cfg.Store)
	require.Equal(t, "calendar-agent-state", cfg.TableName)
	require.Equal(t, "/calendar-agent", cfg.ParamPrefix)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, 60*time.Second, cfg.DedupTTL)
	require.Equal(t, 24*time.Hour, cfg.WindowDuration)
	require.False(t, cfg.RateLimitFailClosed)
	require.False(t, cfg.LockFailClosed)
	require.Equal(t, ratelimit.DefaultPolicies(), cfg.RatePolicies)
	require.Equal(t, conversation.DefaultLimits(), cfg.Context)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("PARAM_PREFIX", "/prod/agent/")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_FAIL_CLOSED", "true")
	t.Setenv("RATE_AUTH_MAX", "3")
	t.Setenv("RATE_AUTH_WINDOW", "5m")
	t.Setenv("DEDUP_TTL", "2m")
	t.Setenv("CONTEXT_PROMPT_CEILING", "3000")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, "/prod/agent", cfg.ParamPrefix)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.True(t, cfg.RateLimitFailClosed)
	require.Equal(t, ratelimit.Policy{MaxAttempts: 3, Window: 5 * time.Minute}, cfg.RatePolicies[ratelimit.CategoryAuth])
	require.Equal(t, 2*time.Minute, cfg.DedupTTL)
	require.Equal(t, 3000, cfg.Context.PromptCeiling)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: memory\nlock_fail_closed: true\nrate_message_max: 5\n"), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.Store)
	require.True(t, cfg.LockFailClosed)
	require.Equal(t, 5, cfg.RatePolicies[ratelimit.CategoryMessage].MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing table":  {"STORE": "dynamodb"},
		"unknown store":  {"STORE": "redis"},
		"bad log level":  {"STORE": "memory", "LOG_LEVEL": "loud"},
		"zero rate max":  {"STORE": "memory", "RATE_MESSAGE_MAX": "0"},
		"zero dedup ttl": {"STORE": "memory", "DEDUP_TTL": "0s"},
		"missing file":   {"STORE": "memory"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			file := ""
			if name == "missing file" {
				file = filepath.Join(t.TempDir(), "nope.yaml")
			}
			_, err := Load(New(), file)
			require.Error(t, err)
		})
	}
}

func TestRequireService(t *testing.T) {
	t.Setenv("STORE", "memory")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	err = cfg.RequireService()
	require.ErrorContains(t, err, "WHATSAPP_PHONE_NUMBER_ID")
	require.ErrorContains(t, err, "DATABASE_URL")

	cfg.PhoneNumberID = "1234"
	cfg.DatabaseURL = "postgres://localhost/agent"
	cfg.SMTP.Host = "smtp.example.com"
	cfg.Google = Google{ClientID: "id", RedirectURL: "https://agent.example.com/oauth/google/callback"}
	require.NoError(t, cfg.RequireService())
}
