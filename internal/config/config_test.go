package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredSMTPVars(t *testing.T) {
	t.Helper()
	t.Setenv("SMTP_HOST", "smtp.example.test")
	t.Setenv("SMTP_USER", "bot")
	t.Setenv("SMTP_PASSWORD", "secret")
	t.Setenv("SMTP_FROM_EMAIL", "bot@example.test")
}

func TestLoadFailsWhenSMTPVarsMissing(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	setRequiredSMTPVars(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.True(t, cfg.SMTPUseTLS)
	assert.Equal(t, "./data/jobs.json", cfg.JobStoragePath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 300*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 30*time.Second, cfg.APIFetchTimeout)
}

func TestLoadRejectsNonIntegerScriptTimeout(t *testing.T) {
	setRequiredSMTPVars(t)
	t.Setenv("SCRIPT_TIMEOUT", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadAcceptsPlainIntegerSecondsTimeouts(t *testing.T) {
	setRequiredSMTPVars(t)
	t.Setenv("SCRIPT_TIMEOUT", "120")
	t.Setenv("API_FETCH_TIMEOUT", "15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 15*time.Second, cfg.APIFetchTimeout)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setRequiredSMTPVars(t)
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_USE_TLS", "false")
	t.Setenv("WORKER_POOL_SIZE", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.False(t, cfg.SMTPUseTLS)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
}
