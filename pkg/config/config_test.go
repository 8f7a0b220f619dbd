package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.ClaimTTL)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 4, cfg.SlotOptionLimit)
	assert.Equal(t, SendModeAuto, cfg.DefaultSendMode)
	assert.Equal(t, ProviderHeuristic, cfg.AIProvider)
	assert.False(t, cfg.RunOnce)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Empty(t, cfg.AllowedLeadNames)
	assert.Zero(t, cfg.MaxMessageAge)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WORKER_POLL_INTERVAL_MS", "5000")
	t.Setenv("WORKER_CLAIM_TTL_MS", "30000")
	t.Setenv("WORKER_QUEUE_BATCH_SIZE", "25")
	t.Setenv("WORKER_RUN_ONCE", "true")
	t.Setenv("WORKER_INSTANCE_ID", "worker-a")
	t.Setenv("PLATFORM_DEFAULT_SEND_MODE", SendModeDraft)
	t.Setenv("WORKER_AUTOREPLY_ALLOW_LEAD_NAMES", "Jordan, Sam ,")
	t.Setenv("WORKER_AUTOREPLY_MAX_MESSAGE_AGE_MINUTES", "90")
	t.Setenv("LEASE_BOT_DB_PATH", "/tmp/leasebot-test.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.ClaimTTL)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.True(t, cfg.RunOnce)
	assert.Equal(t, "worker-a", cfg.InstanceID)
	assert.Equal(t, SendModeDraft, cfg.DefaultSendMode)
	assert.Equal(t, []string{"Jordan", "Sam"}, cfg.AllowedLeadNames)
	assert.Equal(t, 90*time.Minute, cfg.MaxMessageAge)
	assert.Equal(t, "/tmp/leasebot-test.db", cfg.DBPath)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-numeric poll interval", key: "WORKER_POLL_INTERVAL_MS", value: "soon"},
		{name: "zero poll interval", key: "WORKER_POLL_INTERVAL_MS", value: "0"},
		{name: "negative batch size", key: "WORKER_QUEUE_BATCH_SIZE", value: "-1"},
		{name: "bad send mode", key: "PLATFORM_DEFAULT_SEND_MODE", value: "yolo"},
		{name: "negative message age", key: "WORKER_AUTOREPLY_MAX_MESSAGE_AGE_MINUTES", value: "-10"},
		{name: "unknown AI provider", key: "AI_DECISION_PROVIDER", value: "gpt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadGeminiRequiresAPIKey(t *testing.T) {
	t.Setenv("AI_DECISION_PROVIDER", ProviderGemini)
	_, err := Load()
	require.Error(t, err)

	t.Setenv("GOOGLE_GENERATIVE_AI_API_KEY", "key-123")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, cfg.AIProvider)
	assert.Equal(t, "key-123", cfg.GeminiAPIKey)
}

func TestLoadForbidsMockRuntimeInProduction(t *testing.T) {
	t.Setenv("LEASE_BOT_ENV", "production")
	t.Setenv("LEASE_BOT_RPA_RUNTIME", "mock")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMockRuntimeForbidden)

	t.Setenv("LEASE_BOT_RPA_RUNTIME", RuntimePlaywright)
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
