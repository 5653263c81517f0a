package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STATE_TABLE", "care-state")
	t.Setenv("PARAM_PREFIX", "/care/prod/")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("QDRANT_URL", "http://localhost:6333")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "/care/prod", cfg.ParamPrefix)
	require.Equal(t, "/care/prod/openai/api-key", cfg.param("openai/api-key"))
	require.Equal(t, "care-knowledge", cfg.QdrantCollection)
	require.Equal(t, 2000, cfg.MaxMessageLen)
	require.Equal(t, 5, cfg.TopK)
	require.Equal(t, 20, cfg.MaxTurns)
	require.InDelta(t, 0.7, cfg.ConfidenceThreshold, 1e-9)
	require.Equal(t, 24*time.Hour, cfg.IdleAfter)
	require.Equal(t, 15*time.Minute, cfg.EscalationTimeout)
	require.Equal(t, "@every 15m", cfg.SweepSchedule)
	require.Empty(t, cfg.MattermostURL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_TURNS", "30")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.55")
	t.Setenv("IDLE_AFTER", "2h")
	t.Setenv("ESCALATION_TIMEOUT", "10m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MATTERMOST_URL", "https://chat.example.org")
	t.Setenv("MATTERMOST_CHANNEL_ID", "nurses")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 30, cfg.MaxTurns)
	require.InDelta(t, 0.55, cfg.ConfidenceThreshold, 1e-9)
	require.Equal(t, 2*time.Hour, cfg.IdleAfter)
	require.Equal(t, 10*time.Minute, cfg.EscalationTimeout)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "nurses", cfg.MattermostChannel)
}

func TestLoadConfig_ReportsAllMissing(t *testing.T) {
	t.Setenv("STATE_TABLE", "")
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("QDRANT_URL", "")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "STATE_TABLE, PARAM_PREFIX, REDIS_ADDR, QDRANT_URL")
}

func TestLoadConfig_RejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"int":             {"MAX_TURNS", "many"},
		"float":           {"CONFIDENCE_THRESHOLD", "high"},
		"threshold range": {"CONFIDENCE_THRESHOLD", "1.5"},
		"duration":        {"IDLE_AFTER", "a day"},
		"half mattermost": {"MATTERMOST_URL", "https://chat.example.org"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(kv[0], kv[1])
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
