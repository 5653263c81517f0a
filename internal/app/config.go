// Package app reads the process configuration and wires the orchestrator's
// collaborators for the binaries under cmd/.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogMode     string
	LogLevel    string
	StateTable  string
	ParamPrefix string

	RedisAddr string
	RedisDB   int

	QdrantURL        string
	QdrantCollection string

	OpenAIModel    string
	AnthropicModel string

	// MattermostURL and MattermostChannel are optional; without them handoffs
	// are queued but nobody is paged.
	MattermostURL     string
	MattermostChannel string

	MaxMessageLen       int
	TopK                int
	HistoryTurns        int
	ConfidenceThreshold float64
	MaxTurns            int
	IdleAfter           time.Duration
	EscalationTimeout   time.Duration
	SweepSchedule       string
	HTTPAddr            string
}

// LoadConfig reads the configuration from the environment. Required keys
// that are unset are reported together.
func LoadConfig() (Config, error) {
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := Config{
		LogMode:     envString("LOG_MODE", "production"),
		LogLevel:    envString("LOG_LEVEL", ""),
		StateTable:  required("STATE_TABLE"),
		ParamPrefix: strings.TrimRight(required("PARAM_PREFIX"), "/"),

		RedisAddr: required("REDIS_ADDR"),

		QdrantURL:        required("QDRANT_URL"),
		QdrantCollection: envString("QDRANT_COLLECTION", "care-knowledge"),

		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		AnthropicModel: os.Getenv("ANTHROPIC_MODEL"),

		MattermostURL:     os.Getenv("MATTERMOST_URL"),
		MattermostChannel: os.Getenv("MATTERMOST_CHANNEL_ID"),

		SweepSchedule: envString("SWEEP_SCHEDULE", "@every 15m"),
		HTTPAddr:      envString("HTTP_ADDR", ":8080"),
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("app: required environment variables not set: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageLen, err = envInt("MAX_MESSAGE_LENGTH", 2000); err != nil {
		return Config{}, err
	}
	if cfg.TopK, err = envInt("RETRIEVAL_TOP_K", 5); err != nil {
		return Config{}, err
	}
	if cfg.HistoryTurns, err = envInt("HISTORY_TURNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurns, err = envInt("MAX_TURNS", 20); err != nil {
		return Config{}, err
	}
	if cfg.ConfidenceThreshold, err = envFloat("CONFIDENCE_THRESHOLD", 0.7); err != nil {
		return Config{}, err
	}
	if cfg.IdleAfter, err = envDuration("IDLE_AFTER", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.EscalationTimeout, err = envDuration("ESCALATION_TIMEOUT", 15*time.Minute); err != nil {
		return Config{}, err
	}

	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return Config{}, errors.New("app: CONFIDENCE_THRESHOLD must be within [0, 1]")
	}
	if (cfg.MattermostURL == "") != (cfg.MattermostChannel == "") {
		return Config{}, errors.New("app: MATTERMOST_URL and MATTERMOST_CHANNEL_ID must be set together")
	}
	return cfg, nil
}

func (c Config) param(name string) string {
	return c.ParamPrefix + "/" + name
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("app: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("app: %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("app: %s: %w", key, err)
	}
	return d, nil
}
