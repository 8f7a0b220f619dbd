// Package config provides process-wide configuration for the leasebot
// worker: environment-derived settings, the per-platform catalog, encrypted
// credential secrets, and symbolic credential reference resolution.
//
// Configuration is loaded once at startup and accessed by value. State
// (counters, dispatch records, claims) lives in the database, never here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Send modes for platform accounts.
const (
	SendModeAuto  = "auto_send"
	SendModeDraft = "draft_only"
)

// AI decision providers recognized by AI_DECISION_PROVIDER.
const (
	ProviderHeuristic = "heuristic"
	ProviderGemini    = "gemini"
)

// RuntimePlaywright is the only RPA runtime allowed in production.
const RuntimePlaywright = "playwright"

// Config holds all process-wide settings. Loaded once at startup.
//
//nolint:govet // Struct layout optimization not critical for this type
type Config struct {
	// Queue / worker loop.
	PollInterval time.Duration
	BatchSize    int
	RunOnce      bool
	ClaimTTL     time.Duration
	InstanceID   string

	// Policy.
	DefaultSendMode  string
	AllowedLeadNames []string // Dev allowlist; empty means no restriction
	MaxMessageAge    time.Duration
	SlotOptionLimit  int

	// AI classifier.
	AIProvider   string
	GeminiModel  string
	GeminiAPIKey string

	// Runtime.
	Environment string // "production" or anything else for dev
	RPARuntime  string

	// Storage and observability.
	DBPath        string
	PrometheusURL string
}

// Load reads configuration from the environment and validates it.
// Invalid values fail fast; the worker never starts half-configured.
func Load() (*Config, error) {
	cfg := &Config{
		PollInterval:    15 * time.Second,
		BatchSize:       10,
		ClaimTTL:        60 * time.Second,
		DefaultSendMode: SendModeAuto,
		SlotOptionLimit: 4,
		AIProvider:      ProviderHeuristic,
		GeminiModel:     "gemini-2.0-flash",
		Environment:     os.Getenv("LEASE_BOT_ENV"),
		RPARuntime:      os.Getenv("LEASE_BOT_RPA_RUNTIME"),
		DBPath:          "leasebot.db",
		PrometheusURL:   os.Getenv("PROMETHEUS_URL"),
	}

	var err error
	if cfg.PollInterval, err = durationMs("WORKER_POLL_INTERVAL_MS", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL, err = durationMs("WORKER_CLAIM_TTL_MS", cfg.ClaimTTL); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = positiveInt("WORKER_QUEUE_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.SlotOptionLimit, err = positiveInt("WORKER_AUTOREPLY_SLOT_OPTION_LIMIT", cfg.SlotOptionLimit); err != nil {
		return nil, err
	}

	if v := os.Getenv("WORKER_RUN_ONCE"); v == "1" || strings.EqualFold(v, "true") {
		cfg.RunOnce = true
	}

	cfg.InstanceID = os.Getenv("WORKER_INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID = "worker-" + uuid.New().String()[:8]
	}

	if v := os.Getenv("PLATFORM_DEFAULT_SEND_MODE"); v != "" {
		if v != SendModeAuto && v != SendModeDraft {
			return nil, fmt.Errorf("PLATFORM_DEFAULT_SEND_MODE must be %s or %s, got %q", SendModeAuto, SendModeDraft, v)
		}
		cfg.DefaultSendMode = v
	}

	if v := os.Getenv("WORKER_AUTOREPLY_ALLOW_LEAD_NAMES"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.AllowedLeadNames = append(cfg.AllowedLeadNames, name)
			}
		}
	}

	if v := os.Getenv("WORKER_AUTOREPLY_MAX_MESSAGE_AGE_MINUTES"); v != "" {
		minutes, convErr := strconv.Atoi(v)
		if convErr != nil || minutes < 0 {
			return nil, fmt.Errorf("WORKER_AUTOREPLY_MAX_MESSAGE_AGE_MINUTES must be a non-negative integer, got %q", v)
		}
		cfg.MaxMessageAge = time.Duration(minutes) * time.Minute
	}

	if v := os.Getenv("AI_DECISION_PROVIDER"); v != "" {
		if v != ProviderHeuristic && v != ProviderGemini {
			return nil, fmt.Errorf("AI_DECISION_PROVIDER must be %s or %s, got %q", ProviderHeuristic, ProviderGemini, v)
		}
		cfg.AIProvider = v
	}
	if v := os.Getenv("AI_GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = v
	}
	cfg.GeminiAPIKey = os.Getenv("GOOGLE_GENERATIVE_AI_API_KEY")
	if cfg.AIProvider == ProviderGemini && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("AI_DECISION_PROVIDER=gemini requires GOOGLE_GENERATIVE_AI_API_KEY")
	}

	if v := os.Getenv("LEASE_BOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if err := cfg.validateRuntime(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ErrMockRuntimeForbidden is the startup guard for production deployments.
var ErrMockRuntimeForbidden = fmt.Errorf("MOCK_RUNTIME_FORBIDDEN: LEASE_BOT_RPA_RUNTIME must be %q in production", RuntimePlaywright)

func (c *Config) validateRuntime() error {
	if c.Environment == "production" && c.RPARuntime != RuntimePlaywright {
		return ErrMockRuntimeForbidden
	}
	return nil
}

// IsProduction reports whether the process runs with production guarantees.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func durationMs(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of milliseconds, got %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func positiveInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
