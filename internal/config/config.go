package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Attune engine.
type Config struct {
	Port    int
	Version string

	// ProtocolTablePath points at the protocol table JSON. Empty means
	// the built-in reference table.
	ProtocolTablePath string

	// MaxAttempts is the default loop bound for consecutive revisits of
	// a single protocol state before its escape transition fires.
	MaxAttempts int

	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Services  ServicesConfig
	Tracker   TrackerConfig
	Events    EventsConfig
}

type DatabaseConfig struct {
	// URL enables the Postgres session store when set; otherwise the
	// in-memory store is used (zero-config mode).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// ServicesConfig configures the external classifier, renderer,
// retrieval, and subsystem services.
type ServicesConfig struct {
	ClassifierURL string
	RendererURL   string
	RetrievalURL  string
	SubsystemURL  string

	// Timeout bounds every external call made during a turn. On
	// timeout the turn completes on fallback text instead of hanging.
	Timeout time.Duration
}

// TrackerConfig exposes the completion tracker's tuning values. The
// source protocol never validated these against adversarial input, so
// they are deliberately configuration rather than constants.
type TrackerConfig struct {
	// ProblemWindow is how many recent turns a stressor reference and a
	// body reference may be apart and still jointly mark the problem as
	// identified.
	ProblemWindow int

	// MinPhaseTurns is the minimum number of turns spent in the current
	// state before the problem-identified rule may fire.
	MinPhaseTurns int

	// DuplicateThreshold is the token-overlap ratio at or above which
	// two questions count as the same question.
	DuplicateThreshold float64
}

type EventsConfig struct {
	NatsURL   string
	NatsToken string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:              envInt("ATTUNE_PORT", 8460),
		Version:           envStr("ATTUNE_VERSION", "0.4.0"),
		ProtocolTablePath: envStr("ATTUNE_PROTOCOL_TABLE", ""),
		MaxAttempts:       envInt("ATTUNE_MAX_ATTEMPTS", 3),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "attune-engine"),
		},
		Services: ServicesConfig{
			ClassifierURL: envStr("ATTUNE_CLASSIFIER_URL", "http://localhost:8461"),
			RendererURL:   envStr("ATTUNE_RENDERER_URL", "http://localhost:8462"),
			RetrievalURL:  envStr("ATTUNE_RETRIEVAL_URL", ""),
			SubsystemURL:  envStr("ATTUNE_SUBSYSTEM_URL", "http://localhost:8463"),
			Timeout:       envDur("ATTUNE_SERVICE_TIMEOUT", 10*time.Second),
		},
		Tracker: TrackerConfig{
			ProblemWindow:      envInt("ATTUNE_PROBLEM_WINDOW", 4),
			MinPhaseTurns:      envInt("ATTUNE_MIN_PHASE_TURNS", 2),
			DuplicateThreshold: envFloat("ATTUNE_DUP_THRESHOLD", 0.7),
		},
		Events: EventsConfig{
			NatsURL:   envStr("NATS_URL", ""),
			NatsToken: envStr("NATS_TOKEN", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
