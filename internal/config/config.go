// Package config loads checklistd configuration.
//
// Values come from a YAML file, then CHECKLISTD_* environment variables,
// layered over the defaults returned by Default.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/telemetry"
)

// Config holds the complete checklistd configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Oracle    OracleConfig     `koanf:"oracle"`
	Engine    EngineConfig     `koanf:"engine"`
	Checklist ChecklistConfig  `koanf:"checklist"`
	NATS      NATSConfig       `koanf:"nats"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OracleConfig selects and tunes the judgment backend.
type OracleConfig struct {
	Provider            string        `koanf:"provider"` // openrouter, openai, anthropic, disabled
	Model               string        `koanf:"model"`
	APIKey              Secret        `koanf:"api_key"`
	BaseURL             string        `koanf:"base_url"` // empty selects the provider default
	Timeout             time.Duration `koanf:"timeout"`
	MaxTokens           int           `koanf:"max_tokens"`
	ClassifyTemperature float32       `koanf:"classify_temperature"`
	ValidateTemperature float32       `koanf:"validate_temperature"`
	RequestsPerMinute   float64       `koanf:"requests_per_minute"`
	Burst               int           `koanf:"burst"`
	MaxRetries          int           `koanf:"max_retries"`
}

// EngineConfig tunes the evaluation loop and the guard thresholds.
type EngineConfig struct {
	TickInterval            time.Duration        `koanf:"tick_interval"`
	WindowWords             int                  `koanf:"window_words"`
	ContextChars            int                  `koanf:"context_chars"`
	MinContextChars         int                  `koanf:"min_context_chars"`
	AcceptConfidence        float64              `koanf:"accept_confidence"`
	RevalidateConfidence    float64              `koanf:"revalidate_confidence"`
	MinEvidenceChars        int                  `koanf:"min_evidence_chars"`
	MinEvidenceWords        int                  `koanf:"min_evidence_words"`
	Concurrency             int                  `koanf:"concurrency"`
	DecisionLogSize         int                  `koanf:"decision_log_size"`
	RejectDuplicateEvidence bool                 `koanf:"reject_duplicate_evidence"`
	StartEnabled            bool                 `koanf:"start_enabled"`
	Card                    CardConfig           `koanf:"card"`
	StageDetection          StageDetectionConfig `koanf:"stage_detection"`
}

// CardConfig tunes client card extraction. Extraction reads the last
// ContextChars of the window and is skipped below MinContextChars.
type CardConfig struct {
	Enabled          bool    `koanf:"enabled"`
	ContextChars     int     `koanf:"context_chars"`
	MinContextChars  int     `koanf:"min_context_chars"`
	AcceptConfidence float64 `koanf:"accept_confidence"`
}

// StageDetectionConfig tunes the advisory stage suggestion. The suggestion
// is reported next to the scheduled stage and never changes the active one.
type StageDetectionConfig struct {
	Enabled         bool `koanf:"enabled"`
	ContextChars    int  `koanf:"context_chars"`
	MinContextChars int  `koanf:"min_context_chars"`
}

// ChecklistConfig points at the call structure. An empty path selects the
// built-in trial-class script.
type ChecklistConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig controls the update fan-out over NATS.
type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Oracle: OracleConfig{
			Provider:            "openrouter",
			Model:               "google/gemini-2.5-flash-preview-09-2025",
			Timeout:             20 * time.Second,
			MaxTokens:           200,
			ClassifyTemperature: 0.2,
			ValidateTemperature: 0.05,
			RequestsPerMinute:   60,
			Burst:               5,
		},
		Engine: EngineConfig{
			TickInterval:            5 * time.Second,
			WindowWords:             1000,
			ContextChars:            1500,
			MinContextChars:         30,
			AcceptConfidence:        0.8,
			RevalidateConfidence:    0.7,
			MinEvidenceChars:        10,
			MinEvidenceWords:        3,
			Concurrency:             1,
			DecisionLogSize:         100,
			RejectDuplicateEvidence: true,
			StartEnabled:            true,
			Card: CardConfig{
				Enabled:          true,
				ContextChars:     1000,
				MinContextChars:  200,
				AcceptConfidence: 0.7,
			},
			StageDetection: StageDetectionConfig{
				Enabled:         true,
				ContextChars:    2000,
				MinContextChars: 100,
			},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "checklist",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Oracle.Provider {
	case "openrouter", "openai", "anthropic":
		if !c.Oracle.APIKey.IsSet() {
			errs = append(errs, fmt.Errorf("oracle.api_key is required for provider %q", c.Oracle.Provider))
		}
		if c.Oracle.Model == "" {
			errs = append(errs, errors.New("oracle.model is required"))
		}
	case "disabled":
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.provider %q", c.Oracle.Provider))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}
	if c.Oracle.RequestsPerMinute <= 0 || c.Oracle.Burst < 1 {
		errs = append(errs, errors.New("oracle.requests_per_minute and oracle.burst must be positive"))
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, errors.New("oracle.max_retries cannot be negative"))
	}

	e := c.Engine
	if e.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if e.WindowWords < 1 || e.ContextChars < 1 {
		errs = append(errs, errors.New("engine.window_words and engine.context_chars must be positive"))
	}
	if e.AcceptConfidence < 0 || e.AcceptConfidence > 1 || e.RevalidateConfidence < 0 || e.RevalidateConfidence > 1 {
		errs = append(errs, errors.New("engine confidence thresholds must be within [0,1]"))
	}
	if e.RevalidateConfidence > e.AcceptConfidence {
		errs = append(errs, errors.New("engine.revalidate_confidence cannot exceed engine.accept_confidence"))
	}
	if e.Concurrency < 1 {
		errs = append(errs, errors.New("engine.concurrency must be at least 1"))
	}
	if e.DecisionLogSize < 1 {
		errs = append(errs, errors.New("engine.decision_log_size must be at least 1"))
	}
	if e.Card.Enabled {
		if e.Card.ContextChars < 1 || e.Card.MinContextChars < 0 {
			errs = append(errs, errors.New("engine.card.context_chars must be positive"))
		}
		if e.Card.AcceptConfidence < 0 || e.Card.AcceptConfidence > 1 {
			errs = append(errs, errors.New("engine.card.accept_confidence must be within [0,1]"))
		}
	}
	if e.StageDetection.Enabled && (e.StageDetection.ContextChars < 1 || e.StageDetection.MinContextChars < 0) {
		errs = append(errs, errors.New("engine.stage_detection.context_chars must be positive"))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
