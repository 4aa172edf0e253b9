package oracle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/metrics"
)

// Provider names accepted in oracle.provider.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderDisabled   = "disabled"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
)

// New builds the Client selected by cfg.Provider.
func New(cfg config.OracleConfig, logger *zap.Logger, tracer trace.Tracer, m *metrics.Metrics) (Client, error) {
	var (
		completer Completer
		err       error
	)
	switch cfg.Provider {
	case ProviderDisabled:
		return NoOp{}, nil
	case ProviderOpenRouter:
		completer, err = NewOpenAICompleter(cfg.APIKey.Value(), orDefault(cfg.BaseURL, defaultOpenRouterBaseURL), cfg.Model, nil)
	case ProviderOpenAI:
		completer, err = NewOpenAICompleter(cfg.APIKey.Value(), orDefault(cfg.BaseURL, defaultOpenAIBaseURL), cfg.Model, nil)
	case ProviderAnthropic:
		completer, err = NewAnthropicCompleter(cfg.APIKey.Value(), cfg.BaseURL, cfg.Model, nil)
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s oracle: %w", cfg.Provider, err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return NewLLMClient(completer,
		WithLogger(logger),
		WithTracer(tracer),
		WithMetrics(m),
		WithTimeout(cfg.Timeout),
		WithRateLimit(cfg.RequestsPerMinute, cfg.Burst),
		WithRetries(cfg.MaxRetries),
		WithParams(
			Params{Temperature: cfg.ClassifyTemperature, MaxTokens: maxTokens},
			Params{Temperature: cfg.ValidateTemperature, MaxTokens: validateMaxTokens(maxTokens)},
		),
	), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// validateMaxTokens keeps the validation reply a little shorter than the
// classification reply.
func validateMaxTokens(classify int) int {
	if v := classify * 3 / 4; v > 0 {
		return v
	}
	return classify
}

// NoOp is the disabled oracle. Every call fails with ErrUnavailable, so
// nothing completes automatically and operators rely on manual toggles.
type NoOp struct{}

// Classify implements Client.
func (NoOp) Classify(context.Context, checklist.Item, string) (Verdict, error) {
	return Verdict{}, fmt.Errorf("%w: oracle disabled", ErrUnavailable)
}

// ValidateEvidence implements Client.
func (NoOp) ValidateEvidence(context.Context, checklist.Item, string, string) (ValidationVerdict, error) {
	return ValidationVerdict{}, fmt.Errorf("%w: oracle disabled", ErrUnavailable)
}

// ExtractClientCard implements Client.
func (NoOp) ExtractClientCard(context.Context, []checklist.CardField, string) (map[string]FieldClaim, error) {
	return nil, fmt.Errorf("%w: oracle disabled", ErrUnavailable)
}

// ValidateFieldEvidence implements Client.
func (NoOp) ValidateFieldEvidence(context.Context, checklist.CardField, string, string) (ValidationVerdict, error) {
	return ValidationVerdict{}, fmt.Errorf("%w: oracle disabled", ErrUnavailable)
}

// DetectStage implements Client.
func (NoOp) DetectStage(context.Context, []checklist.Stage, string, time.Duration) (StageGuess, error) {
	return StageGuess{}, fmt.Errorf("%w: oracle disabled", ErrUnavailable)
}

var _ Client = NoOp{}
