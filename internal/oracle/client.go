package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/metrics"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultRateLimit   = 1.0 // requests per second
	defaultBurst       = 5
	defaultBaseBackoff = 500 * time.Millisecond
)

// Params are the sampling settings for one completion.
type Params struct {
	Temperature float32
	MaxTokens   int
}

// Completer sends a single user prompt to a chat model and returns the text
// of the first choice.
type Completer interface {
	Complete(ctx context.Context, prompt string, p Params) (string, error)
}

// retryableError marks transport and 5xx failures.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// LLMClient implements Client on top of a Completer.
type LLMClient struct {
	completer  Completer
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	classify   Params
	validate   Params
	extract    Params
	detect     Params
	tracer     trace.Tracer
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures an LLMClient.
type Option func(*LLMClient)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *LLMClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for oracle spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *LLMClient) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithMetrics records call counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *LLMClient) { c.metrics = m }
}

// WithTimeout bounds each call, including rate-limiter wait and retries.
func WithTimeout(d time.Duration) Option {
	return func(c *LLMClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit sets the client-side request budget.
func WithRateLimit(perMinute float64, burst int) Option {
	return func(c *LLMClient) {
		if perMinute > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perMinute/60), burst)
		}
	}
}

// WithRetries sets how many times a transient failure is retried inside one
// call. The call deadline still bounds the total.
func WithRetries(n int) Option {
	return func(c *LLMClient) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithParams overrides the sampling settings of both calls.
func WithParams(classify, validate Params) Option {
	return func(c *LLMClient) {
		c.classify = classify
		c.validate = validate
	}
}

// NewLLMClient wraps completer.
func NewLLMClient(completer Completer, opts ...Option) *LLMClient {
	c := &LLMClient{
		completer: completer,
		limiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		timeout:   defaultTimeout,
		classify:  Params{Temperature: 0.2, MaxTokens: 200},
		validate:  Params{Temperature: 0.05, MaxTokens: 150},
		extract:   Params{Temperature: 0.3, MaxTokens: 800},
		detect:    Params{Temperature: 0.2, MaxTokens: 200},
		tracer:    otel.Tracer("github.com/fyrsmithlabs/checklistd/internal/oracle"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify implements Client.
func (c *LLMClient) Classify(ctx context.Context, item checklist.Item, window string) (Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.classify", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.Int("window.chars", len(window)),
	))
	defer span.End()

	content, err := c.call(ctx, "classify", ClassifyPrompt(item, window), c.classify)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}
	v, err := ParseVerdict(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		c.logger.Debug("unparseable classify reply", zap.String("item_id", item.ID), zap.Int("reply_chars", len(content)))
		return Verdict{}, err
	}
	span.SetAttributes(
		attribute.Bool("oracle.completed", v.Completed),
		attribute.Float64("oracle.confidence", v.Confidence),
	)
	return v, nil
}

// ValidateEvidence implements Client.
func (c *LLMClient) ValidateEvidence(ctx context.Context, item checklist.Item, evidence, rationale string) (ValidationVerdict, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.validate", trace.WithAttributes(
		attribute.String("item.id", item.ID),
	))
	defer span.End()

	content, err := c.call(ctx, "validate", ValidatePrompt(item, evidence, rationale), c.validate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ValidationVerdict{}, err
	}
	v, err := ParseValidation(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return ValidationVerdict{}, err
	}
	span.SetAttributes(attribute.Bool("oracle.valid", v.Valid))
	return v, nil
}

// ExtractClientCard implements Client.
func (c *LLMClient) ExtractClientCard(ctx context.Context, fields []checklist.CardField, window string) (map[string]FieldClaim, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.extract_card", trace.WithAttributes(
		attribute.Int("card.fields", len(fields)),
		attribute.Int("window.chars", len(window)),
	))
	defer span.End()

	content, err := c.call(ctx, "extract_card", ExtractCardPrompt(fields, window), c.extract)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	claims, err := ParseCardExtraction(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return nil, err
	}
	span.SetAttributes(attribute.Int("card.claims", len(claims)))
	return claims, nil
}

// ValidateFieldEvidence implements Client.
func (c *LLMClient) ValidateFieldEvidence(ctx context.Context, field checklist.CardField, value, evidence string) (ValidationVerdict, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.validate_field", trace.WithAttributes(
		attribute.String("field.id", field.ID),
	))
	defer span.End()

	content, err := c.call(ctx, "validate_field", ValidateFieldPrompt(field, value, evidence), c.validate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ValidationVerdict{}, err
	}
	v, err := ParseValidation(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return ValidationVerdict{}, err
	}
	span.SetAttributes(attribute.Bool("oracle.valid", v.Valid))
	return v, nil
}

// DetectStage implements Client. A stage id outside stages is reported as
// ErrMalformedResponse.
func (c *LLMClient) DetectStage(ctx context.Context, stages []checklist.Stage, window string, elapsed time.Duration) (StageGuess, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.detect_stage", trace.WithAttributes(
		attribute.Int("window.chars", len(window)),
	))
	defer span.End()

	content, err := c.call(ctx, "detect_stage", DetectStagePrompt(stages, window, elapsed), c.detect)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StageGuess{}, err
	}
	g, err := ParseStageGuess(content)
	if err == nil && !hasStage(stages, g.StageID) {
		err = fmt.Errorf("%w: unknown stage id %q", ErrMalformedResponse, g.StageID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return StageGuess{}, err
	}
	span.SetAttributes(
		attribute.String("stage.id", g.StageID),
		attribute.Float64("oracle.confidence", g.Confidence),
	)
	return g, nil
}

func hasStage(stages []checklist.Stage, id string) bool {
	for _, st := range stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

// call runs one rate-limited, deadline-bounded completion with optional
// retries and maps every failure onto the package sentinels.
func (c *LLMClient) call(ctx context.Context, name, prompt string, p Params) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.complete(ctx, prompt, p)
	err = classifyError(ctx, err)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	c.metrics.RecordOracleCall(name, outcome, time.Since(start))
	if err != nil {
		c.logger.Warn("oracle call failed",
			zap.String("call", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return content, err
}

func (c *LLMClient) complete(ctx context.Context, prompt string, p Params) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		content, err := c.completer.Complete(ctx, prompt, p)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", lastErr
}

// classifyError maps a completer error onto the package sentinels.
func classifyError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

var _ Client = (*LLMClient)(nil)
