// Package oracle is the boundary to the judgment model that decides whether
// a checklist item is evidenced by the transcript.
//
// The engine depends only on Client. Concrete clients wrap a chat Completer
// (OpenAI-compatible or Anthropic) with prompt construction, response
// parsing, client-side rate limiting, a per-call deadline and tracing.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
)

// Verdict is the outcome of a Classify call.
type Verdict struct {
	Completed  bool    `json:"completed"`
	Confidence float64 `json:"confidence"`
	// Evidence is the excerpt the model claims proves the item.
	Evidence string `json:"evidence"`
	// Rationale is diagnostic only.
	Rationale string `json:"reasoning"`
}

// ValidationVerdict is the outcome of a ValidateEvidence call.
type ValidationVerdict struct {
	Valid       bool   `json:"is_valid"`
	Explanation string `json:"explanation"`
}

// FieldClaim is one client card value the model says the conversation
// states, with the quote that proves it.
type FieldClaim struct {
	Value      string  `json:"value"`
	Evidence   string  `json:"evidence"`
	Confidence float64 `json:"confidence"`
}

// StageGuess is the model's reading of which stage the conversation is in.
// It is advisory and never moves the active stage.
type StageGuess struct {
	StageID    string  `json:"stage_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"reasoning"`
}

// Client judges checklist items against transcript text.
//
// Implementations must be safe for concurrent use. Every failure is one of
// the sentinel errors below (possibly wrapped); callers treat all of them as
// "not completed this cycle".
type Client interface {
	// Classify decides whether item was carried out in window.
	Classify(ctx context.Context, item checklist.Item, window string) (Verdict, error)

	// ValidateEvidence re-checks a claimed excerpt against the item.
	ValidateEvidence(ctx context.Context, item checklist.Item, evidence, rationale string) (ValidationVerdict, error)

	// ExtractClientCard reads values for fields out of window. Fields the
	// conversation does not mention are absent from the result.
	ExtractClientCard(ctx context.Context, fields []checklist.CardField, window string) (map[string]FieldClaim, error)

	// ValidateFieldEvidence re-checks that evidence proves value for field.
	ValidateFieldEvidence(ctx context.Context, field checklist.CardField, value, evidence string) (ValidationVerdict, error)

	// DetectStage guesses the stage window belongs to. elapsed is context
	// for the model, not a deciding input.
	DetectStage(ctx context.Context, stages []checklist.Stage, window string, elapsed time.Duration) (StageGuess, error)
}

var (
	// ErrTimeout is returned when the call deadline passes.
	ErrTimeout = errors.New("oracle: timeout")
	// ErrMalformedResponse is returned when the reply is not the expected JSON.
	ErrMalformedResponse = errors.New("oracle: malformed response")
	// ErrRateLimited is returned on a 429 from the provider.
	ErrRateLimited = errors.New("oracle: rate limited")
	// ErrUnavailable covers transport failures, provider errors and a
	// disabled oracle.
	ErrUnavailable = errors.New("oracle: unavailable")
)
