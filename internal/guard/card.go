package guard

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
)

// Labels for client card claims.
const (
	LabelPlaceholderValue   Label = "placeholder_value"
	LabelValueTooShort      Label = "value_too_short"
	LabelGreetingEvidence   Label = "greeting_evidence"
	LabelValueNotInEvidence Label = "value_not_in_evidence"
	LabelFieldFilled        Label = "field_already_filled"
	LabelUnknownField       Label = "unknown_field"
)

// placeholderValues are what models write instead of leaving a field out.
var placeholderValues = map[string]bool{
	"tidak disebutkan": true,
	"not mentioned":    true,
	"unknown":          true,
	"tidak ada":        true,
	"tidak jelas":      true,
	"belum disebutkan": true,
	"n/a":              true,
	"na":               true,
	"-":                true,
	"none":             true,
}

var placeholderFragments = []string{"tidak di", "not men", "belum di"}

// greetingOpeners disqualify evidence that starts with them.
var greetingOpeners = []string{
	"oke,", "ok,", "baik,", "ya,", "halo,", "hai,",
	"selamat pagi", "selamat siang", "selamat datang", "terima kasih",
}

// CardThresholds parameterize the client card gates.
type CardThresholds struct {
	MinValueChars    int
	AcceptConfidence float64
	MinEvidenceChars int
	MinEvidenceWords int
}

// DefaultCardThresholds returns the production card thresholds.
func DefaultCardThresholds() CardThresholds {
	return CardThresholds{
		MinValueChars:    2,
		AcceptConfidence: 0.7,
		MinEvidenceChars: 10,
		MinEvidenceWords: 3,
	}
}

// FieldDecision is the outcome of checking one card claim.
type FieldDecision struct {
	Accepted bool
	Label    Label
	Err      error
	// OracleCalls is 1 when ValidateFieldEvidence ran.
	OracleCalls int
}

// CardGuard filters client card claims. A claim must pass every
// deterministic gate and then the oracle's evidence validation.
type CardGuard struct {
	th     CardThresholds
	logger *zap.Logger
}

// NewCardGuard builds a guard. A nil logger discards rejections.
func NewCardGuard(th CardThresholds, logger *zap.Logger) *CardGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CardGuard{th: th, logger: logger}
}

// CheckClaim runs the gates that need no oracle call.
func (g *CardGuard) CheckClaim(c oracle.FieldClaim) (Label, bool) {
	value := strings.TrimSpace(c.Value)
	if IsPlaceholder(value) {
		return LabelPlaceholderValue, false
	}
	if len([]rune(value)) < g.th.MinValueChars {
		return LabelValueTooShort, false
	}
	if c.Confidence < g.th.AcceptConfidence {
		return LabelLowConfidence, false
	}
	evidence := strings.TrimSpace(c.Evidence)
	if len([]rune(evidence)) < g.th.MinEvidenceChars {
		return LabelEvidenceTooShort, false
	}
	if startsWithGreeting(evidence) {
		return LabelGreetingEvidence, false
	}
	if len(strings.Fields(evidence)) < g.th.MinEvidenceWords {
		return LabelEvidenceTooFewWords, false
	}
	if !valueInEvidence(value, evidence) {
		return LabelValueNotInEvidence, false
	}
	return "", true
}

// Evaluate checks claim for field and, when the gates pass, asks client to
// validate the evidence. Oracle failures reject the claim.
func (g *CardGuard) Evaluate(ctx context.Context, client oracle.Client, field checklist.CardField, claim oracle.FieldClaim) FieldDecision {
	if label, ok := g.CheckClaim(claim); !ok {
		g.trace(ctx, field, label)
		return FieldDecision{Label: label}
	}

	val, err := client.ValidateFieldEvidence(ctx, field, strings.TrimSpace(claim.Value), strings.TrimSpace(claim.Evidence))
	if err != nil {
		g.trace(ctx, field, LabelValidationError, zap.Error(err))
		return FieldDecision{Label: LabelValidationError, Err: err, OracleCalls: 1}
	}
	if !val.Valid {
		g.trace(ctx, field, LabelValidationFailed, zap.String("explanation", val.Explanation))
		return FieldDecision{Label: LabelValidationFailed, OracleCalls: 1}
	}
	return FieldDecision{Accepted: true, Label: LabelAccepted, OracleCalls: 1}
}

func (g *CardGuard) trace(ctx context.Context, field checklist.CardField, label Label, fields ...zap.Field) {
	if ce := g.logger.Check(logging.TraceLevel, "gate rejected card field"); ce != nil {
		fields = append(fields, zap.String("field_id", field.ID), zap.String("label", string(label)))
		ce.Write(append(logging.ContextFields(ctx), fields...)...)
	}
}

// IsPlaceholder reports whether value is a stand-in for "not mentioned".
func IsPlaceholder(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if placeholderValues[v] {
		return true
	}
	return containsAny(v, placeholderFragments)
}

func startsWithGreeting(evidence string) bool {
	e := strings.ToLower(evidence)
	for _, g := range greetingOpeners {
		if strings.HasPrefix(e, g) {
			return true
		}
	}
	return false
}

// valueInEvidence requires a short value (three words or fewer) to share at
// least one word with the evidence. Longer values are paraphrases and pass,
// as do values of three characters or less.
func valueInEvidence(value, evidence string) bool {
	words := strings.Fields(strings.ToLower(value))
	if len(words) > 3 || len([]rune(value)) <= 3 {
		return true
	}
	e := strings.ToLower(evidence)
	for _, w := range words {
		if strings.Contains(e, w) {
			return true
		}
	}
	return false
}
