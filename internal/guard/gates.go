package guard

import (
	"strings"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
)

// Label names the gate that produced a decision.
type Label string

const (
	LabelInsufficientContext  Label = "insufficient_context"
	LabelPrefilterFailed      Label = "keyword_prefilter_failed"
	LabelOracleError          Label = "oracle_error"
	LabelOracleIncomplete     Label = "oracle_said_incomplete"
	LabelLowConfidence        Label = "low_confidence"
	LabelEvidenceTooShort     Label = "evidence_too_short"
	LabelGenericPhrase        Label = "generic_phrase"
	LabelEvidenceTooFewWords  Label = "evidence_too_short_words"
	LabelIrrelevantSelfIntro  Label = "irrelevant_self_introduction"
	LabelMissingSemanticTerms Label = "missing_semantic_keywords"
	LabelValidationError      Label = "validation_error"
	LabelValidationFailed     Label = "validation_failed"
	LabelAccepted             Label = "accepted"
	LabelDuplicateEvidence    Label = "duplicate_evidence"
	LabelAlreadyComplete      Label = "already_complete"
	LabelSessionStopped       Label = "session_stopped"
)

// Thresholds parameterize the deterministic gates.
type Thresholds struct {
	MinContextChars      int
	AcceptConfidence     float64
	RevalidateConfidence float64
	MinEvidenceChars     int
	MinEvidenceWords     int
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinContextChars:      30,
		AcceptConfidence:     0.8,
		RevalidateConfidence: 0.7,
		MinEvidenceChars:     10,
		MinEvidenceWords:     3,
	}
}

// Gate is one deterministic check on a classify verdict.
type Gate interface {
	// Label is reported when the gate rejects.
	Label() Label
	// Pass reports whether the verdict survives this gate.
	Pass(item checklist.Item, v oracle.Verdict) bool
}

// CompletedGate rejects verdicts the oracle itself marked incomplete.
type CompletedGate struct{}

func (CompletedGate) Label() Label { return LabelOracleIncomplete }

func (CompletedGate) Pass(_ checklist.Item, v oracle.Verdict) bool { return v.Completed }

// ConfidenceGate enforces the acceptance floor.
type ConfidenceGate struct {
	Min float64
}

func (g ConfidenceGate) Label() Label { return LabelLowConfidence }

func (g ConfidenceGate) Pass(_ checklist.Item, v oracle.Verdict) bool { return v.Confidence >= g.Min }

// EvidenceLengthGate rejects evidence shorter than Min characters.
type EvidenceLengthGate struct {
	Min int
}

func (g EvidenceLengthGate) Label() Label { return LabelEvidenceTooShort }

func (g EvidenceLengthGate) Pass(_ checklist.Item, v oracle.Verdict) bool {
	return len([]rune(strings.TrimSpace(v.Evidence))) >= g.Min
}

// GenericPhraseGate rejects bare acknowledgements and greetings.
type GenericPhraseGate struct{}

func (GenericPhraseGate) Label() Label { return LabelGenericPhrase }

func (GenericPhraseGate) Pass(_ checklist.Item, v oracle.Verdict) bool {
	return !IsGenericPhrase(v.Evidence)
}

// WordCountGate rejects evidence with fewer than Min words.
type WordCountGate struct {
	Min int
}

func (g WordCountGate) Label() Label { return LabelEvidenceTooFewWords }

func (g WordCountGate) Pass(_ checklist.Item, v oracle.Verdict) bool {
	return len(strings.Fields(v.Evidence)) >= g.Min
}

// SelfIntroductionGate rejects a self-introduction offered as evidence for
// an item that is not about introductions.
type SelfIntroductionGate struct{}

func (SelfIntroductionGate) Label() Label { return LabelIrrelevantSelfIntro }

func (SelfIntroductionGate) Pass(item checklist.Item, v oracle.Verdict) bool {
	return !IsSelfIntroduction(v.Evidence) || ConcernsIntroduction(item.Description)
}

// TopicalGate requires evidence for a topical item to mention the topic.
type TopicalGate struct{}

func (TopicalGate) Label() Label { return LabelMissingSemanticTerms }

func (TopicalGate) Pass(item checklist.Item, v oracle.Verdict) bool {
	evidence := strings.ToLower(v.Evidence)
	for _, d := range MatchingDomains(item.Description) {
		if !containsAny(evidence, d.Required) {
			return false
		}
	}
	return true
}

// VerdictGates returns gates 3 through 8 in evaluation order.
func VerdictGates(th Thresholds) []Gate {
	return []Gate{
		CompletedGate{},
		ConfidenceGate{Min: th.AcceptConfidence},
		EvidenceLengthGate{Min: th.MinEvidenceChars},
		GenericPhraseGate{},
		WordCountGate{Min: th.MinEvidenceWords},
		SelfIntroductionGate{},
		TopicalGate{},
	}
}
