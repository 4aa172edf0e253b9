// Package checklist defines the call structure the engine evaluates: ordered
// stages, each holding checklist items with a keyword policy.
//
// A Structure is built once through New (or Parse/Load) and is read-only
// afterwards. Replacing the configuration of a running session means building
// a new Structure.
package checklist

import (
	"strings"
	"time"
)

// Kind is what the tutor is expected to do for an item.
type Kind string

const (
	// KindInquiry expects a question asked and an answer heard.
	KindInquiry Kind = "inquiry"
	// KindStatement expects a declarative explanation delivered.
	KindStatement Kind = "statement"
)

// UnmarshalText accepts the canonical names and the script aliases
// discuss/ask (inquiry) and say/explain (statement). Unknown values are kept
// so validation can report them.
func (k *Kind) UnmarshalText(text []byte) error {
	switch v := strings.ToLower(strings.TrimSpace(string(text))); v {
	case "discuss", "ask":
		*k = KindInquiry
	case "say", "explain":
		*k = KindStatement
	default:
		*k = Kind(v)
	}
	return nil
}

// Verb is the imperative used when describing the item to the oracle.
func (k Kind) Verb() string {
	if k == KindStatement {
		return "explain"
	}
	return "ask"
}

// KeywordPolicy is the lexical plausibility rule for an item. Terms are
// stored lower-cased.
type KeywordPolicy struct {
	Required  []string `yaml:"required" json:"required,omitempty" validate:"dive,notblank"`
	Forbidden []string `yaml:"forbidden" json:"forbidden,omitempty" validate:"dive,notblank"`
	Presets   []string `yaml:"presets" json:"presets,omitempty" validate:"dive,oneof=common acknowledgement"`
}

// Item is one checklist obligation.
type Item struct {
	ID          string        `yaml:"id" json:"id" validate:"required,identifier"`
	Kind        Kind          `yaml:"kind" json:"kind" validate:"required,oneof=inquiry statement"`
	Description string        `yaml:"description" json:"description" validate:"notblank"`
	Guidance    string        `yaml:"guidance" json:"guidance,omitempty"`
	Keywords    KeywordPolicy `yaml:"keywords" json:"keywords"`
}

// Stage is an ordered phase of the call. The time budget is informational.
type Stage struct {
	ID                 string `yaml:"id" json:"id" validate:"required,identifier"`
	Name               string `yaml:"name" json:"name"`
	StartOffsetSeconds int    `yaml:"start_offset_seconds" json:"start_offset_seconds" validate:"gte=0"`
	DurationSeconds    int    `yaml:"duration_seconds" json:"duration_seconds" validate:"gte=0"`
	Items              []Item `yaml:"items" json:"items" validate:"dive"`
}

// StartOffset is when the stage nominally begins, measured from call start.
func (s Stage) StartOffset() time.Duration {
	return time.Duration(s.StartOffsetSeconds) * time.Second
}

// Duration is the nominal stage length.
func (s Stage) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Keyword presets expandable from call-structure files.
var (
	// CommonForbidden are hedges and fillers that signal a promise rather
	// than a completed action.
	CommonForbidden = []string{"nanti", "akan", "mungkin", "coba", "hmm", "ehh", "emm"}
	// AcknowledgementForbidden are bare acknowledgements.
	AcknowledgementForbidden = []string{"oke", "ok", "baik", "ya", "iya", "yup", "siap"}
)

var presets = map[string][]string{
	"common":          CommonForbidden,
	"acknowledgement": AcknowledgementForbidden,
}

// Structure is a validated, immutable call structure.
type Structure struct {
	stages []Stage
	index  map[string]itemRef
}

type itemRef struct {
	stage int
	item  int
}

// Stages returns the stages in order. Callers must not mutate the result.
func (s *Structure) Stages() []Stage {
	return s.stages
}

// Stage looks up a stage by id.
func (s *Structure) Stage(id string) (Stage, bool) {
	for _, st := range s.stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// First returns the first stage, if any.
func (s *Structure) First() (Stage, bool) {
	if len(s.stages) == 0 {
		return Stage{}, false
	}
	return s.stages[0], true
}

// Item looks up an item by id across all stages.
func (s *Structure) Item(id string) (Item, bool) {
	ref, ok := s.index[id]
	if !ok {
		return Item{}, false
	}
	return s.stages[ref.stage].Items[ref.item], true
}

// StageOf returns the id of the stage holding item id.
func (s *Structure) StageOf(itemID string) (string, bool) {
	ref, ok := s.index[itemID]
	if !ok {
		return "", false
	}
	return s.stages[ref.stage].ID, true
}

// ItemIDs returns every item id in stage then item order.
func (s *Structure) ItemIDs() []string {
	ids := make([]string, 0, len(s.index))
	for _, st := range s.stages {
		for _, it := range st.Items {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// New copies stages, normalizes keyword terms, expands presets and validates
// the result. Validation failures wrap ErrConfigurationInvalid.
func New(stages []Stage) (*Structure, error) {
	copied := make([]Stage, len(stages))
	for i, st := range stages {
		st.Items = append([]Item(nil), st.Items...)
		for j := range st.Items {
			st.Items[j].Keywords = normalizePolicy(st.Items[j].Keywords)
		}
		copied[i] = st
	}

	if err := validate(copied); err != nil {
		return nil, err
	}

	s := &Structure{stages: copied, index: make(map[string]itemRef)}
	for i, st := range copied {
		for j, it := range st.Items {
			s.index[it.ID] = itemRef{stage: i, item: j}
		}
	}
	return s, nil
}

func normalizePolicy(p KeywordPolicy) KeywordPolicy {
	out := KeywordPolicy{
		Required:  normalizeTerms(p.Required),
		Forbidden: normalizeTerms(p.Forbidden),
		Presets:   append([]string(nil), p.Presets...),
	}
	for _, name := range p.Presets {
		out.Forbidden = append(out.Forbidden, presets[name]...)
	}
	out.Forbidden = dedupe(out.Forbidden)
	return out
}

func normalizeTerms(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return out
}

func dedupe(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
