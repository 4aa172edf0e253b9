package progress

import (
	"fmt"
	"strings"
	"time"
)

// FieldRecord is the value held for one client card field.
type FieldRecord struct {
	Value       string    `json:"value,omitempty"`
	Evidence    string    `json:"evidence,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Source      Source    `json:"source,omitempty"`
	ExtractedAt time.Time `json:"extracted_at,omitzero"`
}

// Filled reports whether the field holds a value.
func (r FieldRecord) Filled() bool { return r.Value != "" }

// Check verifies that a value is held exactly when evidence backs it.
func (r FieldRecord) Check() error {
	if (r.Value != "") != (r.Evidence != "") {
		return fmt.Errorf("%w: value=%q evidence=%q", ErrInvariantViolation, r.Value, r.Evidence)
	}
	return nil
}

// SetField commits an extracted card value. Both value and evidence are
// required. A filled field is never overwritten by extraction; the result
// is AlreadyComplete.
func (s *State) SetField(id, value, evidence string, confidence float64, at time.Time) (Outcome, error) {
	value, evidence = strings.TrimSpace(value), strings.TrimSpace(evidence)
	if value == "" || evidence == "" {
		return 0, fmt.Errorf("%w: field %s needs a value and evidence", ErrInvariantViolation, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if r, ok := s.fields[id]; ok && r.Filled() {
		return AlreadyComplete, nil
	}
	s.fieldsLocked()[id] = &FieldRecord{
		Value:       value,
		Evidence:    evidence,
		Confidence:  confidence,
		Source:      SourceAuto,
		ExtractedAt: at,
	}
	return Committed, nil
}

// SetFieldManual stores an operator-entered value, replacing whatever the
// field held. An empty value clears the field.
func (s *State) SetFieldManual(id, value string, at time.Time) (FieldRecord, error) {
	value = strings.TrimSpace(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FieldRecord{}, ErrSessionClosed
	}
	if value == "" {
		delete(s.fields, id)
		return FieldRecord{}, nil
	}
	r := &FieldRecord{
		Value:       value,
		Evidence:    ManualEvidence,
		Confidence:  1,
		Source:      SourceManual,
		ExtractedAt: at,
	}
	s.fieldsLocked()[id] = r
	return *r, nil
}

// Field returns a copy of the record for a card field.
func (s *State) Field(id string) (FieldRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.fields[id]
	if !ok {
		return FieldRecord{}, false
	}
	return *r, true
}

// Fields returns a copy of every filled card field.
func (s *State) Fields() map[string]FieldRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FieldRecord, len(s.fields))
	for id, r := range s.fields {
		out[id] = *r
	}
	return out
}

// UnfilledFields filters ids down to fields without a value, preserving
// order.
func (s *State) UnfilledFields(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.fields[id]; !ok || !r.Filled() {
			out = append(out, id)
		}
	}
	return out
}

func (s *State) fieldsLocked() map[string]*FieldRecord {
	if s.fields == nil {
		s.fields = make(map[string]*FieldRecord)
	}
	return s.fields
}
