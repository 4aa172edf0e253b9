// Package progress holds per-item completion state for one session.
//
// State is the only shared mutable structure in a session. Every mutation
// takes the same mutex, and the automated path re-checks the item under that
// lock immediately before committing, so a manual toggle always wins over an
// in-flight evaluation and nothing commits after Close.
package progress

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ManualEvidence marks an operator-asserted completion.
const ManualEvidence = "[manual]"

// Source says which path completed an item.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

var (
	// ErrUnknownItem is returned for ids not in the state.
	ErrUnknownItem = errors.New("unknown checklist item")
	// ErrSessionClosed is returned for any mutation after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvariantViolation reports a record whose completion flag and
	// evidence disagree.
	ErrInvariantViolation = errors.New("progress invariant violated")
)

// Record is the completion state of one item.
type Record struct {
	Completed     bool      `json:"completed"`
	Evidence      string    `json:"evidence,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Label         string    `json:"label,omitempty"`
	Source        Source    `json:"source,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	LastEvaluated time.Time `json:"last_evaluated,omitzero"`
}

// Check verifies that Completed holds exactly when Evidence is non-empty.
func (r Record) Check() error {
	if r.Completed != (r.Evidence != "") {
		return fmt.Errorf("%w: completed=%t evidence=%q", ErrInvariantViolation, r.Completed, r.Evidence)
	}
	return nil
}

// Outcome is the result of an automated commit attempt.
type Outcome int

const (
	// Committed means the item is now complete.
	Committed Outcome = iota
	// AlreadyComplete means another writer completed it first, or a card
	// field already holds a value.
	AlreadyComplete
	// DuplicateEvidence means the evidence already completed another item.
	DuplicateEvidence
)

// State is the per-item completion map plus the client card values.
type State struct {
	mu               sync.Mutex
	records          map[string]*Record
	fields           map[string]*FieldRecord
	closed           bool
	rejectDuplicates bool
}

// Option configures a State.
type Option func(*State)

// WithDuplicateEvidenceCheck makes Complete refuse evidence that already
// completed a different item.
func WithDuplicateEvidenceCheck(enabled bool) Option {
	return func(s *State) { s.rejectDuplicates = enabled }
}

// New creates incomplete records for itemIDs.
func New(itemIDs []string, opts ...Option) *State {
	s := &State{records: make(map[string]*Record, len(itemIDs))}
	for _, id := range itemIDs {
		s.records[id] = &Record{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Complete commits an automated completion. It re-checks, under the lock,
// that the state is open and the item still incomplete.
func (s *State) Complete(id, evidence string, confidence float64, label string, at time.Time) (Outcome, error) {
	if strings.TrimSpace(evidence) == "" {
		return 0, fmt.Errorf("%w: empty evidence for %s", ErrInvariantViolation, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}
	r, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if r.Completed {
		return AlreadyComplete, nil
	}
	if s.rejectDuplicates && s.evidenceUsedLocked(id, evidence) {
		return DuplicateEvidence, nil
	}

	r.Completed = true
	r.Evidence = evidence
	r.Confidence = confidence
	r.Label = label
	r.Source = SourceAuto
	r.CompletedAt = at
	return Committed, nil
}

func (s *State) evidenceUsedLocked(id, evidence string) bool {
	key := strings.ToLower(strings.TrimSpace(evidence))
	for otherID, r := range s.records {
		if otherID == id || !r.Completed || r.Source != SourceAuto {
			continue
		}
		if strings.ToLower(strings.TrimSpace(r.Evidence)) == key {
			return true
		}
	}
	return false
}

// ToggleManual flips the item's completion flag, bypassing the guard
// pipeline, and returns the new record.
func (s *State) ToggleManual(id string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrSessionClosed
	}
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if r.Completed {
		*r = Record{LastEvaluated: r.LastEvaluated}
	} else {
		*r = Record{
			Completed:     true,
			Evidence:      ManualEvidence,
			Confidence:    1,
			Label:         string(SourceManual),
			Source:        SourceManual,
			CompletedAt:   at,
			LastEvaluated: r.LastEvaluated,
		}
	}
	return *r, nil
}

// MarkEvaluated records that id was evaluated at at. The timestamp is
// informational and never gates evaluation.
func (s *State) MarkEvaluated(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok && !s.closed {
		r.LastEvaluated = at
	}
}

// IsComplete reports whether id is complete. Unknown ids are not.
func (s *State) IsComplete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return ok && r.Completed
}

// Incomplete filters ids down to known, incomplete items, preserving order.
func (s *State) Incomplete(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok && !r.Completed {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the record for id.
func (s *State) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Snapshot returns a copy of every record.
func (s *State) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for id, r := range s.records {
		out[id] = *r
	}
	return out
}

// Reconcile aligns the state with a new item set: records for ids that
// persist are kept, records for removed ids are dropped, and new ids start
// incomplete.
func (s *State) Reconcile(itemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	next := make(map[string]*Record, len(itemIDs))
	for _, id := range itemIDs {
		if r, ok := s.records[id]; ok {
			next[id] = r
		} else {
			next[id] = &Record{}
		}
	}
	s.records = next
	return nil
}

// Close rejects all further mutations. It is idempotent.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
