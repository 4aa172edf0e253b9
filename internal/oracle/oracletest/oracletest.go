// Package oracletest provides oracle.Client doubles for tests.
package oracletest

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
)

// Static returns scripted verdicts and counts calls. Per-item verdicts take
// precedence over the defaults. If Gate is non-nil, Classify blocks until it
// is closed or the context ends.
//
// Card claims are returned only for the fields asked about. Field
// validations use FieldValidation when set and Validation otherwise.
type Static struct {
	Verdict         oracle.Verdict
	ClassifyErr     error
	Validation      oracle.ValidationVerdict
	ValidateErr     error
	PerItem         map[string]oracle.Verdict
	Gate            chan struct{}
	Card            map[string]oracle.FieldClaim
	CardErr         error
	FieldValidation *oracle.ValidationVerdict
	Stage           oracle.StageGuess
	StageErr        error

	mu            sync.Mutex
	classifyCalls map[string]int
	validateCalls map[string]int
	fieldCalls    map[string]int
	extractCalls  int
	detectCalls   int
	lastFields    []string
}

// Classify implements oracle.Client.
func (s *Static) Classify(ctx context.Context, item checklist.Item, _ string) (oracle.Verdict, error) {
	s.mu.Lock()
	if s.classifyCalls == nil {
		s.classifyCalls = make(map[string]int)
	}
	s.classifyCalls[item.ID]++
	gate := s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return oracle.Verdict{}, oracle.ErrTimeout
		}
	}
	if s.ClassifyErr != nil {
		return oracle.Verdict{}, s.ClassifyErr
	}
	if v, ok := s.PerItem[item.ID]; ok {
		return v, nil
	}
	return s.Verdict, nil
}

// ValidateEvidence implements oracle.Client.
func (s *Static) ValidateEvidence(_ context.Context, item checklist.Item, _, _ string) (oracle.ValidationVerdict, error) {
	s.mu.Lock()
	if s.validateCalls == nil {
		s.validateCalls = make(map[string]int)
	}
	s.validateCalls[item.ID]++
	s.mu.Unlock()

	if s.ValidateErr != nil {
		return oracle.ValidationVerdict{}, s.ValidateErr
	}
	return s.Validation, nil
}

// ExtractClientCard implements oracle.Client.
func (s *Static) ExtractClientCard(_ context.Context, fields []checklist.CardField, _ string) (map[string]oracle.FieldClaim, error) {
	s.mu.Lock()
	s.extractCalls++
	s.lastFields = s.lastFields[:0]
	for _, f := range fields {
		s.lastFields = append(s.lastFields, f.ID)
	}
	s.mu.Unlock()

	if s.CardErr != nil {
		return nil, s.CardErr
	}
	out := make(map[string]oracle.FieldClaim)
	for _, f := range fields {
		if c, ok := s.Card[f.ID]; ok {
			out[f.ID] = c
		}
	}
	return out, nil
}

// ValidateFieldEvidence implements oracle.Client.
func (s *Static) ValidateFieldEvidence(_ context.Context, field checklist.CardField, _, _ string) (oracle.ValidationVerdict, error) {
	s.mu.Lock()
	if s.fieldCalls == nil {
		s.fieldCalls = make(map[string]int)
	}
	s.fieldCalls[field.ID]++
	s.mu.Unlock()

	if s.ValidateErr != nil {
		return oracle.ValidationVerdict{}, s.ValidateErr
	}
	if s.FieldValidation != nil {
		return *s.FieldValidation, nil
	}
	return s.Validation, nil
}

// DetectStage implements oracle.Client.
func (s *Static) DetectStage(context.Context, []checklist.Stage, string, time.Duration) (oracle.StageGuess, error) {
	s.mu.Lock()
	s.detectCalls++
	s.mu.Unlock()

	if s.StageErr != nil {
		return oracle.StageGuess{}, s.StageErr
	}
	return s.Stage, nil
}

// ExtractCalls returns how often ExtractClientCard ran.
func (s *Static) ExtractCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractCalls
}

// LastCardFields returns the field ids of the latest ExtractClientCard call.
func (s *Static) LastCardFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastFields...)
}

// FieldValidateCalls returns how often ValidateFieldEvidence ran for
// fieldID; "" sums all fields.
func (s *Static) FieldValidateCalls(fieldID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count(s.fieldCalls, fieldID)
}

// DetectCalls returns how often DetectStage ran.
func (s *Static) DetectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectCalls
}

// ClassifyCalls returns how often Classify ran for itemID; "" sums all items.
func (s *Static) ClassifyCalls(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count(s.classifyCalls, itemID)
}

// ValidateCalls returns how often ValidateEvidence ran for itemID; "" sums
// all items.
func (s *Static) ValidateCalls(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count(s.validateCalls, itemID)
}

func count(m map[string]int, id string) int {
	if id != "" {
		return m[id]
	}
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}

// MockClient is a testify mock of oracle.Client.
type MockClient struct {
	mock.Mock
}

// Classify implements oracle.Client.
func (m *MockClient) Classify(ctx context.Context, item checklist.Item, window string) (oracle.Verdict, error) {
	args := m.Called(ctx, item, window)
	return args.Get(0).(oracle.Verdict), args.Error(1)
}

// ValidateEvidence implements oracle.Client.
func (m *MockClient) ValidateEvidence(ctx context.Context, item checklist.Item, evidence, rationale string) (oracle.ValidationVerdict, error) {
	args := m.Called(ctx, item, evidence, rationale)
	return args.Get(0).(oracle.ValidationVerdict), args.Error(1)
}

// ExtractClientCard implements oracle.Client.
func (m *MockClient) ExtractClientCard(ctx context.Context, fields []checklist.CardField, window string) (map[string]oracle.FieldClaim, error) {
	args := m.Called(ctx, fields, window)
	claims, _ := args.Get(0).(map[string]oracle.FieldClaim)
	return claims, args.Error(1)
}

// ValidateFieldEvidence implements oracle.Client.
func (m *MockClient) ValidateFieldEvidence(ctx context.Context, field checklist.CardField, value, evidence string) (oracle.ValidationVerdict, error) {
	args := m.Called(ctx, field, value, evidence)
	return args.Get(0).(oracle.ValidationVerdict), args.Error(1)
}

// DetectStage implements oracle.Client.
func (m *MockClient) DetectStage(ctx context.Context, stages []checklist.Stage, window string, elapsed time.Duration) (oracle.StageGuess, error) {
	args := m.Called(ctx, stages, window, elapsed)
	return args.Get(0).(oracle.StageGuess), args.Error(1)
}

var (
	_ oracle.Client = (*Static)(nil)
	_ oracle.Client = (*MockClient)(nil)
)
