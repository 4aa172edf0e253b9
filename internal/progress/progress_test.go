package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func assertInvariant(t *testing.T, s *State) {
	t.Helper()
	for id, r := range s.Snapshot() {
		assert.NoError(t, r.Check(), id)
	}
}

func TestComplete(t *testing.T) {
	s := New([]string{"profile_age", "profile_interests"})

	out, err := s.Complete("profile_age", "Anaknya umur berapa?", 0.95, "accepted", t0)
	require.NoError(t, err)
	assert.Equal(t, Committed, out)

	r, ok := s.Get("profile_age")
	require.True(t, ok)
	assert.True(t, r.Completed)
	assert.Equal(t, "Anaknya umur berapa?", r.Evidence)
	assert.Equal(t, SourceAuto, r.Source)
	assert.Equal(t, t0, r.CompletedAt)
	assertInvariant(t, s)
}

func TestComplete_Monotonic(t *testing.T) {
	s := New([]string{"a"})
	_, err := s.Complete("a", "first evidence here", 0.9, "accepted", t0)
	require.NoError(t, err)

	out, err := s.Complete("a", "second evidence here", 0.99, "accepted", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, AlreadyComplete, out)

	r, _ := s.Get("a")
	assert.Equal(t, "first evidence here", r.Evidence)
}

func TestComplete_Errors(t *testing.T) {
	s := New([]string{"a"})

	_, err := s.Complete("missing", "some evidence", 0.9, "accepted", t0)
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = s.Complete("a", "   ", 0.9, "accepted", t0)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.False(t, s.IsComplete("a"))

	s.Close()
	_, err = s.Complete("a", "late evidence", 0.9, "accepted", t0)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, s.IsComplete("a"))
}

func TestComplete_DuplicateEvidence(t *testing.T) {
	s := New([]string{"a", "b", "c"}, WithDuplicateEvidenceCheck(true))
	_, err := s.Complete("a", "Budi umur 10 tahun", 0.9, "accepted", t0)
	require.NoError(t, err)

	out, err := s.Complete("b", "  budi umur 10 TAHUN ", 0.9, "accepted", t0)
	require.NoError(t, err)
	assert.Equal(t, DuplicateEvidence, out)
	assert.False(t, s.IsComplete("b"))

	// Manual completions never count as prior evidence.
	_, err = s.ToggleManual("c", t0)
	require.NoError(t, err)
	out, err = s.Complete("b", ManualEvidence, 0.9, "accepted", t0)
	require.NoError(t, err)
	assert.Equal(t, Committed, out)

	lax := New([]string{"a", "b"})
	_, _ = lax.Complete("a", "same words here", 0.9, "accepted", t0)
	out, err = lax.Complete("b", "same words here", 0.9, "accepted", t0)
	require.NoError(t, err)
	assert.Equal(t, Committed, out)
}

func TestToggleManual(t *testing.T) {
	s := New([]string{"a"})

	r, err := s.ToggleManual("a", t0)
	require.NoError(t, err)
	assert.True(t, r.Completed)
	assert.Equal(t, ManualEvidence, r.Evidence)
	assert.Equal(t, SourceManual, r.Source)
	assertInvariant(t, s)

	r, err = s.ToggleManual("a", t0)
	require.NoError(t, err)
	assert.False(t, r.Completed)
	assert.Empty(t, r.Evidence)
	assertInvariant(t, s)

	_, err = s.ToggleManual("zzz", t0)
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestToggleManual_WinsOverInFlightEvaluation(t *testing.T) {
	s := New([]string{"a"})

	// The evaluation read the item as incomplete, then the operator toggled
	// it before the evaluation committed.
	require.Equal(t, []string{"a"}, s.Incomplete([]string{"a"}))
	_, err := s.ToggleManual("a", t0)
	require.NoError(t, err)

	out, err := s.Complete("a", "automated evidence text", 0.9, "accepted", t0)
	require.NoError(t, err)
	assert.Equal(t, AlreadyComplete, out)

	r, _ := s.Get("a")
	assert.True(t, r.Completed)
	assert.Equal(t, SourceManual, r.Source)
}

func TestConcurrentWriters(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	s := New(ids)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, id := range ids {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				_, _ = s.Complete(id, "evidence for "+id, 0.9, "accepted", t0)
			}(id)
			go func(id string) {
				defer wg.Done()
				s.MarkEvaluated(id, t0)
				_ = s.Snapshot()
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		assert.True(t, s.IsComplete(id))
	}
	assertInvariant(t, s)
}

func TestReconcile(t *testing.T) {
	s := New([]string{"keep", "drop"})
	_, err := s.Complete("keep", "kept evidence here", 0.9, "accepted", t0)
	require.NoError(t, err)
	_, err = s.Complete("drop", "dropped evidence here", 0.9, "accepted", t0)
	require.NoError(t, err)

	require.NoError(t, s.Reconcile([]string{"keep", "new"}))

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	assert.True(t, snap["keep"].Completed)
	assert.False(t, snap["new"].Completed)
	_, ok := snap["drop"]
	assert.False(t, ok)

	s.Close()
	assert.ErrorIs(t, s.Reconcile(nil), ErrSessionClosed)
}

func TestMarkEvaluated(t *testing.T) {
	s := New([]string{"a"})
	s.MarkEvaluated("a", t0)
	s.MarkEvaluated("unknown", t0)

	r, _ := s.Get("a")
	assert.Equal(t, t0, r.LastEvaluated)
	assert.False(t, r.Completed)
}

func TestRecordCheck(t *testing.T) {
	assert.NoError(t, Record{}.Check())
	assert.NoError(t, Record{Completed: true, Evidence: "x"}.Check())
	assert.ErrorIs(t, Record{Completed: false, Evidence: "x"}.Check(), ErrInvariantViolation)
	assert.ErrorIs(t, Record{Completed: true}.Check(), ErrInvariantViolation)
}
