package checklist

import "time"

// TimingStatus describes how the session clock relates to a stage's nominal
// window. It is reported only; it never changes which stage is active.
type TimingStatus string

const (
	TimingNotStarted   TimingStatus = "not_started"
	TimingOnTime       TimingStatus = "on_time"
	TimingSlightlyLate TimingStatus = "slightly_late"
	TimingVeryLate     TimingStatus = "very_late"
	// TimingUnknown is reported for a stage id the structure does not hold.
	TimingUnknown TimingStatus = "unknown"
)

// LateGrace is how long past its nominal end a stage counts as slightly late.
const LateGrace = 120 * time.Second

// Timing classifies elapsed session time against st's window.
func Timing(st Stage, elapsed time.Duration) TimingStatus {
	end := st.StartOffset() + st.Duration()
	switch {
	case elapsed < st.StartOffset():
		return TimingNotStarted
	case elapsed <= end:
		return TimingOnTime
	case elapsed <= end+LateGrace:
		return TimingSlightlyLate
	default:
		return TimingVeryLate
	}
}

// StageAt returns the last stage whose start offset is at or before elapsed,
// or the first stage when none has started. It is a schedule hint for
// operators, not an input to evaluation.
func (s *Structure) StageAt(elapsed time.Duration) (Stage, bool) {
	for i := len(s.stages) - 1; i >= 0; i-- {
		if s.stages[i].StartOffset() <= elapsed {
			return s.stages[i], true
		}
	}
	return s.First()
}

// TimingOf is Timing for the stage with the given id, or TimingUnknown.
func (s *Structure) TimingOf(stageID string, elapsed time.Duration) TimingStatus {
	st, ok := s.Stage(stageID)
	if !ok {
		return TimingUnknown
	}
	return Timing(st, elapsed)
}
