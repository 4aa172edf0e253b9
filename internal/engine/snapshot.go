package engine

import (
	"time"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/progress"
)

// Snapshot is a point-in-time copy of a session for reporting.
type Snapshot struct {
	SessionID                string              `json:"session_id"`
	StartedAt                time.Time           `json:"started_at"`
	ElapsedSeconds           float64             `json:"elapsed_seconds"`
	ActiveStage              string              `json:"active_stage,omitempty"`
	ScheduledStage           string              `json:"scheduled_stage,omitempty"`
	// SuggestedStage is the oracle's reading of the conversation. Like
	// ScheduledStage it is advisory.
	SuggestedStage           string              `json:"suggested_stage,omitempty"`
	SuggestedStageConfidence float64             `json:"suggested_stage_confidence,omitempty"`
	Enabled                  bool                `json:"enabled"`
	Ended                    bool                `json:"ended"`
	WindowWords              int                 `json:"window_words"`
	LastTranscriptAt         time.Time           `json:"last_transcript_at,omitzero"`
	Completed                int                 `json:"completed"`
	Total                    int                 `json:"total"`
	Stages                   []StageSnapshot     `json:"stages"`
	ClientCard               []CardFieldSnapshot `json:"client_card"`
}

// StageSnapshot is the progress of one stage.
type StageSnapshot struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Completed int                    `json:"completed"`
	Total     int                    `json:"total"`
	IsCurrent bool                   `json:"is_current"`
	Timing    checklist.TimingStatus `json:"timing"`
	Items     []ItemSnapshot         `json:"items"`
}

// ItemSnapshot is one item with its progress record.
type ItemSnapshot struct {
	ID          string         `json:"id"`
	Kind        checklist.Kind `json:"kind"`
	Description string         `json:"description"`
	progress.Record
}

// Snapshot copies the session state. Progress records are read in one
// locked pass, so counts and items agree.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	structure, active, enabled, ended := s.structure, s.activeStage, s.enabled, s.ended
	suggestion := s.suggestion
	s.mu.RUnlock()

	elapsed := s.now().Sub(s.startedAt)
	records := s.state.Snapshot()
	stats := s.window.Stats()

	snap := Snapshot{
		SessionID:        s.id,
		StartedAt:        s.startedAt,
		ElapsedSeconds:   elapsed.Seconds(),
		ActiveStage:      active,
		SuggestedStage:   suggestion.StageID,
		Enabled:          enabled,
		Ended:            ended,
		WindowWords:      stats.Words,
		LastTranscriptAt: stats.LastAppend,
		Stages:           make([]StageSnapshot, 0, len(structure.Stages())),
		ClientCard:       s.ClientCard(),
	}
	snap.SuggestedStageConfidence = suggestion.Confidence
	if st, ok := structure.StageAt(elapsed); ok {
		snap.ScheduledStage = st.ID
	}

	for _, st := range structure.Stages() {
		ss := StageSnapshot{
			ID:        st.ID,
			Name:      st.Name,
			Total:     len(st.Items),
			IsCurrent: st.ID == active,
			Timing:    checklist.Timing(st, elapsed),
			Items:     make([]ItemSnapshot, 0, len(st.Items)),
		}
		for _, it := range st.Items {
			r := records[it.ID]
			if r.Completed {
				ss.Completed++
			}
			ss.Items = append(ss.Items, ItemSnapshot{
				ID:          it.ID,
				Kind:        it.Kind,
				Description: it.Description,
				Record:      r,
			})
		}
		snap.Completed += ss.Completed
		snap.Total += ss.Total
		snap.Stages = append(snap.Stages, ss)
	}
	return snap
}
