package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/oracle/oracletest"
	"github.com/fyrsmithlabs/checklistd/internal/progress"
)

// cardWindow is long enough for card extraction and stage detection.
const cardWindow = "Halo Bunda, selamat pagi. Boleh kenalan dulu? Saya Papa Budi, anak saya namanya Andi. " +
	"Andi suka main Roblox dan Minecraft setiap sore. Papa pengen anak bisa coding supaya kreatif. " +
	"Kami tahu dari teman yang rekomendasikan kelas ini ke kami."

type updateRecorder struct {
	mu      sync.Mutex
	updates []broadcast.Update
}

func (r *updateRecorder) Publish(_ context.Context, u broadcast.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *updateRecorder) byEvent(e broadcast.Event) []broadcast.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Update
	for _, u := range r.updates {
		if u.Event == e {
			out = append(out, u)
		}
	}
	return out
}

func cardOracle() *oracletest.Static {
	return &oracletest.Static{
		Validation: oracle.ValidationVerdict{Valid: true},
		Card: map[string]oracle.FieldClaim{
			"child_name":  {Value: "Andi", Evidence: "anak saya namanya Andi", Confidence: 0.95},
			"parent_goal": {Value: "Tidak disebutkan", Evidence: "Papa pengen anak bisa coding", Confidence: 0.9},
		},
	}
}

func cardField(t *testing.T, s *Session, id string) CardFieldSnapshot {
	t.Helper()
	for _, f := range s.Snapshot().ClientCard {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("field %q not in client card", id)
	return CardFieldSnapshot{}
}

func TestRunCycle_ExtractsClientCard(t *testing.T) {
	rec := &updateRecorder{}
	client := cardOracle()
	s, _ := newTestSession(t, client, WithBroadcaster(rec))
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"child_name"}, report.CardFields)

	name := cardField(t, s, "child_name")
	assert.Equal(t, "Child's Name", name.Label)
	assert.Equal(t, "Andi", name.Value)
	assert.Equal(t, progress.SourceAuto, name.Source)
	assert.NoError(t, name.Check())

	// The placeholder never reached the oracle's validation.
	assert.False(t, cardField(t, s, "parent_goal").Filled())
	assert.Equal(t, 0, client.FieldValidateCalls("parent_goal"))
	assert.Equal(t, 1, client.FieldValidateCalls("child_name"))

	published := rec.byEvent(broadcast.EventFieldExtracted)
	require.Len(t, published, 1)
	assert.Equal(t, "child_name", published[0].FieldID)
	assert.Equal(t, "Andi", published[0].Value)
}

func TestRunCycle_CardNeedsContext(t *testing.T) {
	client := cardOracle()
	s, _ := newTestSession(t, client)
	require.NoError(t, s.AppendTranscript(ageWindow, time.Time{}))

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.CardFields)
	assert.Equal(t, 0, client.ExtractCalls(), "windows under 200 characters are not sent for extraction")
}

func TestRunCycle_CardAsksOnlyUnfilledFields(t *testing.T) {
	client := cardOracle()
	s, _ := newTestSession(t, client)
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	client.Card["child_name"] = oracle.FieldClaim{Value: "Budi", Evidence: "Saya Papa Budi, anak saya", Confidence: 0.99}
	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, client.ExtractCalls())
	assert.NotContains(t, client.LastCardFields(), "child_name")
	assert.Contains(t, client.LastCardFields(), "parent_goal")
	assert.Equal(t, "Andi", cardField(t, s, "child_name").Value, "extraction never overwrites a value")
}

func TestRunCycle_CardValidationRejects(t *testing.T) {
	client := cardOracle()
	client.FieldValidation = &oracle.ValidationVerdict{Valid: false, Explanation: "greeting"}
	s, _ := newTestSession(t, client)
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.CardFields)
	assert.False(t, cardField(t, s, "child_name").Filled())
}

func TestRunCycle_CardDisabled(t *testing.T) {
	structure, err := checklist.New(testStages())
	require.NoError(t, err)
	cfg := config.Default().Engine
	cfg.Card.Enabled = false
	client := cardOracle()
	s, err := NewSession(cfg, structure, client)
	require.NoError(t, err)
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, client.ExtractCalls())
}

func TestRunCycle_SuggestsStageWithoutMovingActive(t *testing.T) {
	rec := &updateRecorder{}
	client := &oracletest.Static{Stage: oracle.StageGuess{StageID: "stage_summary", Confidence: 0.8}}
	s, _ := newTestSession(t, client, WithBroadcaster(rec))
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stage_summary", report.SuggestedStage)

	snap := s.Snapshot()
	assert.Equal(t, "stage_summary", snap.SuggestedStage)
	assert.Equal(t, 0.8, snap.SuggestedStageConfidence)
	assert.Equal(t, "stage_profiling", snap.ActiveStage, "the suggestion never changes the active stage")

	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.DetectCalls())
	assert.Len(t, rec.byEvent(broadcast.EventStageSuggested), 1, "an unchanged suggestion is published once")
}

func TestRunCycle_IgnoresUnknownSuggestedStage(t *testing.T) {
	client := &oracletest.Static{Stage: oracle.StageGuess{StageID: "stage_nope", Confidence: 0.9}}
	s, _ := newTestSession(t, client)
	require.NoError(t, s.AppendTranscript(cardWindow, time.Time{}))

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.SuggestedStage)
	assert.Empty(t, s.Snapshot().SuggestedStage)
}

func TestRunCycle_StageDetectionNeedsContext(t *testing.T) {
	client := &oracletest.Static{Stage: oracle.StageGuess{StageID: "stage_summary", Confidence: 0.8}}
	s, _ := newTestSession(t, client)
	require.NoError(t, s.AppendTranscript("Halo Bunda", time.Time{}))

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, client.DetectCalls())
}

func TestSetCardField(t *testing.T) {
	rec := &updateRecorder{}
	s, _ := newTestSession(t, &oracletest.Static{}, WithBroadcaster(rec))

	r, err := s.SetCardField(context.Background(), "child_name", "Andi")
	require.NoError(t, err)
	assert.Equal(t, progress.ManualEvidence, r.Evidence)
	assert.Equal(t, "Andi", cardField(t, s, "child_name").Value)
	require.Len(t, rec.byEvent(broadcast.EventFieldExtracted), 1)

	r, err = s.SetCardField(context.Background(), "child_name", "")
	require.NoError(t, err)
	assert.False(t, r.Filled())
	assert.False(t, cardField(t, s, "child_name").Filled())

	_, err = s.SetCardField(context.Background(), "shoe_size", "42")
	assert.ErrorIs(t, err, ErrUnknownField)

	require.NoError(t, s.End())
	_, err = s.SetCardField(context.Background(), "child_name", "Andi")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestReplaceCardFields(t *testing.T) {
	s, _ := newTestSession(t, &oracletest.Static{})
	_, err := s.SetCardField(context.Background(), "child_name", "Andi")
	require.NoError(t, err)

	err = s.ReplaceCardFields([]checklist.CardField{{ID: "child_name", Label: ""}})
	assert.ErrorIs(t, err, checklist.ErrConfigurationInvalid)
	assert.Len(t, s.CardFields(), len(checklist.DefaultCardFields()))

	require.NoError(t, s.ReplaceCardFields([]checklist.CardField{
		{ID: "child_name", Label: "Nama Anak"},
		{ID: "school", Label: "Sekolah"},
	}))
	card := s.Snapshot().ClientCard
	require.Len(t, card, 2)
	assert.Equal(t, "Andi", card[0].Value, "values of surviving fields are kept")
	assert.Equal(t, "Nama Anak", card[0].Label)
	assert.False(t, card[1].Filled())
}

func TestNewSession_InvalidCardFields(t *testing.T) {
	structure, err := checklist.New(testStages())
	require.NoError(t, err)
	_, err = NewSession(config.Default().Engine, structure, &oracletest.Static{},
		WithCardFields([]checklist.CardField{}))
	assert.ErrorIs(t, err, checklist.ErrConfigurationInvalid)
}
