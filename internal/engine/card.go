package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/guard"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/progress"
	"github.com/fyrsmithlabs/checklistd/internal/transcript"
)

// ErrUnknownField is returned for a card field id not in the card.
var ErrUnknownField = errors.New("unknown client card field")

// StageSuggestion is the oracle's latest reading of the current stage.
type StageSuggestion struct {
	StageID    string    `json:"stage_id,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at,omitzero"`
}

// CardFieldSnapshot is one client card field with its value, if any.
type CardFieldSnapshot struct {
	checklist.CardField
	progress.FieldRecord
}

func newCardGuard(cfg config.CardConfig, logger *zap.Logger) *guard.CardGuard {
	th := guard.DefaultCardThresholds()
	th.AcceptConfidence = cfg.AcceptConfidence
	return guard.NewCardGuard(th, logger)
}

// extractCard asks the oracle for the unfilled fields of the card and
// commits the claims that pass the card guard. It returns the ids filled.
func (s *Session) extractCard(ctx context.Context, fields []checklist.CardField, window string) []string {
	excerpt := transcript.Tail(window, s.cardCfg.ContextChars)
	if len([]rune(strings.TrimSpace(excerpt))) < s.cardCfg.MinContextChars {
		return nil
	}

	ids := make([]string, len(fields))
	byID := make(map[string]checklist.CardField, len(fields))
	for i, f := range fields {
		ids[i] = f.ID
		byID[f.ID] = f
	}
	open := s.state.UnfilledFields(ids)
	if len(open) == 0 {
		return nil
	}
	ask := make([]checklist.CardField, len(open))
	for i, id := range open {
		ask[i] = byID[id]
	}

	claims, err := s.client.ExtractClientCard(ctx, ask, excerpt)
	if err != nil {
		s.logger.Debug("client card extraction failed", zap.Error(err))
		return nil
	}

	var filled []string
	for id := range claims {
		if _, ok := byID[id]; !ok {
			s.metrics.RecordCardField(string(guard.LabelUnknownField))
		}
	}
	for _, f := range ask {
		claim, ok := claims[f.ID]
		if !ok {
			continue
		}
		if s.commitField(ctx, f, claim) {
			filled = append(filled, f.ID)
		}
	}
	return filled
}

func (s *Session) commitField(ctx context.Context, field checklist.CardField, claim oracle.FieldClaim) bool {
	d := s.cardGuard.Evaluate(ctx, s.client, field, claim)
	label := d.Label
	committed := false
	at := s.now()

	if d.Accepted {
		out, err := s.state.SetField(field.ID, claim.Value, claim.Evidence, claim.Confidence, at)
		switch {
		case errors.Is(err, progress.ErrSessionClosed):
			label = guard.LabelSessionStopped
		case err != nil:
			s.logger.Error("failed to commit card field", zap.String("field_id", field.ID), zap.Error(err))
			return false
		case out == progress.AlreadyComplete:
			label = guard.LabelFieldFilled
		default:
			committed = true
		}
	}
	s.metrics.RecordCardField(string(label))
	if !committed {
		return false
	}

	r, _ := s.state.Field(field.ID)
	s.logger.Info("client card field extracted",
		append(logging.ContextFields(ctx),
			zap.String("field_id", field.ID),
			zap.Float64("confidence", r.Confidence))...)
	s.publish(ctx, broadcast.Update{
		ID:         uuid.NewString(),
		SessionID:  s.id,
		FieldID:    field.ID,
		Value:      r.Value,
		Event:      broadcast.EventFieldExtracted,
		Completed:  true,
		Evidence:   r.Evidence,
		Confidence: r.Confidence,
		Label:      string(guard.LabelAccepted),
		Source:     string(progress.SourceAuto),
		At:         at,
	})
	return true
}

// detectStage refreshes the advisory stage suggestion. The active stage is
// never touched. It returns the suggested stage id, or "" when the oracle
// was not asked or gave no usable answer.
func (s *Session) detectStage(ctx context.Context, structure *checklist.Structure, window string, elapsed time.Duration) string {
	excerpt := transcript.Tail(window, s.stageCfg.ContextChars)
	if len([]rune(strings.TrimSpace(excerpt))) < s.stageCfg.MinContextChars {
		return ""
	}

	g, err := s.client.DetectStage(ctx, structure.Stages(), excerpt, elapsed)
	if err != nil {
		s.logger.Debug("stage detection failed", zap.Error(err))
		return ""
	}
	if _, ok := structure.Stage(g.StageID); !ok {
		s.logger.Debug("stage detection named an unknown stage", zap.String("stage_id", g.StageID))
		return ""
	}

	at := s.now()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ""
	}
	changed := s.suggestion.StageID != g.StageID
	s.suggestion = StageSuggestion{StageID: g.StageID, Confidence: g.Confidence, At: at}
	s.mu.Unlock()

	if changed {
		s.publish(ctx, broadcast.Update{
			ID:         uuid.NewString(),
			SessionID:  s.id,
			StageID:    g.StageID,
			Event:      broadcast.EventStageSuggested,
			Confidence: g.Confidence,
			Rationale:  g.Rationale,
			At:         at,
		})
	}
	return g.StageID
}

// Suggestion returns the latest advisory stage suggestion.
func (s *Session) Suggestion() StageSuggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suggestion
}

// CardFields returns the client card configuration.
func (s *Session) CardFields() []checklist.CardField {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]checklist.CardField(nil), s.cardFields...)
}

// ClientCard returns every configured field with its value, in card order.
func (s *Session) ClientCard() []CardFieldSnapshot {
	fields := s.CardFields()
	values := s.state.Fields()
	out := make([]CardFieldSnapshot, len(fields))
	for i, f := range fields {
		out[i] = CardFieldSnapshot{CardField: f, FieldRecord: values[f.ID]}
	}
	return out
}

// SetCardField stores an operator-entered value for a card field. An empty
// value clears it so extraction may fill it again.
func (s *Session) SetCardField(ctx context.Context, fieldID, value string) (progress.FieldRecord, error) {
	if !s.hasCardField(fieldID) {
		return progress.FieldRecord{}, fmt.Errorf("%w: %s", ErrUnknownField, fieldID)
	}
	at := s.now()
	r, err := s.state.SetFieldManual(fieldID, value, at)
	if err != nil {
		if errors.Is(err, progress.ErrSessionClosed) {
			return progress.FieldRecord{}, ErrSessionEnded
		}
		return progress.FieldRecord{}, err
	}

	s.logger.Info("client card field set manually",
		zap.String("field_id", fieldID),
		zap.Bool("cleared", !r.Filled()))
	if r.Filled() {
		s.publish(ctx, broadcast.Update{
			ID:         uuid.NewString(),
			SessionID:  s.id,
			FieldID:    fieldID,
			Value:      r.Value,
			Event:      broadcast.EventFieldExtracted,
			Completed:  true,
			Evidence:   r.Evidence,
			Confidence: r.Confidence,
			Label:      string(progress.SourceManual),
			Source:     string(progress.SourceManual),
			At:         at,
		})
	}
	return r, nil
}

func (s *Session) hasCardField(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.cardFields {
		if f.ID == id {
			return true
		}
	}
	return false
}

// ReplaceCardFields swaps the client card configuration. Values of fields
// that survive are kept; values of removed fields stay stored but are no
// longer reported.
func (s *Session) ReplaceCardFields(fields []checklist.CardField) error {
	if err := checklist.ValidateCardFields(fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.cardFields = append([]checklist.CardField(nil), fields...)
	s.logger.Info("client card replaced", zap.Int("fields", len(fields)))
	return nil
}
