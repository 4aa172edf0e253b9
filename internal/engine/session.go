// Package engine runs checklist evaluation for a live call.
//
// A Session owns everything one call needs: the transcript window, the
// per-item progress, the call structure, the active stage and the run/pause
// flag. RunCycle evaluates the incomplete items of the active stage against
// one snapshot of the window. A Scheduler drives RunCycle on a fixed tick and
// a Manager holds the current session for the control API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/guard"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/metrics"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/progress"
	"github.com/fyrsmithlabs/checklistd/internal/transcript"
)

const tracerName = "github.com/fyrsmithlabs/checklistd/internal/engine"

var (
	// ErrUnknownStage is returned when a stage id is not in the structure.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrSessionEnded is returned for control operations after End.
	ErrSessionEnded = errors.New("session ended")
)

// Session is the evaluation state of one call.
type Session struct {
	id        string
	startedAt time.Time

	window      *transcript.Window
	state       *progress.State
	client      oracle.Client
	decisions   *broadcast.DecisionLog
	broadcaster broadcast.Broadcaster
	concurrency int
	cardGuard   *guard.CardGuard
	cardCfg     config.CardConfig
	stageCfg    config.StageDetectionConfig

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.RWMutex
	structure   *checklist.Structure
	pipeline    *guard.Pipeline
	activeStage string
	cardFields  []checklist.CardField
	suggestion  StageSuggestion
	enabled     bool
	ended       bool
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	broadcaster broadcast.Broadcaster
	now         func() time.Time
	id          string
	cardFields  []checklist.CardField
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithTracer sets the tracer for cycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *sessionOptions) { o.tracer = t }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithBroadcaster adds a destination for updates. The session's own decision
// log always receives them.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(o *sessionOptions) { o.broadcaster = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) { o.now = now }
}

// WithCardFields sets the client card the session fills. Without it the
// built-in trial-class card is used.
func WithCardFields(fields []checklist.CardField) Option {
	return func(o *sessionOptions) { o.cardFields = fields }
}

// WithID fixes the session id instead of generating one.
func WithID(id string) Option {
	return func(o *sessionOptions) { o.id = id }
}

// NewSession creates a session over structure. The first stage starts
// active, and evaluation starts enabled when cfg.StartEnabled is set.
func NewSession(cfg config.EngineConfig, structure *checklist.Structure, client oracle.Client, opts ...Option) (*Session, error) {
	if structure == nil {
		return nil, fmt.Errorf("%w: no call structure", checklist.ErrConfigurationInvalid)
	}
	if client == nil {
		return nil, errors.New("oracle client cannot be nil")
	}

	o := sessionOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.cardFields == nil {
		o.cardFields = checklist.DefaultCardFields()
	} else if err := checklist.ValidateCardFields(o.cardFields); err != nil {
		return nil, err
	}

	logger := o.logger.With(zap.String("session.id", o.id))
	decisions := broadcast.NewDecisionLog(cfg.DecisionLogSize)

	s := &Session{
		id:          o.id,
		startedAt:   o.now(),
		window:      transcript.NewWindow(cfg.WindowWords),
		state:       progress.New(structure.ItemIDs(), progress.WithDuplicateEvidenceCheck(cfg.RejectDuplicateEvidence)),
		client:      client,
		decisions:   decisions,
		broadcaster: broadcast.Multi{decisions, o.broadcaster},
		concurrency: max(1, cfg.Concurrency),
		cardGuard:   newCardGuard(cfg.Card, logger),
		cardCfg:     cfg.Card,
		stageCfg:    cfg.StageDetection,
		logger:      logger,
		tracer:      o.tracer,
		metrics:     o.metrics,
		now:         o.now,
		structure:   structure,
		pipeline:    newPipeline(cfg, logger),
		cardFields:  append([]checklist.CardField(nil), o.cardFields...),
		enabled:     cfg.StartEnabled,
	}
	if first, ok := structure.First(); ok {
		s.activeStage = first.ID
	}
	return s, nil
}

func newPipeline(cfg config.EngineConfig, logger *zap.Logger) *guard.Pipeline {
	th := guard.Thresholds{
		MinContextChars:      cfg.MinContextChars,
		AcceptConfidence:     cfg.AcceptConfidence,
		RevalidateConfidence: cfg.RevalidateConfidence,
		MinEvidenceChars:     cfg.MinEvidenceChars,
		MinEvidenceWords:     cfg.MinEvidenceWords,
	}
	return guard.New(th, guard.WithLogger(logger), guard.WithContextChars(cfg.ContextChars))
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	StageID        string        `json:"stage_id,omitempty"`
	Skipped        bool          `json:"skipped"`
	Evaluated      int           `json:"evaluated"`
	Completed      []string      `json:"completed"`
	Labels         []string      `json:"labels"`
	CardFields     []string      `json:"card_fields,omitempty"`
	SuggestedStage string        `json:"suggested_stage,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// RunCycle evaluates every incomplete item of the active stage once against
// a single snapshot of the window, then fills client card fields and
// refreshes the stage suggestion from the same snapshot. Oracle failures
// never surface here; they leave the item pending until a later cycle. The
// only error is ErrSessionEnded.
func (s *Session) RunCycle(ctx context.Context) (CycleReport, error) {
	s.mu.RLock()
	structure, pipeline, cardFields := s.structure, s.pipeline, s.cardFields
	stageID, enabled, ended := s.activeStage, s.enabled, s.ended
	s.mu.RUnlock()

	if ended {
		return CycleReport{}, ErrSessionEnded
	}
	report := CycleReport{StageID: stageID, Skipped: true}
	if !enabled || stageID == "" {
		return report, nil
	}
	stage, ok := structure.Stage(stageID)
	if !ok {
		return report, nil
	}

	start := s.now()
	ctx = logging.WithStageID(logging.WithSessionID(ctx, s.id), stageID)
	ctx, span := s.tracer.Start(ctx, "engine.cycle", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("stage.id", stageID),
	))
	defer span.End()

	window := s.window.Snapshot()
	s.metrics.SetTranscriptWords(s.window.Stats().Words)

	ids := make([]string, 0, len(stage.Items))
	for _, it := range stage.Items {
		ids = append(ids, it.ID)
	}
	pending := s.state.Incomplete(ids)

	results := make([]itemResult, len(pending))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range pending {
		item, ok := structure.Item(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			results[i] = s.evaluate(ctx, pipeline, stageID, item, window)
			return nil
		})
	}
	_ = g.Wait()

	if s.cardCfg.Enabled && ctx.Err() == nil {
		report.CardFields = s.extractCard(ctx, cardFields, window)
	}
	if s.stageCfg.Enabled && ctx.Err() == nil {
		report.SuggestedStage = s.detectStage(ctx, structure, window, start.Sub(s.startedAt))
	}

	report.Skipped = false
	for _, r := range results {
		if r.label == "" {
			continue
		}
		report.Evaluated++
		report.Labels = append(report.Labels, string(r.label))
		if r.committed {
			report.Completed = append(report.Completed, r.itemID)
		}
	}
	report.Duration = s.now().Sub(start)

	span.SetAttributes(
		attribute.Int("cycle.evaluated", report.Evaluated),
		attribute.Int("cycle.completed", len(report.Completed)),
		attribute.Int("cycle.card_fields", len(report.CardFields)),
	)
	span.SetStatus(codes.Ok, "")
	s.metrics.RecordCycle(report.Duration)

	s.logger.Debug("evaluation cycle finished",
		zap.String("stage_id", stageID),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("completed", len(report.Completed)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

type itemResult struct {
	itemID    string
	label     guard.Label
	committed bool
}

// evaluate runs the pipeline for one item and commits an acceptance. The
// commit re-checks the item under the progress lock, so a manual toggle or
// End that happened while the oracle was busy wins.
func (s *Session) evaluate(ctx context.Context, pipeline *guard.Pipeline, stageID string, item checklist.Item, window string) itemResult {
	if ctx.Err() != nil {
		return itemResult{}
	}

	d := pipeline.Evaluate(ctx, s.client, item, window)
	at := s.now()
	s.state.MarkEvaluated(item.ID, at)
	s.metrics.RecordEvaluation()

	res := itemResult{itemID: item.ID, label: d.Label}
	if d.Accepted {
		out, err := s.state.Complete(item.ID, d.Verdict.Evidence, d.Verdict.Confidence, string(d.Label), at)
		switch {
		case errors.Is(err, progress.ErrSessionClosed):
			res.label = guard.LabelSessionStopped
		case errors.Is(err, progress.ErrUnknownItem):
			// The configuration was replaced mid-cycle and the item is gone.
			return itemResult{}
		case err != nil:
			s.logger.Error("failed to commit completion", zap.String("item_id", item.ID), zap.Error(err))
			return itemResult{}
		case out == progress.AlreadyComplete:
			res.label = guard.LabelAlreadyComplete
		case out == progress.DuplicateEvidence:
			res.label = guard.LabelDuplicateEvidence
		default:
			res.committed = true
		}
	}

	s.metrics.RecordDecision(string(res.label))
	if res.label == guard.LabelAlreadyComplete {
		// The write that completed the item published its own update.
		return res
	}
	u := broadcast.Update{
		ID:         uuid.NewString(),
		SessionID:  s.id,
		StageID:    stageID,
		ItemID:     item.ID,
		Event:      broadcast.EventRejected,
		Completed:  res.committed,
		Evidence:   d.Verdict.Evidence,
		Confidence: d.Verdict.Confidence,
		Label:      string(res.label),
		Rationale:  d.Verdict.Rationale,
		At:         at,
	}
	if res.committed {
		u.Event = broadcast.EventCompleted
		u.Source = string(progress.SourceAuto)
		s.metrics.RecordCompletion(string(progress.SourceAuto))
		s.logger.Info("checklist item completed",
			append(logging.ContextFields(ctx),
				zap.String("item_id", item.ID),
				zap.Float64("confidence", d.Verdict.Confidence),
				zap.Int("oracle_calls", d.OracleCalls))...)
	}
	s.publish(ctx, u)
	return res
}

func (s *Session) publish(ctx context.Context, u broadcast.Update) {
	if err := s.broadcaster.Publish(ctx, u); err != nil {
		s.logger.Warn("failed to broadcast update",
			zap.String("item_id", u.ItemID),
			zap.String("event", string(u.Event)),
			zap.Error(err))
	}
}

// AppendTranscript adds recognized speech to the window. A zero at means
// now. Appends never wait on evaluation.
func (s *Session) AppendTranscript(text string, at time.Time) error {
	if s.Ended() {
		return ErrSessionEnded
	}
	if at.IsZero() {
		at = s.now()
	}
	s.window.Append(text, at)
	s.metrics.SetTranscriptWords(s.window.Stats().Words)
	return nil
}

// SetActiveStage selects the stage evaluated by later cycles. An empty id
// deactivates evaluation until a stage is chosen.
func (s *Session) SetActiveStage(stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if stageID != "" {
		if _, ok := s.structure.Stage(stageID); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stageID)
		}
	}
	if s.activeStage != stageID {
		s.logger.Info("active stage changed",
			zap.String("from", s.activeStage),
			zap.String("to", stageID))
	}
	s.activeStage = stageID
	return nil
}

// SetEvaluationEnabled pauses or resumes automated evaluation.
func (s *Session) SetEvaluationEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if s.enabled != enabled {
		s.logger.Info("evaluation toggled", zap.Bool("enabled", enabled))
	}
	s.enabled = enabled
	return nil
}

// ToggleManual flips an item's completion outside the guard pipeline.
func (s *Session) ToggleManual(ctx context.Context, itemID string) (progress.Record, error) {
	at := s.now()
	r, err := s.state.ToggleManual(itemID, at)
	if err != nil {
		if errors.Is(err, progress.ErrSessionClosed) {
			return progress.Record{}, ErrSessionEnded
		}
		return progress.Record{}, err
	}

	s.mu.RLock()
	stageID, _ := s.structure.StageOf(itemID)
	s.mu.RUnlock()

	u := broadcast.Update{
		ID:        uuid.NewString(),
		SessionID: s.id,
		StageID:   stageID,
		ItemID:    itemID,
		Event:     broadcast.EventReset,
		Label:     string(progress.SourceManual),
		Source:    string(progress.SourceManual),
		At:        at,
	}
	if r.Completed {
		u.Event, u.Completed = broadcast.EventCompleted, true
		u.Evidence, u.Confidence = r.Evidence, r.Confidence
		s.metrics.RecordCompletion(string(progress.SourceManual))
	}
	s.logger.Info("checklist item toggled manually",
		zap.String("item_id", itemID),
		zap.Bool("completed", r.Completed))
	s.publish(ctx, u)
	return r, nil
}

// ReplaceConfiguration swaps the call structure. Progress for item ids that
// survive the swap is kept; progress for removed items is dropped. An
// invalid structure leaves the current one in force. If the active stage no
// longer exists, no stage is active afterwards.
func (s *Session) ReplaceConfiguration(stages []checklist.Stage) error {
	structure, err := checklist.New(stages)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if err := s.state.Reconcile(structure.ItemIDs()); err != nil {
		if errors.Is(err, progress.ErrSessionClosed) {
			return ErrSessionEnded
		}
		return err
	}
	s.structure = structure
	if _, ok := structure.Stage(s.activeStage); !ok {
		s.activeStage = ""
	}
	s.logger.Info("call structure replaced",
		zap.Int("stages", len(structure.Stages())),
		zap.Int("items", len(structure.ItemIDs())),
		zap.String("active_stage", s.activeStage))
	return nil
}

// Structure returns the current call structure.
func (s *Session) Structure() *checklist.Structure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.structure
}

// Transcript describes the window.
func (s *Session) Transcript() transcript.Stats {
	return s.window.Stats()
}

// Decisions returns the retained rejection records, oldest first.
func (s *Session) Decisions() []broadcast.Update {
	return s.decisions.Recent()
}

// End stops the session. Evaluations still in flight cannot commit after
// End returns.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.ended = true
	s.state.Close()
	s.logger.Info("session ended", zap.Duration("elapsed", s.now().Sub(s.startedAt)))
	return nil
}

// Ended reports whether End was called.
func (s *Session) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}
