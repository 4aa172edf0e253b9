package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
)

// ErrNoSession is returned when no session is running.
var ErrNoSession = errors.New("no active session")

// Manager holds the current session and its scheduler. Starting a session
// replaces the previous one.
type Manager struct {
	cfg    config.EngineConfig
	client oracle.Client
	opts   []Option
	logger *zap.Logger

	mu         sync.Mutex
	structure  *checklist.Structure
	cardFields []checklist.CardField
	session    *Session
	scheduler  *Scheduler
}

// NewManager creates a manager that builds sessions over structure. opts
// are applied to every session it starts.
func NewManager(cfg config.EngineConfig, structure *checklist.Structure, client oracle.Client, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		client:     client,
		opts:       append([]Option{WithLogger(logger)}, opts...),
		logger:     logger,
		structure:  structure,
		cardFields: checklist.DefaultCardFields(),
	}
}

// StartSession ends any current session and starts a new one with a fresh
// window and progress, evaluated on the configured tick.
func (m *Manager) StartSession(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked()

	opts := append(append([]Option(nil), m.opts...), WithCardFields(m.cardFields))
	sess, err := NewSession(m.cfg, m.structure, m.client, opts...)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(sess, m.logger.With(zap.String("session.id", sess.ID())), WithInterval(m.cfg.TickInterval))
	if err != nil {
		return nil, err
	}
	if err := sched.Start(); err != nil {
		return nil, err
	}

	m.session, m.scheduler = sess, sched
	m.logger.Info("session started",
		zap.String("session.id", sess.ID()),
		zap.Int("items", len(m.structure.ItemIDs())))
	return sess, nil
}

// Current returns the running session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	return m.session, nil
}

// EndSession stops the scheduler and ends the current session.
func (m *Manager) EndSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	m.endLocked()
	return nil
}

func (m *Manager) endLocked() {
	if m.session == nil {
		return
	}
	// Close the progress state first so a cycle still running cannot commit.
	if err := m.session.End(); err != nil && !errors.Is(err, ErrSessionEnded) {
		m.logger.Warn("failed to end session", zap.Error(err))
	}
	if m.scheduler != nil {
		_ = m.scheduler.Stop()
	}
	m.session, m.scheduler = nil, nil
}

// ReplaceConfiguration validates stages and installs them for the current
// session, if any, and for sessions started later.
func (m *Manager) ReplaceConfiguration(stages []checklist.Stage) error {
	structure, err := checklist.New(stages)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if err := m.session.ReplaceConfiguration(stages); err != nil {
			return err
		}
	}
	m.structure = structure
	return nil
}

// Structure returns the configuration new sessions start from.
func (m *Manager) Structure() *checklist.Structure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structure
}

// ReplaceCardFields validates fields and installs them for the current
// session, if any, and for sessions started later.
func (m *Manager) ReplaceCardFields(fields []checklist.CardField) error {
	if err := checklist.ValidateCardFields(fields); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if err := m.session.ReplaceCardFields(fields); err != nil {
			return err
		}
	}
	m.cardFields = append([]checklist.CardField(nil), fields...)
	return nil
}

// CardFields returns the client card new sessions start with.
func (m *Manager) CardFields() []checklist.CardField {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]checklist.CardField(nil), m.cardFields...)
}

// Close ends the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
	return nil
}
