package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	structure, err := checklist.New(testStages())
	require.NoError(t, err)

	cfg := config.Default().Engine
	cfg.TickInterval = 10 * time.Millisecond
	m := NewManager(cfg, structure, acceptingOracle(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Current()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, m.EndSession(), ErrNoSession)

	first, err := m.StartSession(context.Background())
	require.NoError(t, err)
	cur, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, first, cur)

	second, err := m.StartSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.Ended())
	assert.False(t, second.Ended())

	require.NoError(t, m.EndSession())
	assert.True(t, second.Ended())
	_, err = m.Current()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestManager_SchedulerEvaluates(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.StartSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.AppendTranscript(ageWindow, time.Time{}))

	require.Eventually(t, func() bool {
		return sess.Snapshot().Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_ReplaceConfiguration(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.StartSession(context.Background())
	require.NoError(t, err)

	err = m.ReplaceConfiguration([]checklist.Stage{{ID: ""}})
	assert.ErrorIs(t, err, checklist.ErrConfigurationInvalid)
	assert.Len(t, m.Structure().Stages(), 2)

	stages := testStages()[:1]
	require.NoError(t, m.ReplaceConfiguration(stages))
	assert.Len(t, m.Structure().Stages(), 1)
	assert.Len(t, sess.Structure().Stages(), 1)

	next, err := m.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, next.Snapshot().Total)
}

func TestManager_ReplaceCardFields(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, checklist.DefaultCardFields(), m.CardFields())

	sess, err := m.StartSession(context.Background())
	require.NoError(t, err)

	err = m.ReplaceCardFields(nil)
	assert.ErrorIs(t, err, checklist.ErrConfigurationInvalid)
	assert.Len(t, sess.CardFields(), len(checklist.DefaultCardFields()))

	fields := []checklist.CardField{{ID: "child_name", Label: "Nama Anak"}}
	require.NoError(t, m.ReplaceCardFields(fields))
	assert.Equal(t, fields, m.CardFields())
	assert.Equal(t, fields, sess.CardFields())

	next, err := m.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fields, next.CardFields())
}
