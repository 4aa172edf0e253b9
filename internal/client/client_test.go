package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	httpserver "github.com/fyrsmithlabs/checklistd/internal/http"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/oracle/oracletest"
)

func testStages() []checklist.Stage {
	return []checklist.Stage{{
		ID: "stage_profiling", Name: "Profiling", DurationSeconds: 300,
		Items: []checklist.Item{
			{
				ID: "profile_age", Kind: checklist.KindInquiry, Description: "ask child's age",
				Keywords: checklist.KeywordPolicy{Required: []string{"umur", "tahun"}},
			},
			{ID: "profile_school", Kind: checklist.KindInquiry, Description: "ask child's school"},
		},
	}}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	structure, err := checklist.New(testStages())
	require.NoError(t, err)

	static := &oracletest.Static{
		Verdict: oracle.Verdict{
			Completed:  true,
			Confidence: 0.95,
			Evidence:   "Budi sekarang umurnya berapa tahun ya?",
		},
		PerItem: map[string]oracle.Verdict{
			"profile_school": {Completed: false, Confidence: 0.9},
		},
		Validation: oracle.ValidationVerdict{Valid: true},
	}

	cfg := config.Default().Engine
	cfg.TickInterval = time.Hour
	hub := broadcast.NewHub(nil)
	manager := engine.NewManager(cfg, structure, static, zaptest.NewLogger(t), engine.WithBroadcaster(hub))
	t.Cleanup(func() { _ = manager.Close() })

	srv, err := httpserver.NewServer(manager, hub, zap.NewNop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL + "/")
}

func TestClient_SessionFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Session)

	_, err = c.Snapshot(ctx)
	assert.True(t, IsNotFound(err), "no session yet: %v", err)

	snap, err := c.StartSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, "stage_profiling", snap.ActiveStage)
	assert.Equal(t, 2, snap.Total)

	words, err := c.AppendTranscript(ctx, "Budi sekarang umurnya berapa tahun ya? Budi 10 tahun.")
	require.NoError(t, err)
	assert.Equal(t, 9, words)

	report, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"profile_age"}, report.Completed)
	assert.Equal(t, 2, report.Evaluated)

	decisions, err := c.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "profile_school", decisions[0].ItemID)

	toggled, err := c.Toggle(ctx, "profile_age")
	require.NoError(t, err)
	assert.False(t, toggled.Completed)

	snap, err = c.SetEvaluation(ctx, false)
	require.NoError(t, err)
	assert.False(t, snap.Enabled)

	require.NoError(t, c.EndSession(ctx))
	_, err = c.Snapshot(ctx)
	assert.True(t, IsNotFound(err))
}

func TestClient_Errors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.StartSession(ctx)
	require.NoError(t, err)

	_, err = c.SetStage(ctx, "stage_nope")
	assert.True(t, IsNotFound(err), "unknown stage: %v", err)

	_, err = c.Toggle(ctx, "nope")
	assert.True(t, IsNotFound(err), "unknown item: %v", err)

	_, err = c.AppendTranscript(ctx, "   ")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	stages := testStages()
	stages = append(stages, stages[0])
	_, err = c.ReplaceConfiguration(ctx, stages)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.NotEmpty(t, apiErr.Problems)
	assert.Contains(t, apiErr.Error(), "duplicate stage id")
}

func TestClient_ClientCard(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	fields, err := c.CardConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, checklist.DefaultCardFields(), fields)

	_, err = c.ClientCard(ctx)
	assert.True(t, IsNotFound(err), "no session yet: %v", err)

	_, err = c.StartSession(ctx)
	require.NoError(t, err)

	set, err := c.SetCardField(ctx, "parent_name", "Papa Budi")
	require.NoError(t, err)
	assert.Equal(t, "Papa Budi", set.Value)

	_, err = c.SetCardField(ctx, "shoe_size", "42")
	assert.True(t, IsNotFound(err), "unknown field: %v", err)

	card, err := c.ClientCard(ctx)
	require.NoError(t, err)
	require.Len(t, card, len(checklist.DefaultCardFields()))
	assert.Equal(t, "Papa Budi", card[1].Value)

	fields, err = c.ReplaceCardConfig(ctx, []checklist.CardField{{ID: "parent_name", Label: "Nama Orang Tua"}})
	require.NoError(t, err)
	require.Len(t, fields, 1)

	card, err = c.ClientCard(ctx)
	require.NoError(t, err)
	require.Len(t, card, 1)
	assert.Equal(t, "Nama Orang Tua", card[0].Label)
	assert.Equal(t, "Papa Budi", card[0].Value)

	_, err = c.ReplaceCardConfig(ctx, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestClient_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}
