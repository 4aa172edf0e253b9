package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/broadcast/broadcasttest"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/oracle/oracletest"
)

const ageWindow = "Budi sekarang umurnya berapa tahun ya? ... Budi 10 tahun, kelas 5 SD."

func testStages() []checklist.Stage {
	return []checklist.Stage{{
		ID: "stage_profiling", Name: "Profiling", DurationSeconds: 300,
		Items: []checklist.Item{
			{
				ID: "profile_age", Kind: checklist.KindInquiry, Description: "ask child's age",
				Keywords: checklist.KeywordPolicy{Required: []string{"umur", "tahun"}},
			},
			{ID: "explain_stages", Kind: checklist.KindStatement, Description: "explain the class stages"},
		},
	}}
}

func newTestManager(t *testing.T, opts ...engine.Option) *engine.Manager {
	t.Helper()
	structure, err := checklist.New(testStages())
	require.NoError(t, err)

	client := &oracletest.Static{
		Verdict: oracle.Verdict{
			Completed:  true,
			Confidence: 0.95,
			Evidence:   "Budi sekarang umurnya berapa tahun ya?",
		},
		PerItem: map[string]oracle.Verdict{
			"explain_stages": {Completed: false, Confidence: 0.9},
		},
		Validation: oracle.ValidationVerdict{Valid: true},
	}

	cfg := config.Default().Engine
	// Cycles run only on demand through POST /session/cycle.
	cfg.TickInterval = time.Hour
	m := engine.NewManager(cfg, structure, client, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func setupTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	hub := broadcast.NewHub(nil)
	server, err := NewServer(newTestManager(t, engine.WithBroadcaster(hub)), hub, zap.NewNop(), nil, opts...)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	hub := broadcast.NewHub(nil)
	manager := newTestManager(t)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(manager, hub, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.Equal(t, 30*time.Second, server.config.Heartbeat)
	})

	t.Run("rejects missing dependencies", func(t *testing.T) {
		_, err := NewServer(nil, hub, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "manager cannot be nil")
		_, err = NewServer(manager, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "hub cannot be nil")
		_, err = NewServer(manager, hub, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSessionLifecycle(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/session", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	started := decode[engine.Snapshot](t, rec)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "stage_profiling", started.ActiveStage)

	rec = do(t, server, http.MethodPost, "/api/v1/session/transcript", TranscriptRequest{Text: ageWindow})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 13, decode[TranscriptResponse](t, rec).WindowWords)

	rec = do(t, server, http.MethodPost, "/api/v1/session/cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[engine.CycleReport](t, rec)
	assert.Equal(t, []string{"profile_age"}, report.Completed)

	rec = do(t, server, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[engine.Snapshot](t, rec)
	assert.Equal(t, started.SessionID, snap.SessionID)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, "Budi sekarang umurnya berapa tahun ya?", snap.Stages[0].Items[0].Evidence)

	rec = do(t, server, http.MethodGet, "/api/v1/session/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decisions := decode[[]broadcast.Update](t, rec)
	require.Len(t, decisions, 1)
	assert.Equal(t, "explain_stages", decisions[0].ItemID)
	assert.Equal(t, "oracle_said_incomplete", decisions[0].Label)

	rec = do(t, server, http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, server, http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/session/cycle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTranscript_Errors(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/session/transcript", TranscriptRequest{Text: "halo"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)
	rec = do(t, server, http.MethodPost, "/api/v1/session/transcript", TranscriptRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text field is required", decode[ErrorResponse](t, rec).Error)
}

func TestControlEndpoints(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)

	t.Run("stage", func(t *testing.T) {
		rec := do(t, server, http.MethodPut, "/api/v1/session/stage", StageRequest{StageID: "stage_nope"})
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, server, http.MethodPut, "/api/v1/session/stage", StageRequest{StageID: ""})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[engine.Snapshot](t, rec).ActiveStage)
	})

	t.Run("evaluation", func(t *testing.T) {
		rec := do(t, server, http.MethodPut, "/api/v1/session/evaluation", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, server, http.MethodPut, "/api/v1/session/evaluation", map[string]any{"enabled": false})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[engine.Snapshot](t, rec).Enabled)
	})

	t.Run("toggle", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/session/items/explain_stages/toggle", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[ToggleResponse](t, rec)
		assert.True(t, resp.Completed)
		assert.Equal(t, "[manual]", resp.Evidence)

		rec = do(t, server, http.MethodPost, "/api/v1/session/items/nope/toggle", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReplaceConfiguration(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)

	rec := do(t, server, http.MethodPut, "/api/v1/session/configuration", map[string]any{
		"stages": []map[string]any{{"id": "s1", "items": []map[string]any{{"id": "a", "kind": "sing"}}}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Problems)

	rec = do(t, server, http.MethodPut, "/api/v1/session/configuration", map[string]any{
		"stages": []map[string]any{{
			"id": "stage_profiling",
			"items": []map[string]any{
				{"id": "profile_age", "kind": "ask", "description": "ask child's age"},
				{"id": "profile_interests", "kind": "discuss", "description": "ask about hobbies"},
			},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[engine.Snapshot](t, rec)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, "stage_profiling", snap.ActiveStage)
	assert.Equal(t, checklist.KindInquiry, snap.Stages[0].Items[1].Kind)
}

func TestClientCardEndpoints(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/session/client-card", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no session yet")
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)

	rec = do(t, server, http.MethodPut, "/api/v1/session/client-card/child_name", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPut, "/api/v1/session/client-card/child_name", map[string]any{"value": "Andi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CardFieldResponse](t, rec)
	assert.Equal(t, "child_name", resp.FieldID)
	assert.Equal(t, "Andi", resp.Value)
	assert.Equal(t, "[manual]", resp.Evidence)

	rec = do(t, server, http.MethodPut, "/api/v1/session/client-card/shoe_size", map[string]any{"value": "42"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/session/client-card", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	card := decode[[]engine.CardFieldSnapshot](t, rec)
	require.Len(t, card, len(checklist.DefaultCardFields()))
	assert.Equal(t, "child_name", card[0].ID)
	assert.Equal(t, "Andi", card[0].Value)
	assert.False(t, card[1].Filled())

	snap := decode[engine.Snapshot](t, do(t, server, http.MethodGet, "/api/v1/session", nil))
	assert.Equal(t, "Andi", snap.ClientCard[0].Value)
}

func TestCardConfigEndpoints(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/config/client-card", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, checklist.DefaultCardFields(), decode[CardConfigResponse](t, rec).Fields)

	rec = do(t, server, http.MethodPut, "/api/v1/config/client-card", CardConfigRequest{
		Fields: []checklist.CardField{{ID: "a", Label: "A"}, {ID: "a", Label: "B"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Problems, `duplicate card field id "a"`)

	fields := []checklist.CardField{{ID: "child_name", Label: "Nama Anak"}, {ID: "school", Label: "Sekolah"}}
	rec = do(t, server, http.MethodPut, "/api/v1/config/client-card", CardConfigRequest{Fields: fields})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, fields, decode[CardConfigResponse](t, rec).Fields)

	// New sessions start with the replaced card.
	rec = do(t, server, http.MethodPost, "/api/v1/session", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decode[engine.Snapshot](t, rec)
	require.Len(t, snap.ClientCard, 2)
	assert.Equal(t, "school", snap.ClientCard[1].ID)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrNoSession, http.StatusNotFound},
		{engine.ErrUnknownStage, http.StatusNotFound},
		{engine.ErrUnknownField, http.StatusNotFound},
		{engine.ErrSessionEnded, http.StatusConflict},
		{&checklist.InvalidError{Problems: []string{"x"}}, http.StatusBadRequest},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := errorStatus(tt.err)
		assert.Equal(t, tt.want, status, tt.err.Error())
	}
}

// readEvent returns the next SSE event name and data, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func streamEvents(t *testing.T, server *Server, ts *httptest.Server) {
	t.Helper()
	rec := do(t, server, http.MethodPost, "/api/v1/session", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decode[engine.Snapshot](t, rec).SessionID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?session_id="+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered before headers are flushed.
	rec = do(t, server, http.MethodPost, "/api/v1/session/items/explain_stages/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	name, data := readEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "completed", name)
	var u broadcast.Update
	require.NoError(t, json.Unmarshal([]byte(data), &u))
	assert.Equal(t, "explain_stages", u.ItemID)
	assert.Equal(t, sessionID, u.SessionID)
}

func TestHandleEvents_Hub(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.echo)
	defer ts.Close()
	streamEvents(t, server, ts)
}

func TestHandleEvents_NATS(t *testing.T) {
	nc := broadcasttest.Connect(t)
	hub := broadcast.NewHub(nil)
	pub := broadcast.NewNATSPublisher(nc, "checklist", nil)
	manager := newTestManager(t, engine.WithBroadcaster(broadcast.Multi{hub, pub}))
	server, err := NewServer(manager, hub, zap.NewNop(), nil, WithNATS(nc, "checklist"))
	require.NoError(t, err)

	ts := httptest.NewServer(server.echo)
	defer ts.Close()
	streamEvents(t, server, ts)
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func TestUpdatesWebSocket(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.echo)
	defer ts.Close()
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)

	ws := dial(t, ts, "/ws/updates")
	require.NoError(t, ws.WriteJSON(WSCommand{Type: "toggle", ItemID: "profile_age"}))

	got := map[string]WSMessage{}
	for len(got) < 2 {
		var msg WSMessage
		require.NoError(t, ws.ReadJSON(&msg))
		got[msg.Type] = msg
	}
	require.NotNil(t, got["toggled"].Completed)
	assert.True(t, *got["toggled"].Completed)
	require.NotNil(t, got["update"].Update)
	assert.Equal(t, broadcast.EventCompleted, got["update"].Update.Event)

	require.NoError(t, ws.WriteJSON(WSCommand{Type: "bogus"}))
	var msg WSMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestIngestWebSocket(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.echo)
	defer ts.Close()

	ws := dial(t, ts, "/ws/ingest")

	require.NoError(t, ws.WriteJSON(TranscriptRequest{Text: "halo"}))
	var msg WSMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "no active session")

	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/session", nil).Code)
	require.NoError(t, ws.WriteJSON(TranscriptRequest{Text: "selamat pagi Bunda dan Budi"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "ack", msg.Type)
	assert.Equal(t, 5, msg.WindowWords)
}
