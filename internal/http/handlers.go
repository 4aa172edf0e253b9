package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	"github.com/fyrsmithlabs/checklistd/internal/progress"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Session string `json:"session,omitempty"`
}

// TranscriptRequest is the body of POST /api/v1/session/transcript and of
// /ws/ingest frames.
type TranscriptRequest struct {
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// TranscriptResponse acknowledges an append.
type TranscriptResponse struct {
	WindowWords int `json:"window_words"`
}

// StageRequest is the body of PUT /api/v1/session/stage.
type StageRequest struct {
	StageID string `json:"stage_id"`
}

// EvaluationRequest is the body of PUT /api/v1/session/evaluation.
type EvaluationRequest struct {
	Enabled *bool `json:"enabled"`
}

// ConfigurationRequest is the body of PUT /api/v1/session/configuration.
type ConfigurationRequest struct {
	Stages []checklist.Stage `json:"stages"`
}

// ToggleResponse reports an item after a manual toggle.
type ToggleResponse struct {
	ItemID string `json:"item_id"`
	progress.Record
}

// CardFieldRequest is the body of PUT /api/v1/session/client-card/:id.
// An empty value clears the field.
type CardFieldRequest struct {
	Value *string `json:"value"`
}

// CardFieldResponse reports a client card field after a manual edit.
type CardFieldResponse struct {
	FieldID string `json:"field_id"`
	progress.FieldRecord
}

// CardConfigRequest is the body of PUT /api/v1/config/client-card.
type CardConfigRequest struct {
	Fields []checklist.CardField `json:"fields"`
}

// CardConfigResponse is the body of GET /api/v1/config/client-card.
type CardConfigResponse struct {
	Fields []checklist.CardField `json:"fields"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if sess, err := s.manager.Current(); err == nil {
		resp.Session = sess.ID()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartSession(c echo.Context) error {
	sess, err := s.manager.StartSession(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleEndSession(c echo.Context) error {
	if err := s.manager.EndSession(); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTranscript(c echo.Context) error {
	var req TranscriptRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid transcript request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	words, err := s.appendTranscript(req)
	s.metrics.transcriptChunk(c.Request().Context(), transportREST, err)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, TranscriptResponse{WindowWords: words})
}

var errEmptyText = errors.New("text field is required")

func (s *Server) appendTranscript(req TranscriptRequest) (int, error) {
	if strings.TrimSpace(req.Text) == "" {
		return 0, errEmptyText
	}
	sess, err := s.manager.Current()
	if err != nil {
		return 0, err
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	if err := sess.AppendTranscript(req.Text, at); err != nil {
		return 0, err
	}
	return sess.Transcript().Words, nil
}

func (s *Server) handleSetStage(c echo.Context) error {
	var req StageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	if err := sess.SetActiveStage(req.StageID); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSetEvaluation(c echo.Context) error {
	var req EvaluationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled field is required")
	}
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	if err := sess.SetEvaluationEnabled(*req.Enabled); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleToggle(c echo.Context) error {
	id := c.Param("id")
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	r, err := sess.ToggleManual(c.Request().Context(), id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, ToggleResponse{ItemID: id, Record: r})
}

func (s *Server) handleReplaceConfiguration(c echo.Context) error {
	var req ConfigurationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.manager.ReplaceConfiguration(req.Stages); err != nil {
		return s.httpError(c, err)
	}
	if sess, err := s.manager.Current(); err == nil {
		return c.JSON(http.StatusOK, sess.Snapshot())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRunCycle(c echo.Context) error {
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	report, err := sess.RunCycle(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDecisions(c echo.Context) error {
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess.Decisions())
}

func (s *Server) handleClientCard(c echo.Context) error {
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess.ClientCard())
}

func (s *Server) handleSetCardField(c echo.Context) error {
	var req CardFieldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value field is required")
	}
	sess, err := s.manager.Current()
	if err != nil {
		return s.httpError(c, err)
	}
	id := c.Param("id")
	r, err := sess.SetCardField(c.Request().Context(), id, *req.Value)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, CardFieldResponse{FieldID: id, FieldRecord: r})
}

func (s *Server) handleCardConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, CardConfigResponse{Fields: s.manager.CardFields()})
}

func (s *Server) handleReplaceCardConfig(c echo.Context) error {
	var req CardConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.manager.ReplaceCardFields(req.Fields); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, CardConfigResponse{Fields: s.manager.CardFields()})
}

// httpError writes err as an ErrorResponse with the matching status.
func (s *Server) httpError(c echo.Context, err error) error {
	status, resp := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Error(err))
		resp.Error = "internal error"
	}
	return c.JSON(status, resp)
}

func errorStatus(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}
	var invalid *checklist.InvalidError
	switch {
	case errors.As(err, &invalid):
		resp.Problems = invalid.Problems
		return http.StatusBadRequest, resp
	case errors.Is(err, checklist.ErrConfigurationInvalid), errors.Is(err, errEmptyText):
		return http.StatusBadRequest, resp
	case errors.Is(err, engine.ErrNoSession),
		errors.Is(err, engine.ErrUnknownStage),
		errors.Is(err, engine.ErrUnknownField),
		errors.Is(err, progress.ErrUnknownItem):
		return http.StatusNotFound, resp
	case errors.Is(err, engine.ErrSessionEnded), errors.Is(err, progress.ErrSessionClosed):
		return http.StatusConflict, resp
	default:
		return http.StatusInternalServerError, resp
	}
}
