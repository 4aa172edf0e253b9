// Package client calls the checklistd control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	httpserver "github.com/fyrsmithlabs/checklistd/internal/http"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status   int
	Message  string
	Problems []string
}

func (e *APIError) Error() string {
	if len(e.Problems) > 0 {
		return fmt.Sprintf("%d: %s (%s)", e.Status, e.Message, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server, such as no
// session running.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one checklistd server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for baseURL (e.g. http://localhost:9191).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the server status.
func (c *Client) Health(ctx context.Context) (httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// StartSession replaces any running session with a fresh one.
func (c *Client) StartSession(ctx context.Context) (engine.Snapshot, error) {
	var out engine.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/v1/session", nil, &out)
	return out, err
}

// EndSession stops the running session.
func (c *Client) EndSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/session", nil, nil)
}

// Snapshot returns the running session's state.
func (c *Client) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	var out engine.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/session", nil, &out)
	return out, err
}

// AppendTranscript adds text to the session window and returns its size in
// words.
func (c *Client) AppendTranscript(ctx context.Context, text string) (int, error) {
	var out httpserver.TranscriptResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/session/transcript", httpserver.TranscriptRequest{Text: text}, &out)
	return out.WindowWords, err
}

// SetStage activates stageID; empty clears the active stage.
func (c *Client) SetStage(ctx context.Context, stageID string) (engine.Snapshot, error) {
	var out engine.Snapshot
	err := c.do(ctx, http.MethodPut, "/api/v1/session/stage", httpserver.StageRequest{StageID: stageID}, &out)
	return out, err
}

// SetEvaluation turns automatic evaluation on or off.
func (c *Client) SetEvaluation(ctx context.Context, enabled bool) (engine.Snapshot, error) {
	var out engine.Snapshot
	err := c.do(ctx, http.MethodPut, "/api/v1/session/evaluation", httpserver.EvaluationRequest{Enabled: &enabled}, &out)
	return out, err
}

// Toggle flips an item's completion by hand.
func (c *Client) Toggle(ctx context.Context, itemID string) (httpserver.ToggleResponse, error) {
	var out httpserver.ToggleResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/session/items/"+url.PathEscape(itemID)+"/toggle", nil, &out)
	return out, err
}

// RunCycle forces one evaluation cycle.
func (c *Client) RunCycle(ctx context.Context) (engine.CycleReport, error) {
	var out engine.CycleReport
	err := c.do(ctx, http.MethodPost, "/api/v1/session/cycle", nil, &out)
	return out, err
}

// Decisions returns the recent rejections.
func (c *Client) Decisions(ctx context.Context) ([]broadcast.Update, error) {
	var out []broadcast.Update
	err := c.do(ctx, http.MethodGet, "/api/v1/session/decisions", nil, &out)
	return out, err
}

// ReplaceConfiguration swaps the call structure. The returned snapshot is
// zero when no session is running.
func (c *Client) ReplaceConfiguration(ctx context.Context, stages []checklist.Stage) (engine.Snapshot, error) {
	var out engine.Snapshot
	err := c.do(ctx, http.MethodPut, "/api/v1/session/configuration", httpserver.ConfigurationRequest{Stages: stages}, &out)
	return out, err
}

// ClientCard returns the running session's client card in card order.
func (c *Client) ClientCard(ctx context.Context) ([]engine.CardFieldSnapshot, error) {
	var out []engine.CardFieldSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/session/client-card", nil, &out)
	return out, err
}

// SetCardField sets a client card value by hand. An empty value clears it.
func (c *Client) SetCardField(ctx context.Context, fieldID, value string) (httpserver.CardFieldResponse, error) {
	var out httpserver.CardFieldResponse
	err := c.do(ctx, http.MethodPut, "/api/v1/session/client-card/"+url.PathEscape(fieldID),
		httpserver.CardFieldRequest{Value: &value}, &out)
	return out, err
}

// CardConfig returns the client card fields new sessions start with.
func (c *Client) CardConfig(ctx context.Context) ([]checklist.CardField, error) {
	var out httpserver.CardConfigResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/config/client-card", nil, &out)
	return out.Fields, err
}

// ReplaceCardConfig swaps the client card fields for the running and
// later sessions.
func (c *Client) ReplaceCardConfig(ctx context.Context, fields []checklist.CardField) ([]checklist.CardField, error) {
	var out httpserver.CardConfigResponse
	err := c.do(ctx, http.MethodPut, "/api/v1/config/client-card", httpserver.CardConfigRequest{Fields: fields}, &out)
	return out.Fields, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError reads either an ErrorResponse or echo's {"message": ...}.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		httpserver.ErrorResponse
		Message string `json:"message"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
		apiErr.Problems = body.Problems
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
