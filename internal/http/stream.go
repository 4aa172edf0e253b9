package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
)

const subscriberBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// handleEvents streams updates via Server-Sent Events.
//
// With NATS configured the stream subscribes to the session subject, so any
// replica can serve it; otherwise it reads the in-process hub. The optional
// session_id query parameter narrows the stream to one session.
//
//	GET /api/v1/events?session_id=...
//
//	event: completed
//	data: {"item_id":"profile_age","completed":true,...}
func (s *Server) handleEvents(c echo.Context) error {
	sessionID := c.QueryParam("session_id")

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	type event struct {
		name string
		data []byte
	}
	events := make(chan event, subscriberBuffer)
	done := c.Request().Context().Done()

	if s.nc != nil {
		msgChan := make(chan *nats.Msg, subscriberBuffer)
		sub, err := s.nc.ChanSubscribe(broadcast.SessionSubject(s.natsPrefix, sessionID), msgChan)
		if err != nil {
			s.logger.Warn("failed to subscribe for SSE", zap.Error(err))
			return err
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
		if err := s.nc.Flush(); err != nil {
			s.logger.Warn("failed to flush SSE subscription", zap.Error(err))
		}
		go func() {
			for {
				select {
				case msg := <-msgChan:
					select {
					case events <- event{name: string(broadcast.EventFromSubject(msg.Subject)), data: msg.Data}:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}()
	} else {
		updates, cancel := s.hub.Subscribe(subscriberBuffer)
		defer cancel()
		go func() {
			for u := range updates {
				if sessionID != "" && u.SessionID != sessionID {
					continue
				}
				data, err := json.Marshal(u)
				if err != nil {
					continue
				}
				select {
				case events <- event{name: string(u.Event), data: data}:
				case <-done:
					return
				}
			}
		}()
	}

	defer s.metrics.streamOpened(c.Request().Context(), transportSSE)()

	// Headers go out only once the subscription is live.
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// Heartbeat ticker to prevent proxy timeouts
	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			fmt.Fprintf(res, "event: %s\n", ev.name)
			fmt.Fprintf(res, "data: %s\n\n", ev.data)
			res.Flush()

		case <-ticker.C:
			fmt.Fprintf(res, ": heartbeat\n\n")
			res.Flush()

		case <-done:
			return nil
		}
	}
}

// WSCommand is a client frame on /ws/updates.
type WSCommand struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`
}

// WSMessage is a server frame on either socket.
type WSMessage struct {
	Type        string            `json:"type"`
	Update      *broadcast.Update `json:"update,omitempty"`
	ItemID      string            `json:"item_id,omitempty"`
	Completed   *bool             `json:"completed,omitempty"`
	WindowWords int               `json:"window_words,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsConn) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(v)
}

// handleUpdatesWS pushes every update to the client and accepts manual
// toggles: {"type":"toggle","item_id":"..."}.
func (s *Server) handleUpdatesWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", zap.Error(err))
		return nil
	}
	defer ws.Close()
	defer s.metrics.streamOpened(c.Request().Context(), transportWSUpdates)()
	conn := &wsConn{ws: ws}

	updates, cancel := s.hub.Subscribe(subscriberBuffer)
	defer cancel()
	go func() {
		for u := range updates {
			if err := conn.send(WSMessage{Type: "update", Update: &u}); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		var cmd WSCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			s.logger.Debug("websocket client disconnected", zap.Error(err))
			return nil
		}
		switch cmd.Type {
		case "toggle":
			sess, err := s.manager.Current()
			if err != nil {
				_ = conn.send(WSMessage{Type: "error", ItemID: cmd.ItemID, Error: err.Error()})
				continue
			}
			r, err := sess.ToggleManual(ctx, cmd.ItemID)
			if err != nil {
				_ = conn.send(WSMessage{Type: "error", ItemID: cmd.ItemID, Error: err.Error()})
				continue
			}
			_ = conn.send(WSMessage{Type: "toggled", ItemID: cmd.ItemID, Completed: &r.Completed})
		default:
			_ = conn.send(WSMessage{Type: "error", Error: fmt.Sprintf("unknown command %q", cmd.Type)})
		}
	}
}

// handleIngestWS appends every {"text": ...} frame to the current session's
// window and acknowledges it.
func (s *Server) handleIngestWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", zap.Error(err))
		return nil
	}
	defer ws.Close()
	ctx := c.Request().Context()
	defer s.metrics.streamOpened(ctx, transportWSIngest)()
	conn := &wsConn{ws: ws}

	for {
		var req TranscriptRequest
		if err := ws.ReadJSON(&req); err != nil {
			s.logger.Debug("ingest client disconnected", zap.Error(err))
			return nil
		}
		words, err := s.appendTranscript(req)
		s.metrics.transcriptChunk(ctx, transportWSIngest, err)
		if err != nil {
			if err := conn.send(WSMessage{Type: "error", Error: err.Error()}); err != nil {
				return nil
			}
			continue
		}
		if err := conn.send(WSMessage{Type: "ack", WindowWords: words}); err != nil {
			return nil
		}
	}
}
