// Package broadcast pushes checklist decisions to observers.
//
// Every pipeline decision becomes an Update. Updates fan out in process
// through a Hub (SSE and WebSocket clients) and, when enabled, across
// processes over NATS. Rejections are also kept in a bounded DecisionLog for
// operators.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event classifies an Update.
type Event string

const (
	// EventCompleted is an item turning complete by either path.
	EventCompleted Event = "completed"
	// EventRejected is a pipeline run that did not complete the item.
	EventRejected Event = "rejected"
	// EventReset is an item manually toggled back to incomplete.
	EventReset Event = "reset"
	// EventFieldExtracted is a client card field filled by either path.
	EventFieldExtracted Event = "field_extracted"
	// EventStageSuggested is a change in the advisory stage suggestion.
	EventStageSuggested Event = "stage_suggested"
)

// Update describes one decision about one item, one client card field or
// the stage suggestion.
type Update struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StageID    string    `json:"stage_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	FieldID    string    `json:"field_id,omitempty"`
	Value      string    `json:"value,omitempty"`
	Event      Event     `json:"event"`
	Completed  bool      `json:"completed"`
	Evidence   string    `json:"evidence,omitempty"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	Rationale  string    `json:"rationale,omitempty"`
	Source     string    `json:"source,omitempty"`
	At         time.Time `json:"at"`
}

// Broadcaster delivers updates. Publish must not block on slow consumers.
type Broadcaster interface {
	Publish(ctx context.Context, u Update) error
}

// Multi publishes to every broadcaster and joins their errors.
type Multi []Broadcaster

// Publish implements Broadcaster.
func (m Multi) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub fans updates out to in-process subscribers. A subscriber whose buffer
// is full misses the update; the publisher never waits.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Update]struct{}
	logger  *zap.Logger
	dropped int
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[chan Update]struct{}), logger: logger}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Publish implements Broadcaster.
func (h *Hub) Publish(_ context.Context, u Update) error {
	h.mu.RLock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
		h.logger.Debug("slow subscribers missed update",
			zap.String("item_id", u.ItemID),
			zap.Int("dropped", dropped))
	}
	return nil
}

// DecisionLog keeps the most recent rejection updates.
type DecisionLog struct {
	mu   sync.Mutex
	buf  []Update
	next int
	full bool
}

// NewDecisionLog creates a log holding up to size records.
func NewDecisionLog(size int) *DecisionLog {
	if size < 1 {
		size = 1
	}
	return &DecisionLog{buf: make([]Update, size)}
}

// Publish implements Broadcaster, recording rejections only.
func (l *DecisionLog) Publish(_ context.Context, u Update) error {
	if u.Event != EventRejected {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = u
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent returns the retained records, oldest first.
func (l *DecisionLog) Recent() []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Update(nil), l.buf[:l.next]...)
	}
	out := make([]Update, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
