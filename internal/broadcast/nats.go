package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes updates as JSON on
// <prefix>.<session>.<item>.<event>. Card updates carry the field id in the
// item token.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "checklist"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an update is published on.
func Subject(prefix string, u Update) string {
	subjectID := u.ItemID
	if subjectID == "" {
		subjectID = u.FieldID
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, token(u.SessionID), token(subjectID), u.Event)
}

// SessionSubject matches every update of one session, or of all sessions
// when sessionID is empty.
func SessionSubject(prefix, sessionID string) string {
	if sessionID == "" {
		return prefix + ".>"
	}
	return fmt.Sprintf("%s.%s.>", prefix, token(sessionID))
}

// EventFromSubject returns the trailing event token of a subject.
func EventFromSubject(subject string) Event {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return Event(subject[i+1:])
	}
	return Event(subject)
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Prefix returns the subject prefix.
func (p *NATSPublisher) Prefix() string { return p.prefix }

// Publish implements Broadcaster.
func (p *NATSPublisher) Publish(_ context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	subject := Subject(p.prefix, u)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish update",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}
