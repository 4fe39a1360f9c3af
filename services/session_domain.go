package services

import (
	"time"

	"github.com/sahilchouksey/chat-gateway/model"
)

// AppendMessageCommand carries everything needed to append one message. The
// caller supplies MessageID so client-side resends stay idempotent.
type AppendMessageCommand struct {
	MessageID string
	Role      model.Role
	Content   string
	Timestamp time.Time // zero value means now
}

// SessionDomain holds the pure session logic: transcript appends with
// idempotency and idle evaluation. No I/O.
type SessionDomain struct{}

// NewSessionDomain creates a new session domain service
func NewSessionDomain() *SessionDomain {
	return &SessionDomain{}
}

// AppendMessage appends a message to the transcript and touches
// LastInteraction. A message id already present in the session is not
// appended twice; the session is left untouched and false is returned.
func (d *SessionDomain) AppendMessage(session *model.ChatSession, cmd AppendMessageCommand) bool {
	if session.HasMessage(cmd.MessageID) {
		return false
	}

	ts := cmd.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	session.Messages = append(session.Messages, model.ChatMessage{
		MessageID: cmd.MessageID,
		Role:      cmd.Role,
		Content:   cmd.Content,
		Timestamp: ts,
	})
	session.LastInteraction = ts
	return true
}

// IsIdle reports whether the session's last interaction is older than the
// idle timeout at the given instant.
func (d *SessionDomain) IsIdle(session *model.ChatSession, idleTimeout time.Duration, now time.Time) bool {
	return now.Sub(session.LastInteraction) > idleTimeout
}
