package model

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion tags serialized sessions for forward compatibility.
const SchemaVersion = 1

// ChatSession represents a conversation session between a user and the remote
// conversational backend. It is the aggregate root: exactly one session may be
// active per user at any time, and a session id is never reused.
type ChatSession struct {
	SessionID             string        `json:"session_id"`
	UserID                string        `json:"user_id"`
	Version               int           `json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	LastInteraction       time.Time     `json:"last_interaction"`
	Messages              []ChatMessage `json:"messages"`
	AssignedModelInstance string        `json:"assigned_model_instance,omitempty"`
}

// NewChatSession mints a fresh session for a user. CreatedAt is immutable
// after this point.
func NewChatSession(userID string) *ChatSession {
	now := time.Now().UTC()
	return &ChatSession{
		SessionID:       uuid.New().String(),
		UserID:          userID,
		Version:         SchemaVersion,
		CreatedAt:       now,
		LastInteraction: now,
		Messages:        []ChatMessage{},
	}
}

// HasMessage reports whether a message with the given id was already appended.
func (s *ChatSession) HasMessage(messageID string) bool {
	for _, m := range s.Messages {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}

// ArchiveRef identifies one archived session snapshot in the durable tier.
type ArchiveRef struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
