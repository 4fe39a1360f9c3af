// Package services contains the session core: the lifecycle state machine,
// the updater, the messaging relay and the orchestrator that composes them
// into the four caller-facing operations.
package services

import (
	"context"
	"time"

	"github.com/sahilchouksey/chat-gateway/model"
)

// ActiveStore is the cache-tier repository for in-progress sessions.
type ActiveStore interface {
	GetActiveSessionID(ctx context.Context, userID string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error)
	SaveSession(ctx context.Context, session *model.ChatSession) error
	DeleteSession(ctx context.Context, session *model.ChatSession) error
	ActiveSessionIDs(ctx context.Context) ([]string, error)
}

// ArchiveStore is the durable-tier repository for finished sessions.
type ArchiveStore interface {
	PersistSession(ctx context.Context, session *model.ChatSession) error
	GetSession(ctx context.Context, userID, sessionID string, createdAt time.Time) (*model.ChatSession, error)
	ListSessionIDs(ctx context.Context, userID string) ([]model.ArchiveRef, error)
}

// BackendClient is the port to the remote conversational engine.
type BackendClient interface {
	OpenConnection(ctx context.Context, sessionID, userID string) error
	SendUserMessage(ctx context.Context, sessionID, content, messageID string) error
	StreamAssistantReply(ctx context.Context, sessionID, parentMessageID string, onToken func(token string) error) error
	CloseConnection(ctx context.Context, sessionID string) error
}

// Locker serializes critical sections per key across process instances.
type Locker interface {
	RunWithLock(ctx context.Context, key string, ttl time.Duration, body func(ctx context.Context) error) error
}
