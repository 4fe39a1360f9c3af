// Package store implements the two session repositories: the cache-tier
// active store for in-progress sessions and the durable-tier archive store
// for finished ones.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
	"github.com/sahilchouksey/chat-gateway/utils/cache"
)

const (
	activeIndexPrefix = "user-active:"
	sessionKeyPrefix  = "session:"
)

// ActiveIndexKey builds the cache key mapping a user to their active session.
func ActiveIndexKey(userID string) string {
	return activeIndexPrefix + userID
}

// SessionKey builds the cache key holding a serialized session record.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Cache is the slice of the cache tier the active store needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetMulti(ctx context.Context, entries map[string]string, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteIfEquals(ctx context.Context, key string, expected string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// ActiveStore is the cache-tier repository for in-progress sessions. The
// session record and the user's active-index entry are always written together
// with the same TTL so the index never dangles.
type ActiveStore struct {
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewActiveStore creates a new active session store
func NewActiveStore(c Cache, ttl time.Duration, log zerolog.Logger) *ActiveStore {
	return &ActiveStore{
		cache: c,
		ttl:   ttl,
		log:   log.With().Str("component", "active_store").Logger(),
	}
}

// GetActiveSessionID returns the id of the user's active session, or
// session_not_found if the user has none.
func (s *ActiveStore) GetActiveSessionID(ctx context.Context, userID string) (string, error) {
	sessionID, err := s.cache.Get(ctx, ActiveIndexKey(userID))
	if errors.Is(err, cache.ErrNotFound) {
		return "", apperr.Newf(apperr.CodeSessionNotFound, false, "no active session for user %s", userID)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnavailable, true, "active index read failed", err)
	}
	return sessionID, nil
}

// GetSession loads and deserializes a session record.
func (s *ActiveStore) GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	raw, err := s.cache.Get(ctx, SessionKey(sessionID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, false, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, true, "session read failed", err)
	}

	var session model.ChatSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("malformed session payload in cache")
		return nil, apperr.Wrap(apperr.CodeInvalidData, false, "malformed session payload", err)
	}
	return &session, nil
}

// SaveSession atomically writes the session record and the active-index entry
// in one transaction with a shared TTL. A partial transaction failure is
// retryable and never leaves one key updated with the other stale.
func (s *ActiveStore) SaveSession(ctx context.Context, session *model.ChatSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidData, false, "session serialization failed", err)
	}

	entries := map[string]string{
		SessionKey(session.SessionID):  string(payload),
		ActiveIndexKey(session.UserID): session.SessionID,
	}
	if err := s.cache.SetMulti(ctx, entries, s.ttl); err != nil {
		return apperr.Wrap(apperr.CodeTransactionFailed, true, "session transaction failed", err)
	}
	return nil
}

// DeleteSession unconditionally removes the session record and conditionally
// clears the active-index entry, but only while it still points at this
// session. A concurrently started newer session for the same user is never
// evicted by a stale end-session call.
func (s *ActiveStore) DeleteSession(ctx context.Context, session *model.ChatSession) error {
	if err := s.cache.Delete(ctx, SessionKey(session.SessionID)); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "session delete failed", err)
	}

	cleared, err := s.cache.DeleteIfEquals(ctx, ActiveIndexKey(session.UserID), session.SessionID)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "active index delete failed", err)
	}
	if !cleared {
		s.log.Debug().
			Str("user_id", session.UserID).
			Str("session_id", session.SessionID).
			Msg("active index already points at a newer session, left intact")
	}
	return nil
}

// ActiveSessionIDs scans the cache for all in-progress session ids. Used by
// the idle sweeper; readers of individual sessions go through GetSession.
func (s *ActiveStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	keys, err := s.cache.Scan(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, true, "session scan failed", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[len(sessionKeyPrefix):])
	}
	return ids, nil
}
