// Package lock provides the per-user mutual-exclusion lease that guards every
// session mutation. Locks live in the shared cache tier so exclusivity holds
// across process instances; the TTL is the safety net for crashed holders.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// Key builds the cache key for a user's lock.
func Key(userID string) string {
	return "lock:" + userID
}

// Cache is the slice of the cache tier the lock manager needs.
type Cache interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key string, expected string) (bool, error)
}

// Manager acquires and releases lease-bound locks. Stateless and safe for
// concurrent use.
type Manager struct {
	cache Cache
	log   zerolog.Logger
}

// NewManager creates a new lock manager
func NewManager(cache Cache, log zerolog.Logger) *Manager {
	return &Manager{
		cache: cache,
		log:   log.With().Str("component", "lock").Logger(),
	}
}

// RunWithLock acquires key for at most ttl and executes body while holding it.
// If the key is already held the body is never run and a retryable lock_failed
// error is returned. Release is attempted unconditionally after body returns,
// but only with the token this call wrote: an expired lock re-acquired by
// someone else is never released from here. A failed release is logged, not
// propagated; the TTL bounds the damage.
func (m *Manager) RunWithLock(ctx context.Context, key string, ttl time.Duration, body func(ctx context.Context) error) error {
	token := uuid.New().String()

	acquired, err := m.cache.SetNX(ctx, key, token, ttl)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "lock acquisition failed", err)
	}
	if !acquired {
		return apperr.Newf(apperr.CodeLockFailed, true, "lock %s is held by another request", key)
	}

	defer func() {
		// Release must not inherit the caller's cancellation: a cancelled
		// request still lets go of its lock.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		released, err := m.cache.DeleteIfEquals(releaseCtx, key, token)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("failed to release lock, relying on TTL")
			return
		}
		if !released {
			m.log.Warn().Str("key", key).Msg("lock expired before release, critical section exceeded TTL")
		}
	}()

	return body(ctx)
}
