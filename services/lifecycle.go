package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
	"github.com/sahilchouksey/chat-gateway/utils/retry"
)

// retryLogger reports retries of a named operation through the structured log.
func retryLogger(log zerolog.Logger, op string) retry.OnRetry {
	return func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).
			Msg("retrying after transient failure")
	}
}

// LifecycleService drives the session state machine:
// NoActiveSession -> Active -> Archived/Evicted.
type LifecycleService struct {
	active  ActiveStore
	archive ArchiveStore
	policy  retry.Policy
	log     zerolog.Logger
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(active ActiveStore, archive ArchiveStore, policy retry.Policy, log zerolog.Logger) *LifecycleService {
	return &LifecycleService{
		active:  active,
		archive: archive,
		policy:  policy,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// StartSession returns the user's active session, creating one if none
// exists. Idempotent: two starts without an intervening end return the same
// session. The backend connection is deliberately not opened here so a
// persisted-but-unopened session can still be rolled back cleanly by the
// caller. The second return value reports whether a session was created.
func (s *LifecycleService) StartSession(ctx context.Context, userID string) (*model.ChatSession, bool, error) {
	var sessionID string
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		sessionID, err = s.active.GetActiveSessionID(ctx, userID)
		return err
	}, retryLogger(s.log, "get_active_session_id"))

	if err == nil {
		var session *model.ChatSession
		err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
			var err error
			session, err = s.active.GetSession(ctx, sessionID)
			return err
		}, retryLogger(s.log, "get_session"))
		if err == nil {
			return session, false, nil
		}
		if apperr.IsCancelled(err) {
			return nil, false, err
		}
		// Dangling or unreadable index entry: fall through and mint a
		// fresh session rather than failing the start.
		s.log.Warn().Err(err).Str("user_id", userID).Str("session_id", sessionID).
			Msg("active session unreadable, creating a new one")
	} else if apperr.IsCancelled(err) {
		return nil, false, err
	} else if !apperr.IsNotFound(err) {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("active index lookup failed, creating a new session")
	}

	session := model.NewChatSession(userID)
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.active.SaveSession(ctx, session)
	}, retryLogger(s.log, "save_session"))
	if err != nil {
		return nil, false, err
	}

	s.log.Info().Str("user_id", userID).Str("session_id", session.SessionID).Msg("session created")
	return session, true, nil
}

// EndSession archives the session and then evicts it from the active store.
// Ending an already-ended session is success. Archival failure propagates
// without deleting: the active record is never the only copy lost. Deletion
// failure after successful archival also propagates; a retried end re-archives
// idempotently and retries the delete.
func (s *LifecycleService) EndSession(ctx context.Context, sessionID string) error {
	var session *model.ChatSession
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		session, err = s.active.GetSession(ctx, sessionID)
		return err
	}, retryLogger(s.log, "get_session"))
	if apperr.IsNotFound(err) {
		s.log.Debug().Str("session_id", sessionID).Msg("session already ended")
		return nil
	}
	if err != nil {
		return err
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.archive.PersistSession(ctx, session)
	}, retryLogger(s.log, "persist_session"))
	if err != nil {
		return err
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.active.DeleteSession(ctx, session)
	}, retryLogger(s.log, "delete_session"))
	if err != nil {
		return err
	}

	s.log.Info().Str("user_id", session.UserID).Str("session_id", sessionID).
		Int("messages", len(session.Messages)).Msg("session archived and evicted")
	return nil
}
