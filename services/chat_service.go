package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
	"github.com/sahilchouksey/chat-gateway/utils/lock"
	"github.com/sahilchouksey/chat-gateway/utils/retry"
)

// ChatService is the public facade over the session core. It composes the
// lifecycle, updater and messaging services into the four caller-facing
// operations and owns the only compensating action in the system: rolling
// back a created-but-unopened session.
type ChatService struct {
	lifecycle *LifecycleService
	updater   *UpdaterService
	messaging *MessagingService
	backend   BackendClient
	active    ActiveStore
	locks     Locker
	lockTTL   time.Duration
	policy    retry.Policy
	log       zerolog.Logger
}

// NewChatService creates a new chat session orchestrator
func NewChatService(
	lifecycle *LifecycleService,
	updater *UpdaterService,
	messaging *MessagingService,
	backend BackendClient,
	active ActiveStore,
	locks Locker,
	lockTTL time.Duration,
	policy retry.Policy,
	log zerolog.Logger,
) *ChatService {
	return &ChatService{
		lifecycle: lifecycle,
		updater:   updater,
		messaging: messaging,
		backend:   backend,
		active:    active,
		locks:     locks,
		lockTTL:   lockTTL,
		policy:    policy,
		log:       log.With().Str("component", "chat_service").Logger(),
	}
}

// runLocked executes body under the user's lock, retrying lock-busy failures
// through the standard policy. Everything body does must stay idempotent.
func (s *ChatService) runLocked(ctx context.Context, userID string, body func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.locks.RunWithLock(ctx, lock.Key(userID), s.lockTTL, body)
	}, retryLogger(s.log, "run_with_lock"))
}

// StartSession starts (or resumes) the user's session and opens the backend
// connection for it. If opening fails for a session this call just created,
// the creation is compensated by ending the session before the open failure
// is surfaced.
func (s *ChatService) StartSession(ctx context.Context, userID string) (*model.ChatSession, error) {
	var (
		session *model.ChatSession
		created bool
	)
	err := s.runLocked(ctx, userID, func(ctx context.Context) error {
		var err error
		session, created, err = s.lifecycle.StartSession(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.backend.OpenConnection(ctx, session.SessionID, userID)
	}, retryLogger(s.log, "open_connection"))
	if err != nil {
		if created {
			// Roll back the just-created session so the user is not left
			// with an active record the backend knows nothing about.
			rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if endErr := s.endLocked(rollbackCtx, session); endErr != nil {
				s.log.Error().Err(endErr).Str("session_id", session.SessionID).
					Msg("rollback of unopened session failed")
			}
		}
		return nil, err
	}

	return session, nil
}

// SendMessage appends the user message and forwards it to the backend, both
// under the per-user lock. If the append fails the backend is never
// contacted.
func (s *ChatService) SendMessage(ctx context.Context, sessionID, content, messageID string) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	return s.runLocked(ctx, session.UserID, func(ctx context.Context) error {
		if _, err := s.updater.AddMessage(ctx, sessionID, AppendMessageCommand{
			MessageID: messageID,
			Role:      model.RoleUser,
			Content:   content,
		}); err != nil {
			return err
		}
		return s.messaging.SendMessage(ctx, sessionID, content, messageID)
	})
}

// StreamReply relays the assistant's reply tokens to onToken while
// accumulating them. When the stream completes normally the concatenated text
// is appended as a single assistant message; on any fault or cancellation the
// partial text is discarded and nothing is persisted.
func (s *ChatService) StreamReply(ctx context.Context, sessionID, parentMessageID string, onToken func(token string) error) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	var reply strings.Builder
	err = s.messaging.StreamReply(ctx, sessionID, parentMessageID, func(token string) error {
		reply.WriteString(token)
		return onToken(token)
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		// The backend treats caller cancellation as normal early
		// termination; an incomplete reply is still never persisted.
		return apperr.FromContext(ctx.Err())
	}
	if reply.Len() == 0 {
		return nil
	}

	// The assistant message id derives from the parent so a re-streamed
	// reply for the same user message appends exactly once.
	return s.runLocked(ctx, session.UserID, func(ctx context.Context) error {
		_, err := s.updater.AddMessage(ctx, sessionID, AppendMessageCommand{
			MessageID: parentMessageID + ":reply",
			Role:      model.RoleAssistant,
			Content:   reply.String(),
		})
		return err
	})
}

// EndSession closes the backend connection best-effort and then archives and
// evicts the session under the user's lock. Ending a session twice succeeds
// both times.
func (s *ChatService) EndSession(ctx context.Context, sessionID string) error {
	session, err := s.loadSession(ctx, sessionID)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_ = s.backend.CloseConnection(ctx, sessionID)

	return s.endLocked(ctx, session)
}

func (s *ChatService) endLocked(ctx context.Context, session *model.ChatSession) error {
	return s.runLocked(ctx, session.UserID, func(ctx context.Context) error {
		return s.lifecycle.EndSession(ctx, session.SessionID)
	})
}

// loadSession is an unserialized read; the lock protects mutations, not
// reads, so slightly stale data here is acceptable.
func (s *ChatService) loadSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	var session *model.ChatSession
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		session, err = s.active.GetSession(ctx, sessionID)
		return err
	}, retryLogger(s.log, "get_session"))
	return session, err
}
