package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/retry"
)

// UpdaterService appends messages to a session's transcript and re-persists
// it. No locking happens at this layer: callers that need exclusivity wrap
// the call in the per-user lock.
type UpdaterService struct {
	active ActiveStore
	domain *SessionDomain
	policy retry.Policy
	log    zerolog.Logger
}

// NewUpdaterService creates a new updater service
func NewUpdaterService(active ActiveStore, domain *SessionDomain, policy retry.Policy, log zerolog.Logger) *UpdaterService {
	return &UpdaterService{
		active: active,
		domain: domain,
		policy: policy,
		log:    log.With().Str("component", "updater").Logger(),
	}
}

// AddMessage loads the session, appends via the domain service and persists
// the result. A duplicate message id leaves the session untouched and skips
// the persist (idempotent resend).
func (s *UpdaterService) AddMessage(ctx context.Context, sessionID string, cmd AppendMessageCommand) (*model.ChatSession, error) {
	var session *model.ChatSession
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		session, err = s.active.GetSession(ctx, sessionID)
		return err
	}, retryLogger(s.log, "get_session"))
	if err != nil {
		return nil, err
	}

	if appended := s.domain.AppendMessage(session, cmd); !appended {
		s.log.Debug().Str("session_id", sessionID).Str("message_id", cmd.MessageID).
			Msg("duplicate message id, append skipped")
		return session, nil
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.active.SaveSession(ctx, session)
	}, retryLogger(s.log, "save_session"))
	if err != nil {
		return nil, err
	}
	return session, nil
}
