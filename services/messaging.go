package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/utils/retry"
)

// MessagingService forwards messages to the backend and relays its reply
// token stream. It adds no buffering: back-pressure and cancellation
// propagate straight through from the caller to the backend stream.
type MessagingService struct {
	backend BackendClient
	policy  retry.Policy
	log     zerolog.Logger
}

// NewMessagingService creates a new messaging service
func NewMessagingService(backend BackendClient, policy retry.Policy, log zerolog.Logger) *MessagingService {
	return &MessagingService{
		backend: backend,
		policy:  policy,
		log:     log.With().Str("component", "messaging").Logger(),
	}
}

// SendMessage performs the fire-and-confirm user message send.
func (s *MessagingService) SendMessage(ctx context.Context, sessionID, content, messageID string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.backend.SendUserMessage(ctx, sessionID, content, messageID)
	}, retryLogger(s.log, "send_user_message"))
}

// StreamReply delegates to the backend's token stream. The stream is
// non-restartable, so it is never retried from here.
func (s *MessagingService) StreamReply(ctx context.Context, sessionID, parentMessageID string, onToken func(token string) error) error {
	return s.backend.StreamAssistantReply(ctx, sessionID, parentMessageID, onToken)
}
