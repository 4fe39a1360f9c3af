package cron

import (
	"context"
	"time"

	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// sweepTimeout bounds one full sweep over the active keyspace.
const sweepTimeout = 2 * time.Minute

// SweepIdleSessions ends every active session whose last interaction is older
// than the idle timeout. Each end goes through the orchestrator so idle
// eviction archives exactly like a user-initiated end.
func (m *CronManager) SweepIdleSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	ids, err := m.active.ActiveSessionIDs(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("idle sweep: failed to scan active sessions")
		return
	}

	now := time.Now().UTC()
	swept := 0
	for _, id := range ids {
		session, err := m.active.GetSession(ctx, id)
		if apperr.IsNotFound(err) {
			// Ended concurrently, nothing to do.
			continue
		}
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", id).Msg("idle sweep: failed to load session")
			continue
		}

		if !m.domain.IsIdle(session, m.idleTimeout, now) {
			continue
		}

		if err := m.chatService.EndSession(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("session_id", id).Msg("idle sweep: failed to end session")
			continue
		}
		swept++
		m.log.Info().Str("session_id", id).Str("user_id", session.UserID).
			Time("last_interaction", session.LastInteraction).Msg("idle session ended")
	}

	if swept > 0 {
		m.log.Info().Int("count", swept).Msg("idle sweep completed")
	}
}
