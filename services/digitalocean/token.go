package digitalocean

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// tokenRefreshMargin is how long before expiry a cached token is refreshed.
const tokenRefreshMargin = 5 * time.Minute

type agentToken struct {
	value     string
	expiresAt time.Time
}

func (t agentToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt.Add(-tokenRefreshMargin))
}

// TokenProvider exchanges the account API token for short-lived agent access
// tokens. Tokens are cached per agent scope and refreshed ahead of expiry;
// concurrent refreshes for the same scope collapse into a single request.
type TokenProvider struct {
	client *Client
	group  singleflight.Group
	log    zerolog.Logger

	mu     sync.Mutex
	tokens map[string]agentToken
}

// NewTokenProvider creates a new token provider
func NewTokenProvider(client *Client, log zerolog.Logger) *TokenProvider {
	return &TokenProvider{
		client: client,
		tokens: make(map[string]agentToken),
		log:    log.With().Str("component", "token_provider").Logger(),
	}
}

// Token returns a bearer credential for the given agent, fetching or
// refreshing it as needed.
func (p *TokenProvider) Token(ctx context.Context, agentUUID string) (string, error) {
	p.mu.Lock()
	cached := p.tokens[agentUUID]
	p.mu.Unlock()

	if cached.usable(time.Now()) {
		return cached.value, nil
	}

	value, err, _ := p.group.Do(agentUUID, func() (interface{}, error) {
		// Re-check under singleflight: another caller may have refreshed
		// while this one was queued.
		p.mu.Lock()
		cached := p.tokens[agentUUID]
		p.mu.Unlock()
		if cached.usable(time.Now()) {
			return cached.value, nil
		}

		token, err := p.fetch(ctx, agentUUID)
		if err != nil {
			return "", err
		}

		p.mu.Lock()
		p.tokens[agentUUID] = token
		p.mu.Unlock()

		p.log.Debug().Str("agent_uuid", agentUUID).Time("expires_at", token.expiresAt).
			Msg("refreshed agent access token")
		return token.value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (p *TokenProvider) fetch(ctx context.Context, agentUUID string) (agentToken, error) {
	// The fetched token is shared by every queued caller, so the refresh
	// must not die with whichever caller happened to trigger it.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("/v2/gen-ai/auth/agents/%s/token", agentUUID)
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.client.doRequest(fetchCtx, "POST", endpoint, nil, &result); err != nil {
		return agentToken{}, fmt.Errorf("failed to fetch agent access token: %w", err)
	}
	if result.AccessToken == "" {
		return agentToken{}, fmt.Errorf("agent token endpoint returned an empty token")
	}

	return agentToken{
		value:     result.AccessToken,
		expiresAt: time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}
