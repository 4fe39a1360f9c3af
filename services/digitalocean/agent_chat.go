package digitalocean

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

const (
	// DefaultOpenTimeout bounds logical-session establishment on the agent.
	DefaultOpenTimeout = 10 * time.Second
	// DefaultSendTimeout bounds a single fire-and-confirm message send.
	DefaultSendTimeout = 30 * time.Second
	// DefaultStreamSetupTimeout bounds the reply-stream setup phase. Shorter
	// than the per-token read timeout: a backend that accepts the stream but
	// never starts talking should fail fast.
	DefaultStreamSetupTimeout = 15 * time.Second
	// DefaultStreamReadTimeout is the idle timeout between consecutive tokens.
	DefaultStreamReadTimeout = 60 * time.Second
)

// AgentChatClient is the adapter to the remote conversational engine: it
// opens/closes logical sessions on a deployed agent, sends user messages and
// pulls the assistant's reply token stream.
type AgentChatClient struct {
	client        *Client
	tokens        *TokenProvider
	agentUUID     string
	deploymentURL string

	openTimeout        time.Duration
	sendTimeout        time.Duration
	streamSetupTimeout time.Duration
	streamReadTimeout  time.Duration

	log zerolog.Logger
}

// AgentChatConfig holds configuration for the agent chat client
type AgentChatConfig struct {
	Client        *Client
	Tokens        *TokenProvider
	AgentUUID     string
	DeploymentURL string
	Logger        zerolog.Logger

	OpenTimeout        time.Duration
	SendTimeout        time.Duration
	StreamSetupTimeout time.Duration
	StreamReadTimeout  time.Duration
}

// NewAgentChatClient creates a new agent chat client
func NewAgentChatClient(config AgentChatConfig) *AgentChatClient {
	if config.OpenTimeout == 0 {
		config.OpenTimeout = DefaultOpenTimeout
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.StreamSetupTimeout == 0 {
		config.StreamSetupTimeout = DefaultStreamSetupTimeout
	}
	if config.StreamReadTimeout == 0 {
		config.StreamReadTimeout = DefaultStreamReadTimeout
	}

	return &AgentChatClient{
		client:             config.Client,
		tokens:             config.Tokens,
		agentUUID:          config.AgentUUID,
		deploymentURL:      strings.TrimSuffix(config.DeploymentURL, "/"),
		openTimeout:        config.OpenTimeout,
		sendTimeout:        config.SendTimeout,
		streamSetupTimeout: config.StreamSetupTimeout,
		streamReadTimeout:  config.StreamReadTimeout,
		log:                config.Logger.With().Str("component", "agent_chat").Logger(),
	}
}

// OpenConnection establishes logical session state on the remote engine.
func (c *AgentChatClient) OpenConnection(ctx context.Context, sessionID, userID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.openTimeout)
	defer cancel()

	body := map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	}
	endpoint := fmt.Sprintf("%s/api/v1/sessions", c.deploymentURL)
	return c.doAgentRequest(reqCtx, ctx, "POST", endpoint, body)
}

// SendUserMessage forwards a single user message to the agent.
func (c *AgentChatClient) SendUserMessage(ctx context.Context, sessionID, content, messageID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	body := map[string]string{
		"message_id": messageID,
		"role":       "user",
		"content":    content,
	}
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/messages", c.deploymentURL, sessionID)
	return c.doAgentRequest(reqCtx, ctx, "POST", endpoint, body)
}

// CloseConnection tears down the logical session on the agent. Best effort:
// failures are logged, never propagated.
func (c *AgentChatClient) CloseConnection(ctx context.Context, sessionID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s", c.deploymentURL, sessionID)
	if err := c.doAgentRequest(reqCtx, ctx, "DELETE", endpoint, nil); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to close backend session")
	}
	return nil
}

// streamChunk is one SSE data frame of the agent's reply stream.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

func (c *streamChunk) done() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason == "stop"
}

// StreamAssistantReply pulls the assistant's reply for parentMessageID as a
// lazy, finite, non-restartable token sequence, invoking onToken for each
// text token in order. Caller cancellation and deadline expiry terminate the
// sequence silently; any other mid-stream fault is returned after the tokens
// already produced have been delivered.
func (c *AgentChatClient) StreamAssistantReply(ctx context.Context, sessionID, parentMessageID string, onToken func(token string) error) error {
	token, err := c.tokens.Token(ctx, c.agentUUID)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "agent token unavailable", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"parent_message_id": parentMessageID,
		"stream":            true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stream request: %w", err)
	}

	// The request lives on a child context so the setup and idle timers can
	// kill a stalled stream without touching the caller's context.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/replies", c.deploymentURL, sessionID)
	req, err := http.NewRequestWithContext(streamCtx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	setup := time.AfterFunc(c.streamSetupTimeout, cancel)
	resp, err := c.client.GetStreamingClient().Do(req)
	setup.Stop()
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancelled: normal early termination.
			return nil
		}
		return apperr.Wrap(apperr.CodeUnavailable, true, "reply stream setup failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return c.classifyStatus(resp.StatusCode, string(respBody))
	}

	// Per-token idle timeout, reset on every frame.
	idle := time.AfterFunc(c.streamReadTimeout, cancel)
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		idle.Reset(c.streamReadTimeout)
		line := scanner.Text()

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("skipping malformed stream chunk")
			continue
		}

		if tok := chunk.content(); tok != "" {
			if err := onToken(tok); err != nil {
				return err
			}
		}
		if chunk.done() {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil && streamCtx.Err() != nil {
			// Our own idle timer fired: the stream stalled mid-reply.
			return apperr.Wrap(apperr.CodeUnavailable, true, "reply stream stalled", err)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller-initiated termination ends the sequence silently.
			return nil
		}
		return apperr.Wrap(apperr.CodeBackendFailure, false, "reply stream failed", err)
	}
	return nil
}

// doAgentRequest performs a data-plane request against the agent deployment,
// authenticated with a short-lived agent access token. ctx carries the
// per-call timeout; caller is the unbounded parent, consulted so expiry of
// our own timer reads as a transient failure, not caller cancellation.
func (c *AgentChatClient) doAgentRequest(ctx, caller context.Context, method, url string, body interface{}) error {
	token, err := c.tokens.Token(ctx, c.agentUUID)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "agent token unavailable", err)
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		if caller.Err() != nil {
			return apperr.FromContext(caller.Err())
		}
		if ctx.Err() != nil {
			// Our own per-call timer expired: the backend stalled.
			return apperr.Wrap(apperr.CodeUnavailable, true, "backend request timed out", err)
		}
		return apperr.Wrap(apperr.CodeUnavailable, true, "backend request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return c.classifyStatus(resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *AgentChatClient) classifyStatus(statusCode int, body string) error {
	if IsRetryableStatusCode(statusCode) {
		return apperr.Newf(apperr.CodeUnavailable, true, "backend returned status %d: %s", statusCode, body)
	}
	return apperr.Newf(apperr.CodeBackendFailure, false, "backend returned status %d: %s", statusCode, body)
}
