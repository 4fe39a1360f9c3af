package chat

import (
	"bufio"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sahilchouksey/chat-gateway/services"
	"github.com/sahilchouksey/chat-gateway/store"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
	"github.com/sahilchouksey/chat-gateway/utils/middleware"
	"github.com/sahilchouksey/chat-gateway/utils/response"
	"github.com/sahilchouksey/chat-gateway/utils/sse"
	"github.com/sahilchouksey/chat-gateway/utils/validation"
)

// ChatHandler handles chat session requests
type ChatHandler struct {
	validator   *validation.Validator
	chatService *services.ChatService
	active      services.ActiveStore
	archive     *store.ArchiveStore
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *services.ChatService, active services.ActiveStore, archive *store.ArchiveStore) *ChatHandler {
	return &ChatHandler{
		validator:   validation.NewValidator(),
		chatService: chatService,
		active:      active,
		archive:     archive,
	}
}

// SendMessageRequest represents the request to send a chat message
type SendMessageRequest struct {
	MessageID string `json:"message_id" validate:"required,min=1,max=128"`
	Content   string `json:"content" validate:"required,min=1,max=10000"`
}

// StartSession handles POST /api/v1/chat/sessions
func (h *ChatHandler) StartSession(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	session, err := h.chatService.StartSession(c.Context(), userID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Created(c, session)
}

// SendMessage handles POST /api/v1/chat/sessions/:id/messages
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	sessionID := c.Params("id")

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	if err := h.requireOwnership(c, sessionID, userID); err != nil {
		return response.FromError(c, err)
	}

	if err := h.chatService.SendMessage(c.Context(), sessionID, req.Content, req.MessageID); err != nil {
		return response.FromError(c, err)
	}

	return response.SuccessWithMessage(c, "Message accepted", fiber.Map{
		"session_id": sessionID,
		"message_id": req.MessageID,
	})
}

// StreamReply handles GET /api/v1/chat/sessions/:id/stream
func (h *ChatHandler) StreamReply(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	sessionID := c.Params("id")
	parentMessageID := c.Query("parent_message_id")
	if parentMessageID == "" {
		return response.BadRequest(c, "parent_message_id is required")
	}

	if err := h.requireOwnership(c, sessionID, userID); err != nil {
		return response.FromError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	ctx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		_ = sse.SendStarted(w, fiber.Map{"session_id": sessionID})

		err := h.chatService.StreamReply(ctx, sessionID, parentMessageID, func(token string) error {
			return sse.SendChunk(w, token)
		})
		if err != nil {
			_ = sse.SendError(w, err)
			return
		}

		_ = sse.SendComplete(w, fiber.Map{
			"session_id":        sessionID,
			"parent_message_id": parentMessageID,
		})
	})

	return nil
}

// EndSession handles DELETE /api/v1/chat/sessions/:id
func (h *ChatHandler) EndSession(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	sessionID := c.Params("id")

	// The ownership probe tolerates not-found so ending twice stays benign.
	session, err := h.active.GetSession(c.Context(), sessionID)
	if err != nil && !apperr.IsNotFound(err) {
		return response.FromError(c, err)
	}
	if session != nil && session.UserID != userID {
		return response.NotFound(c, "Session not found")
	}

	if err := h.chatService.EndSession(c.Context(), sessionID); err != nil {
		return response.FromError(c, err)
	}

	return response.SuccessWithMessage(c, "Session ended", fiber.Map{
		"session_id": sessionID,
	})
}

// ListArchived handles GET /api/v1/chat/archive
func (h *ChatHandler) ListArchived(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	refs, err := h.archive.ListSessionIDs(c.Context(), userID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Success(c, fiber.Map{
		"sessions": refs,
	})
}

// GetArchived handles GET /api/v1/chat/archive/:sessionId
func (h *ChatHandler) GetArchived(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	sessionID := c.Params("sessionId")

	createdAtRaw := c.Query("created_at")
	if createdAtRaw == "" {
		return response.BadRequest(c, "created_at is required")
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtRaw)
	if err != nil {
		return response.BadRequest(c, "created_at must be RFC 3339")
	}

	session, err := h.archive.GetSession(c.Context(), userID, sessionID, createdAt)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Success(c, session)
}

// requireOwnership resolves the session and rejects requests against
// sessions the authenticated user does not own. Foreign sessions read as
// not-found so their existence is not leaked.
func (h *ChatHandler) requireOwnership(c *fiber.Ctx, sessionID, userID string) error {
	session, err := h.active.GetSession(c.Context(), sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return apperr.Newf(apperr.CodeSessionNotFound, false, "session %s not found", sessionID)
	}
	return nil
}
