package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sahilchouksey/chat-gateway/handlers"
	chat_handlers "github.com/sahilchouksey/chat-gateway/handlers/chat"
	"github.com/sahilchouksey/chat-gateway/services"
	"github.com/sahilchouksey/chat-gateway/services/digitalocean"
	"github.com/sahilchouksey/chat-gateway/store"
	"github.com/sahilchouksey/chat-gateway/utils/auth"
	"github.com/sahilchouksey/chat-gateway/utils/cache"
	"github.com/sahilchouksey/chat-gateway/utils/middleware"
)

// Deps carries the wired services the routes are built on.
type Deps struct {
	JWTManager  *auth.JWTManager
	ChatService *services.ChatService
	Active      services.ActiveStore
	Archive     *store.ArchiveStore
	Redis       *cache.RedisCache
	DOClient    *digitalocean.Client
}

func SetupRoutes(app *fiber.App, deps Deps) {
	authMiddleware := middleware.NewAuthMiddleware(deps.JWTManager)
	chatHandler := chat_handlers.NewChatHandler(deps.ChatService, deps.Active, deps.Archive)

	// Health check endpoint (public)
	app.Get("/health", func(c *fiber.Ctx) error {
		return handlers.HandleCheckHealth(c, deps.Redis, deps.DOClient)
	})

	// API v1 group
	api := app.Group("/api/v1")

	// Chat routes (all protected - require authentication)
	chat := api.Group("/chat", authMiddleware.Required())

	// Session lifecycle
	chat.Post("/sessions", chatHandler.StartSession)       // Protected: Start or resume the user's session
	chat.Delete("/sessions/:id", chatHandler.EndSession)   // Protected: Archive and end session

	// Messaging
	chat.Post("/sessions/:id/messages", chatHandler.SendMessage) // Protected: Send a user message
	chat.Get("/sessions/:id/stream", chatHandler.StreamReply)    // Protected: Stream the assistant reply (SSE)

	// Archive access
	chat.Get("/archive", chatHandler.ListArchived)            // Protected: List archived sessions
	chat.Get("/archive/:sessionId", chatHandler.GetArchived)  // Protected: Fetch one archived session
}
