package app

import (
	"fmt"
	"time"

	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sahilchouksey/chat-gateway/api"
	"github.com/sahilchouksey/chat-gateway/config"
	"github.com/sahilchouksey/chat-gateway/router"
	"github.com/sahilchouksey/chat-gateway/services"
	"github.com/sahilchouksey/chat-gateway/services/cron"
	"github.com/sahilchouksey/chat-gateway/services/digitalocean"
	"github.com/sahilchouksey/chat-gateway/store"
	"github.com/sahilchouksey/chat-gateway/utils/auth"
	"github.com/sahilchouksey/chat-gateway/utils/cache"
	"github.com/sahilchouksey/chat-gateway/utils/lock"
	"github.com/sahilchouksey/chat-gateway/utils/logger"
	"github.com/sahilchouksey/chat-gateway/utils/retry"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	log := logger.New(getEnv.GO_ENV)

	// Cache tier
	redisCache, err := cache.NewRedisCache(getEnv.REDIS_URL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to Redis, check whether it is running")
		return err
	}
	defer redisCache.Close()

	// Archive tier
	spacesClient, err := digitalocean.NewSpacesClient(digitalocean.SpacesConfig{
		AccessKey: getEnv.DO_SPACES_ACCESS_KEY,
		SecretKey: getEnv.DO_SPACES_SECRET_KEY,
		Bucket:    getEnv.DO_SPACES_BUCKET,
		Region:    getEnv.DO_SPACES_REGION,
		Endpoint:  getEnv.DO_SPACES_ENDPOINT,
	})
	if err != nil {
		return err
	}

	// Conversational backend
	doClient := digitalocean.NewClient(digitalocean.Config{
		APIToken: getEnv.DIGITALOCEAN_TOKEN,
		Logger:   log,
	})
	tokenProvider := digitalocean.NewTokenProvider(doClient, log)
	agentChat := digitalocean.NewAgentChatClient(digitalocean.AgentChatConfig{
		Client:        doClient,
		Tokens:        tokenProvider,
		AgentUUID:     getEnv.AGENT_UUID,
		DeploymentURL: getEnv.AGENT_DEPLOYMENT_URL,
		Logger:        log,
	})

	// Stores
	activeStore := store.NewActiveStore(redisCache, getEnv.SESSION_TTL, log)
	archiveStore := store.NewArchiveStore(spacesClient, log)

	// Session core
	policy := retry.Policy{
		MaxAttempts: getEnv.RETRY_MAX_ATTEMPTS,
		BaseDelay:   getEnv.RETRY_BASE_DELAY,
	}
	domain := services.NewSessionDomain()
	lifecycle := services.NewLifecycleService(activeStore, archiveStore, policy, log)
	updater := services.NewUpdaterService(activeStore, domain, policy, log)
	messaging := services.NewMessagingService(agentChat, policy, log)
	locks := lock.NewManager(redisCache, log)
	chatService := services.NewChatService(
		lifecycle,
		updater,
		messaging,
		agentChat,
		activeStore,
		locks,
		getEnv.LOCK_TTL,
		policy,
		log,
	)

	// Idle-session sweeper
	var cronManager *cron.CronManager
	if getEnv.SWEEPER_ENABLED {
		cronManager = cron.NewCronManager(chatService, activeStore, domain, getEnv.IDLE_TIMEOUT, log)
		if err := cronManager.Start(); err != nil {
			// A broken sweeper degrades cleanup, not request handling.
			log.Warn().Err(err).Msg("failed to start cron jobs")
			cronManager = nil
		}
	}
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
	}()

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: getEnv.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: getEnv.JWT_ISSUER,
	})

	// Init API
	server := api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT), log)
	app := server.GetEngine()

	// Attach Middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, router.Deps{
		JWTManager:  jwtManager,
		ChatService: chatService,
		Active:      activeStore,
		Archive:     archiveStore,
		Redis:       redisCache,
		DOClient:    doClient,
	})

	// Get the PORT & Start the Server
	return server.Run()

}
