package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV string
	PORT   int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// DigitalOcean Configuration
	DIGITALOCEAN_TOKEN   string
	DO_SPACES_BUCKET     string
	DO_SPACES_REGION     string
	DO_SPACES_ENDPOINT   string
	DO_SPACES_ACCESS_KEY string
	DO_SPACES_SECRET_KEY string
	// Agent Configuration
	AGENT_UUID           string
	AGENT_DEPLOYMENT_URL string
	// Session Configuration
	SESSION_TTL  time.Duration
	LOCK_TTL     time.Duration
	IDLE_TIMEOUT time.Duration
	// Retry Configuration
	RETRY_MAX_ATTEMPTS int
	RETRY_BASE_DELAY   time.Duration
	// Background jobs
	SWEEPER_ENABLED bool
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV: os.Getenv("GO_ENV"),
		PORT:   port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL: redisURL,
		// DigitalOcean
		DIGITALOCEAN_TOKEN:   os.Getenv("DIGITALOCEAN_TOKEN"),
		DO_SPACES_BUCKET:     os.Getenv("DO_SPACES_BUCKET"),
		DO_SPACES_REGION:     os.Getenv("DO_SPACES_REGION"),
		DO_SPACES_ENDPOINT:   os.Getenv("DO_SPACES_ENDPOINT"),
		DO_SPACES_ACCESS_KEY: os.Getenv("DO_SPACES_ACCESS_KEY"),
		DO_SPACES_SECRET_KEY: os.Getenv("DO_SPACES_SECRET_KEY"),
		// Agent
		AGENT_UUID:           os.Getenv("AGENT_UUID"),
		AGENT_DEPLOYMENT_URL: os.Getenv("AGENT_DEPLOYMENT_URL"),
		// Session
		SESSION_TTL:  durationEnv("SESSION_TTL", 24*time.Hour),
		LOCK_TTL:     durationEnv("LOCK_TTL", 30*time.Second),
		IDLE_TIMEOUT: durationEnv("IDLE_TIMEOUT", 30*time.Minute),
		// Retry
		RETRY_MAX_ATTEMPTS: intEnv("RETRY_MAX_ATTEMPTS", 3),
		RETRY_BASE_DELAY:   durationEnv("RETRY_BASE_DELAY", 200*time.Millisecond),
		// Background jobs
		SWEEPER_ENABLED: boolEnv("SWEEPER_ENABLED", true),
	}

	return envVariables, nil
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
