// Package cron schedules the background maintenance jobs of the gateway.
package cron

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/services"
)

// CronManager manages all scheduled cron jobs
type CronManager struct {
	cron        *cron.Cron
	chatService *services.ChatService
	active      services.ActiveStore
	domain      *services.SessionDomain
	idleTimeout time.Duration
	log         zerolog.Logger
}

// NewCronManager creates a new cron manager
func NewCronManager(chatService *services.ChatService, active services.ActiveStore, domain *services.SessionDomain, idleTimeout time.Duration, log zerolog.Logger) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:        c,
		chatService: chatService,
		active:      active,
		domain:      domain,
		idleTimeout: idleTimeout,
		log:         log.With().Str("component", "cron").Logger(),
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	m.log.Info().Msg("starting cron jobs")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()
	return nil
}

// Stop stops all cron jobs and waits for running ones to finish
func (m *CronManager) Stop() {
	m.log.Info().Msg("stopping cron jobs")
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// Every minute: end sessions idle past the configured timeout
	_, err := m.cron.AddFunc("0 */1 * * * *", func() {
		m.SweepIdleSessions()
	})
	return err
}
