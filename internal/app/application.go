package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/duochat/relay/internal/app/services/conversations"
	"github.com/duochat/relay/internal/app/services/messages"
	"github.com/duochat/relay/internal/app/services/profiles"
	"github.com/duochat/relay/internal/app/services/sessions"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/internal/app/storage/memory"
	"github.com/duochat/relay/internal/app/system"
	"github.com/duochat/relay/internal/relay"
	"github.com/duochat/relay/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Profiles      storage.ProfileStore
	Conversations storage.ConversationStore
	Messages      storage.MessageStore
	Sessions      storage.SessionStore
}

// Application ties the chat services and the relay hub together and
// manages their lifecycle.
type Application struct {
	manager *system.Manager
	cron    *cron.Cron
	log     *logger.Logger

	Profiles      *profiles.Service
	Conversations *conversations.Service
	Messages      *messages.Service
	Sessions      *sessions.Service
	Hub           *relay.Hub
}

// New builds a fully initialised application with the provided stores.
// A non-nil redisClient enables cross-node fan-out and shared presence.
func New(stores Stores, redisClient *redis.Client, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Profiles == nil {
		stores.Profiles = mem
	}
	if stores.Conversations == nil {
		stores.Conversations = mem
	}
	if stores.Messages == nil {
		stores.Messages = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}

	manager := system.NewManager()

	profileService := profiles.New(stores.Profiles, log)
	convService := conversations.New(stores.Profiles, stores.Conversations, log)
	msgService := messages.New(stores.Conversations, stores.Messages, log)
	sessionService := sessions.New(stores.Sessions, log)

	hubCfg := relay.Config{
		Conversations: convService,
		Messages:      msgService,
		Logger:        log,
	}

	var fanout *relay.RedisFanout
	if redisClient != nil {
		fanout = relay.NewRedisFanout(redisClient, log)
		hubCfg.Fanout = fanout
		hubCfg.Presence = relay.NewRedisPresence(redisClient)
	} else {
		log.Warn("redis not configured; running single-node without shared presence")
	}

	hub := relay.NewHub(hubCfg)

	if fanout != nil {
		if err := manager.Register(system.FuncService{
			ServiceName: "fanout",
			StartFunc: func(ctx context.Context) error {
				fanout.Run(hub)
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				fanout.Stop()
				return nil
			},
		}); err != nil {
			return nil, fmt.Errorf("register fanout: %w", err)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		sessionService.PruneExpired(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("schedule session pruning: %w", err)
	}
	if hubCfg.Presence != nil {
		// Presence keys expire on their own; re-mark well inside the TTL so
		// long-lived connections stay visible on other nodes.
		if _, err := scheduler.AddFunc("@every 30s", func() {
			hub.RefreshPresence(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("schedule presence refresh: %w", err)
		}
	}
	if err := manager.Register(system.FuncService{
		ServiceName: "scheduler",
		StartFunc: func(ctx context.Context) error {
			scheduler.Start()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			<-scheduler.Stop().Done()
			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	return &Application{
		manager:       manager,
		cron:          scheduler,
		log:           log,
		Profiles:      profileService,
		Conversations: convService,
		Messages:      msgService,
		Sessions:      sessionService,
		Hub:           hub,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.StartAll(ctx)
}

// Stop stops all services in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
