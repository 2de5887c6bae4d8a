package bootstrap

import (
	"context"
	"log"

	"media-forensics-telemetry/internal/config"
	"media-forensics-telemetry/internal/handler"
	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/internal/service"
	"media-forensics-telemetry/internal/session"
	"media-forensics-telemetry/internal/websocket"
	"media-forensics-telemetry/pkg/connection"
	"media-forensics-telemetry/pkg/feed"
	pktNats "media-forensics-telemetry/pkg/nats"
	"media-forensics-telemetry/pkg/transport/wsclient"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
)

type Container struct {
	SessionHandler *handler.SessionHandler

	// Background Services (Exposed for main.go to run)
	UpdateConsumer service.IUpdateConsumer
	WebSocketHub   *websocket.Hub

	Registry *session.Registry
	Logger   logger.ILogger

	closers []func()
}

func NewContainer(cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := service.NewUpdateBus(watermillLogger)

	c := &Container{Logger: sysLogger}
	c.closers = append(c.closers, func() { pubSub.Close() })

	// 3. Infrastructure
	// NATS
	var lifecycle service.LifecyclePublisher
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
	} else {
		lifecycle = natsPub
		c.closers = append(c.closers, natsPub.Close)
	}

	// Redis
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v. Cluster fan-out disabled", err)
		rdb.Close()
		rdb = nil
	} else {
		c.closers = append(c.closers, func() { rdb.Close() })
	}

	// Upstream transport
	var transport connection.Transport
	switch cfg.Analysis.Transport {
	case "nats":
		natsSub, err := pktNats.NewSubscriber(cfg.App.NatsURL)
		if err != nil {
			log.Fatalf("[FATAL] TELEMETRY_TRANSPORT=nats but NATS is unreachable: %v", err)
		}
		transport = natsSub
		c.closers = append(c.closers, natsSub.Close)
		log.Printf("[INFO] Using upstream transport: NATS (%s)", cfg.App.NatsURL)
	default:
		transport = wsclient.New(cfg.Analysis.WebsocketURL, cfg.Analysis.Token, sysLogger)
		log.Printf("[INFO] Using upstream transport: WEBSOCKET (%s)", cfg.Analysis.WebsocketURL)
	}

	manager := connection.NewManager(transport, connection.Policy{
		BaseDelay:  cfg.Reconnect.BaseDelay,
		MaxDelay:   cfg.Reconnect.MaxDelay,
		Jitter:     cfg.Reconnect.Jitter,
		MaxRetries: uint64(cfg.Reconnect.MaxRetries),
	}, sysLogger)

	c.Registry = session.NewRegistry(cfg.Session.TTL)

	// 4. Services
	telemetryService := service.NewTelemetryService(
		manager,
		c.Registry,
		lifecycle,
		pubSub,
		feed.Config{
			MaxNotifications: cfg.Feed.MaxNotifications,
			AutoClose:        cfg.Feed.AutoClose,
		},
		sysLogger,
	)

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger("logs/hub.log")
	c.WebSocketHub = websocket.NewHub(rdb, wsLogger)
	c.UpdateConsumer = service.NewUpdateConsumer(pubSub, service.UpdatesTopic, c.WebSocketHub, wsLogger)

	// 5. Handlers
	c.SessionHandler = handler.NewSessionHandler(telemetryService, c.WebSocketHub, cfg.App.JWTSecret, sysLogger)

	return c
}

// Shutdown closes every live session, then the infrastructure in reverse order.
func (c *Container) Shutdown() {
	c.Registry.CloseAll()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.Logger.Sync()
}
