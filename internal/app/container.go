package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/api/handlers"
	"github.com/acme/outbound-ivr-call/internal/concurrency"
	"github.com/acme/outbound-ivr-call/internal/config"
	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/infra/redis"
	"github.com/acme/outbound-ivr-call/internal/notify"
	"github.com/acme/outbound-ivr-call/internal/orchestrator"
	"github.com/acme/outbound-ivr-call/internal/queue"
	"github.com/acme/outbound-ivr-call/internal/telephony"
	"github.com/acme/outbound-ivr-call/internal/telephony/enablex"
	telephonyMock "github.com/acme/outbound-ivr-call/internal/telephony/mock"
	"github.com/acme/outbound-ivr-call/internal/webhook"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Redis      *redis.Client
	CallEvents *queue.CallEventTopic

	Provider      telephony.Provider
	Notifications notify.Channel
	Decoder       *webhook.Decoder
	Engine        *orchestrator.Engine

	events *queue.EventPublisher
	hub    *notify.Hub
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.init(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	cfg := c.Config

	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
	}

	if cfg.Kafka.Enabled {
		topic, err := queue.NewCallEventTopic(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		if err := topic.Ensure(ctx); err != nil {
			return fmt.Errorf("bootstrap kafka topic: %w", err)
		}
		c.CallEvents = topic
		c.events = topic.Publisher()
	}

	switch cfg.Voice.Provider {
	case "mock":
		c.Provider = telephonyMock.NewProvider(cfg.Voice.MockLatency)
		c.Logger.Warn("voice provider is mocked; drive calls with cmd/simulate")
	default:
		c.Provider = enablex.NewClient(cfg.Voice)
	}

	switch cfg.Notifications.Backend {
	case "redis":
		c.Notifications = notify.NewRedisQueue(c.Redis.Inner(), cfg.Notifications.Key, cfg.Stream.QueueCapacity, cfg.Stream.PollInterval)
	default:
		c.hub = notify.NewHub(cfg.Stream.QueueCapacity, c.Logger)
		c.Notifications = c.hub
	}

	c.Decoder = webhook.NewDecoder(cfg.Voice.AppID)

	eventURL := cfg.EventURL()
	if eventURL == "" {
		c.Logger.Warn("no public webhook url configured; set http.public_url or voice.event_url")
	}

	defaultVoice, err := domain.ParseVoice(cfg.IVR.PlayVoice, domain.VoiceFemale)
	if err != nil {
		return fmt.Errorf("bootstrap ivr: %w", err)
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(c.Logger)}
	if c.events != nil {
		opts = append(opts, orchestrator.WithEventSink(c.events))
	}
	if cfg.Lock.Enabled {
		opts = append(opts, orchestrator.WithGuard(concurrency.NewCallGuard(c.Redis.Inner(), cfg.Lock.Key, cfg.Lock.TTL)))
	}

	engine, err := orchestrator.NewEngine(
		c.Provider,
		c.Notifications,
		domain.DefaultScript(cfg.IVR.MenuText, cfg.IVR.HangupDelay),
		orchestrator.Settings{
			EventURL:      eventURL,
			DefaultText:   cfg.IVR.PlayText,
			DefaultVoice:  defaultVoice,
			ActionTimeout: cfg.Voice.RequestTimeout,
		},
		opts...,
	)
	if err != nil {
		return fmt.Errorf("bootstrap orchestrator: %w", err)
	}
	c.Engine = engine

	c.Logger.Info("container ready",
		zap.String("voice_provider", cfg.Voice.Provider),
		zap.String("notifications", cfg.Notifications.Backend),
		zap.Bool("kafka", c.CallEvents != nil),
		zap.Bool("call_guard", cfg.Lock.Enabled),
	)
	return nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	checks := map[string]handlers.HealthCheck{}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	return handlers.NewHandlerSet(handlers.Dependencies{
		Engine:        c.Engine,
		Decoder:       c.Decoder,
		Notifications: c.Notifications,
		Logger:        c.Logger,
		KeepAlive:     c.Config.Stream.KeepAlive,
		Checks:        checks,
	})
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Engine != nil {
		if err := c.Engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator drain: %w", err))
		}
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.events != nil {
		if err := c.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
