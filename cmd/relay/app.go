package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"duster/internal/awsutil"
	"duster/internal/config"
	"duster/internal/dispatch"
	"duster/internal/events"
	"duster/internal/httpserver"
	sqsqueue "duster/internal/queue/sqs"
	"duster/internal/ratelimit"
	"duster/internal/store"
	"duster/internal/store/memory"
	"duster/internal/store/pg"
	"duster/internal/transport"
	"duster/internal/transport/broker"
	"duster/internal/transport/mqtt"
)

// deps holds the infrastructure the relay runs on. Closers run in reverse order.
type deps struct {
	store     store.Store
	rateLimit dispatch.RateLimiter
	// cache is nil when the rate windows live in Redis.
	cache   *ratelimit.Cache
	gateway transport.Gateway
	events  events.Publisher
	checks  []httpserver.Check
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg config.RelayConfig) (*deps, error) {
	d := &deps{}
	steps := []func(context.Context, config.RelayConfig) error{
		d.openStore,
		d.openRateLimiter,
		d.openEvents,
		d.openGateway,
	}
	for _, step := range steps {
		if err := step(ctx, cfg); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *deps) openStore(ctx context.Context, cfg config.RelayConfig) error {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory message store, messages are lost on restart")
		d.store = memory.New()
		return nil
	}

	if cfg.DBAutoMigrate {
		if err := pg.Migrate(ctx, cfg.DBDSN, "up"); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}
	pool, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	d.closers = append(d.closers, pool.Close)

	startupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(startupCtx); err != nil {
		return fmt.Errorf("db not reachable: %w", err)
	}

	d.store = pg.New(pool)
	d.checks = append(d.checks, httpserver.Check{Name: "postgres", Fn: pool.Ping})
	return nil
}

func (d *deps) openRateLimiter(ctx context.Context, cfg config.RelayConfig) error {
	if cfg.RateLimitBackend == "memory" {
		d.cache = ratelimit.NewCache(cfg.CollectorPeriod)
		d.rateLimit = d.cache
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	d.closers = append(d.closers, func() { _ = client.Close() })

	w := ratelimit.NewRedisWindow(client, cfg.RedisKeyPrefix)
	startupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := w.Ping(startupCtx); err != nil {
		return fmt.Errorf("redis not reachable: %w", err)
	}
	d.rateLimit = w
	d.checks = append(d.checks, httpserver.Check{Name: "redis", Fn: w.Ping})
	return nil
}

func (d *deps) openEvents(ctx context.Context, cfg config.RelayConfig) error {
	if cfg.EventsQueueURL == "" {
		d.events = events.Nop{}
		return nil
	}
	client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return fmt.Errorf("sqs client init: %w", err)
	}
	d.events = &sqsqueue.EventProducer{SQS: client, QueueURL: cfg.EventsQueueURL}
	return nil
}

func (d *deps) openGateway(_ context.Context, cfg config.RelayConfig) error {
	switch cfg.MQTTMode {
	case "embedded":
		d.gateway = broker.New(broker.Options{
			ListenAddr:   cfg.MQTTListenAddr,
			CertFile:     cfg.MQTTTLSCertFile,
			KeyFile:      cfg.MQTTTLSKeyFile,
			QoS:          cfg.MQTTQoS,
			InboxSize:    cfg.InboxSize,
			InboxWorkers: cfg.InboxWorkers,
		})
	default:
		gw, err := mqtt.New(mqtt.Options{
			BrokerURL:      cfg.MQTTBrokerURL,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			QoS:            cfg.MQTTQoS,
			InsecureTLS:    cfg.MQTTSSLInsecure,
			CAFile:         cfg.MQTTCAFile,
			ClientIDPrefix: cfg.MQTTClientIDPrefix,
			ConnectTimeout: cfg.MQTTConnectTimeout,
			PublishTimeout: cfg.MQTTPublishTimeout,
			InboxSize:      cfg.InboxSize,
			InboxWorkers:   cfg.InboxWorkers,
		})
		if err != nil {
			return fmt.Errorf("mqtt client init: %w", err)
		}
		d.gateway = gw
	}

	gw := d.gateway
	d.checks = append(d.checks, httpserver.Check{Name: "mqtt", Fn: func(context.Context) error {
		if !gw.Connected() {
			return transport.ErrNotConnected
		}
		return nil
	}})
	return nil
}

func newDispatcher(cfg config.RelayConfig, d *deps) *dispatch.Dispatcher {
	var limiter *rate.Limiter
	if cfg.PublishRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRPS), cfg.PublishBurst)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 3,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.BreakerMaxFailures },
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &dispatch.Dispatcher{
		Publisher: d.gateway,
		RateLimit: d.rateLimit,
		Limiter:   limiter,
		Breaker:   cb,
	}
}
