package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/api/courierapi"
	"github.com/BearBump/CourierBox/internal/broker/kafka"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch/fake"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch/resthttp"
	"github.com/BearBump/CourierBox/internal/ratelimit"
	"github.com/BearBump/CourierBox/internal/services/deliveries"
	"github.com/BearBump/CourierBox/internal/services/locations"
	"github.com/BearBump/CourierBox/internal/services/notifications"
	"github.com/BearBump/CourierBox/internal/services/session"
	"github.com/BearBump/CourierBox/internal/storage"
	"github.com/BearBump/CourierBox/internal/storage/localstate"
	"github.com/BearBump/CourierBox/internal/storage/pgstore"
	"github.com/BearBump/CourierBox/internal/storage/redisstore"
	"github.com/BearBump/CourierBox/internal/storage/sqlitestore"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type agentFactories struct {
	newKV             func(cfg *config.Config) (kv storage.KV, closeFn func(), err error)
	newDispatchClient func(cfg *config.Config) dispatch.Client
	newLimiter        func(cfg *config.Config) courierapi.RateLimiter
	newConsumer       func(cfg *config.Config) kafkaConsumer
	newProducer       func(cfg *config.Config) deliveries.Producer

	onListen func(addr string)
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newKV: func(cfg *config.Config) (storage.KV, func(), error) {
			switch cfg.Storage.Driver {
			case "redis":
				st := redisstore.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
				return st, func() { _ = st.Close() }, nil
			case "postgres":
				sslMode := cfg.Database.SSLMode
				if sslMode == "" {
					sslMode = "disable"
				}
				connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
					cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
				st, err := openPostgresWithRetry(connString, 60*time.Second)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			default:
				// Open falls back to its own default filename on empty path.
				st, err := sqlitestore.Open(cfg.Storage.SQLitePath)
				if err != nil {
					return nil, nil, err
				}
				return st, func() { _ = st.Close() }, nil
			}
		},
		newDispatchClient: func(cfg *config.Config) dispatch.Client {
			// Without a backend URL the agent runs against the local fake,
			// which is enough for a demo tour of the API.
			if cfg.Dispatch.BaseURL == "" {
				return fake.New()
			}
			timeout := time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			return resthttp.New(cfg.Dispatch.BaseURL, timeout)
		},
		newLimiter: func(cfg *config.Config) courierapi.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return ratelimit.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newConsumer: func(cfg *config.Config) kafkaConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			topic := cfg.Kafka.DeliveryEventsTopicName
			if topic == "" {
				topic = "delivery.events"
			}
			group := cfg.Kafka.NotificationConsumerGroup
			if group == "" {
				group = "courier-agent"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
		newProducer: func(cfg *config.Config) deliveries.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
	}
}

func statusUpdatesTopic(cfg *config.Config) string {
	if cfg.Kafka.StatusUpdatesTopicName != "" {
		return cfg.Kafka.StatusUpdatesTopicName
	}
	return "delivery.status"
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgstore.Store, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstore.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

func runAgent(ctx context.Context, cfg *config.Config, f agentFactories) error {
	kv, closeKV, err := f.newKV(cfg)
	if err != nil {
		return err
	}
	if closeKV != nil {
		defer closeKV()
	}
	store := localstate.New(kv)

	client := f.newDispatchClient(cfg)
	sessions := session.New(client, store)
	nc := notifications.New(sessions)
	dlv := deliveries.New(client, store, sessions, nc)
	if p := f.newProducer(cfg); p != nil {
		dlv.WithProducer(p, statusUpdatesTopic(cfg))
	}

	limiter := f.newLimiter(cfg)

	locInterval := time.Duration(cfg.Agent.LocationIntervalSeconds) * time.Second
	loc := locations.New(client, sessions, limiter).
		WithSettings(locInterval, int64(cfg.Agent.LocationRateLimitPerMinute))

	// Pick the previous session back up before serving anything.
	sessions.Restore(ctx)
	if sessions.Authenticated() {
		dlv.LoadPersisted(ctx)
	}

	if consumer := f.newConsumer(cfg); consumer != nil {
		defer func() { _ = consumer.Close() }()
		go func() {
			slog.Info("kafka consumer started",
				"topic", cfg.Kafka.DeliveryEventsTopicName, "group", cfg.Kafka.NotificationConsumerGroup)
			_ = consumer.Consume(ctx, nc.HandleEvent)
		}()
	}

	go func() {
		_ = loc.Run(ctx)
	}()

	api := courierapi.New(sessions, dlv, nc, loc, courierapi.Opts{
		ProofDir:           cfg.Agent.ProofDir,
		RateLimitPerMinute: int64(cfg.Agent.RateLimitPerMinute),
		Limiter:            limiter,
	})

	httpAddr := cfg.Agent.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	lis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return err
	}
	if f.onListen != nil {
		f.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("courier agent listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
