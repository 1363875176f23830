package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ekklesia/queue-service/internal/broadcast"
	"ekklesia/queue-service/internal/config"
	"ekklesia/queue-service/internal/events"
	"ekklesia/queue-service/internal/httpapi"
	"ekklesia/queue-service/internal/hub"
	"ekklesia/queue-service/internal/livesync"
	"ekklesia/queue-service/internal/logging"
	"ekklesia/queue-service/internal/queue"
	"ekklesia/queue-service/internal/store"
	"ekklesia/queue-service/internal/store/memory"
	"ekklesia/queue-service/internal/store/postgres"
	"ekklesia/queue-service/internal/telemetry"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: "queue-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ticketStore store.TicketStore
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("db connect", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		ticketStore = postgres.NewStore(pool)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		ticketStore = memory.New()
	}

	var rdb *redis.Client
	var bus broadcast.Bus
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed; broadcasts resume once it is reachable", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		bus = broadcast.NewRedisBus(rdb, cfg.BroadcastChannel)
	} else {
		logger.Warn("REDIS_ADDR not set; broadcasts stay inside this process")
		bus = broadcast.NewMemoryBus()
	}

	notifiers := events.Multi{events.NewBroadcastNotifier(bus)}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("amqp publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}

	engine := queue.NewEngine(ticketStore, queue.Options{
		Notifier: notifiers,
		Logger:   logger,
		Location: cfg.Location(),
	})

	coordinator := livesync.NewCoordinator(ticketStore, livesync.Options{
		Bus:                 bus,
		Logger:              logger,
		ResubscribeDelay:    cfg.ResubscribeDelay,
		LocalMutationWindow: cfg.LocalMutationWindow,
	})
	h := hub.New(logger)
	expvar.Publish("realtime_clients", h.Var())
	coordinator.OnUpdate(h.PushSnapshot)
	go func() {
		if err := coordinator.Run(ctx); err != nil {
			logger.Error("live sync stopped", "error", err)
		}
	}()

	handler := httpapi.NewHandler(engine, ticketStore, coordinator, httpapi.Options{Logger: logger})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.UserRateLimitPerMinute,
		UserBurst:     cfg.UserRateLimitBurst,
		Redis:         rdb,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.AuthMiddleware(cfg.JWTSecret, limiter.UserMiddleware(handler.Routes())))
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		if _, err := httpapi.Authenticate(cfg.JWTSecret, session.Request()); err != nil {
			_ = session.Close(4001, "unauthorized")
			return
		}
		h.Serve(session)
	})
	mux.Handle("/realtime/", sockjsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(mux)), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("queue-service listening", "addr", server.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
