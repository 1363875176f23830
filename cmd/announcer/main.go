package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ekklesia/queue-service/internal/config"
	"ekklesia/queue-service/internal/events"
	"ekklesia/queue-service/internal/logging"
	"ekklesia/queue-service/internal/telemetry"
)

func main() {
	cfg, err := config.Read()
	if err != nil {
		logging.New("info").Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: "announcer",
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

	delay := cfg.ResubscribeDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		err := consume(ctx, cfg, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("announcer consumer stopped, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func consume(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	consumer, err := events.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue,
		[]string{events.TicketCalled, events.TicketRecalled})
	if err != nil {
		return err
	}
	defer consumer.Close()

	logger.Info("announcer consuming", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	return consumer.Run(ctx, func(ctx context.Context, event events.Event) error {
		logger.Info("announce",
			"ticket_number", event.Ticket.Number,
			"service_id", event.Ticket.ServiceID,
			"recall", event.Type == events.TicketRecalled,
			"text", events.Announcement(event),
		)
		return nil
	})
}
