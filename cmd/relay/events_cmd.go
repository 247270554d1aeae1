package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"duster/internal/awsutil"
	"duster/internal/config"
	"duster/internal/events"
	"duster/internal/logging"
	sqsqueue "duster/internal/queue/sqs"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect delivery events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Consume the delivery events queue and log each event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadEvents()
			logging.Init("relay-events", cfg.LogFormat, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
			if err != nil {
				return err
			}
			consumer := &sqsqueue.EventConsumer{
				SQS:               client,
				QueueURL:          cfg.EventsQueueURL,
				WaitTimeSeconds:   cfg.SQSWaitTime,
				MaxMessages:       cfg.SQSMaxMsgs,
				VisibilityTimeout: cfg.SQSVizTimeout,
			}

			slog.Info("tailing delivery events", "queue_url", cfg.EventsQueueURL)
			err = consumer.PollConcurrent(ctx, cfg.Concurrency, func(_ context.Context, ev events.DeliveryEvent) error {
				slog.Info("delivery event",
					"event_id", ev.EventID,
					"message_id", ev.MessageID,
					"device_id", ev.DeviceID,
					"command", ev.Command,
					"status", ev.Status,
					"occurred_at", ev.OccurredAt,
				)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	})
	return cmd
}
