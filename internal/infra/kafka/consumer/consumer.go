package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/config"
)

// enqueueHandler defines the interface for handling enqueue messages.
type enqueueHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// Consumer represents a Kafka consumer along with its configuration
// and the handler that processes externally submitted transcode requests.
type Consumer struct {
	Client         *wbfkafka.Consumer
	enqueueHandler enqueueHandler
	cfg            *config.Kafka
	strategy       retry.Strategy
}

// New creates a new Consumer for the enqueue topic.
func New(cfg *config.Kafka, s retry.Strategy, h enqueueHandler) *Consumer {
	consumer := wbfkafka.NewConsumer(cfg.Brokers, cfg.EnqueueTopic, cfg.GroupID)

	return &Consumer{
		Client:         consumer,
		enqueueHandler: h,
		cfg:            cfg,
		strategy:       s,
	}
}

// Consume continuously fetches messages from Kafka, processes them using the
// handler, and commits offsets after successful processing. It stops
// gracefully on context cancellation.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	zlog.Logger.Info().
		Str("topic", c.cfg.EnqueueTopic).
		Msg("starting consumer")

	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.Client.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			// Log error and retry after a short backoff.
			zlog.Logger.Err(err).Msg("failed to fetch message")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		// Process message using the enqueue handler.
		if err := c.enqueueHandler.Handle(ctx, msg); err != nil {
			zlog.Logger.Err(err).
				Str("message", string(msg.Value)).
				Msg("failed to process enqueue request")
			continue
		}

		// Commit the message with retries.
		err = retry.Do(func() error {
			return c.Client.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
		}

		zlog.Logger.Info().
			Int64("offset", msg.Offset).
			Str("message", string(msg.Value)).
			Msg("message handled successfully")
	}
}
