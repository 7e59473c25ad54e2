package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/config"
	"github.com/proximet/mediacdn/internal/model"
)

// eventSource is the bus subscription the relay drains.
type eventSource interface {
	Subscribe() (string, <-chan model.Event)
	Unsubscribe(id string)
}

// Producer relays job lifecycle events to a Kafka topic for external
// consumers. The in-process bus stays authoritative; the relay is a plain
// subscriber and its failures never affect job state.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a Producer for the configured events topic.
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.EventsTopic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Produce serializes the event to JSON and sends it to Kafka. The job ID is
// used as the message key for partitioning and ordering.
func (p *Producer) Produce(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}

	key := []byte(ev.JobID.String())

	if err = p.Client.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send event: %v", err)
	}

	return nil
}

// Relay subscribes to the bus and forwards every event until the context is
// cancelled.
func (p *Producer) Relay(ctx context.Context, bus eventSource) {
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	zlog.Logger.Info().Str("topic", p.cfg.EventsTopic).Msg("starting kafka event relay")

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Info().Msg("shutdown signal received, stopping event relay")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Produce(ctx, ev); err != nil {
				zlog.Logger.Err(err).Str("event", string(ev.Name)).Msg("failed to relay event")
			}
		}
	}
}
