package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"stockexchange-v1/internal/model"
)

// Compile-time check that EventPublisher implements model.EventSink.
var _ model.EventSink = (*EventPublisher)(nil)

const eventChannelPrefix = "pub:jobs:"

// EventChannel returns the Pub/Sub channel carrying job events of side.
func EventChannel(side model.Side) string { return eventChannelPrefix + string(side) }

// EventPublisher publishes job events to Redis Pub/Sub.
type EventPublisher struct {
	client *goredis.Client
	logger *slog.Logger
}

// NewEventPublisher creates a publisher on client.
func NewEventPublisher(client *goredis.Client, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{client: client, logger: logger.With("component", "job-events")}
}

// Publish sends ev on the channel of its side. Failures are logged only:
// events are a notification path, the job store stays the source of truth.
func (p *EventPublisher) Publish(ctx context.Context, ev model.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode event", "type", ev.Type, "job_id", ev.Job.ID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, EventChannel(ev.Job.Side), data).Err(); err != nil {
		p.logger.Warn("publish event", "type", ev.Type, "job_id", ev.Job.ID, "error", err)
	}
}

// Subscribe feeds job events of every side into out until ctx is cancelled.
// Events are dropped when out is full.
func (p *EventPublisher) Subscribe(ctx context.Context, out chan<- model.JobEvent) error {
	pubsub := p.client.PSubscribe(ctx, eventChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Channel, eventChannelPrefix) {
				continue
			}
			var ev model.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("decode event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}
}
