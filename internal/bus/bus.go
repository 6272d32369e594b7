package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// inactivityTimeout is how long a consumer waits without traffic
// before waking to re-check its cancellation context.
const inactivityTimeout = 10 * time.Minute

// Publisher writes events onto the topic exchange.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher declares the exchange on the channel and returns a
// publisher over it.
func NewPublisher(ch *amqp.Channel) (*Publisher, error) {
	if err := declareExchange(ch); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	return nil
}

// Publish marshals payload as JSON and publishes it under the routing
// key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	err = p.ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Handler processes one event body. A non-nil error nacks the message
// without requeue and terminates the consume loop; the fleet restarts
// the worker.
type Handler func(ctx context.Context, body []byte) error

// Subscriber consumes a binding pattern from the topic exchange on an
// exclusive anonymous queue.
type Subscriber struct {
	ch      *amqp.Channel
	queue   string
	pattern string
	logger  *slog.Logger
}

// NewSubscriber declares the exchange, an exclusive anonymous queue,
// and the binding.
func NewSubscriber(ch *amqp.Channel, pattern string, logger *slog.Logger) (*Subscriber, error) {
	if err := declareExchange(ch); err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue for %s: %w", pattern, err)
	}
	if err := ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s to %s: %w", q.Name, pattern, err)
	}
	return &Subscriber{ch: ch, queue: q.Name, pattern: pattern, logger: logger}, nil
}

// Consume blocks processing deliveries until ctx is cancelled or the
// handler fails. Inactivity wakes the loop every 10 minutes without
// exiting.
func (s *Subscriber) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}

	idle := time.NewTimer(inactivityTimeout)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(inactivityTimeout)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			s.logger.Debug("no events in inactivity window", "pattern", s.pattern)
			continue
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", s.pattern)
			}
			if err := handler(ctx, d.Body); err != nil {
				// Poison message: drop it and surface the failure so
				// the fleet restarts this worker.
				_ = d.Nack(false, false)
				return fmt.Errorf("handle %s event: %w", s.pattern, err)
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack %s event: %w", s.pattern, err)
			}
		}
	}
}

// Run is the standard shape of a subscribed worker: declare, bind,
// consume until cancelled.
func Run(ctx context.Context, ch *amqp.Channel, pattern string, logger *slog.Logger, handler Handler) error {
	sub, err := NewSubscriber(ch, pattern, logger)
	if err != nil {
		return err
	}
	return sub.Consume(ctx, handler)
}

// Decode unmarshals an event body into the payload type, wrapping the
// error with the routing pattern for context.
func Decode[T any](body []byte) (T, error) {
	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fmt.Errorf("decode event payload: %w", err)
	}
	return payload, nil
}
