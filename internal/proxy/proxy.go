// Package proxy is the request/reply bridge to the reddit-proxy
// service. Each worker owns a response queue and correlates responses
// by UUID.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// inactivityTimeout is how long to wait on the response queue before
// logging and waiting again. The proxy can legitimately take a long
// time under reddit rate limiting.
const inactivityTimeout = 10 * time.Minute

// ErrNotCopy is returned when the proxy answers with a response type
// other than "copy". Callers treat it as "no data"; the request was
// understood but yielded nothing usable.
var ErrNotCopy = errors.New("proxy: response was not a copy")

// request is the envelope published to the shared proxy queue.
type request struct {
	Type              string  `json:"type"`
	ResponseQueue     string  `json:"response_queue"`
	UUID              string  `json:"uuid"`
	VersionUTCSeconds float64 `json:"version_utc_seconds"`
	SentAt            float64 `json:"sent_at"`
	Args              any     `json:"args"`
}

// Response is the proxy's reply. Info carries the payload when Type is
// "copy".
type Response struct {
	UUID string          `json:"uuid"`
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// Client sends correlated requests for a single worker. It is not safe
// for concurrent use; each worker builds its own with its own response
// queue so responses give the impression of serialness.
type Client struct {
	ch           *amqp.Channel
	requestQueue string
	respQueue    string
	version      float64
	logger       *slog.Logger
}

// New declares the shared request queue and this worker's response
// queue (prefix-workerID). version is the worker's boot timestamp in
// UTC seconds; the proxy drops requests whose response queue predates
// a restart.
func New(ch *amqp.Channel, requestQueue, responsePrefix, workerID string, version float64, logger *slog.Logger) (*Client, error) {
	respQueue := responsePrefix + "-" + workerID

	if _, err := ch.QueueDeclare(requestQueue, false, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare request queue %s: %w", requestQueue, err)
	}
	if _, err := ch.QueueDeclare(respQueue, false, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare response queue %s: %w", respQueue, err)
	}

	return &Client{
		ch:           ch,
		requestQueue: requestQueue,
		respQueue:    respQueue,
		version:      version,
		logger:       logger,
	}, nil
}

// Send publishes a request and blocks until the correlated response
// arrives. Responses with a stale UUID are dropped without requeue.
// A response whose type is not "copy" returns ErrNotCopy alongside the
// decoded response.
func (c *Client) Send(ctx context.Context, typ string, args any) (*Response, error) {
	msgUUID := uuid.NewString()

	body, err := json.Marshal(request{
		Type:              typ,
		ResponseQueue:     c.respQueue,
		UUID:              msgUUID,
		VersionUTCSeconds: c.version,
		SentAt:            float64(time.Now().UnixNano()) / float64(time.Second),
		Args:              args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", typ, err)
	}

	err = c.ch.PublishWithContext(ctx, "", c.requestQueue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("publish %s request: %w", typ, err)
	}

	c.logger.Debug("sent proxy request",
		"type", typ, "response_queue", c.respQueue, "uuid", msgUUID)

	consumerTag := "proxy-" + msgUUID
	deliveries, err := c.ch.Consume(c.respQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.respQueue, err)
	}
	defer func() { _ = c.ch.Cancel(consumerTag, false) }()

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
			return nil, ctx.Err()
		case <-idle.C:
			c.logger.Error("no response from proxy in 10 minutes",
				"uuid", msgUUID, "type", typ)
			continue
		case d, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("response queue %s closed", c.respQueue)
			}

			var resp Response
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				_ = d.Nack(false, false)
				return nil, fmt.Errorf("decode proxy response: %w", err)
			}

			if resp.UUID != msgUUID {
				// A response to a request we gave up on earlier.
				c.logger.Debug("ignoring stale proxy response",
					"got", resp.UUID, "want", msgUUID)
				_ = d.Nack(false, false)
				continue
			}

			if err := d.Ack(false); err != nil {
				return nil, fmt.Errorf("ack proxy response: %w", err)
			}

			if resp.Type != "copy" {
				c.logger.Info("proxy returned non-copy response",
					"type", resp.Type, "request_type", typ, "uuid", msgUUID)
				return &resp, ErrNotCopy
			}
			return &resp, nil
		}
	}
}

// SendInto sends a request and unmarshals the copy payload into out.
func (c *Client) SendInto(ctx context.Context, typ string, args any, out any) error {
	resp, err := c.Send(ctx, typ, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Info, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return nil
}
