/**
 * @description
 * Package dispatch delivers signed pipeline tasks to named queues, optionally after a
 * delay, and runs the worker that turns queued tasks into HTTP calls on the stage
 * endpoints. At-least-once delivery is owned by RabbitMQ; Dispatch itself never
 * retries and reports every failure to the caller.
 *
 * @notes
 * - Delays are implemented with per-delay holding queues whose messages expire and
 *   are dead-lettered back to the target queue.
 * - The first enqueue time travels with the task so the worker can stop redelivering
 *   after the maximum retry duration.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: Message properties and headers.
 * - github.com/google/uuid: Message ids.
 */
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Message headers carried by every task.
const (
	HeaderPath           = "x-task-path"
	HeaderSignature      = "x-signature"
	HeaderSigTimestamp   = "x-signature-timestamp"
	HeaderFirstEnqueued  = "x-first-enqueued-at"
	HeaderDeliveryNumber = "x-delivery-number"
)

// ErrInvalidTask is returned for tasks that cannot be published.
var ErrInvalidTask = errors.New("invalid task")

// TokenPayload is the standard task body.
type TokenPayload struct {
	Token string `json:"token"`
}

// SignedPayload is the signed-header variant: a JSON body authenticated by an HMAC
// header instead of an embedded token.
type SignedPayload struct {
	Body      json.RawMessage
	Signature string
	Timestamp string
}

// Task is one unit of work for a downstream stage.
type Task struct {
	Queue string
	Path  string
	// Payload is a TokenPayload or a SignedPayload.
	Payload interface{}
	Delay   time.Duration
}

// Dispatcher publishes tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Publisher is the broker surface the dispatcher needs. *rabbitmq.EventProducer
// satisfies it.
type Publisher interface {
	DeclareDelayQueue(exchange, queue string, delay time.Duration) (string, error)
	PublishMessage(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
}

// AMQPDispatcher publishes tasks to the task exchange.
type AMQPDispatcher struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
}

func NewAMQPDispatcher(publisher Publisher, exchange string) *AMQPDispatcher {
	return &AMQPDispatcher{publisher: publisher, exchange: exchange, now: time.Now}
}

// Dispatch publishes task once. Failures are returned unchanged in meaning; the caller
// decides whether to retry or fail its saga step.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.Queue) == "" || !strings.HasPrefix(task.Path, "/") {
		return fmt.Errorf("%w: queue %q path %q", ErrInvalidTask, task.Queue, task.Path)
	}

	headers := amqp091.Table{
		HeaderPath:           task.Path,
		HeaderFirstEnqueued:  d.now().UnixMilli(),
		HeaderDeliveryNumber: int64(1),
	}

	var body []byte
	switch p := task.Payload.(type) {
	case TokenPayload:
		if p.Token == "" {
			return fmt.Errorf("%w: empty token", ErrInvalidTask)
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		body = encoded
	case SignedPayload:
		if len(p.Body) == 0 || p.Signature == "" || p.Timestamp == "" {
			return fmt.Errorf("%w: incomplete signed payload", ErrInvalidTask)
		}
		if !json.Valid(p.Body) {
			return fmt.Errorf("%w: signed payload body is not JSON", ErrInvalidTask)
		}
		body = p.Body
		headers[HeaderSignature] = p.Signature
		headers[HeaderSigTimestamp] = p.Timestamp
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidTask, task.Payload)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    d.now(),
		Headers:      headers,
		Body:         body,
	}
	if err := d.publish(ctx, task.Queue, task.Delay, msg); err != nil {
		tasksDispatched.WithLabelValues(task.Queue, "error").Inc()
		return err
	}
	tasksDispatched.WithLabelValues(task.Queue, "ok").Inc()
	log.Printf("level=info component=dispatch msg=\"task dispatched\" queue=%s path=%s delay_s=%d message_id=%s", task.Queue, task.Path, int64(task.Delay/time.Second), msg.MessageId)
	return nil
}

// Redeliver re-enqueues an already published task after delay, keeping its identity
// and first-enqueue time.
func (d *AMQPDispatcher) Redeliver(ctx context.Context, queue string, delay time.Duration, msg amqp091.Publishing) error {
	return d.publish(ctx, queue, delay, msg)
}

func (d *AMQPDispatcher) publish(ctx context.Context, queue string, delay time.Duration, msg amqp091.Publishing) error {
	if delay <= 0 {
		if err := d.publisher.PublishMessage(ctx, d.exchange, queue, msg); err != nil {
			return fmt.Errorf("publish task to %s: %w", queue, err)
		}
		return nil
	}

	holding, err := d.publisher.DeclareDelayQueue(d.exchange, queue, delay)
	if err != nil {
		return fmt.Errorf("declare delay queue for %s: %w", queue, err)
	}
	// The default exchange routes by queue name.
	if err := d.publisher.PublishMessage(ctx, "", holding, msg); err != nil {
		return fmt.Errorf("publish delayed task to %s: %w", holding, err)
	}
	return nil
}
