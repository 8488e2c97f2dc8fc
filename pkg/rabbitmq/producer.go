/**
 * @description
 * This package wraps the RabbitMQ connection used by the settlement pipeline. The
 * producer publishes JSON domain events to topic exchanges and raw task messages to
 * the durable task exchange, including the per-delay holding queues that implement
 * delayed delivery through message TTL and dead-lettering.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// ensureChannel reopens the channel when the broker closed it (for example after a
// failed declare). It does not retry publishes.
func (p *EventProducer) ensureChannel() (*amqp091.Channel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is closed")
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"channel closed; reopening\"")
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return ch, nil
}

func (p *EventProducer) declareExchange(ch *amqp091.Channel, exchange, kind string) error {
	key := "exchange:" + exchange
	if p.declared[key] {
		return nil
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		kind,     // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	p.declared[key] = true
	return nil
}

// Publish sends a JSON message to a durable topic exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	if err := p.declareExchange(ch, exchange, "topic"); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed\" exchange=%s err=%v", exchange, err)
		return err
	}

	return ch.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         jsonBody,
		},
	)
}

// DeclareTaskQueues declares a durable direct exchange and one durable queue per name,
// each bound with its own name as routing key.
func (p *EventProducer) DeclareTaskQueues(exchange string, queues []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	if err := p.declareExchange(ch, exchange, "direct"); err != nil {
		return err
	}
	for _, queue := range queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
		p.declared["queue:"+queue] = true
	}
	return nil
}

// DelayQueueName returns the holding queue used to delay messages for queue.
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%dms", queue, delay.Milliseconds())
}

// DeclareDelayQueue declares the holding queue for queue and delay. Messages expire
// there after delay and are dead-lettered to exchange with queue as routing key.
func (p *EventProducer) DeclareDelayQueue(exchange, queue string, delay time.Duration) (string, error) {
	name := DelayQueueName(queue, delay)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.declared["queue:"+name] {
		return name, nil
	}
	ch, err := p.ensureChannel()
	if err != nil {
		return "", err
	}
	args := amqp091.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	p.declared["queue:"+name] = true
	return name, nil
}

// PublishMessage publishes a prepared message. An empty exchange targets the queue
// named by routingKey directly.
func (p *EventProducer) PublishMessage(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed\" exchange=%q routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
