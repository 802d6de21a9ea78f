package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/makerstack/creditledger/internal/usage"
)

// Routing keys bound to the usage queue.
const (
	RoutingKeyFunctionExecution = "usage.function_execution"
	RoutingKeyStorageSnapshot   = "usage.storage_snapshot"
)

// Consumer ingests usage events from the platform's AMQP stream. Delivery is
// at-least-once: storage failures are nacked back onto the queue and the
// ingestor's event log absorbs the replays, while malformed payloads are
// acked and dropped since redelivery cannot fix them.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	ingestor *usage.Ingestor
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, errParse := url.Parse(clean)
	if errParse != nil {
		return "", errParse
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("stream: invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// NewConsumer dials the broker and opens a channel.
func NewConsumer(amqpURL string, ingestor *usage.Ingestor) (*Consumer, error) {
	if ingestor == nil {
		return nil, errors.New("stream: ingestor is required")
	}
	cleanURL, errURL := sanitizeURL(amqpURL)
	if errURL != nil {
		return nil, errURL
	}

	conn, errDial := amqp.Dial(cleanURL)
	if errDial != nil {
		return nil, errDial
	}
	ch, errChannel := conn.Channel()
	if errChannel != nil {
		_ = conn.Close()
		return nil, errChannel
	}

	return &Consumer{conn: conn, ch: ch, ingestor: ingestor}, nil
}

// Start declares the topology and begins consuming in a background
// goroutine. The queue is durable and bound to the usage routing keys on a
// topic exchange.
func (c *Consumer) Start(ctx context.Context, exchange, queueName string) error {
	if c == nil || c.ch == nil {
		return errors.New("stream: consumer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	exchange = strings.TrimSpace(exchange)
	queueName = strings.TrimSpace(queueName)
	if exchange == "" || queueName == "" {
		return errors.New("stream: exchange and queue are required")
	}

	if errDeclare := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); errDeclare != nil {
		return errDeclare
	}
	q, errQueue := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if errQueue != nil {
		return errQueue
	}

	kinds := map[string]usage.EventKind{
		RoutingKeyFunctionExecution: usage.EventKindFunctionExecution,
		RoutingKeyStorageSnapshot:   usage.EventKindStorageSnapshot,
	}
	for routingKey := range kinds {
		if errBind := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); errBind != nil {
			return errBind
		}
	}

	deliveries, errConsume := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if errConsume != nil {
		return errConsume
	}

	go c.consume(ctx, deliveries, kinds)
	log.Infof("usage consumer started (exchange=%s queue=%s)", exchange, queueName)
	return nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, kinds map[string]usage.EventKind) {
	for delivery := range deliveries {
		kind, ok := kinds[delivery.RoutingKey]
		if !ok {
			log.Warnf("usage consumer: no handler for routing key %s, dropping", delivery.RoutingKey)
			_ = delivery.Ack(false)
			continue
		}
		if c.handleDelivery(ctx, kind, delivery.Body) {
			_ = delivery.Ack(false)
		} else {
			_ = delivery.Nack(false, true)
		}
	}
}

// handleDelivery applies one message and reports whether it should be acked.
func (c *Consumer) handleDelivery(ctx context.Context, kind usage.EventKind, body []byte) bool {
	events, errDecode := decodeEvents(body)
	if errDecode != nil {
		log.WithError(errDecode).Warn("usage consumer: dropping malformed payload")
		return true
	}
	for i := range events {
		if events[i].Kind == "" {
			events[i].Kind = kind
		}
	}

	summary, errBatch := c.ingestor.ProcessBatch(ctx, events)
	if errBatch != nil {
		log.WithError(errBatch).Warnf("usage consumer: batch failed (processed=%d failed=%d)", summary.Processed, summary.Failed)
		return false
	}
	return true
}

// decodeEvents accepts either a single event object or an array of events.
func decodeEvents(body []byte) ([]usage.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("stream: empty payload")
	}
	if trimmed[0] == '[' {
		var events []usage.Event
		if errUnmarshal := json.Unmarshal(trimmed, &events); errUnmarshal != nil {
			return nil, errUnmarshal
		}
		return events, nil
	}
	var ev usage.Event
	if errUnmarshal := json.Unmarshal(trimmed, &ev); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	return []usage.Event{ev}, nil
}

// Close shuts the channel and connection down, which ends the consume loop.
func (c *Consumer) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
