package amqp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"finlink/internal/domain/linking"
)

var (
	ErrIncompleteMessage = errors.New("import message lacks company or item id")
	ErrDeliveriesClosed  = errors.New("delivery channel closed")
)

const (
	publishTimeout = 5 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
)

// channel is the part of *amqp091.Channel the client uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// ImportHandler processes one import request.
type ImportHandler func(ctx context.Context, req linking.ImportRequest) error

// Client publishes and consumes account import requests on a durable queue
// bound to a direct exchange.
type Client struct {
	conn         *amqp091.Connection
	channel      channel
	exchangeName string
	queueName    string
}

// NewClient dials url and declares the exchange and queue.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch, exchangeName, queueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn, channel: ch, exchangeName: exchangeName, queueName: queueName}, nil
}

func declare(ch *amqp091.Channel, exchangeName, queueName string) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	// Routing key is the queue name
	if err := ch.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Enqueue publishes an import request as a persistent message.
func (c *Client) Enqueue(ctx context.Context, req linking.ImportRequest) error {
	body, err := NewImportMessage(req).ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal import message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.channel.PublishWithContext(ctx, c.exchangeName, c.queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		MessageId:    req.ItemID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish import message: %w", err)
	}

	log.Printf("Company %s: queued import of item %s on %s", req.CompanyID, req.ItemID, c.queueName)
	return nil
}

// Consume handles deliveries until ctx is done or the channel closes.
// A failed request is requeued once; a second failure drops it.
func (c *Client) Consume(ctx context.Context, handler ImportHandler) error {
	deliveries, err := c.channel.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	log.Printf("Consuming import requests from %s", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			handleDelivery(ctx, d, handler)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp091.Delivery, handler ImportHandler) {
	msg, err := ImportMessageFromJSON(d.Body)
	if err != nil {
		log.Printf("Dropping malformed import message: %v", err)
		d.Nack(false, false)
		return
	}

	req := msg.Request
	if err := handler(ctx, req); err != nil {
		requeue := !d.Redelivered
		log.Printf("Company %s: import of item %s failed (requeue=%t): %v", req.CompanyID, req.ItemID, requeue, err)
		d.Nack(false, requeue)
		return
	}

	d.Ack(false)
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ConsumeWithReconnect dials, consumes and redials with exponential backoff
// after connection failures, until ctx is done.
func ConsumeWithReconnect(ctx context.Context, url, exchangeName, queueName string, handler ImportHandler) error {
	for attempt := 0; ; {
		client, err := NewClient(url, exchangeName, queueName)
		if err == nil {
			attempt = 0
			err = client.Consume(ctx, handler)
			client.Close()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !isConnectionError(err) && !errors.Is(err, ErrDeliveriesClosed) {
			return err
		}

		wait := exponentialBackoff(attempt)
		attempt++
		log.Printf("AMQP consumer disconnected (%v), retrying in %v", err, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := minBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || amqpErr.Code == amqp091.ChannelError || amqpErr.Code == amqp091.ConnectionForced
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection closed", "connection reset", "eof", "broken pipe", "use of closed network connection", "dial"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
