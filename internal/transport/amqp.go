package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"vectorflow/internal/services"
)

const defaultDialTimeout = 5 * time.Second

// AMQPBroker publishes persistent messages to a durable topic exchange and
// waits for publisher confirms. The connection is dialed lazily and rebuilt
// after any failure.
type AMQPBroker struct {
	url         string
	exchange    string
	dialTimeout time.Duration

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
}

// NewAMQPBroker returns a broker for url; nothing is dialed until Publish.
func NewAMQPBroker(url, exchange string, dialTimeout time.Duration) *AMQPBroker {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &AMQPBroker{url: url, exchange: exchange, dialTimeout: dialTimeout}
}

// Publish sends message with routing key topic and blocks until the broker
// confirms it or ctx ends.
func (b *AMQPBroker) Publish(ctx context.Context, topic string, message []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureChannel(); err != nil {
		return err
	}
	err := b.channel.Publish(b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         message,
	})
	if err != nil {
		b.resetLocked()
		return services.Wrap(services.ErrUnavailable, "broker", "publish", "", err)
	}

	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			b.resetLocked()
			return services.Wrap(services.ErrUnavailable, "broker", "publish", "channel closed before confirm", nil)
		}
		if !confirm.Ack {
			return services.Wrap(services.ErrTransient, "broker", "publish", fmt.Sprintf("message nacked (tag %d)", confirm.DeliveryTag), nil)
		}
		return nil
	case <-ctx.Done():
		// A late confirm would be matched to the next publish, so drop the channel.
		b.resetLocked()
		return services.Wrap(services.ErrTimeout, "broker", "publish", "waiting for confirm", ctx.Err())
	}
}

// Ping dials the broker if needed and declares the exchange.
func (b *AMQPBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureChannel()
}

// Close tears down the connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.conn != nil && !b.conn.IsClosed() {
		err = b.conn.Close()
	}
	b.conn, b.channel, b.confirms = nil, nil, nil
	return err
}

func (b *AMQPBroker) ensureChannel() error {
	if b.channel != nil && b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	b.resetLocked()
	if b.url == "" {
		return services.Wrap(services.ErrConfiguration, "broker", "dial", "broker url not configured", nil)
	}

	conn, err := amqp.DialConfig(b.url, amqp.Config{Dial: amqp.DefaultDial(b.dialTimeout)})
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "broker", "dial", "", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return services.Wrap(services.ErrUnavailable, "broker", "open channel", "", err)
	}
	if err := channel.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return services.Wrap(services.ErrUnavailable, "broker", "declare exchange", b.exchange, err)
	}
	if err := channel.Confirm(false); err != nil {
		_ = conn.Close()
		return services.Wrap(services.ErrUnavailable, "broker", "enable confirms", "", err)
	}
	b.conn = conn
	b.channel = channel
	b.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (b *AMQPBroker) resetLocked() {
	if b.conn != nil && !b.conn.IsClosed() {
		_ = b.conn.Close()
	}
	b.conn, b.channel, b.confirms = nil, nil, nil
}
