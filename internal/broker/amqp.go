package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// settleTimeout bounds how long a cancelled subscription waits for the
// in-flight delivery to be settled before closing its channel. An unsettled
// delivery is requeued by RabbitMQ when the channel closes.
const settleTimeout = 30 * time.Second

// Topology names the AMQP entities. Every entity is durable.
type Topology struct {
	Exchange           string // direct exchange the publisher writes to
	Queue              string // work queue the worker consumes
	RoutingKey         string
	DeadLetterExchange string // fanout exchange receiving nacked-without-requeue messages
	DeadLetterQueue    string
}

// NewTopology derives the dead-letter exchange and routing key from the
// main names.
func NewTopology(exchange, queue, deadLetterQueue string) Topology {
	return Topology{
		Exchange:           exchange,
		Queue:              queue,
		RoutingKey:         queue,
		DeadLetterExchange: exchange + ".dlx",
		DeadLetterQueue:    deadLetterQueue,
	}
}

// declare is idempotent: safe to call on every new channel.
func (t Topology) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.DeadLetterQueue, err)
	}
	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	return nil
}

// AMQP is a RabbitMQ-backed Publisher and Subscriber. The connection is
// re-dialled lazily after it drops.
type AMQP struct {
	url      string
	topo     Topology
	prefetch int

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

var (
	_ Publisher  = (*AMQP)(nil)
	_ Subscriber = (*AMQP)(nil)
)

// DialAMQP connects to url and declares the topology.
func DialAMQP(url string, topo Topology) (*AMQP, error) {
	b := &AMQP{url: url, topo: topo, prefetch: 1}

	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer ch.Close()

	if err := topo.declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQP) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionLocked()
}

func (b *AMQP) connectionLocked() (*amqp.Connection, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

// publishChannel returns the confirm-mode channel, reopening it if needed.
// Caller holds b.mu.
func (b *AMQP) publishChannel() (*amqp.Channel, error) {
	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

// Publish sends msg as a persistent message and waits for the publisher
// confirm. ctx bounds both the send and the wait.
func (b *AMQP) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		b.topo.Exchange,
		b.topo.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

// Subscribe opens a dedicated channel with prefetch 1 and starts consuming.
// When ctx is cancelled the consumer is cancelled, the in-flight delivery is
// given up to settleTimeout to be settled, and the channel is closed.
func (b *AMQP) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := b.topo.declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}

	tag := "ingest-worker-" + uuid.NewString()
	deliveries, err := ch.Consume(b.topo.Queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()

		var inflight *amqpDelivery
		for {
			select {
			case <-ctx.Done():
				if err := ch.Cancel(tag, false); err != nil {
					slog.Warn("rabbitmq consumer cancel failed", "tag", tag, "err", err)
				}
				if inflight != nil {
					select {
					case <-inflight.settled:
					case <-time.After(settleTimeout):
						slog.Warn("in-flight delivery not settled before shutdown; broker will requeue",
							"messageId", inflight.d.MessageId)
					}
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				inflight = &amqpDelivery{d: d, settled: make(chan struct{})}
				select {
				case out <- inflight:
				case <-ctx.Done():
					// Never handed out; closing the channel requeues it.
					inflight = nil
				}
			}
		}
	}()
	return out, nil
}

// Ping reports whether the broker is reachable, redialling if the
// connection dropped.
func (b *AMQP) Ping() error {
	_, err := b.connection()
	return err
}

// Close shuts the publish channel and the connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		errs = append(errs, b.pubCh.Close())
	}
	if b.conn != nil && !b.conn.IsClosed() {
		errs = append(errs, b.conn.Close())
	}
	b.pubCh, b.conn = nil, nil
	return errors.Join(errs...)
}

type amqpDelivery struct {
	d       amqp.Delivery
	settled chan struct{}
	once    sync.Once
}

func (a *amqpDelivery) Body() []byte      { return a.d.Body }
func (a *amqpDelivery) MessageID() string { return a.d.MessageId }
func (a *amqpDelivery) Redelivered() bool { return a.d.Redelivered }

func (a *amqpDelivery) Ack() error {
	err := ErrSettled
	a.once.Do(func() {
		err = a.d.Ack(false)
		close(a.settled)
	})
	return err
}

func (a *amqpDelivery) Nack(requeue bool) error {
	err := ErrSettled
	a.once.Do(func() {
		err = a.d.Nack(false, requeue)
		close(a.settled)
	})
	return err
}
