// Package broker is the message channel between the publisher and the worker.
//
// The contract is at-least-once: a delivery stays in flight until it is
// acked or nacked, nack with requeue (or a lost connection) makes it
// available again, and nack without requeue dead-letters it. Subscribers get
// at most one unsettled delivery at a time.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSettled is returned when a delivery is acked or nacked twice.
	ErrSettled = errors.New("delivery already settled")
	// ErrNotConfirmed is returned when the broker refuses to take
	// responsibility for a published message.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)

// Message is one outbound message. Body is published verbatim.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Timestamp   time.Time
}

// Publisher sends messages durably. Publish returns only after the broker
// has taken responsibility for the message, or with an error.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Body() []byte
	MessageID() string
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Subscriber hands out deliveries one at a time. The returned channel is
// closed when ctx is cancelled or the underlying connection is lost.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}
