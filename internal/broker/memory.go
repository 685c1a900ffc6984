package broker

import (
	"context"
	"sync"
)

// Memory is an in-process broker with the same delivery semantics as the
// RabbitMQ queue: FIFO, prefetch 1 per subscription, requeue to the head on
// nack, and a dead-letter list.
type Memory struct {
	mu       sync.Mutex
	ready    []memMessage
	inflight map[*memDelivery]struct{}
	dead     []Message
	acked    int
	wake     chan struct{}
}

type memMessage struct {
	msg         Message
	redelivered bool
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

// NewMemory returns an empty broker.
func NewMemory() *Memory {
	return &Memory{
		inflight: make(map[*memDelivery]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Publish appends a copy of msg to the queue.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Body = append([]byte(nil), msg.Body...)

	m.mu.Lock()
	m.ready = append(m.ready, memMessage{msg: msg})
	m.mu.Unlock()
	m.signal()
	return nil
}

// Subscribe starts delivering messages. The next message is handed out only
// after the previous one is settled.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			d, ok := m.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				m.release(d)
				return
			}
			select {
			case <-d.settled:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RequeueUnacked returns every in-flight delivery to the head of the queue,
// as a broker does when a consumer connection drops. Settling a requeued
// delivery afterwards returns ErrSettled.
func (m *Memory) RequeueUnacked() int {
	m.mu.Lock()
	n := 0
	for d := range m.inflight {
		d.done = true
		close(d.settled)
		delete(m.inflight, d)
		m.ready = append([]memMessage{{msg: d.msg, redelivered: true}}, m.ready...)
		n++
	}
	m.mu.Unlock()
	if n > 0 {
		m.signal()
	}
	return n
}

// Ready returns the number of messages waiting for delivery.
func (m *Memory) Ready() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// InFlight returns the number of delivered, unsettled messages.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Acked returns the number of acknowledged deliveries.
func (m *Memory) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// DeadLetters returns the messages nacked without requeue.
func (m *Memory) DeadLetters() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.dead...)
}

func (m *Memory) next(ctx context.Context) (*memDelivery, bool) {
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			mm := m.ready[0]
			m.ready = m.ready[1:]
			more := len(m.ready) > 0
			d := &memDelivery{
				broker:      m,
				msg:         mm.msg,
				redelivered: mm.redelivered,
				settled:     make(chan struct{}),
			}
			m.inflight[d] = struct{}{}
			m.mu.Unlock()
			if more {
				m.signal()
			}
			return d, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// release puts back a delivery that was never handed to the subscriber.
func (m *Memory) release(d *memDelivery) {
	m.mu.Lock()
	if !d.done {
		d.done = true
		delete(m.inflight, d)
		m.ready = append([]memMessage{{msg: d.msg, redelivered: d.redelivered}}, m.ready...)
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Memory) settle(d *memDelivery, fn func()) error {
	m.mu.Lock()
	if d.done {
		m.mu.Unlock()
		return ErrSettled
	}
	d.done = true
	delete(m.inflight, d)
	fn()
	m.mu.Unlock()
	close(d.settled)
	return nil
}

type memDelivery struct {
	broker      *Memory
	msg         Message
	redelivered bool
	settled     chan struct{}
	done        bool // guarded by broker.mu
}

func (d *memDelivery) Body() []byte      { return d.msg.Body }
func (d *memDelivery) MessageID() string { return d.msg.ID }
func (d *memDelivery) Redelivered() bool { return d.redelivered }

func (d *memDelivery) Ack() error {
	return d.broker.settle(d, func() { d.broker.acked++ })
}

func (d *memDelivery) Nack(requeue bool) error {
	m := d.broker
	err := m.settle(d, func() {
		if requeue {
			m.ready = append([]memMessage{{msg: d.msg, redelivered: true}}, m.ready...)
			return
		}
		m.dead = append(m.dead, d.msg)
	})
	if err == nil && requeue {
		m.signal()
	}
	return err
}
