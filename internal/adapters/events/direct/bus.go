// Package direct provides an in-process event bus for single-binary
// deployments and tests.
package direct

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("direct bus closed")

// Bus implements ports.EventBus with one goroutine per subscription. A
// handler error redelivers the message up to MaxDeliver times in total.
// Messages published to a topic without subscribers are dropped.
type Bus struct {
	maxDeliver int
	delay      time.Duration
	buffer     int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	pending atomic.Int64
}

var _ ports.EventBus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithMaxDeliver bounds deliveries of one message.
func WithMaxDeliver(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDeliver = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a redelivery.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) { b.delay = d }
}

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		maxDeliver: 5,
		delay:      100 * time.Millisecond,
		buffer:     1024,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	bus     *Bus
	topic   string
	handler ports.MessageHandler
	ch      chan []byte
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// Publish implements ports.EventBus. It returns once the message is queued
// for every subscriber.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	subs := b.subs[topic]
	if len(subs) == 0 {
		b.logger.Debug("no subscribers, message dropped", slog.String("topic", topic))
		return nil
	}

	for _, s := range subs {
		msg := make([]byte, len(payload))
		copy(msg, payload)

		b.pending.Add(1)
		select {
		case s.ch <- msg:
		case <-s.done:
			b.pending.Add(-1)
		case <-ctx.Done():
			b.pending.Add(-1)
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements ports.EventBus. The subscription ends when ctx is
// done, Stop is called, or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	s := &subscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		ch:      make(chan []byte, b.buffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go s.run()
	context.AfterFunc(ctx, func() { _ = s.Stop() })
	return s, nil
}

// Pending returns the number of queued or in-flight messages.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// Drain waits until no message is queued or in flight, including messages
// published by handlers while draining.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops all subscriptions. Queued messages are discarded.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = map[string][]*subscription{}
	b.mu.Unlock()

	b.cancel()
	for _, s := range all {
		s.shutdown()
	}
	return nil
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.topic]
	for i, other := range subs {
		if other == s {
			b.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Stop implements ports.Subscription.
func (s *subscription) Stop() error {
	s.bus.remove(s)
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		<-s.exited
		for {
			select {
			case <-s.ch:
				s.bus.pending.Add(-1)
			default:
				return
			}
		}
	})
}

func (s *subscription) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			s.deliver(msg)
			s.bus.pending.Add(-1)
		}
	}
}

func (s *subscription) deliver(msg []byte) {
	b := s.bus
	for attempt := 1; attempt <= b.maxDeliver; attempt++ {
		err := s.handler(b.ctx, msg)
		if err == nil {
			return
		}
		if attempt == b.maxDeliver {
			b.logger.Error("message dropped after max deliveries",
				slog.String("topic", s.topic),
				slog.Int("deliveries", attempt),
				slog.String("error", err.Error()))
			return
		}

		b.logger.Warn("handler failed, redelivering",
			slog.String("topic", s.topic),
			slog.Int("delivery", attempt),
			slog.String("error", err.Error()))

		select {
		case <-s.done:
			return
		case <-time.After(b.delay):
		}
	}
}
