// Package nats implements the event bus on NATS JetStream.
//
// All topics live in one stream whose subjects match the topic names. Each
// subscription is a durable consumer with explicit acks: a handler error
// naks the message for redelivery until MaxDeliver is reached, after which
// the message is terminated. Trace context travels in message headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// Config configures the bus.
type Config struct {
	URL    string
	Stream string
	// Subjects bound to the stream. Defaults to "autonomic.>".
	Subjects []string
	// ConsumerPrefix namespaces durable consumer names, so that two
	// deployments sharing a server do not steal each other's messages.
	ConsumerPrefix  string
	MaxDeliver      int
	AckWait         time.Duration
	RedeliveryDelay time.Duration
	// MemoryStorage keeps the stream in memory instead of on disk.
	MemoryStorage bool
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "AUTONOMIC"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"autonomic.>"}
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "autonomic"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 60 * time.Second
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = time.Second
	}
}

// Bus implements ports.EventBus.
type Bus struct {
	cfg        Config
	nc         *nats.Conn
	ownsConn   bool
	js         jetstream.JetStream
	propagator propagation.TextMapPropagator
	logger     *slog.Logger

	mu   sync.Mutex
	subs []*subscription
}

var _ ports.EventBus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(b *Bus) { b.propagator = p }
}

// Connect dials cfg.URL and creates the bus. The connection is closed with
// the bus.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("autonomic-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	b, err := New(ctx, nc, cfg, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New creates the bus on an existing connection and ensures the stream.
func New(ctx context.Context, nc *nats.Conn, cfg Config, opts ...Option) (*Bus, error) {
	cfg.applyDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Bus{
		cfg:        cfg,
		nc:         nc,
		js:         js,
		propagator: otel.GetTextMapPropagator(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects,
		Storage:   storage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return b, nil
}

// Publish implements ports.EventBus. It returns after the stream has
// persisted the message.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
		Header:  nats.Header{},
	}
	b.propagator.Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements ports.EventBus. The durable consumer for topic is
// created if missing; several processes subscribing to the same topic share
// its messages.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	name := ConsumerName(b.cfg.ConsumerPrefix, topic)
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	hctx, cancel := context.WithCancel(ctx)
	s := &subscription{bus: b, topic: topic, handler: handler, ctx: hctx, cancel: cancel}
	cc, err := cons.Consume(s.handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}
	s.cc = cc

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = s.Stop() })
	b.logger.Info("subscribed", slog.String("topic", topic), slog.String("consumer", name))
	return s, nil
}

// Close stops all consumers and, when the bus dialed the connection itself,
// drains it.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Stop()
	}
	if b.ownsConn {
		if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	return nil
}

// ConsumerName derives a durable consumer name from a topic. Durable names
// may not contain dots or wildcards.
func ConsumerName(prefix, topic string) string {
	r := strings.NewReplacer(".", "-", "*", "any", ">", "all")
	return r.Replace(prefix + "-" + topic)
}

type subscription struct {
	bus     *Bus
	topic   string
	handler ports.MessageHandler
	cc      jetstream.ConsumeContext
	once    sync.Once

	// ctx is the parent of every handler call and ends with the
	// subscription.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		if s.cc != nil {
			s.cc.Stop()
		}
	})
	return nil
}

func (s *subscription) handle(msg jetstream.Msg) {
	b := s.bus
	ctx := s.ctx
	if h := msg.Headers(); h != nil {
		ctx = b.propagator.Extract(ctx, propagation.HeaderCarrier(http.Header(h)))
	}

	delivered := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	err := s.handler(ctx, msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn("ack failed", slog.String("topic", s.topic), slog.String("error", ackErr.Error()))
		}
		return
	}

	if delivered >= uint64(b.cfg.MaxDeliver) {
		b.logger.Error("message dropped after max deliveries",
			slog.String("topic", s.topic),
			slog.Uint64("deliveries", delivered),
			slog.String("error", err.Error()))
		_ = msg.Term()
		return
	}

	b.logger.Warn("handler failed, redelivering",
		slog.String("topic", s.topic),
		slog.Uint64("delivery", delivered),
		slog.String("error", err.Error()))
	if nakErr := msg.NakWithDelay(b.cfg.RedeliveryDelay); nakErr != nil {
		b.logger.Warn("nak failed", slog.String("topic", s.topic), slog.String("error", nakErr.Error()))
	}
}
