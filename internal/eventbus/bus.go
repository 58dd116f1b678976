package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus orchestrates topic-based publish/subscribe messaging inside one
// process. Every worker and the supervisor own exactly one Bus.
type Bus struct {
	logger        *log.Logger
	mu            sync.RWMutex
	subscribers   map[Topic]map[uint64]*Subscription
	topicBuffers  map[Topic]int
	topicPolicies map[Topic]DeliveryPolicy
	nextID        uint64
}

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	defaults := map[Topic]int{
		TopicLifecycleStartup:  16,
		TopicLifecycleShutdown: 16,
		TopicClusterBroadcast:  256,
		TopicWorkersLifecycle:  64,
		TopicListenerStatus:    16,
	}

	bus := &Bus{
		logger:        log.Default(),
		subscribers:   make(map[Topic]map[uint64]*Subscription),
		topicBuffers:  defaults,
		topicPolicies: make(map[Topic]DeliveryPolicy),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the buffer size for a given topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.topicBuffers[topic] = size
	}
}

// WithTopicPolicy overrides the delivery policy for a specific topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		b.topicPolicies[topic] = policy
	}
}

// Publish sends the envelope to all subscribers of the topic.
// If b is nil the call is a no-op.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil {
		return
	}
	b.publish(ctx, env)
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	subs := b.subscribers[env.Topic]
	for _, sub := range subs {
		sub.deliver(ctx, env, b.logger)
	}
	b.mu.RUnlock()
}

// Subscribe registers a subscriber for the given topic.
// If b is nil the returned Subscription has a closed channel and Close is
// a no-op.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		ch := make(chan Envelope)
		close(ch)
		done := make(chan struct{})
		close(done)
		sub := &Subscription{ch: ch, done: done}
		sub.closed.Store(true)
		return sub
	}

	cfg := subscriptionConfig{bufferSize: b.topicBuffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := atomic.AddUint64(&b.nextID, 1)
	sub := &Subscription{
		topic:  topic,
		id:     id,
		name:   cfg.name,
		ch:     make(chan Envelope, cfg.bufferSize),
		done:   make(chan struct{}),
		bus:    b,
		policy: policyFor(topic, b.topicPolicies),
	}

	b.mu.Lock()
	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[uint64]*Subscription)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub
}

// Shutdown closes all subscriptions and empties routing tables.
// If b is nil the call is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			sub.closeLocked()
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext ties the subscription lifecycle to a context.
// When the context is cancelled the subscription is automatically closed.
// A nil context is ignored.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription represents a consumer listening to a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope
	done  chan struct{} // closed when the subscription is closed

	bus     *Bus
	closed  atomic.Bool
	dropped atomic.Uint64
	policy  DeliveryPolicy
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close removes the subscription and closes the channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	close(s.done)

	if s.bus == nil {
		close(s.ch)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscribers[s.topic]; ok {
		delete(subs, s.id)
	}
	close(s.ch)
}

func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	close(s.ch)
}

func (s *Subscription) deliver(ctx context.Context, env Envelope, logger *log.Logger) {
	if s.closed.Load() {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	// Fast path: non-blocking send.
	select {
	case s.ch <- env:
		return
	default:
	}

	// Channel full, apply policy.
	switch s.policy.Strategy {
	case StrategyDropNewest:
		s.recordDrop(logger, "drop-newest")
	default: // StrategyDropOldest
		s.dropOldestAndEnqueue(env, logger)
	}
}

func (s *Subscription) dropOldestAndEnqueue(env Envelope, logger *log.Logger) {
	select {
	case <-s.ch:
		s.recordDrop(logger, "drop-oldest")
	default:
	}

	select {
	case s.ch <- env:
	default:
		s.recordDrop(logger, "drop-current")
	}
}

func (s *Subscription) recordDrop(logger *log.Logger, reason string) {
	count := s.dropped.Add(1)
	if logger != nil {
		name := s.name
		if name == "" {
			name = "subscription"
		}
		logger.Printf("[eventbus] dropped event #%d for %s on topic %s (%s)", count, name, s.topic, reason)
	}
}
