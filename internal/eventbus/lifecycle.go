package eventbus

import (
	"context"
	"sync"
)

// SubscriptionCloser is the minimal contract required to close a subscription.
type SubscriptionCloser interface {
	Close()
}

// SubscriptionGroup tracks subscriptions that should be closed together.
type SubscriptionGroup struct {
	mu   sync.Mutex
	subs []SubscriptionCloser
}

// Add registers subscriptions for bulk shutdown. Nil values are ignored.
func (g *SubscriptionGroup) Add(subs ...SubscriptionCloser) {
	if g == nil || len(subs) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			g.subs = append(g.subs, sub)
		}
	}
}

// CloseAll closes all tracked subscriptions and clears the group.
func (g *SubscriptionGroup) CloseAll() {
	if g == nil {
		return
	}

	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// ServiceLifecycle runs bus consumers for one component: a cancellable
// context, the subscriptions they read from, and the goroutines draining
// them. Shutdown tears all three down together.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// Start derives the consumer context from the provided parent.
func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// AddSubscriptions registers subscriptions that should be closed on shutdown.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.subs.Add(subs...)
}

// Go runs a consumer goroutine tracked by the lifecycle.
func (l *ServiceLifecycle) Go(consumer func(ctx context.Context)) {
	if consumer == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		consumer(ctx)
	}(l.ctx)
}

// Shutdown cancels the consumer context, closes tracked subscriptions,
// and waits for every consumer to return. It gives up when ctx is done,
// returning its error.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.subs.CloseAll()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
