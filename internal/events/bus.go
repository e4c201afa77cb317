package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("timed out waiting for event")

// Bus delivers published events to one-shot subscriptions. A subscription
// receives at most one event and is detached as soon as it matches.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription is a pending one-shot listener created by Bus.Subscribe.
type Subscription[T any] struct {
	bus   *Bus[T]
	match func(T) bool
	ch    chan T
}

// Subscribe registers a listener for the first event accepted by match. A nil
// match accepts every event. Subscribe before triggering the action that will
// cause the event, or it may be missed.
func (b *Bus[T]) Subscribe(match func(T) bool) *Subscription[T] {
	s := &Subscription[T]{bus: b, match: match, ch: make(chan T, 1)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish hands ev to every waiting subscription that matches it and returns
// how many received it.
func (b *Bus[T]) Publish(ev T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for s := range b.subs {
		if s.match != nil && !s.match(ev) {
			continue
		}
		delete(b.subs, s)
		s.ch <- ev
		n++
	}
	return n
}

// Len returns the number of pending subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Wait blocks for the matching event, ctx cancellation or timeout, whichever
// comes first. A non-positive timeout waits on ctx alone. The subscription is
// detached on every outcome.
func (s *Subscription[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return s.abandon(ctx.Err())
	case <-timer:
		return s.abandon(ErrTimeout)
	}
}

// Cancel detaches the subscription without waiting.
func (s *Subscription[T]) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

func (s *Subscription[T]) abandon(err error) (T, error) {
	s.Cancel()
	// Publish may have delivered between the timer firing and Cancel.
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	var zero T
	return zero, err
}
