package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("events: bus closed")

// Handler consumes one event. A returned error is logged and does not
// end the subscription.
type Handler func(ctx context.Context, ev LiveEvent) error

// Bus fans events out to subscribers. Every subscriber owns an unbounded
// FIFO queue drained by its own goroutine: Publish never blocks on a slow
// handler, and each subscriber sees events in publish order.
type Bus struct { // AC
	logger *slog.Logger
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewBus creates a bus. A nil logger discards handler errors.
func NewBus(logger *slog.Logger) *Bus { // A
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger,
		subs:   xsync.NewMapOf[uint64, *Subscription](),
	}
}

// Subscription is a cancellable registration.
type Subscription struct { // AC
	id      uint64
	bus     *Bus
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queue  []LiveEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// ID returns the subscriber id.
func (s *Subscription) ID() uint64 { return s.id }

// Done is closed once the subscription has stopped delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe registers handler. Events published before the call are not
// delivered.
func (b *Bus) Subscribe(handler Handler) (*Subscription, error) { // A
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      b.nextID.Add(1),
		bus:     b,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs.Store(s.id, s)
	go s.run()
	return s, nil
}

// SubscribeChan registers a channel subscriber. The channel is closed after
// the subscription ends. buffer sizes the channel; delivery to it still
// goes through the subscriber queue, so a full channel only delays this
// subscriber.
func (b *Bus) SubscribeChan( // A
	buffer int,
) (<-chan LiveEvent, *Subscription, error) {
	ch := make(chan LiveEvent, buffer)
	sub, err := b.Subscribe(func(ctx context.Context, ev LiveEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-sub.Done()
		close(ch)
	}()
	return ch, sub, nil
}

// Publish enqueues ev for every current subscriber.
func (b *Bus) Publish(ev LiveEvent) { // A
	if b.closed.Load() {
		return
	}
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		s.enqueue(ev)
		return true
	})
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int { // A
	return b.subs.Size()
}

// Close ends every subscription and waits for their goroutines.
func (b *Bus) Close() { // A
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	var all []*Subscription
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		s.Close()
	}
	for _, s := range all {
		<-s.Done()
	}
}

// Close unregisters the subscription and drops queued events. It does not
// wait for a running handler; use Done for that. Close may be called from
// inside the handler.
func (s *Subscription) Close() { // A
	s.bus.subs.Delete(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.cancel()
}

func (s *Subscription) enqueue(ev LiveEvent) { // A
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (LiveEvent, bool) { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	ev := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) run() { // A
	defer close(s.done)
	for {
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			if err := s.handler(s.ctx, ev); err != nil {
				s.bus.logger.Warn(
					"event handler failed",
					logKeySubscriber, s.id,
					logKeyEvent, ev.Kind(),
					logKeyError, err,
				)
			}
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}
