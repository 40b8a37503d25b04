// Package notify is the in-process publish/subscribe channel between the
// watchers and the live-reload sessions.
//
// Notifications that no live subscription accepts are kept in a pending
// queue and handed, in publication order, to the next subscription. All
// operations take the bus mutex, so a publish racing a subscribe is either
// drained into the new subscription or delivered to it live, never both.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/conneroisu/livesite/internal/logging"
)

const (
	// DefaultPendingLimit is the configured pending queue bound unless
	// overridden.
	DefaultPendingLimit = 256

	defaultSubscriberQueueLimit = 1024
)

// ErrSubscriptionClosed is returned by Next once the subscription is closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Options configures a Bus.
type Options struct {
	// PendingLimit caps the pending queue; the oldest entry is dropped first.
	// Zero means unbounded.
	PendingLimit int
	// SubscriberQueueLimit caps undelivered notifications per subscription.
	// A subscription over the limit is closed as a slow consumer.
	SubscriberQueueLimit int
	Logger               logging.Logger
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Pending     int
	Subscribers int
}

// Bus fans notifications out to subscriptions.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	pending     *queue
	published   uint64
	dropped     uint64
	closed      bool
	subLimit    int
	logger      logging.Logger
}

// NewBus creates a bus.
func NewBus(opts Options) *Bus {
	limit := opts.PendingLimit
	if limit < 0 {
		limit = 0
	}
	subLimit := opts.SubscriberQueueLimit
	if subLimit <= 0 {
		subLimit = defaultSubscriberQueueLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		pending:     newQueue(limit),
		subLimit:    subLimit,
		logger:      logger.WithComponent("notify"),
	}
}

// Publish delivers n to every live subscription and returns how many
// accepted it. When none did, n is appended to the pending queue.
func (b *Bus) Publish(n Notification) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.published++

	delivered := 0
	for id, sub := range b.subscribers {
		if sub.offer(n) {
			delivered++
			continue
		}
		b.logger.Warn(context.Background(), nil, "Dropping slow subscriber", "subscription", id)
		b.releaseLocked(sub, nil)
	}

	if delivered == 0 {
		b.enqueueLocked(n)
	}

	return delivered
}

// Subscribe registers a new subscription. The pending queue is drained into
// it first, so queued notifications precede anything published afterwards.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b.nextID, b, b.subLimit)
	if b.closed {
		sub.markClosed()
		return sub
	}

	backlog := b.pending.drain()
	if len(backlog) > 0 {
		b.logger.Debug(context.Background(), "Flushing pending notifications",
			"subscription", sub.id, "count", len(backlog))
		sub.preload(backlog)
	}
	b.subscribers[sub.id] = sub

	return sub
}

// Pending returns a copy of the pending queue.
func (b *Bus) Pending() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.snapshot()
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Pending:     b.pending.len(),
		Subscribers: len(b.subscribers),
	}
}

// Close closes every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		sub.markClosed()
	}
}

// releaseLocked unsubscribes sub and hands what it never delivered back to
// the pending queue. undelivered are notifications already taken with Next
// that did not reach the client. Backlog entries were drained into sub alone,
// so they always go back. Live entries go back only when no other
// subscription remains to have received them.
func (b *Bus) releaseLocked(sub *Subscription, undelivered []Notification) int {
	delete(b.subscribers, sub.id)
	entries := append(sub.takenEntries(undelivered), sub.markClosed()...)
	if b.closed || len(entries) == 0 {
		return 0
	}

	live := len(b.subscribers) == 0
	back := make([]Notification, 0, len(entries))
	for _, e := range entries {
		if e.backlog || live {
			back = append(back, e.n)
		}
	}
	if len(back) == 0 {
		return 0
	}

	if dropped := b.pending.pushFront(back); dropped > 0 {
		b.dropped += uint64(dropped)
		b.logger.Warn(context.Background(), nil, "Pending queue full, dropped oldest notification",
			"limit", b.pending.limit, "count", dropped)
	}
	b.logger.Debug(context.Background(), "Returned undelivered notifications",
		"subscription", sub.id, "count", len(back))
	return len(back)
}

func (b *Bus) enqueueLocked(n Notification) {
	if b.pending.push(n) {
		b.dropped++
		b.logger.Warn(context.Background(), nil, "Pending queue full, dropped oldest notification",
			"limit", b.pending.limit)
	}
}

// entry is a queued notification. backlog marks entries drained from the
// pending queue rather than fanned out live.
type entry struct {
	n       Notification
	backlog bool
}

// Subscription is one subscriber's FIFO of notifications.
type Subscription struct {
	id       uint64
	bus      *Bus
	mu       sync.Mutex
	items    []entry
	taken    entry
	hasTaken bool
	limit    int
	signal   chan struct{}
	done     chan struct{}
	closed   bool
}

func newSubscription(id uint64, bus *Bus, limit int) *Subscription {
	return &Subscription{
		id:     id,
		bus:    bus,
		limit:  limit,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription within its bus.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next blocks until a notification is available, the subscription closes,
// or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Notification{}, ErrSubscriptionClosed
		}
		if len(s.items) > 0 {
			e := s.items[0]
			s.items[0] = entry{}
			s.items = s.items[1:]
			s.taken, s.hasTaken = e, true
			s.mu.Unlock()
			return e.n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Close unsubscribes. Queued notifications, plus undelivered ones the caller
// took with Next but could not deliver, go back to the bus pending queue
// according to where they came from. It returns how many went back. Calling
// Close on a closed subscription still returns undelivered.
func (s *Subscription) Close(undelivered ...Notification) int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.bus.releaseLocked(s, undelivered)
}

func (s *Subscription) offer(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.items) >= s.limit {
		return false
	}
	s.items = append(s.items, entry{n: n})
	s.notify()
	return true
}

func (s *Subscription) preload(items []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range items {
		s.items = append(s.items, entry{n: n, backlog: true})
	}
	s.notify()
}

// takenEntries tags undelivered notifications with the origin recorded when
// the last one was taken with Next.
func (s *Subscription) takenEntries(undelivered []Notification) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]entry, 0, len(undelivered))
	for _, n := range undelivered {
		backlog := false
		if s.hasTaken && s.taken.n == n {
			backlog = s.taken.backlog
			s.hasTaken = false
		}
		entries = append(entries, entry{n: n, backlog: backlog})
	}
	return entries
}

func (s *Subscription) markClosed() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	rest := s.items
	s.items = nil
	return rest
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
