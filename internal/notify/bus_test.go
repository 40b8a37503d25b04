package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := sub.Next(ctx)
	require.NoError(t, err)
	return n
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "refresh", KindReload.String())
	assert.Equal(t, "error", KindAlert.String())
	assert.Equal(t, "unknown", Kind(7).String())
}

func TestNotificationConstructors(t *testing.T) {
	r := Reload("posts/index.html")
	assert.Equal(t, KindReload, r.Kind)
	assert.Equal(t, "posts/index.html", r.Path)
	assert.Equal(t, "reload(posts/index.html)", r.String())

	a := Alert("boom")
	assert.Equal(t, KindAlert, a.Kind)
	assert.Equal(t, "boom", a.Message)
}

func TestPublishWithoutSubscribersQueues(t *testing.T) {
	bus := NewBus(Options{})

	assert.Equal(t, 0, bus.Publish(Reload("a.html")))
	assert.Equal(t, 0, bus.Publish(Alert("oops")))

	assert.Equal(t, []Notification{Reload("a.html"), Alert("oops")}, bus.Pending())
	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Subscribers)
}

func TestSubscribeDrainsPendingInOrder(t *testing.T) {
	bus := NewBus(Options{})
	bus.Publish(Reload("a.html"))
	bus.Publish(Reload("b.html"))

	sub := bus.Subscribe()
	bus.Publish(Reload("c.html"))

	assert.Equal(t, "a.html", next(t, sub).Path)
	assert.Equal(t, "b.html", next(t, sub).Path)
	assert.Equal(t, "c.html", next(t, sub).Path)
	assert.Empty(t, bus.Pending())
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus(Options{})
	first := bus.Subscribe()
	second := bus.Subscribe()

	assert.Equal(t, 2, bus.Publish(Alert("build failed")))
	assert.Equal(t, "build failed", next(t, first).Message)
	assert.Equal(t, "build failed", next(t, second).Message)
	assert.Empty(t, bus.Pending())
}

func TestClosedSubscriptionRetainsLaterPublishes(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()
	sub.Close()

	assert.Equal(t, 0, bus.Publish(Reload("after.html")))
	assert.Equal(t, []Notification{Reload("after.html")}, bus.Pending())

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	replacement := bus.Subscribe()
	assert.Equal(t, "after.html", next(t, replacement).Path)
}

func TestSubscriptionCloseReturnsUndelivered(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()
	bus.Publish(Reload("x.html"))
	bus.Publish(Reload("y.html"))

	assert.Equal(t, 2, sub.Close())
	assert.Equal(t, []Notification{Reload("x.html"), Reload("y.html")}, bus.Pending())
	assert.Zero(t, sub.Close())

	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestCloseReturnsUndeliveredAheadOfPending(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()
	bus.Publish(Reload("first.html"))
	bus.Publish(Reload("second.html"))

	taken := next(t, sub)
	assert.Equal(t, 2, sub.Close(taken))
	bus.Publish(Reload("later.html"))

	assert.Equal(t, []Notification{
		Reload("first.html"),
		Reload("second.html"),
		Reload("later.html"),
	}, bus.Pending())
}

func TestCloseKeepsBacklogWhenOthersAreLive(t *testing.T) {
	bus := NewBus(Options{})
	bus.Publish(Reload("a.html"))
	bus.Publish(Reload("b.html"))

	first := bus.Subscribe()
	second := bus.Subscribe()

	// Only first saw the backlog, so it must survive first going away.
	assert.Equal(t, 2, first.Close())
	assert.Equal(t, []Notification{Reload("a.html"), Reload("b.html")}, bus.Pending())
	assert.Equal(t, 1, bus.Stats().Subscribers)

	third := bus.Subscribe()
	assert.Equal(t, "a.html", next(t, third).Path)
	assert.Equal(t, "b.html", next(t, third).Path)
	second.Close()
	third.Close()
}

func TestCloseReturnsTakenBacklogWhenOthersAreLive(t *testing.T) {
	bus := NewBus(Options{})
	bus.Publish(Reload("a.html"))
	bus.Publish(Reload("b.html"))

	first := bus.Subscribe()
	second := bus.Subscribe()
	defer second.Close()

	taken := next(t, first)
	require.Equal(t, "a.html", taken.Path)
	assert.Equal(t, 2, first.Close(taken))
	assert.Equal(t, []Notification{Reload("a.html"), Reload("b.html")}, bus.Pending())
}

func TestCloseDropsLiveItemsOthersReceived(t *testing.T) {
	bus := NewBus(Options{})
	first := bus.Subscribe()
	second := bus.Subscribe()
	defer second.Close()

	bus.Publish(Reload("shared.html"))
	taken := next(t, first)

	assert.Zero(t, first.Close(taken))
	assert.Empty(t, bus.Pending())
	assert.Equal(t, "shared.html", next(t, second).Path)
}

func TestCloseAfterConcurrentClose(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()
	bus.Publish(Reload("in-flight.html"))
	taken := next(t, sub)

	assert.Zero(t, sub.Close())
	assert.Equal(t, 1, sub.Close(taken))
	assert.Equal(t, []Notification{Reload("in-flight.html")}, bus.Pending())
}

func TestPendingLimitDropsOldest(t *testing.T) {
	bus := NewBus(Options{PendingLimit: 3})
	for i := 0; i < 5; i++ {
		bus.Publish(Reload(fmt.Sprintf("%d.html", i)))
	}

	assert.Equal(t, []Notification{Reload("2.html"), Reload("3.html"), Reload("4.html")}, bus.Pending())
	assert.Equal(t, uint64(2), bus.Stats().Dropped)
}

func TestPendingUnbounded(t *testing.T) {
	bus := NewBus(Options{PendingLimit: 0})
	for i := 0; i < DefaultPendingLimit+10; i++ {
		bus.Publish(Reload("x"))
	}
	assert.Len(t, bus.Pending(), DefaultPendingLimit+10)
	assert.Zero(t, bus.Stats().Dropped)
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	bus := NewBus(Options{SubscriberQueueLimit: 2})
	slow := bus.Subscribe()

	assert.Equal(t, 1, bus.Publish(Reload("1")))
	assert.Equal(t, 1, bus.Publish(Reload("2")))
	assert.Equal(t, 0, bus.Publish(Reload("3")))

	<-slow.Done()
	assert.Equal(t, 0, bus.Stats().Subscribers)
	// The slow subscriber's queue goes back ahead of the publish that evicted it.
	assert.Equal(t, []Notification{Reload("1"), Reload("2"), Reload("3")}, bus.Pending())
	assert.Zero(t, slow.Close())
}

func TestSlowSubscriberKeepsBacklog(t *testing.T) {
	bus := NewBus(Options{SubscriberQueueLimit: 2})
	bus.Publish(Reload("old"))

	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer fast.Close()

	assert.Equal(t, 2, bus.Publish(Reload("1")))

	// slow now holds [old, 1]; the next publish evicts it.
	assert.Equal(t, 1, bus.Publish(Reload("2")))
	<-slow.Done()
	assert.Equal(t, []Notification{Reload("old")}, bus.Pending())
	assert.Equal(t, "1", next(t, fast).Path)
	assert.Equal(t, "2", next(t, fast).Path)
}

func TestNextHonoursContext(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextWakesOnPublish(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()

	got := make(chan Notification, 1)
	go func() {
		n, err := sub.Next(context.Background())
		if err == nil {
			got <- n
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(Reload("late.html"))

	select {
	case n := <-got:
		assert.Equal(t, "late.html", n.Path)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()

	<-sub.Done()
	assert.Equal(t, 0, bus.Publish(Reload("ignored")))
	assert.Empty(t, bus.Pending())

	late := bus.Subscribe()
	<-late.Done()
}

// A notification published while a subscription is being created must reach
// that subscription exactly once.
func TestConcurrentPublishAndSubscribe(t *testing.T) {
	const total = 500
	bus := NewBus(Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			bus.Publish(Reload(fmt.Sprintf("%d", i)))
		}
	}()

	time.Sleep(time.Millisecond)
	sub := bus.Subscribe()
	wg.Wait()

	seen := make([]string, 0, total)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		n, err := sub.Next(ctx)
		cancel()
		if err != nil {
			break
		}
		seen = append(seen, n.Path)
	}

	require.Len(t, seen, total)
	for i, path := range seen {
		assert.Equal(t, fmt.Sprintf("%d", i), path)
	}
}
