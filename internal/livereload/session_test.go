package livereload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livesite/internal/notify"
)

const (
	helloFrame = `{"command":"hello","protocols":["http://livereload.com/protocols/official-7"]}`
	infoFrame  = `{"command":"info","url":"http://localhost:8000/","plugins":{}}`
	ackFrame   = `{"command":"alert","message":"unsupported command"}`
)

type fakeTransport struct {
	inbound chan []byte

	mu       sync.Mutex
	written  []string
	writeErr error
	hold     chan struct{}
	reason   string

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// holdWrites blocks writes until the returned channel is closed.
func (f *fakeTransport) holdWrites() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	return f.hold
}

func (f *fakeTransport) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func waitForFrames(t *testing.T, f *fakeTransport, count int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.frames()) >= count }, 2*time.Second, 5*time.Millisecond)
	return f.frames()
}

func reloadFrame(path string) string {
	frame, _ := json.Marshal(ReloadMessage{Command: CommandReload, LiveCSS: true, Path: path})
	return string(frame)
}

func announce(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.HandleInboundFrame(ctx, []byte(helloFrame)))
	require.NoError(t, s.HandleInboundFrame(ctx, []byte(infoFrame)))
	require.Equal(t, StateAnnounced, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "announced", StateAnnounced.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewSession(t *testing.T) {
	s := NewSession(newFakeTransport(), notify.NewBus(notify.Options{}), Options{})
	assert.Equal(t, StateConnecting, s.State())
	assert.Len(t, s.ID(), 36)

	other := NewSession(newFakeTransport(), notify.NewBus(notify.Options{}), Options{})
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestHelloHandshake(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{})

	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(helloFrame)))

	assert.Equal(t, StateHandshaking, s.State())
	frames := transport.frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"command":"hello","protocols":["http://livereload.com/protocols/official-7"],"serverName":"livesite-livereload"}`,
		frames[0])
}

func TestHelloUsesConfiguredServerName(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{ServerName: "custom"})

	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(helloFrame)))

	var hello HelloMessage
	require.NoError(t, json.Unmarshal([]byte(transport.frames()[0]), &hello))
	assert.Equal(t, "custom", hello.ServerName)
}

func TestInfoBeforeHelloIsAcknowledged(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})

	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(infoFrame)))

	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 0, bus.Stats().Subscribers)
	assert.JSONEq(t, ackFrame, transport.frames()[0])
}

func TestUnsupportedCommandAcknowledged(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{})

	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(`{"command":"reload","path":"/x"}`)))
	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(`not json`)))

	frames := transport.frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, ackFrame, frames[0])
	assert.JSONEq(t, ackFrame, frames[1])
	assert.Equal(t, StateConnecting, s.State())
}

func TestAnnounceFlushesPendingInOrder(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	bus.Publish(notify.Reload("a.html"))
	bus.Publish(notify.Reload("b.html"))

	s := NewSession(transport, bus, Options{})
	defer s.Close("test done")
	announce(t, s)

	bus.Publish(notify.Reload("c.html"))

	frames := waitForFrames(t, transport, 4)
	assert.JSONEq(t, reloadFrame("/a.html"), frames[1])
	assert.JSONEq(t, reloadFrame("/b.html"), frames[2])
	assert.JSONEq(t, reloadFrame("/c.html"), frames[3])
	assert.Empty(t, bus.Pending())
}

func TestAlertDelivered(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})
	defer s.Close("test done")
	announce(t, s)

	bus.Publish(notify.Alert("Traceback: oops"))

	frames := waitForFrames(t, transport, 2)
	assert.JSONEq(t, `{"command":"alert","message":"Traceback: oops"}`, frames[1])
}

func TestRepeatedInfoKeepsSubscription(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})
	defer s.Close("test done")
	announce(t, s)

	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(infoFrame)))
	require.NoError(t, s.HandleInboundFrame(context.Background(), []byte(helloFrame)))

	assert.Equal(t, StateAnnounced, s.State())
	assert.Equal(t, 1, bus.Stats().Subscribers)

	bus.Publish(notify.Reload("once.html"))
	frames := waitForFrames(t, transport, 3)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, transport.frames(), 3)
	assert.JSONEq(t, reloadFrame("/once.html"), frames[2])
}

func TestCloseUnsubscribesAndLaterPublishesQueue(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})
	announce(t, s)

	require.NoError(t, s.Close("bye"))
	assert.NoError(t, s.Close("again"))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, bus.Stats().Subscribers)
	<-s.Done()

	bus.Publish(notify.Reload("after.html"))
	assert.Equal(t, []notify.Notification{notify.Reload("after.html")}, bus.Pending())

	assert.ErrorIs(t, s.Deliver(context.Background(), notify.Reload("x")), ErrSessionClosed)
}

func TestDeliveryFailureRequeues(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})
	announce(t, s)

	transport.failWrites(errors.New("broken pipe"))
	bus.Publish(notify.Reload("lost.html"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after write failure")
	}

	bus.Publish(notify.Reload("later.html"))
	assert.Equal(t, []notify.Notification{
		notify.Reload("lost.html"),
		notify.Reload("later.html"),
	}, bus.Pending())

	// The next session receives both, in order
	next := newFakeTransport()
	replacement := NewSession(next, bus, Options{})
	defer replacement.Close("test done")
	announce(t, replacement)

	frames := waitForFrames(t, next, 3)
	assert.JSONEq(t, reloadFrame("/lost.html"), frames[1])
	assert.JSONEq(t, reloadFrame("/later.html"), frames[2])
}

func TestDeliveryFailureKeepsBacklogWhileOthersAnnounced(t *testing.T) {
	ctx := context.Background()
	bus := notify.NewBus(notify.Options{})
	bus.Publish(notify.Reload("a.html"))
	bus.Publish(notify.Reload("b.html"))

	transport := newFakeTransport()
	s := NewSession(transport, bus, Options{})
	require.NoError(t, s.HandleInboundFrame(ctx, []byte(helloFrame)))

	release := transport.holdWrites()
	require.NoError(t, s.HandleInboundFrame(ctx, []byte(infoFrame)))

	// A second tab is live while the first one loses its connection.
	other := bus.Subscribe()
	defer other.Close()

	transport.failWrites(errors.New("connection reset"))
	close(release)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after write failure")
	}

	assert.Equal(t, []notify.Notification{
		notify.Reload("a.html"),
		notify.Reload("b.html"),
	}, bus.Pending())
	assert.Equal(t, 1, bus.Stats().Subscribers)
}

func TestServeLifecycle(t *testing.T) {
	transport := newFakeTransport()
	bus := notify.NewBus(notify.Options{})
	s := NewSession(transport, bus, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	transport.inbound <- []byte(helloFrame)
	transport.inbound <- []byte(infoFrame)
	require.Eventually(t, func() bool { return s.State() == StateAnnounced }, time.Second, 5*time.Millisecond)

	bus.Publish(notify.Reload("index.html"))
	frames := waitForFrames(t, transport, 2)
	assert.JSONEq(t, reloadFrame("/index.html"), frames[1])

	close(transport.inbound)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestServeRateLimitsFrames(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{FrameRate: 0.5, FrameBurst: 1})

	transport.inbound <- []byte(helloFrame)
	transport.inbound <- []byte(helloFrame)
	transport.inbound <- []byte(helloFrame)
	close(transport.inbound)

	require.NoError(t, s.Serve(context.Background()))
	assert.Len(t, transport.frames(), 1)
}

func TestServeReportsTransportFailure(t *testing.T) {
	transport := &failingReadTransport{fakeTransport: newFakeTransport()}
	s := NewSession(transport, notify.NewBus(notify.Options{}), Options{})

	err := s.Serve(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
}

type failingReadTransport struct {
	*fakeTransport
}

func (f *failingReadTransport) Read(context.Context) ([]byte, error) {
	return nil, errors.New("connection reset by peer")
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	bus := notify.NewBus(notify.Options{})

	first := NewSession(newFakeTransport(), bus, Options{})
	second := NewSession(newFakeTransport(), bus, Options{})
	require.True(t, hub.Add(first))
	require.True(t, hub.Add(second))
	announce(t, first)

	assert.Equal(t, 2, hub.Count())
	assert.Equal(t, 1, hub.CountAnnounced())

	hub.Remove(second)
	assert.Equal(t, 1, hub.Count())

	require.NoError(t, hub.CloseAll("shutdown"))
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, StateClosed, first.State())
	assert.False(t, hub.Add(NewSession(newFakeTransport(), bus, Options{})))
}
