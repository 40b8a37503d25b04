package livereload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/notify"
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAnnounced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAnnounced:
		return "announced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultWriteTimeout = 10 * time.Second

// ErrSessionClosed is returned when writing to a closed session.
var ErrSessionClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	ServerName string
	// FrameRate limits inbound frames per second; zero disables limiting.
	FrameRate  float64
	FrameBurst int
	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings on transports that support them.
	PingInterval time.Duration
	Logger       logging.Logger
}

// Session is one browser connection speaking the push protocol.
type Session struct {
	id        string
	transport Transport
	bus       *notify.Bus
	opts      Options
	limiter   *rate.Limiter
	logger    logging.Logger

	mu    sync.Mutex
	state State
	sub   *notify.Subscription

	writeMu  sync.Mutex
	wg       sync.WaitGroup
	done     chan struct{}
	closeErr error
}

// NewSession creates a session in the Connecting state.
func NewSession(transport Transport, bus *notify.Bus, opts Options) *Session {
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Session{
		id:        uuid.NewString(),
		transport: transport,
		bus:       bus,
		opts:      opts,
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
	s.logger = logger.WithComponent("livereload").With("session", s.id)

	if opts.FrameRate > 0 {
		burst := opts.FrameBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), burst)
	}

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve reads frames until the transport fails or ctx ends, then closes the
// session. It returns nil on an orderly close.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pinger, ok := s.transport.(Pinger); ok && s.opts.PingInterval > 0 {
		s.wg.Add(1)
		go s.keepAlive(ctx, pinger)
	}

	var result error
	for {
		data, err := s.transport.Read(ctx)
		if err != nil {
			if !isNormalClosure(err) && ctx.Err() == nil {
				result = liveerrors.NewTransportError(s.id, "read", err)
				s.logger.Warn(ctx, result, "Session transport failed")
			}
			break
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn(ctx, nil, "Dropping frame over rate limit")
			continue
		}

		if err := s.HandleInboundFrame(ctx, data); err != nil {
			result = err
			break
		}
	}

	s.close(nil, "connection closed")
	cancel()
	s.wg.Wait()
	return result
}

// HandleInboundFrame processes one client frame. It only returns an error
// when a reply could not be written.
func (s *Session) HandleInboundFrame(ctx context.Context, data []byte) error {
	in, err := Decode(data)
	if err != nil {
		s.logger.Warn(ctx, liveerrors.NewProtocolDecodeError(s.id, err), "Malformed frame",
			"frame", logging.Truncate(string(data), 256))
		return s.acknowledge(ctx)
	}

	switch in.Command {
	case CommandHello:
		return s.handshake(ctx)
	case CommandInfo:
		if s.announce(ctx, in.URL) {
			return nil
		}
		return s.acknowledge(ctx)
	default:
		s.logger.Debug(ctx, "Unsupported command", "command", in.Command)
		return s.acknowledge(ctx)
	}
}

// Deliver writes n to the client.
func (s *Session) Deliver(ctx context.Context, n notify.Notification) error {
	frame, err := EncodeNotification(n)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

// Close closes the session. Notifications queued for it but not yet written
// go back to the bus.
func (s *Session) Close(reason string) error {
	return s.close(nil, reason)
}

func (s *Session) handshake(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateHandshaking
	}
	s.mu.Unlock()

	frame, err := EncodeHello(s.opts.ServerName)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

// announce subscribes the session on its first info frame. It reports
// false when the frame arrived before the handshake.
func (s *Session) announce(ctx context.Context, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAnnounced:
		return true
	case StateHandshaking:
	default:
		return false
	}

	s.sub = s.bus.Subscribe()
	s.state = StateAnnounced
	s.logger.Info(ctx, "Client announced", "url", url)

	s.wg.Add(1)
	go s.deliveryLoop(ctx, s.sub)
	return true
}

func (s *Session) deliveryLoop(ctx context.Context, sub *notify.Subscription) {
	defer s.wg.Done()

	for {
		n, err := sub.Next(ctx)
		if err != nil {
			return
		}

		if err := s.Deliver(ctx, n); err != nil {
			s.logger.Warn(ctx, liveerrors.NewTransportError(s.id, "write", err), "Delivery failed",
				"notification", n.String())
			if !s.shutdown([]notify.Notification{n}, "delivery failed") {
				// Closed concurrently; the rest of the queue went back already.
				sub.Close(n)
			}
			return
		}
		s.logger.Debug(ctx, "Delivered", "notification", n.String())
	}
}

func (s *Session) keepAlive(ctx context.Context, pinger Pinger) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := pinger.Ping(pingCtx)
			cancel()
			if err != nil {
				s.close(nil, "ping failed")
				return
			}
		}
	}
}

func (s *Session) acknowledge(ctx context.Context) error {
	frame, err := EncodeAlert(UnsupportedCommandMessage)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.transport.Write(writeCtx, frame)
}

// close moves the session to Closed. undelivered holds notifications taken
// from the subscription that never reached the client; together with the
// subscription's remaining queue they are handed back to the bus.
func (s *Session) close(undelivered []notify.Notification, reason string) error {
	if !s.shutdown(undelivered, reason) {
		return nil
	}
	return s.closeErr
}

// shutdown reports whether this call performed the transition.
func (s *Session) shutdown(undelivered []notify.Notification, reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close(undelivered...)
	}

	s.closeErr = s.transport.Close(reason)
	close(s.done)
	s.logger.Debug(context.Background(), "Session closed", "reason", reason)
	return true
}
