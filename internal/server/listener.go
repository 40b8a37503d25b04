package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/net/netutil"

	"github.com/conneroisu/livesite/internal/config"
	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/livereload"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/notify"
)

// Listen binds the configured address. An empty address binds every IPv4
// interface, or every interface when IPv6 is enabled.
func Listen(cfg *config.Config) (net.Listener, error) {
	host := cfg.ListenAddress()
	network := "tcp4"
	if cfg.Server.IPv6 || strings.Contains(host, ":") {
		network = "tcp"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, liveerrors.NewListenerBindError(addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	return ln, nil
}

// DualHandler sends protocol upgrade requests to the push channel and every
// other request to the static responder.
type DualHandler struct {
	Static http.Handler
	Live   http.Handler
}

func (h *DualHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "" {
		h.Live.ServeHTTP(w, r)
		return
	}
	h.Static.ServeHTTP(w, r)
}

// LiveReloadHandler accepts WebSocket connections and runs one session per
// connection until it closes.
type LiveReloadHandler struct {
	bus            *notify.Bus
	hub            *livereload.Hub
	session        livereload.Options
	originPatterns []string
	readLimit      int64
	logger         logging.Logger
}

// NewLiveReloadHandler creates a handler registering sessions on hub.
func NewLiveReloadHandler(bus *notify.Bus, hub *livereload.Hub, cfg config.ReloadConfig, origins []string, logger logging.Logger) *LiveReloadHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LiveReloadHandler{
		bus: bus,
		hub: hub,
		session: livereload.Options{
			ServerName:   cfg.ServerName,
			FrameRate:    cfg.FrameRate,
			FrameBurst:   cfg.FrameBurst,
			PingInterval: cfg.PingInterval,
			Logger:       logger,
		},
		originPatterns: origins,
		readLimit:      cfg.ReadLimit,
		logger:         logger.WithComponent("listener"),
	}
}

func (h *LiveReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	session := livereload.NewSession(livereload.NewWebSocketTransport(conn, h.readLimit), h.bus, h.session)
	if !h.hub.Add(session) {
		_ = session.Close("server shutting down")
		return
	}
	defer h.hub.Remove(session)

	h.logger.Debug(r.Context(), "Session opened", "session", session.ID(), "remote", r.RemoteAddr)
	if err := session.Serve(r.Context()); err != nil {
		h.logger.Warn(r.Context(), err, "Session ended with error", "session", session.ID())
		return
	}
	h.logger.Debug(r.Context(), "Session closed", "session", session.ID())
}
