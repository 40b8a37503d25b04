// Package server runs the development server: it binds the listener, builds
// the site, watches sources and output, serves the output folder and pushes
// reload notifications to connected browsers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/conneroisu/livesite/internal/bridge"
	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/livereload"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/notify"
	"github.com/conneroisu/livesite/internal/rebuild"
	"github.com/conneroisu/livesite/internal/validation"
	"github.com/conneroisu/livesite/internal/watcher"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Option customizes a Server.
type Option func(*Server)

// WithExecutor replaces the process executor used for builds.
func WithExecutor(executor rebuild.Executor) Option {
	return func(s *Server) {
		s.executor = executor
	}
}

// WithFs serves the output from fs instead of the output folder on disk.
func WithFs(fs afero.Fs) Option {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithBrowserOpener replaces the function that opens the browser.
func WithBrowserOpener(open func(url string) error) Option {
	return func(s *Server) {
		s.openBrowser = open
	}
}

// Server wires the watchers, the rebuild trigger, the notification bus and
// the HTTP listener together.
type Server struct {
	config      *config.Config
	logger      logging.Logger
	fs          afero.Fs
	executor    rebuild.Executor
	openBrowser func(url string) error

	bus     *notify.Bus
	hub     *livereload.Hub
	trigger *rebuild.Trigger

	serverMutex   sync.RWMutex
	httpServer    *http.Server
	listener      net.Listener
	inputWatcher  *watcher.Watcher
	outputWatcher *watcher.Watcher

	ready        chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a server for cfg. The build command is resolved immediately so
// that configuration errors surface before anything is bound.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		config:      cfg,
		logger:      logger.WithComponent("server"),
		openBrowser: openBrowser,
		ready:       make(chan struct{}),
		hub:         livereload.NewHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.Site.OutputFolder)
	}
	if s.executor == nil {
		s.executor = &rebuild.CommandExecutor{Stdout: os.Stdout}
	}

	command, err := rebuild.BuildCommand(cfg.Build.Command, cfg.Site.ConfigFile)
	if err != nil {
		return nil, err
	}

	s.bus = notify.NewBus(notify.Options{
		PendingLimit: cfg.Reload.PendingLimit,
		Logger:       logger,
	})
	s.trigger = rebuild.New(command, s.bus,
		rebuild.WithExecutor(s.executor),
		rebuild.WithDebounce(cfg.Build.Debounce),
		rebuild.WithLogger(logger),
	)

	return s, nil
}

// Bus returns the notification bus.
func (s *Server) Bus() *notify.Bus {
	return s.bus
}

// Hub returns the registry of live sessions.
func (s *Server) Hub() *livereload.Hub {
	return s.hub
}

// Trigger returns the rebuild trigger.
func (s *Server) Trigger() *rebuild.Trigger {
	return s.trigger
}

// Ready is closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the dual-protocol handler serving static files and
// push sessions.
func (s *Server) Handler() http.Handler {
	static := NewStaticHandler(s.fs, StaticOptions{
		IndexFile: s.config.Site.IndexFile,
		Logger:    s.logger,
	})
	return &DualHandler{
		Static: Chain(static, LoggingMiddleware(s.logger), RecoveryMiddleware(s.logger)),
		Live:   NewLiveReloadHandler(s.bus, s.hub, s.config.Reload, s.config.Server.AllowedOrigins, s.logger),
	}
}

// Start binds the listener, runs the initial build, starts watching and
// serves until ctx is cancelled. A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.serverMutex.Lock()
	s.listener = ln
	s.httpServer = httpServer
	s.serverMutex.Unlock()

	if s.config.Build.Initial {
		s.trigger.Rebuild(ctx, "initial build")
	}

	if err := s.startWatchers(ctx); err != nil {
		_ = ln.Close()
		return multierr.Append(err, s.Shutdown(context.Background()))
	}

	b, err := bridge.New(s.config.Site.OutputFolder, s.bus, s.logger)
	if err != nil {
		_ = ln.Close()
		return multierr.Append(err, s.Shutdown(context.Background()))
	}

	var (
		errMu  sync.Mutex
		runErr error
	)
	record := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errMu.Lock()
		runErr = multierr.Append(runErr, err)
		errMu.Unlock()
		cancel()
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		record(s.trigger.Run(ctx, s.inputWatcher.Events()))
	})
	wg.Go(func() {
		record(b.Run(ctx, s.outputWatcher.Events()))
	})
	wg.Go(func() {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			record(fmt.Errorf("http server failed: %w", err))
		}
	})

	url := fmt.Sprintf("http://%s", browserHost(ln.Addr()))
	s.logger.Info(ctx, "Serving", "url", url, "output", b.Root())
	close(s.ready)

	if s.config.Server.Browser {
		wg.Go(func() {
			if err := validation.ValidateURL(url); err != nil {
				s.logger.Warn(ctx, err, "Browser open failed due to invalid URL")
				return
			}
			if err := s.openBrowser(url); err != nil {
				s.logger.Warn(ctx, err, "Failed to open browser")
			}
		})
	}

	<-ctx.Done()

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return multierr.Append(runErr, shutdownErr)
}

func (s *Server) startWatchers(ctx context.Context) error {
	if err := os.MkdirAll(s.config.Site.OutputFolder, 0755); err != nil {
		s.logger.Warn(ctx, err, "Failed to create output folder", "path", s.config.Site.OutputFolder)
	}

	input, err := watcher.New(s.config.InputWatchSet(),
		watcher.WithLogger(s.logger),
		watcher.WithIgnore(s.config.Watch.Ignore...),
	)
	if err != nil {
		return err
	}
	// Ignore globs only filter sources; every output change reloads.
	output, err := watcher.New(s.config.OutputWatchSet(),
		watcher.WithLogger(s.logger),
	)
	if err != nil {
		return multierr.Append(err, input.Close())
	}

	s.serverMutex.Lock()
	s.inputWatcher = input
	s.outputWatcher = output
	s.serverMutex.Unlock()

	return multierr.Append(input.Start(ctx), output.Start(ctx))
}

// Shutdown stops serving and closes every session and watcher. Pending
// notifications are discarded with the bus. It is safe to call repeatedly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.serverMutex.RLock()
		httpServer := s.httpServer
		input, output := s.inputWatcher, s.outputWatcher
		s.serverMutex.RUnlock()

		var err error
		if httpServer != nil {
			err = multierr.Append(err, httpServer.Shutdown(ctx))
		}
		if input != nil {
			err = multierr.Append(err, input.Close())
		}
		if output != nil {
			err = multierr.Append(err, output.Close())
		}
		err = multierr.Append(err, s.hub.CloseAll("server shutting down"))
		s.bus.Close()

		s.shutdownErr = err
	})
	return s.shutdownErr
}

// browserHost maps wildcard binds to localhost so the URL is openable.
func browserHost(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := "localhost"
	if !tcp.IP.IsUnspecified() {
		host = tcp.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}
