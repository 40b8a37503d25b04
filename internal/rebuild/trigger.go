// Package rebuild runs the site build command in response to source changes
// and reports failed builds to browser clients as alerts.
package rebuild

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"

	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/notify"
	"github.com/conneroisu/livesite/internal/watcher"
)

// Publisher accepts notifications for browser clients.
type Publisher interface {
	Publish(n notify.Notification) int
}

// Outcome describes one finished build invocation.
type Outcome struct {
	Reason      string
	Succeeded   bool
	ErrorOutput string
	Duration    time.Duration
	// Skipped is set when the build never started because ctx had ended.
	Skipped bool
	// Cancelled is set when ctx ended while the build was running.
	Cancelled bool
	// Diagnostic is the problem located in the error output, if any.
	Diagnostic *liveerrors.Diagnostic
}

// Stats counts build invocations.
type Stats struct {
	Builds   int
	Failures int
}

// Trigger turns change events into build invocations.
type Trigger struct {
	command  []string
	pub      Publisher
	executor Executor
	debounce time.Duration
	observer func(Outcome)
	logger   logging.Logger
	parser   *liveerrors.OutputParser

	buildMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithExecutor replaces the process executor.
func WithExecutor(executor Executor) Option {
	return func(t *Trigger) {
		if executor != nil {
			t.executor = executor
		}
	}
}

// WithDebounce coalesces bursts of events into one build after the given
// quiet period. Zero runs one build per event.
func WithDebounce(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every build.
func WithObserver(fn func(Outcome)) Option {
	return func(t *Trigger) {
		t.observer = fn
	}
}

// New creates a trigger that runs command and publishes failures to pub.
func New(command []string, pub Publisher, opts ...Option) *Trigger {
	t := &Trigger{
		command:  append([]string(nil), command...),
		pub:      pub,
		executor: &CommandExecutor{},
		logger:   logging.NewNopLogger(),
		parser:   liveerrors.NewOutputParser(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("rebuild")
	return t
}

// Run consumes events until the channel closes or ctx ends. Without a
// debounce every event runs one build before the next event is read; the
// watcher buffers events that arrive meanwhile.
func (t *Trigger) Run(ctx context.Context, events <-chan watcher.ChangeEvent) error {
	var debounced func(func())
	if t.debounce > 0 {
		debounced = debounce.New(t.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			t.logger.Debug(ctx, "Source changed", "path", ev.Path, "kind", ev.Kind.String())

			if debounced == nil {
				t.Rebuild(ctx, ev.Path)
				continue
			}

			reason := ev.Path
			debounced(func() {
				t.Rebuild(ctx, reason)
			})
		}
	}
}

// Rebuild runs the build command once. Builds never overlap. A failure
// publishes exactly one alert carrying the captured error output.
func (t *Trigger) Rebuild(ctx context.Context, reason string) Outcome {
	t.buildMu.Lock()
	defer t.buildMu.Unlock()

	outcome := Outcome{Reason: reason}
	if ctx.Err() != nil {
		outcome.Skipped = true
		return outcome
	}

	t.logger.Info(ctx, "Rebuilding", "reason", reason)

	start := time.Now()
	stderr, err := t.executor.Execute(ctx, t.command)
	outcome.Duration = time.Since(start)

	switch {
	case err == nil:
		outcome.Succeeded = true
		t.logger.Info(ctx, "Build finished", "duration", outcome.Duration.String())
	case ctx.Err() != nil:
		// Shutdown interrupted the build; nobody is left to alert.
		outcome.ErrorOutput = stderr
		outcome.Cancelled = true
		t.logger.Debug(ctx, "Build cancelled", "reason", reason)
	default:
		message := stderr
		if strings.TrimSpace(message) == "" {
			message = err.Error()
		}
		outcome.ErrorOutput = message

		buildErr := liveerrors.NewBuildError(strings.Join(t.command, " "), message, err)
		fields := []interface{}{
			"duration", outcome.Duration.String(),
			"output", logging.Truncate(message, 2048),
		}
		if d := liveerrors.Primary(t.parser.Parse(stderr)); d != nil {
			outcome.Diagnostic = d
			if loc := d.Location(); loc != "" {
				buildErr = buildErr.WithContext("path", loc)
				fields = append(fields, "location", loc)
			}
		}
		t.logger.Error(ctx, buildErr, "Build failed", fields...)
		t.pub.Publish(notify.Alert(message))
	}

	t.record(outcome)
	if t.observer != nil {
		t.observer(outcome)
	}
	return outcome
}

// Stats returns build counters.
func (t *Trigger) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

func (t *Trigger) record(outcome Outcome) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.Builds++
	if !outcome.Succeeded && !outcome.Cancelled {
		t.stats.Failures++
	}
}
