package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/livesite/internal/notify"
	"github.com/conneroisu/livesite/internal/rebuild"
	"github.com/conneroisu/livesite/internal/validation"
	"github.com/conneroisu/livesite/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild the site on change without serving it",
	Long: `Watch the site sources and run the build command after every change.
This is useful when another server already serves the output folder.

Examples:
  livesite watch                    # Watch all configured paths
  livesite watch --verbose          # Print every change event
  livesite watch --debounce 300ms   # Coalesce bursts of changes`,
	RunE: runWatch,
}

var watchVerbose bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Verbose output")
	watchCmd.Flags().Duration("debounce", 0, "Wait this long after the last change before rebuilding")

	bindOnRun(watchCmd, map[string]string{
		"debounce": "build.debounce",
	})
}

// consolePublisher reports build failures on the terminal since no browser
// is connected.
type consolePublisher struct {
	out io.Writer
}

func (p *consolePublisher) Publish(n notify.Notification) int {
	if n.Kind == notify.KindAlert {
		fmt.Fprintf(p.out, "Build failed:\n%s\n", validation.SanitizeInput(n.Message))
	}
	return 0
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	command, err := rebuild.BuildCommand(cfg.Build.Command, cfg.Site.ConfigFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	trigger := rebuild.New(command, &consolePublisher{out: cmd.ErrOrStderr()},
		rebuild.WithExecutor(&rebuild.CommandExecutor{Stdout: os.Stdout}),
		rebuild.WithDebounce(cfg.Build.Debounce),
		rebuild.WithLogger(logger),
		rebuild.WithObserver(func(outcome rebuild.Outcome) {
			if outcome.Succeeded {
				fmt.Fprintf(out, "Rebuilt in %s\n", outcome.Duration.Round(time.Millisecond))
			}
		}),
	)

	w, err := watcher.New(cfg.InputWatchSet(),
		watcher.WithLogger(logger),
		watcher.WithIgnore(cfg.Watch.Ignore...),
	)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Build.Initial {
		trigger.Rebuild(ctx, "initial build")
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	for _, path := range w.Skipped() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Not watching missing path: %s\n", path)
	}

	fmt.Fprintf(out, "Watching %d directories, press Ctrl+C to stop\n", w.Watched())

	events := w.Events()
	if watchVerbose {
		events = echoEvents(ctx, out, events)
	}

	if err := trigger.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := trigger.Stats()
	fmt.Fprintf(out, "Stopped after %d builds (%d failed)\n", stats.Builds, stats.Failures)
	return nil
}

// echoEvents prints each event before passing it on.
func echoEvents(ctx context.Context, out io.Writer, in <-chan watcher.ChangeEvent) <-chan watcher.ChangeEvent {
	title := cases.Title(language.English)
	forwarded := make(chan watcher.ChangeEvent)

	go func() {
		defer close(forwarded)
		for ev := range in {
			fmt.Fprintf(out, "%s %s %s\n", ev.Time.Format("15:04:05"), title.String(ev.Kind.String()), ev.Path)
			select {
			case forwarded <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return forwarded
}
