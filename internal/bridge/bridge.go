// Package bridge converts change events from the output directory into
// reload notifications.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/notify"
	"github.com/conneroisu/livesite/internal/watcher"
)

// Publisher accepts notifications for browser clients.
type Publisher interface {
	Publish(n notify.Notification) int
}

// Bridge publishes one reload notification per output change event.
type Bridge struct {
	root   string
	pub    Publisher
	logger logging.Logger
}

// New creates a bridge for the output directory at outputRoot.
func New(outputRoot string, pub Publisher, logger logging.Logger) (*Bridge, error) {
	root, err := filepath.Abs(outputRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output root %s: %w", outputRoot, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Bridge{
		root:   root,
		pub:    pub,
		logger: logger.WithComponent("bridge"),
	}, nil
}

// Root returns the absolute output root.
func (b *Bridge) Root() string {
	return b.root
}

// Notification maps ev to a reload notification whose path is relative to
// the output root in slash form. Events outside the root yield false.
func (b *Bridge) Notification(ev watcher.ChangeEvent) (notify.Notification, bool) {
	path := ev.Path
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return notify.Notification{}, false
		}
		path = abs
	}

	rel, err := filepath.Rel(b.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return notify.Notification{}, false
	}

	return notify.Reload(filepath.ToSlash(rel)), true
}

// Run publishes a notification for every event until the channel closes or
// ctx ends.
func (b *Bridge) Run(ctx context.Context, events <-chan watcher.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			n, ok := b.Notification(ev)
			if !ok {
				b.logger.Warn(ctx, nil, "Ignoring change outside output root", "path", ev.Path)
				continue
			}

			delivered := b.pub.Publish(n)
			b.logger.Debug(ctx, "Output changed", "path", n.Path, "kind", ev.Kind.String(), "sessions", delivered)
		}
	}
}
