package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livesite/internal/notify"
	"github.com/conneroisu/livesite/internal/watcher"
)

func TestNotification(t *testing.T) {
	root := t.TempDir()
	b, err := New(root, notify.NewBus(notify.Options{}), nil)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		path     string
		expected string
		ok       bool
	}{
		{"top level file", filepath.Join(root, "index.html"), "index.html", true},
		{"nested file", filepath.Join(root, "posts", "hello", "index.html"), "posts/hello/index.html", true},
		{"stylesheet", filepath.Join(root, "assets", "css", "theme.css"), "assets/css/theme.css", true},
		{"root itself", root, ".", true},
		{"outside root", filepath.Join(filepath.Dir(root), "elsewhere.html"), "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := b.Notification(watcher.ChangeEvent{Path: tc.path, Kind: watcher.KindModified})
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, notify.KindReload, n.Kind)
				assert.Equal(t, tc.expected, n.Path)
			}
		})
	}
}

func TestNotificationRelativeRoot(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	b, err := New("output", notify.NewBus(notify.Options{}), nil)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(b.Root()))

	n, ok := b.Notification(watcher.ChangeEvent{Path: filepath.Join(b.Root(), "a.html")})
	require.True(t, ok)
	assert.Equal(t, "a.html", n.Path)
}

func TestRunPublishesEveryKind(t *testing.T) {
	root := t.TempDir()
	bus := notify.NewBus(notify.Options{})
	b, err := New(root, bus, nil)
	require.NoError(t, err)

	events := make(chan watcher.ChangeEvent, 4)
	events <- watcher.ChangeEvent{Path: filepath.Join(root, "a.html"), Kind: watcher.KindCreated}
	events <- watcher.ChangeEvent{Path: filepath.Join(root, "b.html"), Kind: watcher.KindModified}
	events <- watcher.ChangeEvent{Path: "/nowhere/c.html", Kind: watcher.KindModified}
	events <- watcher.ChangeEvent{Path: filepath.Join(root, "old.png"), Kind: watcher.KindDeleted}
	close(events)

	require.NoError(t, b.Run(context.Background(), events))

	assert.Equal(t, []notify.Notification{
		notify.Reload("a.html"),
		notify.Reload("b.html"),
		notify.Reload("old.png"),
	}, bus.Pending())
}

func TestRunStopsOnCancel(t *testing.T) {
	b, err := New(t.TempDir(), notify.NewBus(notify.Options{}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, make(chan watcher.ChangeEvent)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
