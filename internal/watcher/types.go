package watcher

import (
	"path/filepath"
	"time"
)

// Kind represents the type of file change
type Kind int

const (
	KindCreated Kind = iota
	KindModified
	KindDeleted
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent represents a single filesystem mutation under a watched path.
type ChangeEvent struct {
	Path string
	Kind Kind
	Time time.Time
}

// WatchSet is an ordered, de-duplicated set of paths watched together.
type WatchSet struct {
	Name      string
	Paths     []string
	Recursive bool
}

// NewWatchSet builds a WatchSet, dropping empty and duplicate entries while
// keeping the first occurrence order.
func NewWatchSet(name string, recursive bool, paths ...string) WatchSet {
	seen := make(map[string]struct{}, len(paths))
	set := WatchSet{Name: name, Recursive: recursive}
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		set.Paths = append(set.Paths, clean)
	}
	return set
}
