package notify

import "fmt"

// Kind tags a Notification.
type Kind int

const (
	KindReload Kind = iota
	KindAlert
)

// String returns the topic name of the kind.
func (k Kind) String() string {
	switch k {
	case KindReload:
		return "refresh"
	case KindAlert:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is a message for browser clients. Path and FullReload are
// set for KindReload, Message for KindAlert.
type Notification struct {
	Kind       Kind
	Path       string
	FullReload bool
	Message    string
}

// Reload builds a reload notification for a path relative to the output root.
func Reload(path string) Notification {
	return Notification{Kind: KindReload, Path: path}
}

// Alert builds an alert notification.
func Alert(message string) Notification {
	return Notification{Kind: KindAlert, Message: message}
}

func (n Notification) String() string {
	switch n.Kind {
	case KindReload:
		return fmt.Sprintf("reload(%s)", n.Path)
	case KindAlert:
		return fmt.Sprintf("alert(%d bytes)", len(n.Message))
	default:
		return "unknown"
	}
}
