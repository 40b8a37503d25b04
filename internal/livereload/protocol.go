// Package livereload implements the server side of the LiveReload push
// protocol: JSON text frames exchanged with the livereload.js client over a
// WebSocket.
package livereload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conneroisu/livesite/internal/notify"
)

// ProtocolOfficial7 is the only protocol version the server speaks.
const ProtocolOfficial7 = "http://livereload.com/protocols/official-7"

// DefaultServerName is advertised in the hello reply unless configured.
const DefaultServerName = "livesite-livereload"

// UnsupportedCommandMessage is the alert text sent in reply to frames the
// server does not handle.
const UnsupportedCommandMessage = "unsupported command"

// Command names used on the wire.
const (
	CommandHello  = "hello"
	CommandInfo   = "info"
	CommandReload = "reload"
	CommandAlert  = "alert"
)

// Inbound is a decoded client frame. Only Command is required; the other
// fields are informational.
type Inbound struct {
	Command   string          `json:"command"`
	Protocols []string        `json:"protocols,omitempty"`
	URL       string          `json:"url,omitempty"`
	Plugins   json.RawMessage `json:"plugins,omitempty"`
}

// HelloMessage answers the client's hello.
type HelloMessage struct {
	Command    string   `json:"command"`
	Protocols  []string `json:"protocols"`
	ServerName string   `json:"serverName"`
}

// ReloadMessage asks the client to reload path.
type ReloadMessage struct {
	Command string `json:"command"`
	LiveCSS bool   `json:"liveCSS"`
	Path    string `json:"path"`
}

// AlertMessage asks the client to show message.
type AlertMessage struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("invalid frame: %w", err)
	}
	if in.Command == "" {
		return Inbound{}, fmt.Errorf("invalid frame: missing command")
	}
	return in, nil
}

// EncodeHello builds the hello reply.
func EncodeHello(serverName string) ([]byte, error) {
	return json.Marshal(HelloMessage{
		Command:    CommandHello,
		Protocols:  []string{ProtocolOfficial7},
		ServerName: serverName,
	})
}

// EncodeAlert builds an alert frame.
func EncodeAlert(message string) ([]byte, error) {
	return json.Marshal(AlertMessage{Command: CommandAlert, Message: message})
}

// EncodeNotification converts a bus notification into its wire frame.
// Reload paths are made root-relative with a leading slash.
func EncodeNotification(n notify.Notification) ([]byte, error) {
	switch n.Kind {
	case notify.KindReload:
		return json.Marshal(ReloadMessage{
			Command: CommandReload,
			LiveCSS: !n.FullReload,
			Path:    rootRelative(n.Path),
		})
	case notify.KindAlert:
		return EncodeAlert(n.Message)
	default:
		return nil, fmt.Errorf("unknown notification kind %d", n.Kind)
	}
}

func rootRelative(path string) string {
	path = strings.TrimPrefix(path, "/")
	if path == "." {
		path = ""
	}
	return "/" + path
}
