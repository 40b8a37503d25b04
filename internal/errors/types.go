// Package errors defines the error taxonomy of the live-reload server.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. Only listener bind failures and configuration failures are fatal;
// everything else is logged and the server keeps running.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by the subsystem that produced it.
type Kind string

const (
	KindWatchSetup     Kind = "watch_setup"
	KindBuild          Kind = "build"
	KindProtocolDecode Kind = "protocol_decode"
	KindTransport      Kind = "transport"
	KindListenerBind   Kind = "listener_bind"
	KindConfig         Kind = "config"
)

// Error is a structured error with context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if path, ok := e.Context["path"].(string); ok && path != "" {
		parts = append(parts, path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// Fatal reports whether the error must stop the process.
func (e *Error) Fatal() bool {
	return e.Kind == KindListenerBind || e.Kind == KindConfig
}

// NewWatchSetupError reports a watch path that could not be registered.
func NewWatchSetupError(path string, cause error) *Error {
	return (&Error{
		Kind:    KindWatchSetup,
		Code:    "ERR_WATCH_SETUP",
		Message: "cannot watch path",
		Cause:   cause,
	}).WithContext("path", path)
}

// NewBuildError reports a failed build invocation. Output is the captured
// standard error of the build command.
func NewBuildError(command string, output string, cause error) *Error {
	return (&Error{
		Kind:    KindBuild,
		Code:    "ERR_BUILD_FAILED",
		Message: fmt.Sprintf("build command %q failed", command),
		Cause:   cause,
	}).WithContext("output", output)
}

// NewProtocolDecodeError reports a malformed frame from a client.
func NewProtocolDecodeError(sessionID string, cause error) *Error {
	return (&Error{
		Kind:    KindProtocolDecode,
		Code:    "ERR_PROTOCOL_DECODE",
		Message: "malformed frame",
		Cause:   cause,
	}).WithContext("session_id", sessionID)
}

// NewTransportError reports a socket failure on a session.
func NewTransportError(sessionID, operation string, cause error) *Error {
	return (&Error{
		Kind:    KindTransport,
		Code:    "ERR_TRANSPORT_" + strings.ToUpper(operation),
		Message: operation + " failed",
		Cause:   cause,
	}).WithContext("session_id", sessionID)
}

// NewListenerBindError reports a listener that could not be bound.
func NewListenerBindError(addr string, cause error) *Error {
	return (&Error{
		Kind:    KindListenerBind,
		Code:    "ERR_LISTENER_BIND",
		Message: "cannot listen on " + addr,
		Cause:   cause,
	}).WithContext("address", addr)
}

// NewConfigError reports an invalid configuration value.
func NewConfigError(setting, message string) *Error {
	return (&Error{
		Kind:    KindConfig,
		Code:    "ERR_CONFIG_INVALID",
		Message: fmt.Sprintf("invalid configuration for %s: %s", setting, message),
	}).WithContext("setting", setting)
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}

	return false
}
