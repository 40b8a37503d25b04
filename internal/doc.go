// Package internal contains the core implementation packages for livesite.
//
// This package follows Go's internal package convention, making these
// packages unavailable for import by external modules.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - watcher: File system monitoring of the site sources and output folder
//   - rebuild: Runs the site build command, one build at a time
//   - bridge: Turns output folder changes into reload notifications
//   - notify: Notification bus with a bounded pending queue
//   - livereload: LiveReload protocol frames and per-browser sessions
//   - server: Static file responder, dual-protocol listener and lifecycle
//   - config: Configuration loading and validation
//   - errors: Typed errors, suggestions and build output diagnostics
//   - logging: Structured logging on top of log/slog
//   - validation: Argument, path and host validation
//   - version: Build information
//
// # Data Flow
//
// A source change flows through the packages in this order:
//
//	watcher (input) -> rebuild -> notify.Alert on failure
//	watcher (output) -> bridge -> notify.Reload
//	notify.Bus -> livereload.Session -> browser
//
// Notifications published while no browser is announced are kept in the
// bus's pending queue and delivered, oldest first, to the next browser that
// announces itself.
package internal
