// Package logger provides the routing core's per-subsystem logging.
//
// Built on top of log/slog:
//   - log level configurable per subsystem
//   - configurable via environment variables (OPENR_LOG_LEVEL, OPENR_LOG_FORMAT)
//   - structured logging throughout
//
// Usage:
//
//	package kvstore
//
//	import "github.com/openr/openr/internal/util/logger"
//
//	var log = logger.Logger("kvstore")
//
//	func foo() {
//	    log.Info("peer added", "peer", peerName, "count", len(peers))
//	    log.Debug("full sync requested", "peer", peerName)
//	    log.Error("send failed", "err", err, "peer", peerName)
//	}
//
// Environment configuration:
//
//	# default level info, kvstore subsystem at debug
//	OPENR_LOG_LEVEL=kvstore=debug,info
//
//	# JSON output
//	OPENR_LOG_FORMAT=json
//
// An embedding application (openr.New, via CoreConfig.LogLevel/
// CoreConfig.LogFormat) can call Configure or ConfigureString instead
// of relying on the environment, so log verbosity travels with the
// rest of a Node's configuration.
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// registry caches the one *subsystemHandler each subsystem needs;
	// slog.New(handler) is cheap enough to redo on every Logger call, so
	// there is no separate *slog.Logger cache to keep in sync with it.
	registry sync.Map // map[string]*subsystemHandler

	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once
)

// Logger returns the Logger for a subsystem, configured from the
// active Config (ConfigFromEnv, or whatever Configure/ConfigureString
// last installed). Repeated calls for the same subsystem share the
// same underlying handler, so a later SetLevel call affects every
// Logger already handed out for it.
//
//	var log = logger.Logger("kvstore")
//	log.Info("peer found", "peer", peerID)
func Logger(subsystem string) *slog.Logger {
	return slog.New(handlerFor(subsystem))
}

func handlerFor(subsystem string) *subsystemHandler {
	if h, ok := registry.Load(subsystem); ok {
		return h.(*subsystemHandler)
	}
	cfg := ConfigFromEnv()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg.Format)
	actual, _ := registry.LoadOrStore(subsystem, h)
	return actual.(*subsystemHandler)
}

// GlobalLogger returns the default Logger, for logging that isn't tied to
// one subsystem.
func GlobalLogger() *slog.Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = Logger("openr")
	})
	return globalLogger
}

// SetLevel changes a subsystem's log level at runtime.
//
//	logger.SetLevel("kvstore", slog.LevelDebug)
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := registry.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel sets the level for every subsystem created so far.
func SetGlobalLevel(level slog.Level) {
	registry.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// Discard returns a Logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// With returns a subsystem Logger pre-bound with the given attributes.
func With(subsystem string, args ...any) *slog.Logger {
	return Logger(subsystem).With(args...)
}

func Debug(subsystem, msg string, args ...any) {
	Logger(subsystem).Debug(msg, args...)
}

func Info(subsystem, msg string, args ...any) {
	Logger(subsystem).Info(msg, args...)
}

func Warn(subsystem, msg string, args ...any) {
	Logger(subsystem).Warn(msg, args...)
}

func Error(subsystem, msg string, args ...any) {
	Logger(subsystem).Error(msg, args...)
}

// SetOutput redirects all logger output. Call early in process startup;
// loggers already created pick up the change automatically since they
// write through a dynamicWriter.
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
