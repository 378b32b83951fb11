// Environment-variable configuration for the logger package.
//
//   - OPENR_LOG_LEVEL: per-subsystem level, e.g. "kvstore=debug,decision=warn,info"
//   - OPENR_LOG_FORMAT: "text" (default) or "json"
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LogFormat is the handler output format.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// Config holds the parsed logging configuration.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          LogFormat
	AddSource       bool
}

// LevelForSubsystem returns the configured level for a subsystem, falling
// back to DefaultLevel.
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

// current holds the active Config, lazily parsed from the environment
// on first use unless an embedding application calls Configure or
// ConfigureString first (e.g. openr.New deriving it from CoreConfig).
// atomic.Pointer rather than sync.Once's cached-forever value lets a
// caller replace the configuration after subsystems have already
// logged once, which a plain Once can't do.
var current atomic.Pointer[Config]

// ConfigFromEnv returns the active Config, parsing
// OPENR_LOG_LEVEL/OPENR_LOG_FORMAT/OPENR_LOG_ADD_SOURCE the first time
// nothing else has installed one.
func ConfigFromEnv() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	cfg := parseConfig()
	if current.CompareAndSwap(nil, cfg) {
		return cfg
	}
	return current.Load()
}

// Configure installs cfg as the active configuration, overriding
// whatever OPENR_LOG_* would otherwise produce. A subsystem's handler
// is created on its first Logger call and reused by every later call,
// so Configure only reaches subsystems first used after it; subsystems
// that already have a handler keep their prior level and format (only
// SetLevel/SetGlobalLevel change the level of an existing handler).
func Configure(cfg Config) {
	current.Store(&cfg)
}

// ConfigureString installs a configuration parsed from the same
// "subsystem=level,subsystem=level,defaultLevel" syntax ConfigFromEnv
// reads from OPENR_LOG_LEVEL, letting a CoreConfig-driven caller
// (openr.New) fold subsystem log levels into its own options rather
// than requiring the environment. format is "text" (default) or
// "json", matching OPENR_LOG_FORMAT.
func ConfigureString(levelStr, format string, addSource bool) {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		AddSource:       addSource,
	}
	if levelStr != "" {
		parseLevelConfig(cfg, levelStr)
	}
	if strings.EqualFold(format, "json") {
		cfg.Format = FormatJSON
	} else {
		cfg.Format = FormatText
	}
	current.Store(cfg)
}

func parseConfig() *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
		AddSource:       false,
	}

	if levelStr := os.Getenv("OPENR_LOG_LEVEL"); levelStr != "" {
		parseLevelConfig(cfg, levelStr)
	}

	if formatStr := os.Getenv("OPENR_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			cfg.Format = FormatJSON
		default:
			cfg.Format = FormatText
		}
	}

	if addSourceStr := os.Getenv("OPENR_LOG_ADD_SOURCE"); addSourceStr != "" {
		cfg.AddSource = addSourceStr != "false" && addSourceStr != "0"
	}

	return cfg
}

// parseLevelConfig parses "subsystem=level,subsystem=level,defaultLevel".
func parseLevelConfig(cfg *Config, levelStr string) {
	parts := strings.Split(levelStr, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) == 2 {
				subsystem := strings.TrimSpace(kv[0])
				levelName := strings.TrimSpace(kv[1])
				if level, ok := parseLevel(levelName); ok {
					cfg.SubsystemLevels[subsystem] = level
				}
			}
		} else if level, ok := parseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ResetConfig clears the active config so the next ConfigFromEnv call
// re-parses the environment. Test-only.
func ResetConfig() {
	current.Store(nil)
}
