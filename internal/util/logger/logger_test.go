package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestSetOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)

	log := Logger("test")
	log.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected log message in buffer, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value in buffer, got: %s", output)
	}
	if !strings.Contains(output, "subsystem=test") {
		t.Errorf("expected subsystem=test in buffer, got: %s", output)
	}
}

func TestSetOutput_ExistingLogger(t *testing.T) {
	log := Logger("test2")

	buf := &bytes.Buffer{}
	SetOutput(buf)

	// Logger was created before the output switch; it must still pick it up.
	log.Info("after switch", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "after switch") {
		t.Errorf("expected log message in buffer, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value in buffer, got: %s", output)
	}
}

func TestConfigureOverridesDefaultLevel(t *testing.T) {
	defer ResetConfig()
	Configure(Config{DefaultLevel: slog.LevelError, SubsystemLevels: map[string]slog.Level{}, Format: FormatText})

	log := Logger("configure-default-level-test")
	if log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be disabled under a configured error-level default")
	}
	if !log.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error level to remain enabled")
	}
}

func TestConfigureStringParsesSubsystemLevels(t *testing.T) {
	defer ResetConfig()
	ConfigureString("configure-string-test=debug,warn", "json", true)

	cfg := ConfigFromEnv()
	if cfg.Format != FormatJSON {
		t.Errorf("expected json format, got %v", cfg.Format)
	}
	if !cfg.AddSource {
		t.Error("expected AddSource true")
	}
	if lvl := cfg.LevelForSubsystem("configure-string-test"); lvl != slog.LevelDebug {
		t.Errorf("expected debug level for configure-string-test, got %v", lvl)
	}
	if lvl := cfg.LevelForSubsystem("some-other-subsystem"); lvl != slog.LevelWarn {
		t.Errorf("expected warn default level, got %v", lvl)
	}
}

func TestSetLevelAffectsAlreadyCreatedLogger(t *testing.T) {
	log := Logger("set-level-affects-existing-test")

	SetLevel("set-level-affects-existing-test", slog.LevelError)
	if log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn disabled after SetLevel(error)")
	}

	SetLevel("set-level-affects-existing-test", slog.LevelDebug)
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug enabled after SetLevel(debug)")
	}
}
