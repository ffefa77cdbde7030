package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}

	// Should not panic when logging.
	logger.Info("test message")
	logger.Debug("debug message")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		result := Default(original)
		if result != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("info by default", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _ := New(&buf, false)
		logger.Debug("hidden")
		logger.Info("shown")
		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Error("debug record logged at info level")
		}
		if !strings.Contains(out, "shown") {
			t.Error("info record missing")
		}
	})

	t.Run("level var flips at runtime", func(t *testing.T) {
		var buf bytes.Buffer
		logger, level := New(&buf, false)
		logger.Debug("before")
		level.Set(slog.LevelDebug)
		logger.Debug("after")
		out := buf.String()
		if strings.Contains(out, "before") {
			t.Error("debug record logged before level change")
		}
		if !strings.Contains(out, "after") {
			t.Error("debug record missing after level change")
		}
	})
}
