package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:      LevelDebug,
		Output:     &buf,
		JSON:       true,
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}

	logger := New(cfg)
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, fn := range []struct {
			log func(string, ...any)
			msg string
		}{
			{logger.Debug, "debug msg"},
			{logger.Info, "info msg"},
			{logger.Warn, "warn msg"},
			{logger.Error, "error msg"},
		} {
			buf.Reset()
			fn.log(fn.msg)
			if !strings.Contains(buf.String(), fn.msg) {
				t.Errorf("missing %q in output", fn.msg)
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("conn").Info("msg")
		if !strings.Contains(buf.String(), `"component":"conn"`) {
			t.Errorf("WithComponent missing component field: %s", buf.String())
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"foo": "bar"}).Info("msg")
		if !strings.Contains(buf.String(), "foo") || !strings.Contains(buf.String(), "bar") {
			t.Error("WithFields missing fields")
		}
	})

	t.Run("Wire", func(t *testing.T) {
		buf.Reset()
		logger.Wire("tx", []byte(`{"jsonrpc":"2.0"}`))
		if !strings.Contains(buf.String(), `"dir":"tx"`) {
			t.Errorf("Wire missing direction: %s", buf.String())
		}

		buf.Reset()
		logger.Wire("rx", bytes.Repeat([]byte("x"), maxWireBytes*2))
		if !strings.Contains(buf.String(), "...") {
			t.Error("Wire should truncate long frames")
		}

		logger.SetLevel(LevelInfo)
		buf.Reset()
		logger.Wire("tx", []byte("hidden"))
		if buf.Len() > 0 {
			t.Error("Wire should be silent above debug level")
		}
		logger.SetLevel(LevelDebug)
	})
}

func TestConsoleHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Supervisor").Info("state changed", "to", "connected", "reason", "socket open")

	line := buf.String()
	if !strings.Contains(line, "[info] supervisor: state changed") {
		t.Errorf("unexpected console line: %q", line)
	}
	if !strings.Contains(line, "to=connected") {
		t.Errorf("missing plain attr: %q", line)
	}
	if !strings.Contains(line, `reason="socket open"`) {
		t.Errorf("value with spaces should be quoted: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be promoted to header: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	l := Default()
	if l == nil {
		t.Fatal("Default logger is nil")
	}

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	SetDefault(New(cfg))
	defer SetDefault(l)

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Errorf("error %s", "formatted")
	WithComponent("comp").Info("comp msg")

	if !strings.Contains(buf.String(), "error formatted") {
		t.Error("Default logger captured no output")
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	if l.Enabled(context.Background(), LevelError) {
		t.Error("Nop logger should not be enabled for errors")
	}
}
