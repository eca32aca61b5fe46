package communicator

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_Interface(t *testing.T) {
	// *slog.Logger must satisfy Logger
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}
	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

// captureLogger keeps the last call.
type captureLogger struct {
	level string
	msg   string
	args  []any
}

func (l *captureLogger) set(level, msg string, args []any) {
	l.level, l.msg, l.args = level, msg, args
}

func (l *captureLogger) Debug(msg string, args ...any) { l.set("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.set("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.set("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.set("error", msg, args) }

func TestWithAttrs_CustomLogger(t *testing.T) {
	base := &captureLogger{}
	logger := withAttrs(withAttrs(base, "connection_id", "c1"), "identifier", "dev")

	logger.Warn("stalled", "buffered", 3)

	if base.level != "warn" || base.msg != "stalled" {
		t.Errorf("unexpected call %s %q", base.level, base.msg)
	}
	want := []any{"connection_id", "c1", "identifier", "dev", "buffered", 3}
	if len(base.args) != len(want) {
		t.Fatalf("args = %v, want %v", base.args, want)
	}
	for i := range want {
		if base.args[i] != want[i] {
			t.Errorf("args = %v, want %v", base.args, want)
		}
	}

	for _, call := range []func(string, ...any){logger.Debug, logger.Info, logger.Error} {
		call("x")
		if len(base.args) != 4 {
			t.Errorf("expected fixed attrs on every level, got %v", base.args)
		}
	}
}

func TestWithAttrs_SlogLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger := withAttrs(base, "connection_id", "c1")
	if _, ok := logger.(*slog.Logger); !ok {
		t.Fatalf("expected *slog.Logger, got %T", logger)
	}

	logger.Info("connected")
	if out := buf.String(); !strings.Contains(out, "connection_id=c1") || !strings.Contains(out, "msg=connected") {
		t.Errorf("unexpected output %q", out)
	}
}
