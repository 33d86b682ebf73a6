package log

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type command uint8

func (c command) String() string { return "cmd" }

func TestToFields(t *testing.T) {
	err := errors.New("boom")

	tests := []struct {
		name  string
		input []any
		want  int
	}{
		{"empty", []any{}, 0},
		{"pairs", []any{"a", "x", "b", 123, "c", true}, 3},
		{"duration and time", []any{"d", time.Second, "t", time.Now()}, 2},
		{"bare error", []any{err}, 1},
		{"zap field passthrough", []any{zap.String("x", "y"), "n", 1}, 2},
		{"odd args", []any{"key1", "val1", "key2"}, 2},
		{"non-string key", []any{123, "value"}, 1},
		{"stringer", []any{"command", command(0x90)}, 1},
		{"bytes", []any{"raw", []byte{0xA5, 0x40}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := toFields(tt.input...)
			if len(fields) != tt.want {
				t.Fatalf("toFields() returned %d fields, want %d", len(fields), tt.want)
			}
			for _, f := range fields {
				if f.Key == "" {
					t.Errorf("field has empty key: %+v", f)
				}
			}
		})
	}
}

func TestBytesRenderAsHex(t *testing.T) {
	fields := toFields("raw", []byte{0xA5, 0x40, 0x90})
	if got := fields[0].String; got != "A5 40 90" {
		t.Errorf("raw field = %q, want %q", got, "A5 40 90")
	}
}

func TestFromZapRecordsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).WithName("session").WithValues("address", "41:18:12:01:18:9F")

	l.Info("state changed", "from", "idle", "to", "candidate_known")
	l.Error(errors.New("nope"), "connect failed", "attempt", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LoggerName != "session" {
		t.Errorf("LoggerName = %q, want %q", entries[0].LoggerName, "session")
	}
	ctx := entries[1].ContextMap()
	if ctx["address"] != "41:18:12:01:18:9F" || ctx["error"] != "nope" {
		t.Errorf("context = %v, want address and error fields", ctx)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	opts := NewOptions()
	opts.Level = "loud"
	if _, err := NewLogger(opts); err == nil {
		t.Error("NewLogger() error = nil, want error for unknown level")
	}
	if errs := opts.Validate(); len(errs) != 1 {
		t.Errorf("Validate() = %v, want one error", errs)
	}
}

func TestInitReplacesStd(t *testing.T) {
	defer func(prev Logger) { std = prev }(Std())

	opts := NewOptions()
	opts.OutputPaths = []string{"stderr"}
	if err := Init(opts); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, ok := Std().(*zapLogger); !ok {
		t.Errorf("Std() = %T, want *zapLogger", Std())
	}
}
