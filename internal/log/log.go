// Package log is the structured logger used across daly-ble. It wraps zap
// behind a small key/value interface and keeps a process-wide default.
package log

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface passed to every component.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	// Error logs at ErrorLevel with err attached as the "error" field.
	Error(err error, msg string, keysAndValues ...any)

	// WithName returns a logger with name appended to its name path.
	WithName(name string) Logger
	// WithValues returns a logger that adds keysAndValues to every entry.
	WithValues(keysAndValues ...any) Logger

	// Sync flushes buffered entries.
	Sync() error
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	core *zap.Logger
}

// NewLogger builds a Logger from opts. Nil opts means NewOptions().
func NewLogger(opts *Options) (Logger, error) {
	if opts == nil {
		opts = NewOptions()
	}

	encoderConfig := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		TimeKey:       "timestamp",
		NameKey:       "logger",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendFloat64(float64(d) / float64(time.Millisecond))
		},
	}
	if opts.Format == "console" && opts.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, fmt.Errorf("log: level %q: %w", opts.Level, err)
	}

	outputPaths := opts.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	cfg := &zap.Config{
		DisableCaller:    opts.DisableCaller,
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         opts.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	core, err := cfg.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.DPanicLevel))
	if err != nil {
		return nil, fmt.Errorf("log: build zap logger: %w", err)
	}
	if opts.Name != "" {
		core = core.Named(opts.Name)
	}
	return &zapLogger{core: core}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) Logger {
	return &zapLogger{core: z.WithOptions(zap.AddCallerSkip(1))}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.core.Debug(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.core.Info(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.core.Warn(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	z.core.Error(msg, fields...)
}

func (z *zapLogger) WithName(name string) Logger {
	return &zapLogger{core: z.core.Named(name)}
}

func (z *zapLogger) WithValues(keysAndValues ...any) Logger {
	return &zapLogger{core: z.core.With(toFields(keysAndValues...)...)}
}

func (z *zapLogger) Sync() error {
	return z.core.Sync()
}

var (
	mu  sync.RWMutex
	std = NewNopLogger()
)

// Init replaces the process-wide logger.
func Init(opts *Options) error {
	l, err := NewLogger(opts)
	if err != nil {
		return err
	}
	mu.Lock()
	std = l
	mu.Unlock()
	return nil
}

// Std returns the process-wide logger.
func Std() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &zapLogger{core: zap.NewNop()}
}

func Debug(msg string, keysAndValues ...any)            { Std().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { Std().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { Std().Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { Std().Error(err, msg, keysAndValues...) }
func WithName(name string) Logger                       { return Std().WithName(name) }
func WithValues(keysAndValues ...any) Logger            { return Std().WithValues(keysAndValues...) }
