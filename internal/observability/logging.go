package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger used throughout the gateway.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
}

// LevelSetter is implemented by loggers whose level can change at runtime.
type LevelSetter interface {
	SetLevel(level string) error
}

// Field is a typed log field.
type Field = zap.Field

var (
	String   = zap.String
	Int      = zap.Int
	Float64  = zap.Float64
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Stack    = zap.Stack
)

// Supported formats and outputs.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
	OutputStdout  = "stdout"
	OutputStderr  = "stderr"
)

// LogConfig selects level, encoding and destination.
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// DefaultLogConfig returns info-level JSON on stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: FormatJSON, Output: OutputStdout}
}

// NewLogger builds a logger writing to the configured output.
func NewLogger(cfg LogConfig) (Logger, error) {
	switch cfg.Output {
	case "", OutputStdout:
		return build(cfg, zapcore.Lock(os.Stdout))
	case OutputStderr:
		return build(cfg, zapcore.Lock(os.Stderr))
	default:
		return nil, fmt.Errorf("unsupported log output %q", cfg.Output)
	}
}

// NewLoggerWithWriter builds a logger writing to w.
func NewLoggerWithWriter(cfg LogConfig, w io.Writer) (Logger, error) {
	return build(cfg, zapcore.AddSync(w))
}

func build(cfg LogConfig, sink zapcore.WriteSyncer) (Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	enc, err := encoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(lvl)
	z := zap.New(zapcore.NewCore(enc, sink, level),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.DPanicLevel),
	)
	return &zapLogger{z: z, level: level}, nil
}

func encoderFor(format string) (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	switch format {
	case "", FormatJSON:
		return zapcore.NewJSONEncoder(ec), nil
	case FormatConsole:
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.z.Sync() }

// With returns a child logger. Children share the parent's level.
func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(fields...), level: l.level}
}

// WithContext attaches the request and trace IDs carried by ctx. When ctx
// carries neither, l itself is returned.
func (l *zapLogger) WithContext(ctx context.Context) Logger {
	ids := logContextFrom(ctx)
	var fields []Field
	if ids.requestID != "" {
		fields = append(fields, String("request_id", ids.requestID))
	}
	if ids.traceID != "" {
		fields = append(fields, String("trace_id", ids.traceID))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *zapLogger) SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Zap exposes the zap logger behind l for packages that take *zap.Logger.
// Loggers from elsewhere map to a no-op logger.
func Zap(l Logger) *zap.Logger {
	if zl, ok := l.(*zapLogger); ok {
		return zl.z.WithOptions(zap.AddCallerSkip(-1))
	}
	return zap.NewNop()
}

type logContextKey struct{}

type logContext struct {
	requestID string
	traceID   string
}

func logContextFrom(ctx context.Context) logContext {
	ids, _ := ctx.Value(logContextKey{}).(logContext)
	return ids
}

// ContextWithRequestID returns ctx carrying requestID for log correlation.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	ids := logContextFrom(ctx)
	ids.requestID = requestID
	return context.WithValue(ctx, logContextKey{}, ids)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	return logContextFrom(ctx).requestID
}

// ContextWithTraceID returns ctx carrying traceID for log correlation.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	ids := logContextFrom(ctx)
	ids.traceID = traceID
	return context.WithValue(ctx, logContextKey{}, ids)
}

// TraceIDFromContext returns the trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	return logContextFrom(ctx).traceID
}

var global atomic.Pointer[Logger]

// SetGlobalLogger installs logger as the process-wide default and points
// zap's global logger at the same core. A nil logger resets both.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		global.Store(nil)
		zap.ReplaceGlobals(zap.NewNop())
		return
	}
	global.Store(&logger)
	zap.ReplaceGlobals(Zap(logger))
}

// L returns the global logger, or a no-op logger when none is set.
func L() Logger {
	if l := global.Load(); l != nil {
		return *l
	}
	return NopLogger()
}
