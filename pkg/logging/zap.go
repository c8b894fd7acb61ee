package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger forwards entries to a zap.Logger so that hosts already using zap
// receive client events in their own pipeline.
type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewZapLogger wraps z. The returned logger filters at level before zap's
// own core does.
func NewZapLogger(z *zap.Logger, level Level) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z, level: zap.NewAtomicLevelAt(toZapLevel(level))}
}

// NewZapProduction builds a JSON zap logger writing to stderr.
func NewZapProduction(level Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z, level: cfg.Level}, nil
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case OffLevel:
		return zapcore.FatalLevel + 1
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l <= zapcore.DebugLevel:
		return DebugLevel
	case l == zapcore.InfoLevel:
		return InfoLevel
	case l == zapcore.WarnLevel:
		return WarnLevel
	case l <= zapcore.FatalLevel:
		return ErrorLevel
	default:
		return OffLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case time.Time:
			out = append(out, zap.Time(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	if l.level.Enabled(zapcore.DebugLevel) {
		l.z.Debug(msg, toZapFields(fields)...)
	}
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	if l.level.Enabled(zapcore.InfoLevel) {
		l.z.Info(msg, toZapFields(fields)...)
	}
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	if l.level.Enabled(zapcore.WarnLevel) {
		l.z.Warn(msg, toZapFields(fields)...)
	}
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	if l.level.Enabled(zapcore.ErrorLevel) {
		l.z.Error(msg, toZapFields(fields)...)
	}
}

func (l *zapLogger) WithFields(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZapFields(fields)...), level: l.level}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	return l.WithFields(ContextFields(ctx)...)
}

func (l *zapLogger) WithError(err error) Logger {
	return l.WithFields(ErrorFields(err)...)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *zapLogger) GetLevel() Level {
	return fromZapLevel(l.level.Level())
}
