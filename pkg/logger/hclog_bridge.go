package logger

import (
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapHclog lets hclog based components write through a zap.Logger so that
// every line ends up in the same sink with the same encoding.
type ZapHclog struct {
	logger  *zap.Logger
	name    string
	implied []any
	// level is shared by every logger derived through With and Named.
	level zap.AtomicLevel
}

var _ hclog.Logger = (*ZapHclog)(nil)

// NewZapHclog wraps logger. The starting level is the lowest one the
// logger's core has enabled.
func NewZapHclog(logger *zap.Logger) *ZapHclog {
	level := zap.ErrorLevel
	for _, l := range []zapcore.Level{zap.DebugLevel, zap.InfoLevel, zap.WarnLevel} {
		if logger.Core().Enabled(l) {
			level = l
			break
		}
	}
	return &ZapHclog{logger: logger, level: zap.NewAtomicLevelAt(level)}
}

func (z *ZapHclog) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Off, hclog.NoLevel:
		return
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Info:
		z.log(zap.InfoLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	default:
		z.log(zap.ErrorLevel, msg, args...)
	}
}

func (z *ZapHclog) Trace(msg string, args ...any) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapHclog) Debug(msg string, args ...any) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapHclog) Info(msg string, args ...any)  { z.log(zap.InfoLevel, msg, args...) }
func (z *ZapHclog) Warn(msg string, args ...any)  { z.log(zap.WarnLevel, msg, args...) }
func (z *ZapHclog) Error(msg string, args ...any) { z.log(zap.ErrorLevel, msg, args...) }

func (z *ZapHclog) log(level zapcore.Level, msg string, args ...any) {
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(toFields(args)...)
	}
}

func (z *ZapHclog) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapHclog) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapHclog) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapHclog) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapHclog) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapHclog) ImpliedArgs() []any { return slices.Clone(z.implied) }

func (z *ZapHclog) With(args ...any) hclog.Logger {
	return &ZapHclog{
		logger:  z.logger.With(toFields(args)...),
		name:    z.name,
		implied: append(slices.Clone(z.implied), args...),
		level:   z.level,
	}
}

func (z *ZapHclog) Name() string { return z.name }

func (z *ZapHclog) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &ZapHclog{logger: z.logger.Named(name), name: full, implied: z.implied, level: z.level}
}

func (z *ZapHclog) ResetNamed(name string) hclog.Logger {
	return &ZapHclog{logger: z.logger.Named(name), name: name, implied: z.implied, level: z.level}
}

func (z *ZapHclog) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (z *ZapHclog) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Info, hclog.NoLevel:
		z.level.SetLevel(zap.InfoLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Off:
		z.level.SetLevel(zap.FatalLevel)
	default:
		z.level.SetLevel(zap.ErrorLevel)
	}
}

func (z *ZapHclog) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *ZapHclog) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return z.StandardLogger(opts).Writer()
}

// toFields turns hclog key/value pairs into zap fields. A trailing key
// without a value is kept with a placeholder.
func toFields(args []any) []zap.Field {
	fields := make([]zap.Field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
