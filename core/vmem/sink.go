package vmem

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
)

// Category names the engine component a diagnostic comes from.
type Category uint8

const (
	CategoryPool Category = iota + 1
	CategoryPage
	CategoryLinked
	CategoryContainer
	CategoryMap
)

func (c Category) String() string {
	switch c {
	case CategoryPool:
		return "pool"
	case CategoryPage:
		return "page"
	case CategoryLinked:
		return "linked"
	case CategoryContainer:
		return "container"
	case CategoryMap:
		return "map"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

type Severity uint8

const (
	SeverityCritical Severity = iota + 1
	SeverityImportant
	SeverityOptional
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityImportant:
		return "important"
	case SeverityOptional:
		return "optional"
	case SeverityDebug:
		return "debug"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// Tag uniquely identifies a log site so a line can be found from its output.
type Tag uint32

func (t Tag) String() string { return fmt.Sprintf("0x%05x", uint32(t)) }

// LogSink receives engine diagnostics. A nil sink discards everything.
type LogSink interface {
	Logf(category Category, severity Severity, tag Tag, format string, args ...any)
}

// ZapSink forwards diagnostics to a zap.Logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns nil when logger is nil so that callers can pass the
// result straight to WithLogSink.
func NewZapSink(logger *zap.Logger) LogSink {
	if logger == nil {
		return nil
	}
	return &ZapSink{logger: logger.WithOptions(zap.AddCallerSkip(2))}
}

func (s *ZapSink) Logf(category Category, severity Severity, tag Tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fields := []zap.Field{
		zap.Stringer("category", category),
		zap.Stringer("tag", tag),
	}
	switch severity {
	case SeverityCritical:
		s.logger.Error(msg, fields...)
	case SeverityImportant:
		s.logger.Warn(msg, fields...)
	case SeverityOptional:
		s.logger.Info(msg, fields...)
	default:
		s.logger.Debug(msg, fields...)
	}
}

// HclogSink forwards diagnostics to an hclog.Logger.
type HclogSink struct {
	logger hclog.Logger
}

func NewHclogSink(logger hclog.Logger) LogSink {
	if logger == nil {
		return nil
	}
	return &HclogSink{logger: logger}
}

func (s *HclogSink) Logf(category Category, severity Severity, tag Tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	kv := []any{"category", category.String(), "tag", tag.String()}
	switch severity {
	case SeverityCritical:
		s.logger.Error(msg, kv...)
	case SeverityImportant:
		s.logger.Warn(msg, kv...)
	case SeverityOptional:
		s.logger.Info(msg, kv...)
	default:
		s.logger.Debug(msg, kv...)
	}
}
