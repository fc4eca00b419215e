// Package log provides the leveled logging helper used throughout
// windiff-collector, following the same Logger/Helper call-site contract
// the teacher's pe.File uses internally (NewStdLogger, NewFilter,
// FilterLevel, NewHelper, then Errorf/Warnf/Infof/Debugf), backed by
// go.uber.org/zap.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity level.
type Level int8

// Supported levels, lowest to highest severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a level name (case-insensitive). Unknown values
// default to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the minimal structured-logging sink windiff-collector depends
// on; production code talks to it through Helper rather than directly.
type Logger interface {
	Log(level Level, msg string, fields ...zap.Field)
}

// zapLogger adapts a *zap.Logger to the Logger interface.
type zapLogger struct {
	z *zap.Logger
}

// NewStdLogger returns a Logger writing JSON lines to w.
func NewStdLogger(w io.Writer) Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &zapLogger{z: zap.New(core)}
}

func (l *zapLogger) Log(level Level, msg string, fields ...zap.Field) {
	l.z.Check(level.zapLevel(), msg).Write(fields...)
}

// filteredLogger drops entries below a minimum level before they reach
// the underlying Logger.
type filteredLogger struct {
	next Logger
	min  Level
}

// NewFilter wraps a Logger, dropping entries below min.
func NewFilter(next Logger, min Level) Logger {
	return &filteredLogger{next: next, min: min}
}

func (f *filteredLogger) Log(level Level, msg string, fields ...zap.Field) {
	if level < f.min {
		return
	}
	f.next.Log(level, msg, fields...)
}

// FilterLevel returns min unchanged; it exists so call sites read the
// same way the teacher's log.FilterLevel(log.LevelError) does.
func FilterLevel(min Level) Level { return min }

// Helper wraps a Logger with printf-style convenience methods, mirroring
// the teacher's pe.logger.Errorf/Warnf/Debugf call sites.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, template string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(level, fmt.Sprintf(template, args...))
}

func (h *Helper) Debugf(template string, args ...interface{}) { h.log(LevelDebug, template, args...) }
func (h *Helper) Infof(template string, args ...interface{})  { h.log(LevelInfo, template, args...) }
func (h *Helper) Warnf(template string, args ...interface{})  { h.log(LevelWarn, template, args...) }
func (h *Helper) Errorf(template string, args ...interface{}) { h.log(LevelError, template, args...) }

func (h *Helper) Debug(msg string) { h.log(LevelDebug, msg) }
func (h *Helper) Info(msg string)  { h.log(LevelInfo, msg) }
func (h *Helper) Warn(msg string)  { h.log(LevelWarn, msg) }
func (h *Helper) Error(msg string) { h.log(LevelError, msg) }

// Default builds the package-wide Helper, honoring the WINDIFF_LOG_LEVEL
// environment variable (default: info), per spec.md section 6.
func Default() *Helper {
	min := ParseLevel(os.Getenv("WINDIFF_LOG_LEVEL"))
	return NewHelper(NewFilter(NewStdLogger(os.Stdout), min))
}
