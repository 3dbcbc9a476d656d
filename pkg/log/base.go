package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, attrsFromFieldSlice(fields))
}

// Fatal logs at error severity and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, attrsFromFieldSlice(fields))
	os.Exit(1)
}

func (l *BaseLogger) Debugf(msg string, args ...interface{}) {
	l.logf(DebugLevel, msg, args)
}

func (l *BaseLogger) Infof(msg string, args ...interface{}) {
	l.logf(InfoLevel, msg, args)
}

func (l *BaseLogger) Warnf(msg string, args ...interface{}) {
	l.logf(WarnLevel, msg, args)
}

func (l *BaseLogger) Errorf(msg string, args ...interface{}) {
	l.logf(ErrorLevel, msg, args)
}

func (l *BaseLogger) Fatalf(msg string, args ...interface{}) {
	l.logf(FatalLevel, msg, args)
	os.Exit(1)
}

func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.with([]slog.Attr{slog.Any(key, value)}, Fields{key: value})
}

func (l *BaseLogger) WithFields(fields Fields) Logger {
	return l.with(attrsFromMap(fields), fields)
}

func (l *BaseLogger) WithError(err error) Logger {
	return l.WithField(ErrorKey, err)
}

func (l *BaseLogger) With(fields ...Field) Logger {
	m := make(Fields, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return l.with(attrsFromFieldSlice(fields), m)
}

func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	fields := ContextExtractor(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.WithField(ComponentKey, component)
}

// SetLevel changes the level of this logger and every logger derived from
// the same root.
func (l *BaseLogger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *BaseLogger) GetLevel() Level { return Level(l.level.Load()) }

func (l *BaseLogger) with(attrs []slog.Attr, fields Fields) Logger {
	nl := *l
	nl.fields = make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	h := l.slogLogger.Handler().WithAttrs(attrs)
	if bh, ok := h.(*bridgeHandler); ok {
		bh.logger = &nl
	}
	nl.slogLogger = slog.New(h)
	return &nl
}

func (l *BaseLogger) logf(level Level, msg string, args []interface{}) {
	if !l.enabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.emit(level, msg, nil)
}

func (l *BaseLogger) log(level Level, msg string, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	l.emit(level, msg, attrs)
}

func (l *BaseLogger) enabled(level Level) bool {
	return l.slogLogger.Handler().Enabled(context.Background(), toSlogLevel(level))
}

// emit is always called two frames below the public method, so the caller
// PC is taken at a fixed depth.
func (l *BaseLogger) emit(level Level, msg string, attrs []slog.Attr) {
	var pcs [1]uintptr
	runtime.Callers(4, pcs[:])
	r := slog.NewRecord(time.Now(), toSlogLevel(level), msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.slogLogger.Handler().Handle(context.Background(), r)
}
