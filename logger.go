package communicator

import "log/slog"

// Logger receives the engine's structured log records. *slog.Logger
// satisfies it; args are alternating keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// attrLogger prepends fixed key-value pairs to every record, so that a
// connection's log lines always carry its id and endpoint.
type attrLogger struct {
	next  Logger
	attrs []any
}

// withAttrs returns a Logger that adds attrs to every call on l.
func withAttrs(l Logger, attrs ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(attrs...)
	}
	if al, ok := l.(*attrLogger); ok {
		return &attrLogger{next: al.next, attrs: append(append([]any{}, al.attrs...), attrs...)}
	}
	return &attrLogger{next: l, attrs: attrs}
}

func (l *attrLogger) merge(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.merge(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.merge(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.merge(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.next.Error(msg, l.merge(args)...) }
