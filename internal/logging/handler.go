package logging

import (
	"context"
	"errors"
	"log/slog"
)

// ContextProvider returns attributes computed when a record is logged,
// such as the current anchor state.
type ContextProvider func() []slog.Attr

// fanout sends every record to each of its sinks, after appending the
// attributes from the context provider if one is set.
type fanout struct {
	sinks   []slog.Handler
	context ContextProvider
}

func newFanout(ctx ContextProvider, sinks ...slog.Handler) *fanout {
	f := &fanout{context: ctx}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle keeps going when a sink fails; sink errors are joined.
func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	if f.context != nil {
		r.AddAttrs(f.context()...)
	}
	var errs []error
	for _, s := range f.sinks {
		if s.Enabled(ctx, r.Level) {
			errs = append(errs, s.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (f *fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (f *fanout) derive(fn func(slog.Handler) slog.Handler) *fanout {
	next := &fanout{context: f.context, sinks: make([]slog.Handler, len(f.sinks))}
	for i, s := range f.sinks {
		next.sinks[i] = fn(s)
	}
	return next
}
