package reactor

import "log/slog"

type Option func(r *Reactor)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		r.l = l
	}
}

// WithPanicHook registers a sink for errors that cannot be attributed
// to any endpoint, such as a panicking job.
func WithPanicHook(hook func(error)) Option {
	return func(r *Reactor) {
		r.panicHook = hook
	}
}
