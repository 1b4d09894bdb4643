package streamhub

import (
	"log/slog"
	"time"
)

type Option func(c *Conn)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		c.l = l
	}
}

// WithTimeout bounds how long callers wait on handshake and operation
// acknowledgements. The reactor-side work is not cancelled on expiry.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conn) {
		c.timeout = timeout
	}
}

func WithWriteDeadline(wdl time.Duration) Option {
	return func(c *Conn) {
		c.wdl = wdl
	}
}

// WithExceptionHook registers a sink for reactor-level errors that
// cannot be attributed to any endpoint.
func WithExceptionHook(hook func(error)) Option {
	return func(c *Conn) {
		c.exceptionHook = hook
	}
}
