package zerobuffer

import "go.uber.org/zap"

// options holds the configuration shared by Reader and Writer
// construction, set through functional Option values.
type options struct {
	log           *zap.SugaredLogger
	pollTimeoutMs int
}

func newOptions() *options {
	return &options{
		log:           zap.NewNop().Sugar(),
		pollTimeoutMs: defaultPollTimeoutMs,
	}
}

// Option configures a Reader or Writer.
type Option func(*options)

// WithLogger sets the structured logger used for diagnostic events
// (channel create/close, writer connect/disconnect, reaping). Defaults to
// a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithPollInterval overrides the granularity at which blocking operations
// re-check peer liveness while waiting on a semaphore, in milliseconds.
func WithPollInterval(ms int) Option {
	return func(o *options) {
		if ms > 0 {
			o.pollTimeoutMs = ms
		}
	}
}

// defaultPollTimeoutMs bounds how long a single semaphore Wait call blocks
// before the read/write loop re-checks peer liveness and the caller's
// overall timeout.
const defaultPollTimeoutMs = 200
