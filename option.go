package ipc

import (
	"time"
)

// defaultUnresponsiveTimeout is how long the connection waits for inbound
// traffic after an outbound post before reporting the peer unresponsive.
const defaultUnresponsiveTimeout = 3000 * time.Millisecond

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	unresponsiveTimeout time.Duration

	// Lifecycle hooks. onDie fires exactly once when the connection shuts
	// down; onUnresponsive when the liveness timer expires with no inbound
	// traffic; onResponsive whenever inbound bytes arrive.
	onDie          func()
	onUnresponsive func()
	onResponsive   func()
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// The codec is required and must be provided before creating a connection.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// UnresponsiveTimeoutOption returns an Option that sets the liveness
// watchdog period. The timer is armed on every post and disarmed by any
// inbound bytes. Default is 3 seconds.
func UnresponsiveTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.unresponsiveTimeout = timeout
	}
}

// OnDieOption returns an Option that sets the shutdown hook. It is invoked
// exactly once, on the first Shutdown, so owners can release the connection.
func OnDieOption(cb func()) Option {
	return func(o *options) {
		o.onDie = cb
	}
}

// OnUnresponsiveOption returns an Option that sets the callback invoked on
// the event loop when the peer has not answered outbound traffic within the
// watchdog period.
func OnUnresponsiveOption(cb func()) Option {
	return func(o *options) {
		o.onUnresponsive = cb
	}
}

// OnResponsiveOption returns an Option that sets the callback invoked on
// the event loop whenever inbound bytes arrive from the peer.
func OnResponsiveOption(cb func()) Option {
	return func(o *options) {
		o.onResponsive = cb
	}
}
