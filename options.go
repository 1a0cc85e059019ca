package sparsejit

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	strategy     Strategy
	rowsPerBlock int
	unroll       int
	logger       log.Logger
	registerer   prometheus.Registerer
}

// Option configures kernel construction.
type Option func(*options)

func defaultOptions() options {
	return options{
		strategy: LoopEmission,
		logger:   log.NewNopLogger(),
	}
}

// WithStrategy selects how the kernel body is emitted. The default is
// LoopEmission.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithLogger sets the logger used for construction events.
//
// If nil is passed, logging is disabled.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = log.NewNopLogger()
		}
		o.logger = l
	}
}

// WithRegisterer registers the package metrics with reg. Without it no
// metrics are recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithRowsPerBlock overrides the rows per block. Only RowsPerBlock is
// supported; the option exists so callers carrying a layout description can
// have it checked at construction.
func WithRowsPerBlock(n int) Option {
	return func(o *options) {
		o.rowsPerBlock = n
	}
}

// WithUnroll overrides the unroll factor. Only Unroll is supported.
func WithUnroll(n int) Option {
	return func(o *options) {
		o.unroll = n
	}
}
