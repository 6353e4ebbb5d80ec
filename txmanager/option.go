package txmanager

import (
	"time"

	"xatm/metrics"
	"xatm/resource"
)

type Options struct {
	Timeout          time.Duration // transactions still ACTIVE after this long are rolled back
	MonitorTick      time.Duration // interval of the monitor driving unfinished transactions
	PrepareTimeout   time.Duration // bound on a single prepare call
	RecoveryInterval time.Duration // retry interval while recovery leaves work unresolved
	Factories        []resource.Factory
	Metrics          *metrics.Metrics
	// ManualRecovery disables the background recovery task; recovery then
	// runs only through Recover and Refresh.
	ManualRecovery bool
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithPrepareTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(o *Options) {
		o.PrepareTimeout = timeout
	}
}

func WithRecoveryInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return func(o *Options) {
		o.RecoveryInterval = interval
	}
}

// WithFactories registers resource factories before the log is replayed, so
// that the first recovery pass can reach every resource manager it needs.
func WithFactories(factories ...resource.Factory) Option {
	return func(o *Options) {
		o.Factories = append(o.Factories, factories...)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func WithManualRecovery() Option {
	return func(o *Options) {
		o.ManualRecovery = true
	}
}

func repair(o *Options) {
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = 30 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 30 * time.Second
	}
}
