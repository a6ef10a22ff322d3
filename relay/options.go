/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package relay

import "time"

// Logger is satisfied by *logmatic.Logger.
type Logger interface {
	Debug(format string, a ...interface{})
	Info(format string, a ...interface{})
	Warn(format string, a ...interface{})
	Error(format string, a ...interface{})
}

// Recorder receives relay measurements.
type Recorder interface {
	Inbound(action string)
	Rejected(kind string)
	LedgerAppend(ok bool)
	Delivery(ok bool)
	FanOut(d time.Duration)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type nopRecorder struct{}

func (nopRecorder) Inbound(string)       {}
func (nopRecorder) Rejected(string)      {}
func (nopRecorder) LedgerAppend(bool)    {}
func (nopRecorder) Delivery(bool)        {}
func (nopRecorder) FanOut(time.Duration) {}

type Option func(*Relay)

// WithDeliveryTimeout bounds every single delivery attempt.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.deliveryTimeout = d
		}
	}
}

// WithConcurrency caps simultaneous deliveries within one fan-out. Zero or a
// negative value removes the cap.
func WithConcurrency(n int) Option {
	return func(r *Relay) {
		r.concurrency = n
	}
}

// WithSessionScoping limits fan-out to connections joined to the same
// session. When disabled every live connection in the deployment receives
// every event.
func WithSessionScoping(enabled bool) Option {
	return func(r *Relay) {
		r.sessionScoped = enabled
	}
}

func WithLogger(l Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}
