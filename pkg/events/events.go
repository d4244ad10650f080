// Package events defines the lifecycle events published by the proxy core
// and the in-process bus that carries them.
package events

import "time"

// SourceNotAvailable is used when an event is created before the publishing
// instance stamps its own identifier on it.
const SourceNotAvailable = "SOURCE_NOT_AVAILABLE"

// Event is a lifecycle event. Every event carries a source tag identifying
// the publishing instance, so bridges can drop echoes of their own
// publications.
type Event interface {
	// EventSource returns the instance identifier the event was published from.
	EventSource() string
	// WithSource returns a copy of the event stamped with the given source.
	WithSource(source string) Event
}

// ProxyStartEvent is published when a proxy reached Up.
type ProxyStartEvent struct {
	Source     string
	ProxyID    string
	UserID     string
	SpecID     string
	StartupLog *StartupLog
}

// EventSource implements Event.
func (e ProxyStartEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e ProxyStartEvent) WithSource(source string) Event { e.Source = source; return e }

// ProxyStopEvent is published when a proxy was stopped. UsageDuration is nil
// when the proxy never reached Up.
type ProxyStopEvent struct {
	Source        string
	ProxyID       string
	UserID        string
	SpecID        string
	UsageDuration *time.Duration
}

// EventSource implements Event.
func (e ProxyStopEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e ProxyStopEvent) WithSource(source string) Event { e.Source = source; return e }

// ProxyStartFailedEvent is published on every failed start attempt.
type ProxyStartFailedEvent struct {
	Source  string
	ProxyID string
	UserID  string
	SpecID  string
}

// EventSource implements Event.
func (e ProxyStartFailedEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e ProxyStartFailedEvent) WithSource(source string) Event { e.Source = source; return e }

// ProxyPauseEvent is published when a proxy was paused.
type ProxyPauseEvent struct {
	Source  string
	ProxyID string
	UserID  string
	SpecID  string
}

// EventSource implements Event.
func (e ProxyPauseEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e ProxyPauseEvent) WithSource(source string) Event { e.Source = source; return e }

// ProxyResumeEvent is published when a paused proxy reached Up again.
type ProxyResumeEvent struct {
	Source  string
	ProxyID string
	UserID  string
	SpecID  string
}

// EventSource implements Event.
func (e ProxyResumeEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e ProxyResumeEvent) WithSource(source string) Event { e.Source = source; return e }

// PendingProxyEvent is published by the request path when a user is waiting
// for a proxy; consumed by the sharing scalers.
type PendingProxyEvent struct {
	Source  string
	ProxyID string
	UserID  string
	SpecID  string
}

// EventSource implements Event.
func (e PendingProxyEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e PendingProxyEvent) WithSource(source string) Event { e.Source = source; return e }

// PendingProxyCancelledEvent is published when a waiting user gave up before
// claiming a seat; consumed by the sharing scalers to retract the pending
// registration.
type PendingProxyCancelledEvent struct {
	Source  string
	ProxyID string
	SpecID  string
}

// EventSource implements Event.
func (e PendingProxyCancelledEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e PendingProxyCancelledEvent) WithSource(source string) Event { e.Source = source; return e }

// SeatClaimedEvent is published when a seat was claimed from the pool.
type SeatClaimedEvent struct {
	Source          string
	SpecID          string
	SeatID          string
	DelegateProxyID string
}

// EventSource implements Event.
func (e SeatClaimedEvent) EventSource() string { return e.Source }

// WithSource implements Event.
func (e SeatClaimedEvent) WithSource(source string) Event { e.Source = source; return e }

// StartupLog records how long the phases of a proxy start took.
type StartupLog struct {
	CreatedAt        time.Time
	ContainerStarted time.Time
	Ready            time.Time
}

// NewStartupLog starts a log at the current time.
func NewStartupLog() *StartupLog {
	return &StartupLog{CreatedAt: time.Now()}
}

// MarkContainerStarted records the end of the backend start phase.
func (l *StartupLog) MarkContainerStarted() {
	l.ContainerStarted = time.Now()
}

// MarkReady records the moment the readiness probe succeeded.
func (l *StartupLog) MarkReady() {
	l.Ready = time.Now()
}

// TotalDuration is the time from creation to readiness, zero when the proxy
// never became ready.
func (l *StartupLog) TotalDuration() time.Duration {
	if l == nil || l.Ready.IsZero() {
		return 0
	}
	return l.Ready.Sub(l.CreatedAt)
}
