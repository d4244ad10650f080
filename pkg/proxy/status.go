package proxy

// Status is the lifecycle state of a proxy.
type Status string

// Lifecycle states of a proxy.
const (
	StatusNew      Status = "New"
	StatusStarting Status = "Starting"
	StatusUp       Status = "Up"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusPausing  Status = "Pausing"
	StatusPaused   Status = "Paused"
	StatusResuming Status = "Resuming"
)

// Unavailable reports whether a proxy in this status must not be routed to
// or readiness-tested.
func (s Status) Unavailable() bool {
	return s == StatusStopping || s == StatusStopped || s == StatusPausing || s == StatusPaused
}

// legalTransitions lists, per status, the statuses a proxy may move to next.
// StatusStopped is terminal; the record is removed right after reaching it.
var legalTransitions = map[Status][]Status{
	StatusNew:      {StatusStarting, StatusUp, StatusStopping, StatusStopped},
	StatusStarting: {StatusUp, StatusStopping, StatusStopped},
	StatusUp:       {StatusStopping, StatusPausing},
	StatusStopping: {StatusStopped},
	StatusStopped:  {},
	StatusPausing:  {StatusPaused, StatusStopping},
	StatusPaused:   {StatusResuming, StatusStopping},
	StatusResuming: {StatusUp, StatusStopping, StatusStopped},
}

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
