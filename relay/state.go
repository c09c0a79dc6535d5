package relay

import "sync/atomic"

// State is one state of the RelayManager's state machine (spec.md §3).
type State int32

const (
	StateIdle State = iota
	StateSetup
	StateRelaying
	StateSetupAbort
	StateStopping
	StateReset
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSetup:
		return "Setup"
	case StateRelaying:
		return "Relaying"
	case StateSetupAbort:
		return "SetupAbort"
	case StateStopping:
		return "Stopping"
	case StateReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// stateVar is an atomic holder for State. Most transitions are plain
// loads and stores; the few that must not race a concurrent caller use
// compareAndSwap. atomic.Int32 provides both without a mutex.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) load() State {
	return State(s.v.Load())
}

func (s *stateVar) store(v State) {
	s.v.Store(int32(v))
}

// compareAndSwap transitions the state only if it currently holds `from`.
// Used at the handful of points where the manager must atomically claim a
// transition (e.g. Idle -> Setup) rather than racing with a concurrent
// StopRelaying call.
func (s *stateVar) compareAndSwap(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
