package accountcache

import "sync/atomic"

// State is the lifecycle stage of one account session.
type State int32

const (
	// StateUnseeded means no snapshot has been fetched yet.
	StateUnseeded State = iota
	// StateSeeded means a snapshot is cached but no feed is running.
	StateSeeded
	// StateSubscribed means the reconciliation loop is applying feed updates.
	StateSubscribed
	// StateTerminated means the last loop ended. The snapshot stays readable
	// and a new Subscribe starts a fresh loop.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnseeded:
		return "UNSEEDED"
	case StateSeeded:
		return "SEEDED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) Load() State {
	return State(s.v.Load())
}

func (s *atomicState) Store(state State) {
	s.v.Store(int32(state))
}

func (s *atomicState) CompareAndSwap(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}
