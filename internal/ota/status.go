// status.go - Update status and the transitions allowed between them.
package ota

import (
	"fmt"
	"sync/atomic"
)

// Status is the externally observable state of an update session.
type Status int32

const (
	StatusIdle Status = iota
	StatusChecking
	StatusNoUpdate
	StatusUpdateAvailable
	StatusDownloading
	StatusVerifying
	StatusSuccess
	StatusError
)

var statusNames = [...]string{
	StatusIdle:            "idle",
	StatusChecking:        "checking",
	StatusNoUpdate:        "no_update",
	StatusUpdateAvailable: "update_available",
	StatusDownloading:     "downloading",
	StatusVerifying:       "verifying",
	StatusSuccess:         "success",
	StatusError:           "error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// IsBusy reports whether s is a state in which an operation is in flight.
func (s Status) IsBusy() bool {
	return s == StatusChecking || s == StatusDownloading || s == StatusVerifying
}

// transitions lists every legal successor per state. StatusSuccess has none.
var transitions = map[Status][]Status{
	StatusIdle:            {StatusChecking},
	StatusChecking:        {StatusNoUpdate, StatusUpdateAvailable, StatusError},
	StatusNoUpdate:        {StatusChecking},
	StatusUpdateAvailable: {StatusDownloading, StatusChecking},
	StatusDownloading:     {StatusVerifying, StatusError},
	StatusVerifying:       {StatusSuccess, StatusError},
	StatusError:           {StatusChecking},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChangeFunc observes a status transition.
type ChangeFunc func(from, to Status)

// StateMachine holds the current Status and enforces legal transitions.
//
// Transition is not safe for concurrent use; callers serialize state-mutating
// operations. Current may be called from any goroutine.
type StateMachine struct {
	current   atomic.Int32
	observers []ChangeFunc
}

// NewStateMachine returns a state machine in StatusIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// Current returns the current status.
func (m *StateMachine) Current() Status {
	return Status(m.current.Load())
}

// OnChange registers fn to be called after every transition.
func (m *StateMachine) OnChange(fn ChangeFunc) {
	m.observers = append(m.observers, fn)
}

// Transition moves to next. It returns ErrIllegalTransition and leaves the
// state unchanged if the move is not allowed.
func (m *StateMachine) Transition(next Status) error {
	from := m.Current()
	if !CanTransition(from, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	m.current.Store(int32(next))
	for _, fn := range m.observers {
		fn(from, next)
	}
	return nil
}
