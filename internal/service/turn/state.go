// Package turn detects conversational turns in the ordered stream of server
// events and emits the resulting lifecycle events.
package turn

import (
	"errors"
	"fmt"
)

// State represents the turn-detection state of a session.
type State int

const (
	// StateIdle - No turn in progress.
	StateIdle State = iota
	// StateSpeakerActive - A turn is open and transcripts are advisory.
	StateSpeakerActive
	// StateEagerEndCandidate - The service reported a tentative end of turn.
	// The eot timer is armed.
	StateEagerEndCandidate
	// StateResumed - Speech resumed inside the eager window. Transient: the
	// machine moves on to StateSpeakerActive within the same step.
	StateResumed
	// StateEnded - The turn is committed.
	StateEnded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeakerActive:
		return "SPEAKER_ACTIVE"
	case StateEagerEndCandidate:
		return "EAGER_END_CANDIDATE"
	case StateResumed:
		return "RESUMED"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// transitions is the complete transition table. Nothing outside it is reachable.
//
//	IDLE → SPEAKER_ACTIVE → EAGER_END_CANDIDATE → ENDED → IDLE
//	                 ↑               │
//	                 └── RESUMED ←───┘
var transitions = map[State][]State{
	StateIdle:              {StateSpeakerActive},
	StateSpeakerActive:     {StateEagerEndCandidate},
	StateEagerEndCandidate: {StateResumed, StateEnded},
	StateResumed:           {StateSpeakerActive},
	StateEnded:             {StateIdle},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Errors returned by Machine.Apply.
var (
	ErrOutOfOrder        = errors.New("server event out of order")
	ErrMachineClosed     = errors.New("turn machine is closed")
	ErrInvalidTransition = errors.New("invalid turn transition")
)
