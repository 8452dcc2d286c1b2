// Package models defines the events delivered to applications and the
// transcript payloads published downstream.
package models

import "time"

// Word is a single recognized word. Confidence is passed through untouched;
// presentation layers apply their own bands.
type Word struct {
	Text       string   `json:"word"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
	Confidence float64  `json:"confidence"`
}

// EventKind identifies the category of a dispatched event.
type EventKind string

const (
	EventTranscriptUpdate  EventKind = "transcript.update"
	EventTurnStarted       EventKind = "turn.started"
	EventEagerEndCandidate EventKind = "turn.eager_end_candidate"
	EventTurnResumed       EventKind = "turn.resumed"
	EventTurnEnded         EventKind = "turn.ended"
	EventConnectionState   EventKind = "connection.state"
	EventServerError       EventKind = "server.error"
	EventSessionClosed     EventKind = "session.closed"
	EventSessionFailed     EventKind = "session.failed"
)

// IsTerminal reports whether the kind ends the session's event stream.
func (k EventKind) IsTerminal() bool {
	return k == EventSessionClosed || k == EventSessionFailed
}

// End reasons carried by EventTurnEnded.
const (
	EndReasonThreshold = "threshold"
	EndReasonServer    = "end_of_turn"
	EndReasonTimeout   = "timeout"
)

// Event is one ordered output of the engine. ID is assigned by the dispatcher
// and increases strictly per session.
type Event struct {
	ID         uint64    `json:"id"`
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"sessionId"`
	TurnID     string    `json:"turnId,omitempty"`
	TurnIndex  int       `json:"turnIndex,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Words      []Word    `json:"words,omitempty"`
	Confidence float64   `json:"endOfTurnConfidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	State      string    `json:"state,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Err        error     `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

// Turn is a committed turn: its transcript is final once the turn reached Ended.
type Turn struct {
	ID         string
	Index      int
	Transcript string
	Words      []Word
	Confidence float64
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
}
