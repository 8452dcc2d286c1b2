// Package protocol translates between websocket frames and typed messages.
// It holds no state: every function is a pure translation.
package protocol

import (
	"fmt"

	"ai-speech-turn-client/internal/models"
)

// Kind tags the variant carried by a ServerEvent.
type Kind int

const (
	KindUnknown Kind = iota
	KindPartialTranscript
	KindFinalTranscript
	KindStartOfTurn
	KindEagerEndOfTurn
	KindTurnResumed
	KindEndOfTurn
	KindError
	// KindConnected acknowledges the configuration handshake.
	KindConnected
	// KindAudioAck acknowledges every audio chunk up to AckSeq.
	KindAudioAck
)

var kindNames = map[Kind]string{
	KindPartialTranscript: "PartialTranscript",
	KindFinalTranscript:   "FinalTranscript",
	KindStartOfTurn:       "StartOfTurn",
	KindEagerEndOfTurn:    "EagerEndOfTurn",
	KindTurnResumed:       "TurnResumed",
	KindEndOfTurn:         "EndOfTurn",
	KindError:             "Error",
	KindConnected:         "Connected",
	KindAudioAck:          "AudioAck",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// IsControl reports whether the kind is consumed by the transport itself and
// never reaches the turn state machine.
func (k Kind) IsControl() bool {
	return k == KindConnected || k == KindAudioAck
}

// ServerEvent is one decoded server message. It is immutable once decoded.
type ServerEvent struct {
	Kind      Kind
	Seq       uint64
	RequestID string

	TurnIndex           int
	Transcript          string
	Words               []models.Word
	EndOfTurnConfidence float64
	AudioWindowStart    float64
	AudioWindowEnd      float64

	Code    string
	Message string

	AckSeq uint64
}

// Params are the session parameters sent to the service.
type Params struct {
	Model             string
	Encoding          string
	SampleRate        int
	EOTThreshold      float64
	EagerEOTThreshold float64
	EOTTimeoutMs      int64
}

// Client message types.
const (
	TypeConfigure   = "Configure"
	TypeFinalize    = "Finalize"
	TypeCloseStream = "CloseStream"
)

// ClientMessage is a decoded client text frame. Only the mock server needs it.
type ClientMessage struct {
	Type   string
	Params Params
}

// wireWord is a word as sent by the service; start and end are optional.
type wireWord struct {
	Word           string   `json:"word"`
	PunctuatedWord string   `json:"punctuated_word,omitempty"`
	Start          *float64 `json:"start,omitempty"`
	End            *float64 `json:"end,omitempty"`
	Confidence     float64  `json:"confidence"`
}

type wireAlternative struct {
	Transcript string     `json:"transcript"`
	Confidence float64    `json:"confidence"`
	Words      []wireWord `json:"words"`
}

// wireMessage is the union of every server message field. Unknown fields are
// ignored by encoding/json, which gives forward compatibility.
type wireMessage struct {
	Type       string `json:"type"`
	Event      string `json:"event,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	SequenceID uint64 `json:"sequence_id,omitempty"`

	TurnIndex           int        `json:"turn_index,omitempty"`
	AudioWindowStart    float64    `json:"audio_window_start,omitempty"`
	AudioWindowEnd      float64    `json:"audio_window_end,omitempty"`
	Transcript          string     `json:"transcript,omitempty"`
	Words               []wireWord `json:"words,omitempty"`
	EndOfTurnConfidence *float64   `json:"end_of_turn_confidence,omitempty"`

	IsFinal bool `json:"is_final,omitempty"`
	Channel *struct {
		Alternatives []wireAlternative `json:"alternatives"`
	} `json:"channel,omitempty"`

	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`

	Seq *uint64 `json:"seq,omitempty"`
}

type wireConfigure struct {
	Type              string  `json:"type"`
	Model             string  `json:"model"`
	Encoding          string  `json:"encoding"`
	SampleRate        int     `json:"sample_rate"`
	EOTThreshold      float64 `json:"eot_threshold"`
	EagerEOTThreshold float64 `json:"eager_eot_threshold"`
	EOTTimeoutMs      int64   `json:"eot_timeout_ms"`
}
