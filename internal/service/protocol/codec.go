package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/service/frame"
)

// AudioHeaderSize is the size of the sequence header prefixed to every audio
// chunk: an unsigned 64-bit big-endian sequence number.
const AudioHeaderSize = 8

// Flux TurnInfo event names.
const (
	turnEventUpdate         = "Update"
	turnEventStartOfTurn    = "StartOfTurn"
	turnEventEagerEndOfTurn = "EagerEndOfTurn"
	turnEventTurnResumed    = "TurnResumed"
	turnEventEndOfTurn      = "EndOfTurn"
)

// EncodeConfig returns the Configure message sent right after the socket opens.
func EncodeConfig(p Params) ([]byte, error) {
	return json.Marshal(wireConfigure{
		Type:              TypeConfigure,
		Model:             p.Model,
		Encoding:          p.Encoding,
		SampleRate:        p.SampleRate,
		EOTThreshold:      p.EOTThreshold,
		EagerEOTThreshold: p.EagerEOTThreshold,
		EOTTimeoutMs:      p.EOTTimeoutMs,
	})
}

// ConfigQuery returns the same parameters as URL query values, the form the
// listen endpoint accepts at upgrade time.
func ConfigQuery(p Params) url.Values {
	q := url.Values{}
	if p.Model != "" {
		q.Set("model", p.Model)
	}
	if p.Encoding != "" {
		q.Set("encoding", p.Encoding)
	}
	if p.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(p.SampleRate))
	}
	q.Set("eot_threshold", strconv.FormatFloat(p.EOTThreshold, 'f', -1, 64))
	q.Set("eager_eot_threshold", strconv.FormatFloat(p.EagerEOTThreshold, 'f', -1, 64))
	if p.EOTTimeoutMs > 0 {
		q.Set("eot_timeout_ms", strconv.FormatInt(p.EOTTimeoutMs, 10))
	}
	return q
}

// EncodeAudio wraps a frame in a binary envelope that keeps its sequence number.
func EncodeAudio(f frame.Frame) []byte {
	buf := make([]byte, AudioHeaderSize+f.Len())
	binary.BigEndian.PutUint64(buf, f.Seq)
	copy(buf[AudioHeaderSize:], f.Data())
	return buf
}

// DecodeAudio splits a binary envelope into its sequence number and payload.
func DecodeAudio(b []byte) (uint64, []byte, error) {
	if len(b) < AudioHeaderSize {
		return 0, nil, malformed("AudioChunk", "envelope shorter than %d bytes", AudioHeaderSize)
	}
	return binary.BigEndian.Uint64(b), b[AudioHeaderSize:], nil
}

// EncodeFinalize asks the service to flush pending audio into results.
func EncodeFinalize() []byte {
	return []byte(`{"type":"Finalize"}`)
}

// EncodeClose tells the service no more audio follows.
func EncodeClose() []byte {
	return []byte(`{"type":"CloseStream"}`)
}

// DecodeClient decodes a client text frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, malformed("", "invalid json: %v", err)
	}
	switch env.Type {
	case TypeConfigure:
		var c wireConfigure
		if err := json.Unmarshal(data, &c); err != nil {
			return ClientMessage{}, malformed(env.Type, "invalid json: %v", err)
		}
		return ClientMessage{Type: env.Type, Params: Params{
			Model:             c.Model,
			Encoding:          c.Encoding,
			SampleRate:        c.SampleRate,
			EOTThreshold:      c.EOTThreshold,
			EagerEOTThreshold: c.EagerEOTThreshold,
			EOTTimeoutMs:      c.EOTTimeoutMs,
		}}, nil
	case TypeFinalize, TypeCloseStream:
		return ClientMessage{Type: env.Type}, nil
	case "":
		return ClientMessage{}, malformed("", "missing type")
	default:
		return ClientMessage{}, unknownType(env.Type)
	}
}

// Decode parses one server text frame. It never panics: every input that is
// not a valid member of the message set yields a *DecodeError.
func Decode(data []byte) (ev ServerEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = ServerEvent{}, malformed("", "decoder panic: %v", r)
		}
	}()

	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ServerEvent{}, malformed(m.Type, "field %q has wrong type", typeErr.Field)
		}
		return ServerEvent{}, malformed("", "invalid json: %v", err)
	}

	typ := strings.TrimSpace(m.Type)
	if typ == "" {
		return ServerEvent{}, malformed("", "missing type")
	}

	ev = ServerEvent{
		Seq:              m.SequenceID,
		RequestID:        m.RequestID,
		TurnIndex:        m.TurnIndex,
		Transcript:       m.Transcript,
		AudioWindowStart: m.AudioWindowStart,
		AudioWindowEnd:   m.AudioWindowEnd,
	}

	switch typ {
	case "Connected":
		ev.Kind = KindConnected
		return ev, nil

	case "AudioAck":
		if m.Seq == nil {
			return ServerEvent{}, malformed(typ, "missing seq")
		}
		ev.Kind = KindAudioAck
		ev.AckSeq = *m.Seq
		return ev, nil

	case "Error":
		ev.Kind = KindError
		ev.Code = m.Code
		ev.Message = m.Description
		if ev.Message == "" {
			ev.Message = m.Message
		}
		return ev, nil

	case "TurnInfo":
		switch m.Event {
		case turnEventUpdate:
			ev.Kind = KindPartialTranscript
		case turnEventStartOfTurn:
			ev.Kind = KindStartOfTurn
		case turnEventEagerEndOfTurn:
			ev.Kind = KindEagerEndOfTurn
		case turnEventTurnResumed:
			ev.Kind = KindTurnResumed
		case turnEventEndOfTurn:
			ev.Kind = KindEndOfTurn
		default:
			return ServerEvent{}, malformed(typ, "unknown turn event %q", m.Event)
		}

	case "PartialTranscript":
		ev.Kind = KindPartialTranscript
	case "FinalTranscript":
		ev.Kind = KindFinalTranscript
	case "StartOfTurn":
		ev.Kind = KindStartOfTurn
	case "EagerEndOfTurn":
		ev.Kind = KindEagerEndOfTurn
	case "TurnResumed":
		ev.Kind = KindTurnResumed
	case "EndOfTurn":
		ev.Kind = KindEndOfTurn

	case "Results":
		if m.Channel == nil || len(m.Channel.Alternatives) == 0 {
			return ServerEvent{}, malformed(typ, "missing channel alternatives")
		}
		alt := m.Channel.Alternatives[0]
		ev.Kind = KindPartialTranscript
		if m.IsFinal {
			ev.Kind = KindFinalTranscript
		}
		ev.Transcript = alt.Transcript
		m.Words = alt.Words

	default:
		return ServerEvent{}, unknownType(typ)
	}

	if m.EndOfTurnConfidence != nil {
		c := *m.EndOfTurnConfidence
		if !validConfidence(c) {
			return ServerEvent{}, malformed(typ, "end_of_turn_confidence %v outside [0,1]", c)
		}
		ev.EndOfTurnConfidence = c
	}

	words, derr := convertWords(typ, m.Words)
	if derr != nil {
		return ServerEvent{}, derr
	}
	ev.Words = words
	return ev, nil
}

func convertWords(typ string, in []wireWord) ([]models.Word, *DecodeError) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]models.Word, 0, len(in))
	for i, w := range in {
		if !validConfidence(w.Confidence) {
			return nil, malformed(typ, "word %d confidence %v outside [0,1]", i, w.Confidence)
		}
		text := w.Word
		if w.PunctuatedWord != "" {
			text = w.PunctuatedWord
		}
		out = append(out, models.Word{
			Text:       text,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		})
	}
	return out, nil
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

// EncodeEvent renders a server event in the form the service sends it: turn
// events and partials as TurnInfo, the rest under their own type. Used by the
// mock server and tests.
func EncodeEvent(ev ServerEvent) ([]byte, error) {
	m := wireMessage{
		RequestID:        ev.RequestID,
		SequenceID:       ev.Seq,
		TurnIndex:        ev.TurnIndex,
		AudioWindowStart: ev.AudioWindowStart,
		AudioWindowEnd:   ev.AudioWindowEnd,
		Transcript:       ev.Transcript,
	}
	for _, w := range ev.Words {
		m.Words = append(m.Words, wireWord{Word: w.Text, Start: w.Start, End: w.End, Confidence: w.Confidence})
	}

	turnInfo := func(event string) {
		m.Type = "TurnInfo"
		m.Event = event
		c := ev.EndOfTurnConfidence
		m.EndOfTurnConfidence = &c
	}

	switch ev.Kind {
	case KindPartialTranscript:
		turnInfo(turnEventUpdate)
	case KindStartOfTurn:
		turnInfo(turnEventStartOfTurn)
	case KindEagerEndOfTurn:
		turnInfo(turnEventEagerEndOfTurn)
	case KindTurnResumed:
		turnInfo(turnEventTurnResumed)
	case KindEndOfTurn:
		turnInfo(turnEventEndOfTurn)
	case KindFinalTranscript:
		m.Type = ev.Kind.String()
	case KindError:
		m.Type = ev.Kind.String()
		m.Code = ev.Code
		m.Description = ev.Message
	case KindConnected:
		m.Type = ev.Kind.String()
	case KindAudioAck:
		m.Type = ev.Kind.String()
		seq := ev.AckSeq
		m.Seq = &seq
	default:
		return nil, unknownType(ev.Kind.String())
	}
	return json.Marshal(m)
}
