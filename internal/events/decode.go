package events

import (
	"encoding/json"
	"fmt"
	"time"

	"ai-speech-turn-client/internal/models"
)

// Decode turns a published payload back into an event for display.
func Decode(payload []byte) (models.Event, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return models.Event{}, err
	}

	switch head.EventType {
	case TypePartial:
		var p models.TranscriptPartial
		if err := json.Unmarshal(payload, &p); err != nil {
			return models.Event{}, err
		}
		return models.Event{
			Kind:       models.EventTranscriptUpdate,
			SessionID:  p.SessionID,
			TurnID:     p.TurnID,
			Transcript: p.Text,
			Timestamp:  time.UnixMilli(p.Timestamp),
		}, nil

	case TypeFinal:
		var f models.TranscriptFinal
		if err := json.Unmarshal(payload, &f); err != nil {
			return models.Event{}, err
		}
		return models.Event{
			Kind:       models.EventTurnEnded,
			SessionID:  f.SessionID,
			TurnID:     f.TurnID,
			TurnIndex:  f.TurnIndex,
			Transcript: f.Text,
			Words:      f.Words,
			Confidence: f.EndConfidence,
			Reason:     f.EndReason,
			Timestamp:  time.UnixMilli(f.Timestamp),
		}, nil
	}

	for kind, typ := range lifecycleTypes {
		if typ != head.EventType {
			continue
		}
		var l models.TurnLifecycle
		if err := json.Unmarshal(payload, &l); err != nil {
			return models.Event{}, err
		}
		return models.Event{
			Kind:       kind,
			SessionID:  l.SessionID,
			TurnID:     l.TurnID,
			Confidence: l.Confidence,
			Timestamp:  time.UnixMilli(l.Timestamp),
		}, nil
	}
	return models.Event{}, fmt.Errorf("unknown event type %q", head.EventType)
}
