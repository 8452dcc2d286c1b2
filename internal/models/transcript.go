package models

// TranscriptPartial represents an advisory transcript update for an open turn.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// TranscriptFinal represents the committed transcript of an ended turn.
type TranscriptFinal struct {
	EventType     string  `json:"eventType"`
	SessionID     string  `json:"sessionId"`
	TurnID        string  `json:"turnId"`
	TurnIndex     int     `json:"turnIndex"`
	Timestamp     int64   `json:"timestamp"`
	Text          string  `json:"text"`
	Words         []Word  `json:"words,omitempty"`
	Confidence    float64 `json:"confidence"`
	EndConfidence float64 `json:"endOfTurnConfidence"`
	EndReason     string  `json:"endReason"`
}

// TurnLifecycle represents a turn boundary event.
type TurnLifecycle struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	TurnID     string  `json:"turnId"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence,omitempty"`
}

// MeanConfidence returns the average word confidence, or 0 for no words.
func MeanConfidence(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}
