// Package console renders turn events for a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"ai-speech-turn-client/internal/models"
)

// Band is a presentation bucket for a word confidence.
type Band string

const (
	BandHigh Band = "high"
	BandGood Band = "good"
	BandFair Band = "fair"
	BandLow  Band = "low"
)

// BandFor buckets a confidence at 0.90, 0.80 and 0.70.
func BandFor(confidence float64) Band {
	switch {
	case confidence >= 0.90:
		return BandHigh
	case confidence >= 0.80:
		return BandGood
	case confidence >= 0.70:
		return BandFair
	default:
		return BandLow
	}
}

var bandColors = map[Band]string{
	BandHigh: "\033[32m",
	BandGood: "\033[36m",
	BandFair: "\033[33m",
	BandLow:  "\033[31m",
}

const colorReset = "\033[0m"

// Printer writes one line per event. It is a dispatcher subscriber.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	color    bool
	partials bool
}

// NewPrinter writes to w; color enables ANSI confidence colours. Partial
// transcript updates are printed only when partials is set.
func NewPrinter(w io.Writer, color, partials bool) *Printer {
	return &Printer{w: w, color: color, partials: partials}
}

func (p *Printer) OnEvent(ev models.Event) {
	var line string
	switch ev.Kind {
	case models.EventTurnStarted:
		line = fmt.Sprintf("> turn %d started", ev.TurnIndex)
	case models.EventTranscriptUpdate:
		if !p.partials {
			return
		}
		line = "  ... " + ev.Transcript
	case models.EventEagerEndCandidate:
		line = fmt.Sprintf("  ? eager end %.2f: %s", ev.Confidence, ev.Transcript)
	case models.EventTurnResumed:
		line = "  ~ resumed"
	case models.EventTurnEnded:
		line = fmt.Sprintf("# turn %d [%s %.2f] %s", ev.TurnIndex, ev.Reason, ev.Confidence, p.Words(ev.Transcript, ev.Words))
	case models.EventConnectionState:
		line = "- connection " + ev.State
		if ev.Message != "" {
			line += ": " + ev.Message
		}
	case models.EventServerError:
		line = fmt.Sprintf("! server error %s: %s", ev.Code, ev.Message)
	case models.EventSessionClosed:
		line = "- session closed"
	case models.EventSessionFailed:
		line = "! session failed: " + ev.Message
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// Words renders words by confidence band. Without word timings the plain
// transcript is returned. In plain mode words below the high band carry
// their confidence.
func (p *Printer) Words(transcript string, words []models.Word) string {
	if len(words) == 0 {
		return transcript
	}
	parts := make([]string, len(words))
	for i, w := range words {
		band := BandFor(w.Confidence)
		switch {
		case p.color:
			parts[i] = bandColors[band] + w.Text + colorReset
		case band == BandHigh:
			parts[i] = w.Text
		default:
			parts[i] = fmt.Sprintf("%s(%.2f)", w.Text, w.Confidence)
		}
	}
	return strings.Join(parts, " ")
}
