package transport

import (
	"sync"

	"ai-speech-turn-client/internal/service/frame"
)

// window holds frames written but not yet acknowledged, oldest first. Until
// the service acks once, it is only a bounded record of recent frames.
type window struct {
	mu     sync.Mutex
	max    int
	frames []frame.Frame
	acked  uint64
	acking bool
}

func newWindow(max int) *window {
	return &window{max: max}
}

// add records a frame about to be written. It returns the frame evicted to
// stay within max, if any.
func (w *window) add(f frame.Frame) (evicted frame.Frame, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f.Seq <= w.acked {
		return frame.Frame{}, false
	}
	w.frames = append(w.frames, f)
	if len(w.frames) > w.max {
		evicted = w.frames[0]
		w.frames = w.frames[1:]
		return evicted, true
	}
	return frame.Frame{}, false
}

// ack drops every frame with seq <= seq and returns them.
func (w *window) ack(seq uint64) []frame.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acking = true
	if seq <= w.acked {
		return nil
	}
	w.acked = seq
	n := 0
	for n < len(w.frames) && w.frames[n].Seq <= seq {
		n++
	}
	done := w.frames[:n:n]
	w.frames = w.frames[n:]
	return done
}

// seenAck reports whether the service acknowledged any audio.
func (w *window) seenAck() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acking
}

// reset forgets every frame and returns how many there were.
func (w *window) reset() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.frames)
	w.frames = nil
	return n
}

func (w *window) snapshot() []frame.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]frame.Frame(nil), w.frames...)
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *window) ackedSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acked
}
