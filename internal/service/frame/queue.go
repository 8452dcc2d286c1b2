// Package frame provides the audio frame type and the bounded FIFO queue that
// holds frames until the transport sends them.
package frame

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Frame is an immutable chunk of raw audio tagged with its sequence number.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	data       []byte
}

// New copies data into a new frame.
func New(seq uint64, data []byte, capturedAt time.Time) Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Frame{Seq: seq, CapturedAt: capturedAt, data: buf}
}

// Data returns the frame payload. Callers must not modify it.
func (f Frame) Data() []byte {
	return f.data
}

// Len returns the payload size in bytes.
func (f Frame) Len() int {
	return len(f.data)
}

var (
	// ErrOverflow is returned when a frame could not be enqueued before the
	// push timeout. The frame was not queued.
	ErrOverflow = errors.New("frame queue overflow")
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue has been drained.
	ErrClosed = errors.New("frame queue closed")
)

// Queue is a bounded FIFO of frames. Push blocks while the queue is full
// rather than dropping audio.
type Queue struct {
	ch          chan Frame
	pushTimeout time.Duration

	// mu is held for reading by pushers so Close can wait for them to leave
	// before closing ch.
	mu        sync.RWMutex
	closing   chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity frames. A push that waits
// longer than pushTimeout fails with ErrOverflow; zero waits indefinitely.
func NewQueue(capacity int, pushTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:          make(chan Frame, capacity),
		pushTimeout: pushTimeout,
		closing:     make(chan struct{}),
	}
}

// Push enqueues f, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, f Frame) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.closing:
		return ErrClosed
	default:
	}

	// Fast path.
	select {
	case q.ch <- f:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if q.pushTimeout > 0 {
		t := time.NewTimer(q.pushTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case q.ch <- f:
		return nil
	case <-timeout:
		return ErrOverflow
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop returns the oldest frame, blocking while the queue is empty. After Close
// the remaining frames are still returned in order, then ErrClosed.
func (q *Queue) Pop(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-q.ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops accepting frames. Blocked pushers return ErrClosed. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}

// Discard drops every frame still queued and returns how many were dropped.
// Used when a session fails so the loss is counted rather than silent.
func (q *Queue) Discard() int {
	n := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.ch)
}
