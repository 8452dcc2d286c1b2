package turn

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateSpeakerActive, "SPEAKER_ACTIVE"},
		{StateEagerEndCandidate, "EAGER_END_CANDIDATE"},
		{StateResumed, "RESUMED"},
		{StateEnded, "ENDED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, expected %s", tt.state, got, tt.expected)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateIdle, StateSpeakerActive}:              true,
		{StateSpeakerActive, StateEagerEndCandidate}: true,
		{StateEagerEndCandidate, StateResumed}:       true,
		{StateEagerEndCandidate, StateEnded}:         true,
		{StateResumed, StateSpeakerActive}:           true,
		{StateEnded, StateIdle}:                      true,
	}
	states := []State{StateIdle, StateSpeakerActive, StateEagerEndCandidate, StateResumed, StateEnded}
	for _, from := range states {
		for _, to := range states {
			if got := CanTransition(from, to); got != allowed[[2]State{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestIDGenerator_Next(t *testing.T) {
	gen := NewIDGenerator()

	if id := gen.Next("sess-1"); id != "sess-1-turn-1" {
		t.Errorf("expected 'sess-1-turn-1', got %s", id)
	}
	if id := gen.Next("sess-1"); id != "sess-1-turn-2" {
		t.Errorf("expected 'sess-1-turn-2', got %s", id)
	}
	// The counter is shared across sessions.
	if id := gen.Next("sess-2"); id != "sess-2-turn-3" {
		t.Errorf("expected 'sess-2-turn-3', got %s", id)
	}
}

func TestIDGenerator_ThreadSafety(t *testing.T) {
	gen := NewIDGenerator()
	numGoroutines := 100
	perGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan string, numGoroutines*perGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- gen.Next("sess-concurrent")
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("duplicate turn ID generated: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != numGoroutines*perGoroutine {
		t.Errorf("expected %d unique IDs, got %d", numGoroutines*perGoroutine, len(seen))
	}
	if !seen[fmt.Sprintf("sess-concurrent-turn-%d", numGoroutines*perGoroutine)] {
		t.Error("expected the counter to reach the total number of IDs")
	}
}

func TestFakeClock_FiresInOrder(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var fired []int
	clock.AfterFunc(200, func() { fired = append(fired, 2) })
	clock.AfterFunc(100, func() { fired = append(fired, 1) })
	stopped := clock.AfterFunc(150, func() { fired = append(fired, 99) })
	if !stopped.Stop() {
		t.Error("expected Stop to report an armed timer")
	}

	clock.Advance(199)
	clock.Advance(1)

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("expected [1 2], got %v", fired)
	}
	if stopped.Stop() {
		t.Error("expected second Stop to return false")
	}
}
