package turn

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/service/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind models.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var testConfig = Config{
	SessionID:         "sess-1",
	EOTThreshold:      0.8,
	EagerEOTThreshold: 0.5,
	EOTTimeout:        1200 * time.Millisecond,
}

func newTestMachine(t *testing.T) (*Machine, *recorder, *FakeClock) {
	t.Helper()
	rec := &recorder{}
	clock := NewFakeClock(time.Unix(1700000000, 0))
	m := NewMachine(testConfig, rec, WithClock(clock))
	return m, rec, clock
}

func mustApply(t *testing.T, m *Machine, evs ...protocol.ServerEvent) {
	t.Helper()
	for _, ev := range evs {
		if err := m.Apply(ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Kind, err)
		}
	}
}

func start() protocol.ServerEvent { return protocol.ServerEvent{Kind: protocol.KindStartOfTurn} }

func partial(text string) protocol.ServerEvent {
	return protocol.ServerEvent{Kind: protocol.KindPartialTranscript, Transcript: text}
}

func eager(conf float64) protocol.ServerEvent {
	return protocol.ServerEvent{Kind: protocol.KindEagerEndOfTurn, EndOfTurnConfidence: conf}
}

func endOfTurn(conf float64) protocol.ServerEvent {
	return protocol.ServerEvent{Kind: protocol.KindEndOfTurn, EndOfTurnConfidence: conf}
}

func TestMachine_EagerEndTimesOut(t *testing.T) {
	m, rec, clock := newTestMachine(t)

	mustApply(t, m, start(), partial("hello"), eager(0.6))
	clock.Advance(1300 * time.Millisecond)

	expected := []models.EventKind{
		models.EventTurnStarted,
		models.EventTranscriptUpdate,
		models.EventEagerEndCandidate,
		models.EventTurnEnded,
	}
	if got := rec.kinds(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}

	ended := rec.last()
	if ended.Reason != models.EndReasonTimeout {
		t.Errorf("expected reason %q, got %q", models.EndReasonTimeout, ended.Reason)
	}
	committed := m.Committed()
	if len(committed) != 1 || committed[0].Transcript != "hello" {
		t.Errorf("expected committed transcript 'hello', got %+v", committed)
	}
	if m.State() != StateEnded {
		t.Errorf("expected ENDED, got %s", m.State())
	}
}

func TestMachine_ResumeWithinWindow(t *testing.T) {
	m, rec, clock := newTestMachine(t)

	mustApply(t, m, start(), partial("hello"), eager(0.6))
	clock.Advance(500 * time.Millisecond)
	mustApply(t, m, partial("world"))
	clock.Advance(time.Second)

	expected := []models.EventKind{
		models.EventTurnStarted,
		models.EventTranscriptUpdate,
		models.EventEagerEndCandidate,
		models.EventTurnResumed,
		models.EventTranscriptUpdate,
	}
	if got := rec.kinds(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	if got := rec.last().Transcript; got != "hello world" {
		t.Errorf("expected 'hello world', got %q", got)
	}
	if rec.count(models.EventTurnEnded) != 0 {
		t.Error("expected no TurnEnded")
	}
	if len(m.Committed()) != 0 {
		t.Error("expected nothing committed while the turn is open")
	}
	if m.State() != StateSpeakerActive {
		t.Errorf("expected SPEAKER_ACTIVE, got %s", m.State())
	}
}

func TestMachine_TimeoutBoundary(t *testing.T) {
	const eps = time.Millisecond

	t.Run("resume just before expiry", func(t *testing.T) {
		m, rec, clock := newTestMachine(t)
		mustApply(t, m, start(), partial("hello"), eager(0.6))

		clock.Advance(testConfig.EOTTimeout - eps)
		mustApply(t, m, partial("again"))
		clock.Advance(2 * eps)

		if rec.count(models.EventTurnResumed) != 1 || rec.count(models.EventTurnEnded) != 0 {
			t.Errorf("expected resume and no end, got %v", rec.kinds())
		}
	})

	t.Run("resume just after expiry", func(t *testing.T) {
		m, rec, clock := newTestMachine(t)
		mustApply(t, m, start(), partial("hello"), eager(0.6))

		clock.Advance(testConfig.EOTTimeout + eps)
		mustApply(t, m, partial("again"))

		if rec.count(models.EventTurnResumed) != 0 || rec.count(models.EventTurnEnded) != 1 {
			t.Errorf("expected end and no resume, got %v", rec.kinds())
		}
		if rec.count(models.EventTurnStarted) != 2 {
			t.Errorf("expected the late speech to open a new turn, got %v", rec.kinds())
		}
	})
}

func TestMachine_ThresholdPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		ev     protocol.ServerEvent
		reason string
		ended  bool
	}{
		{"eager below eager threshold", eager(0.3), "", false},
		{"eager between thresholds", eager(0.6), "", false},
		{"eager above eot threshold", eager(0.85), models.EndReasonThreshold, true},
		{"server end of turn", endOfTurn(0.2), models.EndReasonServer, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec, _ := newTestMachine(t)
			mustApply(t, m, start(), partial("ok"), tt.ev)

			if got := rec.count(models.EventTurnEnded) == 1; got != tt.ended {
				t.Fatalf("expected ended=%v, got events %v", tt.ended, rec.kinds())
			}
			if tt.ended {
				if rec.count(models.EventEagerEndCandidate) != 1 {
					t.Errorf("expected the candidate state to be entered first, got %v", rec.kinds())
				}
				if got := rec.last().Reason; got != tt.reason {
					t.Errorf("expected reason %q, got %q", tt.reason, got)
				}
			}
		})
	}
}

func TestMachine_CandidateEndedByConfidence(t *testing.T) {
	m, rec, clock := newTestMachine(t)
	mustApply(t, m, start(), partial("hello"), eager(0.6), eager(0.9))

	if rec.count(models.EventTurnEnded) != 1 || rec.last().Reason != models.EndReasonThreshold {
		t.Fatalf("expected threshold end, got %v", rec.kinds())
	}
	if rec.last().Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", rec.last().Confidence)
	}
	clock.Advance(2 * testConfig.EOTTimeout)
	if rec.count(models.EventTurnEnded) != 1 {
		t.Errorf("timer fired after the turn ended: %v", rec.kinds())
	}
}

func TestMachine_CumulativePartials(t *testing.T) {
	m, rec, _ := newTestMachine(t)
	mustApply(t, m, start(), partial("hello"), eager(0.6), partial("hello there"))

	if got := rec.last().Transcript; got != "hello there" {
		t.Errorf("expected 'hello there', got %q", got)
	}
}

func TestMachine_RepeatedTextDoesNotResume(t *testing.T) {
	m, rec, _ := newTestMachine(t)
	mustApply(t, m, start(), partial("hello"), eager(0.6), partial("hello"))

	if m.State() != StateEagerEndCandidate {
		t.Errorf("expected EAGER_END_CANDIDATE, got %s", m.State())
	}
	if rec.count(models.EventTurnResumed) != 0 {
		t.Error("expected no resume for repeated text")
	}
}

func TestMachine_RepeatedLiveSegmentDoesNotResume(t *testing.T) {
	m, rec, clock := newTestMachine(t)
	mustApply(t, m, start(), partial("hello"), eager(0.6), partial("world"), eager(0.6), partial("world"))
	clock.Advance(1300 * time.Millisecond)

	if n := rec.count(models.EventTurnResumed); n != 1 {
		t.Errorf("expected 1 TurnResumed, got %d", n)
	}
	if m.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", m.State())
	}
	committed := m.Committed()
	if len(committed) != 1 || committed[0].Transcript != "hello world" {
		t.Errorf("expected committed 'hello world', got %+v", committed)
	}
	if ended := rec.last(); ended.Reason != models.EndReasonTimeout {
		t.Errorf("expected reason %q, got %q", models.EndReasonTimeout, ended.Reason)
	}
}

func TestMachine_FinalRevisesWithoutResuming(t *testing.T) {
	m, rec, clock := newTestMachine(t)
	mustApply(t, m, start(), partial("helo"), eager(0.6),
		protocol.ServerEvent{Kind: protocol.KindFinalTranscript, Transcript: "hello."})
	if m.State() != StateEagerEndCandidate {
		t.Fatalf("expected EAGER_END_CANDIDATE, got %s", m.State())
	}
	clock.Advance(testConfig.EOTTimeout)

	committed := m.Committed()
	if len(committed) != 1 || committed[0].Transcript != "hello." {
		t.Errorf("expected final text committed, got %+v", committed)
	}
	if rec.count(models.EventTurnResumed) != 0 {
		t.Error("expected no resume")
	}
}

func TestMachine_NewTurnAfterEnded(t *testing.T) {
	m, rec, _ := newTestMachine(t)
	mustApply(t, m, start(), partial("one"), endOfTurn(0.9))
	first := m.TurnID()
	mustApply(t, m, partial("two"))

	if m.TurnID() == first {
		t.Errorf("expected a new turn identity, still %s", first)
	}
	if rec.last().TurnIndex != 1 {
		t.Errorf("expected turn index 1, got %d", rec.last().TurnIndex)
	}
	if rec.last().Transcript != "two" {
		t.Errorf("expected transcript 'two', got %q", rec.last().Transcript)
	}
}

func TestMachine_IgnoresNonOnsetWhileIdle(t *testing.T) {
	m, rec, _ := newTestMachine(t)
	mustApply(t, m,
		partial(""),
		eager(0.9),
		endOfTurn(0.9),
		protocol.ServerEvent{Kind: protocol.KindTurnResumed},
		protocol.ServerEvent{Kind: protocol.KindError, Code: "X"},
	)
	if m.State() != StateIdle {
		t.Errorf("expected IDLE, got %s", m.State())
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("expected no events, got %v", rec.kinds())
	}
}

func TestMachine_RejectsOutOfOrder(t *testing.T) {
	m, rec, _ := newTestMachine(t)
	if err := m.Apply(protocol.ServerEvent{Kind: protocol.KindStartOfTurn, Seq: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, seq := range []uint64{5, 3} {
		err := m.Apply(protocol.ServerEvent{Kind: protocol.KindEndOfTurn, Seq: seq, EndOfTurnConfidence: 1})
		if !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("seq %d: expected ErrOutOfOrder, got %v", seq, err)
		}
	}
	if m.State() != StateSpeakerActive || rec.count(models.EventTurnEnded) != 0 {
		t.Errorf("rejected events must not change state, got %s %v", m.State(), rec.kinds())
	}
	if err := m.Apply(protocol.ServerEvent{Kind: protocol.KindPartialTranscript, Seq: 6, Transcript: "x"}); err != nil {
		t.Errorf("expected seq 6 to apply, got %v", err)
	}
}

func TestMachine_Close(t *testing.T) {
	m, rec, clock := newTestMachine(t)
	mustApply(t, m, start(), partial("hello"), eager(0.6))
	m.Close()

	if clock.Pending() != 0 {
		t.Errorf("expected timer to be stopped, %d pending", clock.Pending())
	}
	clock.Advance(2 * testConfig.EOTTimeout)
	if rec.count(models.EventTurnEnded) != 0 {
		t.Error("expected no TurnEnded after close")
	}
	if len(m.Committed()) != 0 {
		t.Error("an open turn must not be committed on close")
	}
	if err := m.Apply(partial("late")); !errors.Is(err, ErrMachineClosed) {
		t.Errorf("expected ErrMachineClosed, got %v", err)
	}
}

func TestMachine_TransitionsStayInTable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	texts := []string{"", "hi", "hi there", "what", "hi there friend"}
	kinds := []protocol.Kind{
		protocol.KindPartialTranscript,
		protocol.KindFinalTranscript,
		protocol.KindStartOfTurn,
		protocol.KindEagerEndOfTurn,
		protocol.KindTurnResumed,
		protocol.KindEndOfTurn,
		protocol.KindError,
	}

	for run := 0; run < 200; run++ {
		var bad []string
		rec := &recorder{}
		clock := NewFakeClock(time.Unix(0, 0))
		m := NewMachine(testConfig, rec, WithClock(clock), WithTransitionHook(func(from, to State) {
			if !CanTransition(from, to) {
				bad = append(bad, from.String()+"->"+to.String())
			}
		}))

		for step := 0; step < 60; step++ {
			if rng.Intn(5) == 0 {
				clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
				continue
			}
			ev := protocol.ServerEvent{
				Kind:                kinds[rng.Intn(len(kinds))],
				Transcript:          texts[rng.Intn(len(texts))],
				EndOfTurnConfidence: rng.Float64(),
			}
			if err := m.Apply(ev); err != nil {
				t.Fatalf("run %d: unexpected error: %v", run, err)
			}
			if s := m.State(); s == StateResumed {
				t.Fatalf("run %d: machine rested in RESUMED", run)
			}
		}

		if len(bad) > 0 {
			t.Fatalf("run %d: transitions outside the table: %v", run, bad)
		}
		ended := map[string]int{}
		for _, e := range rec.events {
			if e.Kind == models.EventTurnEnded {
				ended[e.TurnID]++
			}
		}
		for id, n := range ended {
			if n != 1 {
				t.Fatalf("run %d: turn %s ended %d times", run, id, n)
			}
		}
	}
}

func TestMachine_TimerRaceEndsOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		rec := &recorder{}
		clock := NewFakeClock(time.Unix(0, 0))
		m := NewMachine(testConfig, rec, WithClock(clock))
		mustApply(t, m, start(), partial("race"), eager(0.6))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			clock.Advance(testConfig.EOTTimeout)
		}()
		go func() {
			defer wg.Done()
			_ = m.Apply(endOfTurn(0.95))
		}()
		wg.Wait()

		if n := rec.count(models.EventTurnEnded); n != 1 {
			t.Fatalf("iteration %d: expected exactly one TurnEnded, got %d", i, n)
		}
	}
}

func TestMachine_SystemClockRaceEndsOnce(t *testing.T) {
	cfg := testConfig
	cfg.EOTTimeout = time.Millisecond

	for i := 0; i < 50; i++ {
		rec := &recorder{}
		m := NewMachine(cfg, rec)
		mustApply(t, m, start(), partial("race"), eager(0.6))

		time.Sleep(time.Duration(i%3) * 500 * time.Microsecond)
		_ = m.Apply(endOfTurn(0.95))
		time.Sleep(5 * time.Millisecond)

		if n := rec.count(models.EventTurnEnded); n != 1 {
			t.Fatalf("iteration %d: expected exactly one TurnEnded, got %d", i, n)
		}
		m.Close()
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", testConfig, false},
		{"eager above eot", Config{EOTThreshold: 0.5, EagerEOTThreshold: 0.6, EOTTimeout: time.Second}, true},
		{"eot above one", Config{EOTThreshold: 1.2, EOTTimeout: time.Second}, true},
		{"zero timeout", Config{EOTThreshold: 0.8, EagerEOTThreshold: 0.5}, true},
		{"sub-millisecond timeout", Config{EOTThreshold: 0.8, EagerEOTThreshold: 0.5, EOTTimeout: 500 * time.Microsecond}, true},
		{"nan eot", Config{EOTThreshold: math.NaN(), EOTTimeout: time.Second}, true},
		{"nan eager", Config{EOTThreshold: 0.8, EagerEOTThreshold: math.NaN(), EOTTimeout: time.Second}, true},
		{"equal thresholds", Config{EOTThreshold: 0.7, EagerEOTThreshold: 0.7, EOTTimeout: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
