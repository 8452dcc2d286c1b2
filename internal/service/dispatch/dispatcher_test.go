package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"ai-speech-turn-client/internal/models"
)

type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) OnEvent(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func update(text string) models.Event {
	return models.Event{Kind: models.EventTranscriptUpdate, Transcript: text}
}

func TestDispatcher_OrderAndIDs(t *testing.T) {
	d := New()
	a, b := &collector{}, &collector{}
	d.Subscribe(a)
	d.Subscribe(b)

	for i := 0; i < 100; i++ {
		d.Emit(update("x"))
	}
	closeDispatcher(t, d)

	for name, c := range map[string]*collector{"a": a, "b": b} {
		got := c.snapshot()
		if len(got) != 100 {
			t.Fatalf("%s: expected 100 events, got %d", name, len(got))
		}
		for i, ev := range got {
			if ev.ID != uint64(i+1) {
				t.Fatalf("%s: expected ID %d at position %d, got %d", name, i+1, i, ev.ID)
			}
			if ev.Timestamp.IsZero() {
				t.Fatalf("%s: expected timestamp to be set", name)
			}
		}
	}
}

func TestDispatcher_SlowSubscriberDoesNotBlock(t *testing.T) {
	d := New()
	release := make(chan struct{})
	var slowCount int
	var mu sync.Mutex
	d.SubscribeFunc(func(ev models.Event) {
		<-release
		mu.Lock()
		slowCount++
		mu.Unlock()
	}, WithBuffer(2))
	fast := &collector{}
	d.Subscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Emit(update("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}

	close(release)
	closeDispatcher(t, d)

	if n := len(fast.snapshot()); n != 50 {
		t.Errorf("expected fast subscriber to get 50 events, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if slowCount > 3 || slowCount == 0 {
		t.Errorf("expected slow subscriber to get between 1 and 3 events, got %d", slowCount)
	}
}

func TestDispatcher_TerminateOnce(t *testing.T) {
	d := New()
	c := &collector{}
	d.Subscribe(c)

	d.Emit(update("a"))
	if !d.Terminate(models.Event{Kind: models.EventSessionClosed}) {
		t.Fatal("expected first Terminate to succeed")
	}
	if d.Terminate(models.Event{Kind: models.EventSessionFailed}) {
		t.Error("expected second Terminate to be ignored")
	}
	d.Emit(update("late"))
	closeDispatcher(t, d)

	got := c.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[1].Kind != models.EventSessionClosed {
		t.Errorf("expected %s last, got %s", models.EventSessionClosed, got[1].Kind)
	}
	if !d.Terminated() {
		t.Error("expected Terminated to report true")
	}
}

func TestDispatcher_EmitRejectsTerminalKinds(t *testing.T) {
	d := New()
	c := &collector{}
	d.Subscribe(c)

	d.Emit(models.Event{Kind: models.EventSessionFailed})
	closeDispatcher(t, d)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestDispatcher_TerminalWaitsForRoom(t *testing.T) {
	d := New(WithTerminalGrace(2 * time.Second))
	release := make(chan struct{})
	first := make(chan struct{})
	c := &collector{}
	var once sync.Once
	d.SubscribeFunc(func(ev models.Event) {
		once.Do(func() {
			close(first)
			<-release
		})
		c.OnEvent(ev)
	}, WithBuffer(1))

	d.Emit(update("1"))
	<-first
	d.Emit(update("2"))

	result := make(chan bool)
	go func() { result <- d.Terminate(models.Event{Kind: models.EventSessionFailed}) }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	if !<-result {
		t.Fatal("expected Terminate to succeed")
	}
	closeDispatcher(t, d)

	got := c.snapshot()
	if len(got) != 3 || got[2].Kind != models.EventSessionFailed {
		t.Errorf("expected the terminal event after both updates, got %+v", got)
	}
}

func TestDispatcher_UnsubscribeInsideCallback(t *testing.T) {
	d := New()
	var unsubscribe func()
	var mu sync.Mutex
	count := 0
	ready := make(chan struct{})
	unsubscribe = d.SubscribeFunc(func(ev models.Event) {
		<-ready
		mu.Lock()
		count++
		mu.Unlock()
		unsubscribe()
		unsubscribe()
	})
	other := &collector{}
	d.Subscribe(other)

	for i := 0; i < 5; i++ {
		d.Emit(update("x"))
	}
	close(ready)
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one delivery before unsubscribe, got %d", count)
	}
	if n := len(other.snapshot()); n != 5 {
		t.Errorf("expected other subscriber to keep receiving, got %d", n)
	}
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := New()
	c := &collector{}
	unsubscribe := d.Subscribe(c)

	d.Emit(update("a"))
	deadline := time.Now().Add(time.Second)
	for len(c.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	unsubscribe()
	d.Emit(update("b"))
	closeDispatcher(t, d)

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestDispatcher_PanickingSubscriber(t *testing.T) {
	d := New()
	d.SubscribeFunc(func(ev models.Event) { panic("boom") })
	c := &collector{}
	d.Subscribe(c)

	d.Emit(update("a"))
	d.Emit(update("b"))
	closeDispatcher(t, d)

	if n := len(c.snapshot()); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

func TestDispatcher_SubscribeAfterClose(t *testing.T) {
	d := New()
	closeDispatcher(t, d)

	c := &collector{}
	unsubscribe := d.Subscribe(c)
	unsubscribe()
	d.Emit(update("a"))

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestDispatcher_CloseHonorsContext(t *testing.T) {
	d := New()
	block := make(chan struct{})
	defer close(block)
	d.SubscribeFunc(func(ev models.Event) { <-block })
	d.Emit(update("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); err == nil {
		t.Error("expected Close to time out on a stuck subscriber")
	}
}
