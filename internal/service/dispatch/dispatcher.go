// Package dispatch fans engine events out to subscribers. Each subscriber has
// its own bounded buffer and delivery goroutine, so a slow subscriber loses
// events instead of stalling the pipeline.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/observability/metrics"
)

const (
	DefaultBuffer        = 256
	DefaultTerminalGrace = time.Second
)

// Subscriber receives events in dispatch order.
type Subscriber interface {
	OnEvent(ev models.Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev models.Event)

func (f SubscriberFunc) OnEvent(ev models.Event) { f(ev) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultBuffer sets the buffer size used when Subscribe gets no WithBuffer.
func WithDefaultBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// WithTerminalGrace bounds how long a terminal event waits for room in a full buffer.
func WithTerminalGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.terminalGrace = grace }
}

// WithLogger replaces the dispatcher's component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithBuffer sets the subscription's buffer size.
func WithBuffer(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.ch = make(chan models.Event, n)
		}
	}
}

type subscription struct {
	id   uint64
	sub  Subscriber
	ch   chan models.Event
	done chan struct{}
	once sync.Once
}

// Dispatcher delivers events at most once to every subscriber, in the order
// Emit was called.
type Dispatcher struct {
	mu         sync.Mutex
	subs       map[uint64]*subscription
	order      []uint64
	nextSubID  uint64
	nextID     uint64
	terminated bool
	closed     bool

	buffer        int
	terminalGrace time.Duration
	log           zerolog.Logger
	metrics       *metrics.Metrics

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:          make(map[uint64]*subscription),
		buffer:        DefaultBuffer,
		terminalGrace: DefaultTerminalGrace,
		log:           logging.WithComponent("dispatch"),
		metrics:       metrics.DefaultMetrics,
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers sub and starts its delivery goroutine. The returned
// function unsubscribes; it is idempotent and safe to call from inside the
// subscriber's own callback.
func (d *Dispatcher) Subscribe(sub Subscriber, opts ...SubscribeOption) (unsubscribe func()) {
	s := &subscription{
		sub:  sub,
		ch:   make(chan models.Event, d.buffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	d.mu.Lock()
	if d.closed || d.terminated {
		d.mu.Unlock()
		return func() {}
	}
	d.nextSubID++
	s.id = d.nextSubID
	d.subs[s.id] = s
	d.order = append(d.order, s.id)
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(s)

	return func() { d.unsubscribe(s) }
}

// SubscribeFunc is Subscribe for a plain function.
func (d *Dispatcher) SubscribeFunc(fn func(models.Event), opts ...SubscribeOption) (unsubscribe func()) {
	return d.Subscribe(SubscriberFunc(fn), opts...)
}

func (d *Dispatcher) unsubscribe(s *subscription) {
	s.once.Do(func() {
		d.mu.Lock()
		delete(d.subs, s.id)
		for i, id := range d.order {
			if id == s.id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		close(s.done)
	})
}

// Emit assigns the next event ID and queues the event for every subscriber.
// It never blocks: a full buffer drops the event for that subscriber only.
// Events emitted after the terminal event are discarded.
func (d *Dispatcher) Emit(ev models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminated || d.closed {
		d.log.Debug().Str("kind", string(ev.Kind)).Msg("Event after session end discarded")
		return
	}
	if ev.Kind.IsTerminal() {
		// Terminal events go through Terminate so only one is ever sent.
		d.log.Warn().Str("kind", string(ev.Kind)).Msg("Terminal event passed to Emit, ignored")
		return
	}

	d.nextID++
	ev.ID = d.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, id := range d.order {
		s := d.subs[id]
		select {
		case s.ch <- ev:
		default:
			d.metrics.RecordEventDropped(string(ev.Kind))
			d.log.Warn().
				Uint64("subscriber", s.id).
				Uint64("eventId", ev.ID).
				Str("kind", string(ev.Kind)).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Terminate delivers the session's single terminal event. Later calls return
// false and deliver nothing. A subscriber whose buffer is full gets up to the
// terminal grace period to make room.
func (d *Dispatcher) Terminate(ev models.Event) bool {
	d.mu.Lock()
	if d.terminated || d.closed {
		d.mu.Unlock()
		return false
	}
	d.terminated = true
	d.nextID++
	ev.ID = d.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	subs := make([]*subscription, 0, len(d.order))
	for _, id := range d.order {
		subs = append(subs, d.subs[id])
	}
	d.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}

		timer := time.NewTimer(d.terminalGrace)
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-d.quit:
		case <-timer.C:
			d.metrics.RecordEventDropped(string(ev.Kind))
			d.log.Error().
				Uint64("subscriber", s.id).
				Str("kind", string(ev.Kind)).
				Msg("Subscriber did not accept terminal event")
		}
		timer.Stop()
	}
	return true
}

// Terminated reports whether the terminal event has been sent.
func (d *Dispatcher) Terminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

// Close stops accepting events and waits until every subscriber has drained
// its buffer or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(s *subscription) {
	defer d.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			if !d.deliver(s, ev) {
				return
			}
		case <-d.quit:
			for {
				select {
				case <-s.done:
					return
				case ev := <-s.ch:
					if !d.deliver(s, ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver hands one event to the subscriber and reports whether the
// subscription should keep running.
func (d *Dispatcher) deliver(s *subscription, ev models.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().
					Uint64("subscriber", s.id).
					Interface("panic", r).
					Str("kind", string(ev.Kind)).
					Msg("Subscriber panicked")
			}
		}()
		s.sub.OnEvent(ev)
	}()
	d.metrics.RecordEventDispatched(string(ev.Kind))

	return !ev.Kind.IsTerminal()
}
