// Package engine wires a transport session, the turn state machine and the
// event dispatcher into one streaming turn-detection session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/observability/metrics"
	"ai-speech-turn-client/internal/service/audio"
	"ai-speech-turn-client/internal/service/dispatch"
	"ai-speech-turn-client/internal/service/protocol"
	"ai-speech-turn-client/internal/service/transport"
	"ai-speech-turn-client/internal/service/turn"
)

// ErrLimitExceeded is returned by Pump once a stream limit is hit.
var ErrLimitExceeded = errors.New("engine: stream limit exceeded")

// ErrNotStarted is returned by operations that need a connected session.
var ErrNotStarted = errors.New("engine: not started")

// Limits are safety guardrails for one streamed source. Zero disables a limit.
type Limits struct {
	MaxAudioBytes int64
	MaxDuration   time.Duration
}

// Config configures an Engine.
type Config struct {
	Transport transport.Config
	Limits    Limits
	// SubscriberBuffer is the default per-subscriber event buffer.
	SubscriberBuffer int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the clock driving the end-of-turn timer.
func WithClock(c turn.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithLogger replaces the engine's component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log, e.logSet = l, true }
}

// WithMetrics sets the metrics sink. Defaults to metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// Engine is one streaming session. Subscribe before Start so no event is missed.
type Engine struct {
	id      string
	cfg     Config
	clock   turn.Clock
	dialer  transport.Dialer
	log     zerolog.Logger
	logSet  bool
	metrics *metrics.Metrics

	dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	session *transport.Session
	machine *turn.Machine
	started bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates an engine. Nothing is dialed until Start.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		id:      uuid.New().String(),
		cfg:     cfg,
		clock:   turn.SystemClock(),
		metrics: metrics.DefaultMetrics,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.logSet {
		e.log = logging.WithSession(e.id).With().Str("component", "engine").Logger()
	}

	dopts := []dispatch.Option{
		dispatch.WithLogger(e.log.With().Str("component", "dispatch").Logger()),
		dispatch.WithMetrics(e.metrics),
	}
	if cfg.SubscriberBuffer > 0 {
		dopts = append(dopts, dispatch.WithDefaultBuffer(cfg.SubscriberBuffer))
	}
	e.dispatcher = dispatch.New(dopts...)
	return e
}

// ID returns the session ID shared by the transport and the emitted events.
func (e *Engine) ID() string { return e.id }

// Subscribe registers a subscriber. See dispatch.Dispatcher.Subscribe.
func (e *Engine) Subscribe(sub dispatch.Subscriber, opts ...dispatch.SubscribeOption) (unsubscribe func()) {
	return e.dispatcher.Subscribe(sub, opts...)
}

// SubscribeFunc registers a plain function as subscriber.
func (e *Engine) SubscribeFunc(fn func(models.Event), opts ...dispatch.SubscribeOption) (unsubscribe func()) {
	return e.dispatcher.SubscribeFunc(fn, opts...)
}

// Start connects to the service and starts the receive path. A connect
// failure is returned and also ends the event stream with SessionFailed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	tc := e.cfg.Transport
	machine := turn.NewMachine(turn.Config{
		SessionID:         e.id,
		EOTThreshold:      tc.EOTThreshold,
		EagerEOTThreshold: tc.EagerEOTThreshold,
		EOTTimeout:        tc.EOTTimeout,
	}, e.dispatcher,
		turn.WithClock(e.clock),
		turn.WithLogger(e.log.With().Str("component", "turn").Logger()),
		turn.WithMetrics(e.metrics),
	)

	topts := []transport.Option{
		transport.WithSessionID(e.id),
		transport.WithLogger(e.log.With().Str("component", "transport").Logger()),
		transport.WithMetrics(e.metrics),
		transport.WithStateListener(e.onState),
	}
	if e.dialer != nil {
		topts = append(topts, transport.WithDialer(e.dialer))
	}

	session, err := transport.Connect(ctx, tc, topts...)
	if err != nil {
		machine.Close()
		close(e.done)
		e.terminate(err)
		return err
	}

	e.mu.Lock()
	e.session = session
	e.machine = machine
	e.mu.Unlock()

	go e.receiveLoop(session, machine)
	return nil
}

// Session returns the transport session, nil before Start.
func (e *Engine) Session() *transport.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// TurnState returns the state of the turn machine.
func (e *Engine) TurnState() turn.State {
	e.mu.Lock()
	m := e.machine
	e.mu.Unlock()
	if m == nil {
		return turn.StateIdle
	}
	return m.State()
}

// Committed returns the turns that ended so far.
func (e *Engine) Committed() []models.Turn {
	e.mu.Lock()
	m := e.machine
	e.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Committed()
}

// Done is closed once the receive path has ended and the terminal event was dispatched.
func (e *Engine) Done() <-chan struct{} { return e.done }

// SendAudio queues one chunk of audio.
func (e *Engine) SendAudio(ctx context.Context, data []byte) error {
	s := e.Session()
	if s == nil {
		return ErrNotStarted
	}
	return s.Send(ctx, s.NewFrame(data))
}

// Pump streams src until io.EOF, then asks the service to finalize. A
// backpressure error drops the chunk and pumping continues; any other send
// error stops the pump.
func (e *Engine) Pump(ctx context.Context, src audio.Source) error {
	s := e.Session()
	if s == nil {
		return ErrNotStarted
	}

	var (
		sent    int64
		chunks  int
		dropped int
		started = time.Now()
		limits  = e.cfg.Limits
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := src.NextChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}

		sent += int64(len(chunk))
		if limits.MaxAudioBytes > 0 && sent > limits.MaxAudioBytes {
			return fmt.Errorf("%w: max audio bytes %d > %d", ErrLimitExceeded, sent, limits.MaxAudioBytes)
		}
		if limits.MaxDuration > 0 && time.Since(started) > limits.MaxDuration {
			return fmt.Errorf("%w: max duration %v", ErrLimitExceeded, limits.MaxDuration)
		}

		err = s.Send(ctx, s.NewFrame(chunk))
		if errors.Is(err, transport.ErrBackpressure) {
			dropped++
			continue
		}
		if err != nil {
			return err
		}
		chunks++
	}

	e.log.Info().
		Int("chunks", chunks).
		Int64("bytes", sent).
		Int("dropped", dropped).
		Dur("elapsed", time.Since(started)).
		Msg("Audio source exhausted")

	if err := s.Finalize(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Finalize failed")
	}
	return nil
}

// Close ends the session: pending audio drains within the close grace, the
// receive path stops, and subscribers drain within ctx. Safe to call more
// than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if s := e.Session(); s != nil {
			if err := s.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			select {
			case <-e.done:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}
		if err := e.dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) receiveLoop(s *transport.Session, m *turn.Machine) {
	defer close(e.done)

	for {
		ev, err := s.Receive(context.Background())
		if err != nil {
			m.Close()
			e.terminate(err)
			return
		}

		if ev.Kind == protocol.KindError {
			e.dispatcher.Emit(models.Event{
				Kind:      models.EventServerError,
				SessionID: e.id,
				TurnID:    m.TurnID(),
				Code:      ev.Code,
				Message:   ev.Message,
			})
			continue
		}

		if err := m.Apply(ev); err != nil {
			e.log.Warn().Err(err).Str("kind", ev.Kind.String()).Uint64("seq", ev.Seq).Msg("Server event rejected")
		}
	}
}

func (e *Engine) onState(st transport.State, cause error) {
	ev := models.Event{
		Kind:      models.EventConnectionState,
		SessionID: e.id,
		State:     st.String(),
		Err:       cause,
	}
	if cause != nil {
		ev.Message = cause.Error()
	}
	e.dispatcher.Emit(ev)
}

// terminate dispatches the single terminal event for err.
func (e *Engine) terminate(err error) {
	ev := models.Event{Kind: models.EventSessionClosed, SessionID: e.id}
	if !errors.Is(err, transport.ErrClosed) {
		ev.Kind = models.EventSessionFailed
		ev.Err = err
		ev.Message = err.Error()
	}
	e.dispatcher.Terminate(ev)
}
