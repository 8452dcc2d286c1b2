package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/observability/metrics"
	"ai-speech-turn-client/internal/service/frame"
	"ai-speech-turn-client/internal/service/protocol"
)

const eventBuffer = 256

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger replaces the session's component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log, s.logSet = l, true }
}

// WithMetrics sets the metrics sink. Defaults to metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithStateListener is called on every state change. err carries the cause
// of a reconnect or failure.
func WithStateListener(fn func(State, error)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session is one logical streaming session. It survives reconnects: frames
// not acknowledged by the service are resent on the new connection and
// server sequence ids keep increasing across connections.
type Session struct {
	id     string
	cfg    Config
	url    string
	dialer Dialer
	log    zerolog.Logger
	logSet bool
	// evictLog is log sampled down for per-frame eviction warnings.
	evictLog zerolog.Logger
	metrics  *metrics.Metrics
	onState  func(State, error)

	queue   *frame.Queue
	window  *window
	events  chan protocol.ServerEvent
	nextSeq atomic.Uint64
	pending atomic.Int64

	sendMu     sync.Mutex
	lastQueued uint64

	writeMu sync.Mutex

	mu    sync.Mutex
	state State
	// conn is set once a connection has resent its unacked frames.
	conn Conn
	// wake is closed and replaced when the queue drains or conn changes.
	wake      chan struct{}
	requestID string
	err       error
	closing   bool

	// touched only by the supervisor chain
	seqBase       uint64
	lastDelivered uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// Connect validates cfg, dials the service and completes the handshake.
// Errors are *ConnectError.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		metrics.DefaultMetrics.RecordConnectError(BadConfig.String())
		return nil, err
	}
	u, err := cfg.URL()
	if err != nil {
		return nil, &ConnectError{Kind: BadConfig, Err: err}
	}

	s := &Session{
		id:      uuid.New().String(),
		cfg:     cfg,
		url:     u,
		metrics: metrics.DefaultMetrics,
		queue:   frame.NewQueue(cfg.QueueCapacity, cfg.PushTimeout),
		window:  newWindow(cfg.MaxInFlight),
		events:  make(chan protocol.ServerEvent, eventBuffer),
		state:   StateConnecting,
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = NewDialer(cfg.ConnectTimeout)
	}
	if !s.logSet {
		s.log = logging.WithSession(s.id).With().Str("component", "transport").Logger()
	}
	s.evictLog = s.log.Sample(&zerolog.BurstSampler{Burst: 1, Period: 10 * time.Second})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.notify(StateConnecting, nil)

	conn, early, err := s.dial(ctx)
	if err != nil {
		s.cancel()
		s.mu.Lock()
		s.state = StateFailed
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.notify(StateFailed, err)
		return nil, err
	}

	s.startedAt = time.Now()
	s.metrics.RecordSessionStart()
	s.setState(StateOpen, nil)
	s.log.Info().
		Str("requestId", s.RequestID()).
		Str("model", cfg.Model).
		Int("sampleRate", cfg.SampleRate).
		Msg("Session open")

	go s.supervise(conn, early)
	return s, nil
}

// ID returns the client-side session ID.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// RequestID returns the request id the service assigned in Connected.
func (s *Session) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Acked returns the highest audio seq acknowledged by the service.
func (s *Session) Acked() uint64 { return s.window.ackedSeq() }

// InFlight returns the number of frames written but not yet acknowledged.
func (s *Session) InFlight() int { return s.window.len() }

// Done is closed once the session reached CLOSED or FAILED.
func (s *Session) Done() <-chan struct{} { return s.done }

// NewFrame wraps data in a frame carrying the next sequence number.
func (s *Session) NewFrame(data []byte) frame.Frame {
	return frame.New(s.nextSeq.Add(1), data, time.Now())
}

// Send queues a frame. It blocks while the queue is full and fails with a
// backpressure SendError once the push timeout elapses; the frame is then
// not sent. Frames must carry increasing seqs.
func (s *Session) Send(ctx context.Context, f frame.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if st := s.State(); st != StateOpen && st != StateConnecting {
		return &SendError{Kind: SendClosed, Seq: f.Seq, Err: ErrClosed}
	}
	if f.Seq <= s.lastQueued {
		return fmt.Errorf("%w: %d after %d", ErrFrameOrder, f.Seq, s.lastQueued)
	}

	s.pending.Add(1)
	err := s.queue.Push(ctx, f)
	switch {
	case err == nil:
		s.lastQueued = f.Seq
		return nil
	case errors.Is(err, frame.ErrOverflow):
		s.release(1)
		s.metrics.RecordQueueOverflow()
		s.log.Warn().Uint64("seq", f.Seq).Int("queued", s.queue.Len()).Msg("Frame queue overflow")
		return &SendError{Kind: SendBackpressure, Seq: f.Seq, Err: err}
	case errors.Is(err, frame.ErrClosed):
		s.release(1)
		return &SendError{Kind: SendClosed, Seq: f.Seq, Err: err}
	default:
		s.release(1)
		return err
	}
}

// Receive blocks for the next server event. Control messages are consumed
// by the session. After a clean close it returns ErrClosed; after a failure
// the session's *TransportError.
func (s *Session) Receive(ctx context.Context) (protocol.ServerEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return protocol.ServerEvent{}, ctx.Err()
	case <-s.done:
	}

	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	if err := s.Err(); err != nil {
		return protocol.ServerEvent{}, err
	}
	return protocol.ServerEvent{}, ErrClosed
}

// Finalize asks the service to flush results for all audio sent so far. It
// waits until every queued frame has been written, riding out reconnects,
// and fails only when ctx is done or the session ended.
func (s *Session) Finalize(ctx context.Context) error {
	for {
		s.mu.Lock()
		conn, wake := s.conn, s.wake
		s.mu.Unlock()

		if conn != nil && s.pending.Load() == 0 {
			err := s.writeText(conn, protocol.EncodeFinalize())
			if err == nil {
				s.log.Debug().Msg("Finalize sent")
				return nil
			}
			s.log.Debug().Err(err).Msg("Finalize write failed, waiting for the next connection")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return fmt.Errorf("finalize: %w", ErrClosed)
		case <-wake:
		}
	}
}

// Close stops accepting frames, lets queued audio drain within CloseGrace,
// sends CloseStream and waits for the service to end the stream. It is safe
// to call more than once and to defer.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.setState(StateClosing, nil)
		s.queue.Close()

		grace := time.NewTimer(s.cfg.CloseGrace)
		defer grace.Stop()
		select {
		case <-s.done:
		case <-grace.C:
			s.log.Warn().Dur("grace", s.cfg.CloseGrace).Msg("Close grace elapsed, aborting stream")
			s.cancel()
			<-s.done
		case <-ctx.Done():
			s.cancel()
			<-s.done
			err = ctx.Err()
		}
	})
	return err
}

// dial connects and completes the Configure/Connected handshake within
// ConnectTimeout. Events that arrive before Connected are returned so they
// are delivered ahead of the stream.
func (s *Session) dial(ctx context.Context) (Conn, []protocol.ServerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+s.cfg.APIKey)
	}

	conn, err := s.dialer.Dial(ctx, s.url, header)
	if err != nil {
		var ce *ConnectError
		if !errors.As(err, &ce) {
			err = &ConnectError{Kind: Unreachable, Err: err}
			errors.As(err, &ce)
		}
		s.metrics.RecordConnectError(ce.Kind.String())
		return nil, nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fail := func(kind ConnectErrorKind, err error) (Conn, []protocol.ServerEvent, error) {
		conn.Close()
		s.metrics.RecordConnectError(kind.String())
		return nil, nil, &ConnectError{Kind: kind, Err: err}
	}

	msg, err := protocol.EncodeConfig(s.cfg.Params())
	if err != nil {
		return fail(BadConfig, err)
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fail(Unreachable, fmt.Errorf("send configure: %w", err))
	}

	_ = conn.SetReadDeadline(deadline)
	var early []protocol.ServerEvent
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fail(Unreachable, fmt.Errorf("handshake: %w", ctx.Err()))
			}
			return fail(Unreachable, fmt.Errorf("handshake: %w", err))
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("Undecodable message during handshake")
			continue
		}

		switch ev.Kind {
		case protocol.KindConnected:
			s.mu.Lock()
			s.requestID = ev.RequestID
			s.mu.Unlock()
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return conn, early, nil
		case protocol.KindError:
			kind := BadConfig
			if isAuthCode(ev.Code) {
				kind = AuthRejected
			}
			return fail(kind, fmt.Errorf("service error %s: %s", ev.Code, ev.Message))
		case protocol.KindAudioAck:
		default:
			early = append(early, ev)
		}
	}
}

func isAuthCode(code string) bool {
	c := strings.ToUpper(code)
	return strings.Contains(c, "AUTH") || strings.Contains(c, "FORBIDDEN") || strings.Contains(c, "CREDENTIAL")
}

func (s *Session) writeText(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeFrame(conn Conn, f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudio(f)); err != nil {
		return fmt.Errorf("write frame %d: %w", f.Seq, err)
	}
	s.metrics.RecordFrameSent(f.Len())
	return nil
}

// release drops n frames from the pending count.
func (s *Session) release(n int64) {
	if s.pending.Add(-n) == 0 {
		s.mu.Lock()
		s.wakeLocked()
		s.mu.Unlock()
	}
}

func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Session) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// setState moves to st unless the session already ended.
func (s *Session) setState(st State, cause error) {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notify(st, cause)
}

func (s *Session) notify(st State, cause error) {
	s.metrics.RecordSessionState(st.String())
	ev := s.log.Debug()
	if cause != nil {
		ev = s.log.Warn().Err(cause)
	}
	ev.Str("state", st.String()).Msg("Session state changed")
	if s.onState != nil {
		s.onState(st, cause)
	}
}
