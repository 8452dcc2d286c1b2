package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/observability/metrics"
	"ai-speech-turn-client/internal/service/protocol"
)

// Emitter receives the events produced by the machine, in order. Emit is
// called with the machine lock held and must not block.
type Emitter interface {
	Emit(ev models.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev models.Event)

func (f EmitterFunc) Emit(ev models.Event) { f(ev) }

// Config holds the session-level thresholds. It is immutable once the
// machine is built.
type Config struct {
	SessionID         string
	EOTThreshold      float64
	EagerEOTThreshold float64
	EOTTimeout        time.Duration
}

// Validate checks the threshold invariants.
func (c Config) Validate() error {
	// Written as negated ranges so NaN fails.
	if !(c.EOTThreshold >= 0 && c.EOTThreshold <= 1) {
		return fmt.Errorf("eot threshold %v outside [0,1]", c.EOTThreshold)
	}
	if !(c.EagerEOTThreshold >= 0 && c.EagerEOTThreshold <= c.EOTThreshold) {
		return fmt.Errorf("eager eot threshold %v outside [0,%v]", c.EagerEOTThreshold, c.EOTThreshold)
	}
	if c.EOTTimeout < time.Millisecond {
		return fmt.Errorf("eot timeout must be at least 1ms, got %v", c.EOTTimeout)
	}
	return nil
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the machine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithTransitionHook registers a callback invoked on every state change,
// under the machine lock.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// openTurn is the turn being built. The transcript is a list of sealed
// segments followed by one live segment that partials keep revising.
type openTurn struct {
	id          string
	index       int
	sealed      []string
	sealedWords []models.Word
	live        string
	liveWords   []models.Word
	confidence  float64
	startedAt   time.Time
}

func (t *openTurn) text() string {
	parts := make([]string, 0, len(t.sealed)+1)
	for _, s := range t.sealed {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if t.live != "" {
		parts = append(parts, t.live)
	}
	return strings.Join(parts, " ")
}

func (t *openTurn) words() []models.Word {
	out := make([]models.Word, 0, len(t.sealedWords)+len(t.liveWords))
	out = append(out, t.sealedWords...)
	return append(out, t.liveWords...)
}

// revise replaces the live segment. A transcript that already starts with the
// sealed text is cumulative and replaces the whole turn. Returns whether the
// turn text changed.
func (t *openTurn) revise(text string, words []models.Word) bool {
	text = strings.TrimSpace(text)
	if text == "" && len(words) == 0 {
		return false
	}
	before := t.text()
	if len(t.sealed) > 0 && strings.HasPrefix(text, strings.Join(t.sealed, " ")) {
		t.sealed, t.sealedWords = nil, nil
	}
	t.live, t.liveWords = text, words
	return t.text() != before
}

// repeats reports whether text is the live segment or the whole turn again.
func (t *openTurn) repeats(text string) bool {
	text = strings.TrimSpace(text)
	return text == t.live || text == t.text()
}

func (t *openTurn) seal() {
	if t.live == "" {
		return
	}
	t.sealed = append(t.sealed, t.live)
	t.sealedWords = append(t.sealedWords, t.liveWords...)
	t.live, t.liveWords = "", nil
}

// Machine is the turn-detection state machine for one session. Server events
// and timer expiry both mutate it under a single mutex; the timer carries the
// generation it was armed with and only fires if the machine is still in the
// same eager window, so exactly one of {timeout, server event} ends a turn.
type Machine struct {
	mu sync.Mutex

	cfg          Config
	clock        Clock
	emit         Emitter
	log          zerolog.Logger
	metrics      *metrics.Metrics
	ids          *IDGenerator
	onTransition func(from, to State)

	state     State
	lastSeq   uint64
	closed    bool
	gen       uint64
	timer     Timer
	cur       *openTurn
	turns     int
	committed []models.Turn
}

// NewMachine creates a machine in StateIdle.
func NewMachine(cfg Config, emit Emitter, opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		clock:   SystemClock(),
		emit:    emit,
		log:     logging.WithSession(cfg.SessionID).With().Str("component", "turn").Logger(),
		metrics: metrics.DefaultMetrics,
		state:   StateIdle,
		ids:     NewIDGenerator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TurnID returns the identity of the open or last ended turn.
func (m *Machine) TurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.id
}

// Committed returns the turns that reached Ended, oldest first.
func (m *Machine) Committed() []models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Turn, len(m.committed))
	copy(out, m.committed)
	return out
}

// Close stops the eot timer. An open turn is not committed.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimer()
}

// Apply feeds one server event into the machine. Events carrying a sequence
// id must arrive in increasing order; a zero sequence id is unsequenced.
func (m *Machine) Apply(ev protocol.ServerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMachineClosed
	}
	if ev.Seq != 0 {
		if ev.Seq <= m.lastSeq {
			return fmt.Errorf("%w: seq %d not after %d", ErrOutOfOrder, ev.Seq, m.lastSeq)
		}
		m.lastSeq = ev.Seq
	}

	switch m.state {
	case StateIdle:
		m.applyIdle(ev)
	case StateSpeakerActive:
		m.applyActive(ev)
	case StateEagerEndCandidate:
		m.applyCandidate(ev)
	case StateEnded:
		m.applyEnded(ev)
	default:
		return fmt.Errorf("%w: resting in %s", ErrInvalidTransition, m.state)
	}
	return nil
}

func (m *Machine) applyIdle(ev protocol.ServerEvent) {
	if isOnset(ev) {
		m.startTurn(ev)
		return
	}
	m.ignore(ev)
}

func (m *Machine) applyActive(ev protocol.ServerEvent) {
	switch ev.Kind {
	case protocol.KindPartialTranscript, protocol.KindFinalTranscript:
		m.revise(ev)

	case protocol.KindEagerEndOfTurn, protocol.KindEndOfTurn:
		m.revise(ev)
		conf := ev.EndOfTurnConfidence
		if ev.Kind == protocol.KindEagerEndOfTurn && conf < m.cfg.EagerEOTThreshold {
			m.ignore(ev)
			return
		}
		m.enterCandidate(conf)
		// The end condition is checked after entering the candidate state so
		// a message that satisfies both thresholds still walks the table.
		switch {
		case ev.Kind == protocol.KindEndOfTurn:
			m.endTurn(models.EndReasonServer)
		case conf >= m.cfg.EOTThreshold:
			m.endTurn(models.EndReasonThreshold)
		}

	default:
		m.ignore(ev)
	}
}

func (m *Machine) applyCandidate(ev protocol.ServerEvent) {
	switch ev.Kind {
	case protocol.KindEndOfTurn:
		m.revise(ev)
		m.cur.confidence = ev.EndOfTurnConfidence
		m.endTurn(models.EndReasonServer)

	case protocol.KindEagerEndOfTurn:
		if ev.EndOfTurnConfidence >= m.cfg.EOTThreshold {
			m.revise(ev)
			m.cur.confidence = ev.EndOfTurnConfidence
			m.endTurn(models.EndReasonThreshold)
			return
		}
		m.ignore(ev)

	case protocol.KindTurnResumed, protocol.KindStartOfTurn:
		m.resume(ev)

	case protocol.KindPartialTranscript:
		// Repeated updates of the same text are not new speech.
		if !hasSpeech(ev) || m.cur.repeats(ev.Transcript) {
			m.ignore(ev)
			return
		}
		m.resume(ev)

	case protocol.KindFinalTranscript:
		m.revise(ev)

	default:
		m.ignore(ev)
	}
}

func (m *Machine) applyEnded(ev protocol.ServerEvent) {
	if !isOnset(ev) {
		m.ignore(ev)
		return
	}
	m.transition(StateIdle)
	m.startTurn(ev)
}

func (m *Machine) startTurn(ev protocol.ServerEvent) {
	m.cur = &openTurn{
		id:        m.ids.Next(m.cfg.SessionID),
		index:     m.turns,
		startedAt: m.clock.Now(),
	}
	m.turns++
	m.transition(StateSpeakerActive)
	m.publish(models.EventTurnStarted, nil)
	m.revise(ev)
}

func (m *Machine) resume(ev protocol.ServerEvent) {
	m.stopTimer()
	m.transition(StateResumed)
	m.publish(models.EventTurnResumed, nil)
	m.cur.seal()
	m.transition(StateSpeakerActive)
	m.revise(ev)
}

func (m *Machine) enterCandidate(conf float64) {
	m.cur.confidence = conf
	m.transition(StateEagerEndCandidate)
	m.publish(models.EventEagerEndCandidate, func(e *models.Event) {
		e.Transcript = m.cur.text()
	})

	m.stopTimer()
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.cfg.EOTTimeout, func() { m.expire(gen) })
}

// expire is the timer side of the decision slot.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateEagerEndCandidate || gen != m.gen {
		return
	}
	m.endTurn(models.EndReasonTimeout)
}

func (m *Machine) endTurn(reason string) {
	m.stopTimer()
	m.transition(StateEnded)

	now := m.clock.Now()
	t := models.Turn{
		ID:         m.cur.id,
		Index:      m.cur.index,
		Transcript: m.cur.text(),
		Words:      m.cur.words(),
		Confidence: m.cur.confidence,
		Reason:     reason,
		StartedAt:  m.cur.startedAt,
		EndedAt:    now,
	}
	m.committed = append(m.committed, t)
	m.metrics.RecordTurnEnded(reason, now.Sub(t.StartedAt).Seconds())

	m.publish(models.EventTurnEnded, func(e *models.Event) {
		e.Transcript = t.Transcript
		e.Words = t.Words
		e.Reason = reason
	})
	m.log.Info().
		Str("turnId", t.ID).
		Str("reason", reason).
		Str("transcript", t.Transcript).
		Msg("Turn ended")
}

// revise applies the event's transcript to the open turn and emits an update
// when the text changed.
func (m *Machine) revise(ev protocol.ServerEvent) {
	if !m.cur.revise(ev.Transcript, ev.Words) {
		return
	}
	m.publish(models.EventTranscriptUpdate, func(e *models.Event) {
		e.Transcript = m.cur.text()
		e.Words = m.cur.words()
	})
}

// stopTimer disarms the eot timer and invalidates any expiry already queued.
func (m *Machine) stopTimer() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) transition(to State) {
	from := m.state
	if !CanTransition(from, to) {
		// Unreachable through Apply; kept loud so a broken table shows up in tests.
		panic(fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, from, to))
	}
	m.state = to
	m.metrics.RecordTurnTransition(from.String(), to.String())
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	m.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Turn transition")
}

func (m *Machine) publish(kind models.EventKind, fill func(*models.Event)) {
	e := models.Event{
		Kind:       kind,
		SessionID:  m.cfg.SessionID,
		TurnID:     m.cur.id,
		TurnIndex:  m.cur.index,
		Confidence: m.cur.confidence,
		Timestamp:  m.clock.Now(),
	}
	if fill != nil {
		fill(&e)
	}
	if m.emit != nil {
		m.emit.Emit(e)
	}
}

func (m *Machine) ignore(ev protocol.ServerEvent) {
	m.log.Debug().
		Str("state", m.state.String()).
		Str("kind", ev.Kind.String()).
		Uint64("seq", ev.Seq).
		Msg("Ignored server event")
}

func hasSpeech(ev protocol.ServerEvent) bool {
	return strings.TrimSpace(ev.Transcript) != "" || len(ev.Words) > 0
}

func isOnset(ev protocol.ServerEvent) bool {
	switch ev.Kind {
	case protocol.KindStartOfTurn:
		return true
	case protocol.KindPartialTranscript, protocol.KindFinalTranscript:
		return hasSpeech(ev)
	}
	return false
}
