// Package mock provides a websocket recognition server that speaks the
// streaming turn protocol. It simulates realistic service behavior with
// progressive partial transcripts, eager and final end-of-turn signals and
// audio acknowledgements, so the client can run without cloud credentials.
package mock

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/service/protocol"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Per-word confidence
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:      "I've been waiting for over an hour",
		Confidence: 0.79,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.68,
	},
}

// Step is one scripted server message. Raw, when set, is written verbatim.
type Step struct {
	Delay time.Duration
	Event protocol.ServerEvent
	Raw   []byte
}

// Config controls the mock server.
type Config struct {
	// APIKey, when set, must be presented as "Authorization: Token <key>".
	APIKey string

	// Utterances are played back as audio arrives, one message every
	// FramesPerStep frames. Ignored when Script is set.
	Utterances    []SimulatedUtterance
	FramesPerStep int

	EagerConfidence float64
	EndConfidence   float64

	// Script is played once per connection right after the handshake.
	Script []Step

	// AckEvery acknowledges every Nth frame; zero disables acks.
	AckEvery int
	// AckLimit stops acknowledging frames with a higher seq; zero is no limit.
	AckLimit uint64

	// DropAfterFrames drops the first connection without a close frame once
	// that many audio frames were received; zero never drops.
	DropAfterFrames int

	// StallAfterFrames makes the first connection go silent once that many
	// audio frames were received: it keeps reading but never writes again.
	StallAfterFrames int

	// RejectConfigCode answers the Configure message with an Error carrying
	// this code instead of Connected.
	RejectConfigCode string
}

// DefaultConfig returns a server that plays DefaultUtterances and acks every frame.
func DefaultConfig() Config {
	return Config{
		Utterances:      DefaultUtterances,
		FramesPerStep:   5,
		EagerConfidence: 0.6,
		EndConfidence:   0.9,
		AckEvery:        1,
	}
}

// Server is an http.Handler serving the streaming endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	conns    int
	received map[int][]uint64
	configs  []protocol.Params
	controls []string
}

// NewServer creates a mock server.
func NewServer(cfg Config) *Server {
	if cfg.FramesPerStep <= 0 {
		cfg.FramesPerStep = 1
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:      logging.WithComponent("mockserver"),
		received: make(map[int][]uint64),
	}
}

// Connections returns the number of accepted websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Received returns the audio seqs received on the given connection (0-based).
func (s *Server) Received(conn int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.received[conn]...)
}

// Configs returns every Configure message received, in order.
func (s *Server) Configs() []protocol.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Params(nil), s.configs...)
}

// Controls returns the control message types received after the handshake.
func (s *Server) Controls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.controls...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Token "+s.cfg.APIKey {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := validateQuery(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	s.mu.Lock()
	index := s.conns
	s.conns++
	s.mu.Unlock()

	c := &conn{srv: s, ws: ws, index: index, log: s.log.With().Int("conn", index).Logger()}
	c.serve()
}

func validateQuery(r *http.Request) error {
	q := r.URL.Query()
	for _, key := range []string{"eot_threshold", "eager_eot_threshold"} {
		if v := q.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 1 {
				return errors.New("invalid " + key)
			}
		}
	}
	if v := q.Get("sample_rate"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return errors.New("invalid sample_rate")
		}
	}
	return nil
}

type conn struct {
	srv   *Server
	ws    *websocket.Conn
	index int
	log   zerolog.Logger

	writeMu sync.Mutex
	seq     uint64

	frames    int
	utterance int
	step      int
	turnIndex int
	turnOpen  bool
	done      chan struct{}
}

func (c *conn) serve() {
	defer c.ws.Close()
	c.done = make(chan struct{})
	defer close(c.done)

	if !c.handshake() {
		return
	}
	if c.srv.cfg.Script != nil {
		go c.playScript()
	}

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("Read ended")
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if !c.onAudio(data) {
				return
			}
		case websocket.TextMessage:
			if !c.onControl(data) {
				return
			}
		}
	}
}

func (c *conn) handshake() bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	msg, err := protocol.DecodeClient(data)
	if err != nil || msg.Type != protocol.TypeConfigure {
		c.send(protocol.ServerEvent{Kind: protocol.KindError, Code: "INVALID_CONFIG", Message: "expected Configure"})
		return false
	}
	c.srv.mu.Lock()
	c.srv.configs = append(c.srv.configs, msg.Params)
	c.srv.mu.Unlock()

	if code := c.srv.cfg.RejectConfigCode; code != "" {
		c.send(protocol.ServerEvent{Kind: protocol.KindError, Code: code, Message: "configuration rejected"})
		return false
	}
	p := msg.Params
	if p.EagerEOTThreshold > p.EOTThreshold || p.EOTTimeoutMs < 0 {
		c.send(protocol.ServerEvent{Kind: protocol.KindError, Code: "INVALID_CONFIG", Message: "invalid thresholds"})
		return false
	}

	return c.send(protocol.ServerEvent{Kind: protocol.KindConnected, RequestID: uuid.New().String()}) == nil
}

func (c *conn) onAudio(data []byte) bool {
	seq, _, err := protocol.DecodeAudio(data)
	if err != nil {
		c.send(protocol.ServerEvent{Kind: protocol.KindError, Code: "INVALID_AUDIO", Message: err.Error()})
		return true
	}
	c.frames++

	c.srv.mu.Lock()
	c.srv.received[c.index] = append(c.srv.received[c.index], seq)
	c.srv.mu.Unlock()

	cfg := c.srv.cfg
	if c.index == 0 && cfg.StallAfterFrames > 0 && c.frames > cfg.StallAfterFrames {
		return true
	}
	if cfg.AckEvery > 0 && c.frames%cfg.AckEvery == 0 && (cfg.AckLimit == 0 || seq <= cfg.AckLimit) {
		c.send(protocol.ServerEvent{Kind: protocol.KindAudioAck, AckSeq: seq})
	}

	if c.index == 0 && cfg.DropAfterFrames > 0 && c.frames >= cfg.DropAfterFrames {
		c.log.Info().Int("frames", c.frames).Msg("Dropping connection")
		c.writeMu.Lock()
		_ = c.ws.UnderlyingConn().Close()
		c.writeMu.Unlock()
		return false
	}

	if cfg.Script == nil && len(cfg.Utterances) > 0 && c.frames%cfg.FramesPerStep == 0 {
		c.advance()
	}
	return true
}

func (c *conn) onControl(data []byte) bool {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		c.send(protocol.ServerEvent{Kind: protocol.KindError, Code: "INVALID_MESSAGE", Message: err.Error()})
		return true
	}
	c.srv.mu.Lock()
	c.srv.controls = append(c.srv.controls, msg.Type)
	c.srv.mu.Unlock()

	switch msg.Type {
	case protocol.TypeFinalize:
		c.finishTurn()
		return true
	case protocol.TypeCloseStream:
		c.finishTurn()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return false
	}
	return true
}

// advance plays the next step of the current utterance:
// StartOfTurn, one Update per partial, EagerEndOfTurn, EndOfTurn.
func (c *conn) advance() {
	cfg := c.srv.cfg
	u := cfg.Utterances[c.utterance%len(cfg.Utterances)]

	switch {
	case c.step == 0:
		c.turnOpen = true
		c.sendTurn(protocol.KindStartOfTurn, "", nil, 0)
	case c.step <= len(u.Partials):
		text := u.Partials[c.step-1]
		c.sendTurn(protocol.KindPartialTranscript, text, words(text, u.Confidence), 0.1)
	case c.step == len(u.Partials)+1:
		c.sendTurn(protocol.KindEagerEndOfTurn, u.Final, words(u.Final, u.Confidence), cfg.EagerConfidence)
	default:
		c.finishTurn()
		return
	}
	c.step++
}

// finishTurn ends an open turn with the utterance's final transcript.
func (c *conn) finishTurn() {
	if !c.turnOpen {
		return
	}
	cfg := c.srv.cfg
	u := cfg.Utterances[c.utterance%len(cfg.Utterances)]
	c.sendTurn(protocol.KindEndOfTurn, u.Final, words(u.Final, u.Confidence), cfg.EndConfidence)
	c.turnOpen = false
	c.utterance++
	c.turnIndex++
	c.step = 0
}

func (c *conn) sendTurn(kind protocol.Kind, text string, w []models.Word, conf float64) {
	c.send(protocol.ServerEvent{
		Kind:                kind,
		TurnIndex:           c.turnIndex,
		Transcript:          text,
		Words:               w,
		EndOfTurnConfidence: conf,
		AudioWindowEnd:      float64(c.frames) * 0.1,
	})
}

func (c *conn) playScript() {
	for _, step := range c.srv.cfg.Script {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-c.done:
				return
			}
		}
		var err error
		if step.Raw != nil {
			err = c.write(step.Raw)
		} else {
			err = c.send(step.Event)
		}
		if err != nil {
			return
		}
	}
}

// send stamps the next sequence id and writes the event.
func (c *conn) send(ev protocol.ServerEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ev.Kind != protocol.KindConnected {
		c.seq++
		ev.Seq = c.seq
	}
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func words(text string, confidence float64) []models.Word {
	fields := strings.Fields(text)
	out := make([]models.Word, len(fields))
	for i, f := range fields {
		start := float64(i) * 0.3
		end := start + 0.25
		out[i] = models.Word{Text: f, Start: &start, End: &end, Confidence: confidence}
	}
	return out
}
