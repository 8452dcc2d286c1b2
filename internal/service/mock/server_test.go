package mock

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ai-speech-turn-client/internal/service/frame"
	"ai-speech-turn-client/internal/service/protocol"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, conn *websocket.Conn, p protocol.Params) protocol.ServerEvent {
	t.Helper()
	msg, err := protocol.EncodeConfig(p)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return read(t, conn)
}

func read(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func sendAudio(t *testing.T, conn *websocket.Conn, seq uint64) {
	t.Helper()
	data := protocol.EncodeAudio(frame.New(seq, []byte{0, 0}, time.Now()))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

var params = protocol.Params{
	Model:             "flux-general-en",
	Encoding:          "linear16",
	SampleRate:        16000,
	EOTThreshold:      0.8,
	EagerEOTThreshold: 0.6,
	EOTTimeoutMs:      5000,
}

func TestServer_RejectsBadCredentials(t *testing.T) {
	_, url := startServer(t, Config{APIKey: "secret"})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Token nope"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestServer_RejectsBadQuery(t *testing.T) {
	_, url := startServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?eot_threshold=2", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestServer_Handshake(t *testing.T) {
	s, url := startServer(t, Config{APIKey: "secret"})
	conn := dial(t, url, http.Header{"Authorization": {"Token secret"}})

	ev := handshake(t, conn, params)
	if ev.Kind != protocol.KindConnected || ev.RequestID == "" {
		t.Fatalf("expected Connected with request id, got %+v", ev)
	}
	if got := s.Configs(); len(got) != 1 || got[0] != params {
		t.Errorf("expected recorded params, got %+v", got)
	}
	if s.Connections() != 1 {
		t.Errorf("expected 1 connection, got %d", s.Connections())
	}
}

func TestServer_RejectsInvalidThresholds(t *testing.T) {
	_, url := startServer(t, Config{})
	conn := dial(t, url, nil)

	p := params
	p.EagerEOTThreshold = 0.9
	ev := handshake(t, conn, p)
	if ev.Kind != protocol.KindError || ev.Code != "INVALID_CONFIG" {
		t.Errorf("expected INVALID_CONFIG error, got %+v", ev)
	}
}

func TestServer_PlaysUtterance(t *testing.T) {
	s, url := startServer(t, Config{
		Utterances: []SimulatedUtterance{
			{Partials: []string{"Thank you"}, Final: "Thank you very much", Confidence: 0.9},
		},
		FramesPerStep:   1,
		EagerConfidence: 0.6,
		EndConfidence:   0.95,
	})
	conn := dial(t, url, nil)
	handshake(t, conn, params)

	expected := []protocol.Kind{
		protocol.KindStartOfTurn,
		protocol.KindPartialTranscript,
		protocol.KindEagerEndOfTurn,
		protocol.KindEndOfTurn,
	}
	var events []protocol.ServerEvent
	for i := range expected {
		sendAudio(t, conn, uint64(i+1))
		events = append(events, read(t, conn))
	}

	for i, kind := range expected {
		if events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
	if events[1].Transcript != "Thank you" {
		t.Errorf("expected partial 'Thank you', got %q", events[1].Transcript)
	}
	if events[2].EndOfTurnConfidence != 0.6 {
		t.Errorf("expected eager confidence 0.6, got %v", events[2].EndOfTurnConfidence)
	}
	end := events[3]
	if end.Transcript != "Thank you very much" || end.EndOfTurnConfidence != 0.95 || len(end.Words) != 4 {
		t.Errorf("unexpected end of turn: %+v", end)
	}
	if got := s.Received(0); len(got) != 4 || got[3] != 4 {
		t.Errorf("expected 4 frames recorded, got %v", got)
	}
}

func TestServer_AcksWithinLimit(t *testing.T) {
	_, url := startServer(t, Config{AckEvery: 1, AckLimit: 2})
	conn := dial(t, url, nil)
	handshake(t, conn, params)

	for seq := uint64(1); seq <= 3; seq++ {
		sendAudio(t, conn, seq)
	}
	for seq := uint64(1); seq <= 2; seq++ {
		ev := read(t, conn)
		if ev.Kind != protocol.KindAudioAck || ev.AckSeq != seq {
			t.Errorf("expected ack %d, got %+v", seq, ev)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, protocol.EncodeClose()); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure and no ack for seq 3, got %v", err)
	}
}

func TestServer_FinalizeEndsOpenTurn(t *testing.T) {
	s, url := startServer(t, Config{Utterances: DefaultUtterances, FramesPerStep: 1, EndConfidence: 0.9})
	conn := dial(t, url, nil)
	handshake(t, conn, params)

	sendAudio(t, conn, 1)
	if ev := read(t, conn); ev.Kind != protocol.KindStartOfTurn {
		t.Fatalf("expected StartOfTurn, got %s", ev.Kind)
	}
	if err := conn.WriteMessage(websocket.TextMessage, protocol.EncodeFinalize()); err != nil {
		t.Fatalf("write finalize: %v", err)
	}
	ev := read(t, conn)
	if ev.Kind != protocol.KindEndOfTurn || ev.Transcript != DefaultUtterances[0].Final {
		t.Errorf("expected EndOfTurn with the final transcript, got %+v", ev)
	}
	if got := s.Controls(); len(got) != 1 || got[0] != protocol.TypeFinalize {
		t.Errorf("expected Finalize recorded, got %v", got)
	}
}
