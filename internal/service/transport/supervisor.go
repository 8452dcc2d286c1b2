package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"ai-speech-turn-client/internal/service/frame"
	"ai-speech-turn-client/internal/service/protocol"
)

// errStreamEnded is returned by the read loop when the service closed the
// stream normally.
var errStreamEnded = errors.New("stream ended by service")

// supervise runs connections until the session closes or fails, reconnecting
// in between.
func (s *Session) supervise(conn Conn, early []protocol.ServerEvent) {
	defer close(s.done)

	for {
		err := s.runConnection(conn, early)
		early = nil

		if s.isClosing() {
			s.finish()
			return
		}
		if errors.Is(err, ErrDesync) {
			s.fail(&TransportError{Op: "receive", Err: err})
			return
		}

		s.log.Warn().Err(err).Int("unacked", s.window.len()).Msg("Connection lost, reconnecting")
		conn, early, err = s.reconnect(err)
		if err != nil {
			if s.isClosing() {
				s.finish()
				return
			}
			s.fail(err)
			return
		}
	}
}

// runConnection drives one websocket until it breaks: the write loop, the
// read loop and the keepalive share an errgroup, so the first failure tears
// the others down.
func (s *Session) runConnection(conn Conn, early []protocol.ServerEvent) error {
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks ReadMessage once any loop failed or the session aborted.
		conn.Close()
		return nil
	})
	g.Go(func() error { return s.writeLoop(ctx, conn) })
	g.Go(func() error { return s.readLoop(ctx, conn, early) })
	if s.cfg.PingInterval > 0 {
		g.Go(func() error { return s.keepalive(ctx, conn) })
	}
	return g.Wait()
}

// writeLoop resends unacknowledged frames, then drains the queue. Once the
// queue is closed and empty it sends CloseStream and waits for the service
// to end the stream.
func (s *Session) writeLoop(ctx context.Context, conn Conn) error {
	// A service that never acks gives no way to tell lost audio from
	// delivered audio, so nothing is resent.
	if !s.window.seenAck() {
		if n := s.window.reset(); n > 0 {
			s.log.Info().Int("frames", n).Msg("Service does not acknowledge audio, frames not resent")
		}
	}
	if resend := s.window.snapshot(); len(resend) > 0 {
		for _, f := range resend {
			if err := s.writeFrame(conn, f); err != nil {
				return err
			}
		}
		s.metrics.RecordFramesResent(len(resend))
		s.log.Info().
			Int("frames", len(resend)).
			Uint64("fromSeq", resend[0].Seq).
			Uint64("toSeq", resend[len(resend)-1].Seq).
			Msg("Resent unacknowledged frames")
	}
	s.setConn(conn)

	for {
		f, err := s.queue.Pop(ctx)
		if errors.Is(err, frame.ErrClosed) {
			if err := s.writeText(conn, protocol.EncodeClose()); err != nil {
				return fmt.Errorf("send close stream: %w", err)
			}
			s.log.Debug().Msg("CloseStream sent")
			<-ctx.Done()
			return nil
		}
		if err != nil {
			return err
		}

		if old, evicted := s.window.add(f); evicted {
			s.metrics.RecordFrameEvicted()
			if s.window.seenAck() {
				s.evictLog.Warn().Uint64("seq", old.Seq).Msg("In-flight window full, oldest unacknowledged frame evicted")
			}
		}
		err = s.writeFrame(conn, f)
		s.release(1)
		if err != nil {
			return err
		}
	}
}

// readLoop decodes server messages. Decode failures are skipped until
// MaxDecodeFailures consecutive ones, which mean the stream is out of sync.
func (s *Session) readLoop(ctx context.Context, conn Conn, early []protocol.ServerEvent) error {
	for _, ev := range early {
		if err := s.deliver(ctx, ev); err != nil {
			return err
		}
	}

	idle := s.cfg.IdleTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	failures := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errStreamEnded
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			failures++
			code := "unknown"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				code = string(de.Code)
			}
			s.metrics.RecordDecodeError(code)
			s.log.Warn().Err(err).Int("consecutive", failures).Msg("Skipping undecodable message")
			if s.cfg.MaxDecodeFailures > 0 && failures > s.cfg.MaxDecodeFailures {
				return fmt.Errorf("%w: %d consecutive decode failures", ErrDesync, failures)
			}
			continue
		}
		failures = 0
		s.metrics.RecordServerEvent(ev.Kind.String())

		switch ev.Kind {
		case protocol.KindAudioAck:
			s.ack(ev.AckSeq)
			continue
		case protocol.KindConnected:
			s.mu.Lock()
			s.requestID = ev.RequestID
			s.mu.Unlock()
			continue
		case protocol.KindError:
			s.metrics.RecordServerError(ev.Code)
			s.log.Warn().Str("code", ev.Code).Str("message", ev.Message).Msg("Service reported an error")
		}

		if err := s.deliver(ctx, ev); err != nil {
			return err
		}
	}
}

// deliver rebases the server sequence id so it keeps increasing across
// reconnects, then hands the event to Receive.
func (s *Session) deliver(ctx context.Context, ev protocol.ServerEvent) error {
	if ev.Seq != 0 {
		ev.Seq += s.seqBase
		s.lastDelivered = ev.Seq
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) keepalive(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.SendTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *Session) ack(seq uint64) {
	now := time.Now()
	for _, f := range s.window.ack(seq) {
		s.metrics.RecordAckLatency(now.Sub(f.CapturedAt).Seconds())
	}
}

// reconnect redials with exponential backoff. Only configuration is
// replayed; unacknowledged audio is resent by the next write loop.
func (s *Session) reconnect(cause error) (Conn, []protocol.ServerEvent, error) {
	if s.cfg.MaxReconnects == 0 {
		return nil, nil, &TransportError{Op: "reconnect", Err: cause}
	}
	s.setState(StateConnecting, cause)

	b := retry.NewExponential(s.cfg.ReconnectBackoff)
	if s.cfg.MaxBackoff > 0 {
		b = retry.WithCappedDuration(s.cfg.MaxBackoff, b)
	}
	b = retry.WithMaxRetries(uint64(s.cfg.MaxReconnects-1), b)

	var (
		conn     Conn
		early    []protocol.ServerEvent
		attempts int
	)
	err := retry.Do(s.ctx, b, func(ctx context.Context) error {
		attempts++
		c, e, err := s.dial(ctx)
		if err != nil {
			s.metrics.RecordReconnect(false)
			s.log.Warn().Err(err).Int("attempt", attempts).Msg("Reconnect attempt failed")
			var ce *ConnectError
			if errors.As(err, &ce) && ce.Kind != Unreachable {
				return err
			}
			return retry.RetryableError(err)
		}
		conn, early = c, e
		return nil
	})
	if err != nil {
		return nil, nil, &TransportError{Op: "reconnect", Attempts: attempts, Err: err}
	}

	s.seqBase = s.lastDelivered
	s.metrics.RecordReconnect(true)
	s.setState(StateOpen, nil)
	s.log.Info().Int("attempts", attempts).Str("requestId", s.RequestID()).Msg("Reconnected")
	return conn, early, nil
}

// finish ends a session that was closed by the caller.
func (s *Session) finish() {
	if n := s.discard(); n > 0 {
		s.log.Warn().Int("frames", n).Msg("Frames not sent before close were discarded")
	}
	s.setState(StateClosed, nil)
	s.metrics.RecordSessionEnd("closed", time.Since(s.startedAt).Seconds())
	s.log.Info().Uint64("acked", s.window.ackedSeq()).Int("unacked", s.window.len()).Msg("Session closed")
	s.cancel()
}

// fail ends the session with a terminal error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	n := s.discard()
	s.setState(StateFailed, err)
	s.metrics.RecordSessionEnd("failed", time.Since(s.startedAt).Seconds())
	s.log.Error().Err(err).Int("discarded", n).Int("unacked", s.window.len()).Msg("Session failed")
	s.cancel()
}

func (s *Session) discard() int {
	s.queue.Close()
	n := s.queue.Discard()
	if n > 0 {
		s.metrics.RecordFramesDiscarded(n)
		s.release(int64(n))
	}
	return n
}
