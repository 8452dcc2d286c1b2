// Command turnviewer consumes the published turn topics from Kafka, prints
// them with confidence bands and relays them to websocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"ai-speech-turn-client/internal/console"
	"ai-speech-turn-client/internal/events"
	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/logging"
)

// hub relays events to connected websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) OnEvent(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("Websocket client write failed")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Msg("Client connected")

	go func() {
		defer func() {
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// consume reads one topic from partition 0, starting an hour back.
func consume(ctx context.Context, brokers []string, topic string, sinks ...func(models.Event)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-time.Hour)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not seek, reading from the start")
	}
	log.Info().Str("topic", topic).Msg("Consuming topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := events.Decode(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Skipping undecodable message")
			continue
		}
		for _, sink := range sinks {
			sink(ev)
		}
	}
}

func main() {
	addr := flag.String("addr", ":8082", "Websocket relay address (empty disables)")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", "speech.turn.transcript.partial", "Partial transcript topic (empty skips)")
	topicFinal := flag.String("topic-final", "speech.turn.transcript.final", "Final transcript topic")
	topicTurns := flag.String("topic-turns", "speech.turn.lifecycle", "Turn lifecycle topic (empty skips)")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	printer := console.NewPrinter(os.Stdout, true, *topicPartial != "")
	sinks := []func(models.Event){printer.OnEvent, h.OnEvent}

	g, gctx := errgroup.WithContext(ctx)
	list := strings.Split(*brokers, ",")
	for _, topic := range []string{*topicPartial, *topicFinal, *topicTurns} {
		if topic == "" {
			continue
		}
		topic := topic
		g.Go(func() error { return consume(gctx, list, topic, sinks...) })
	}

	if *addr != "" {
		r := chi.NewRouter()
		r.Get("/ws", h.serveWS)
		srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", *addr).Msg("Websocket relay listening on /ws")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Viewer failed")
	}
}
