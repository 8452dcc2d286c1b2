// Command mockserver serves a scripted Flux-style streaming endpoint for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/service/mock"
)

func main() {
	addr := flag.String("addr", ":8081", "Listen address")
	apiKey := flag.String("key", "", "Required API key (empty accepts any)")
	framesPerStep := flag.Int("frames-per-step", 5, "Audio frames between scripted messages")
	ackEvery := flag.Int("ack-every", 1, "Acknowledge every Nth frame (0 disables acks)")
	eager := flag.Float64("eager-confidence", 0.6, "Confidence sent with EagerEndOfTurn")
	end := flag.Float64("end-confidence", 0.9, "Confidence sent with EndOfTurn")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console", TimeFormat: time.RFC3339})

	cfg := mock.DefaultConfig()
	cfg.APIKey = *apiKey
	cfg.FramesPerStep = *framesPerStep
	cfg.AckEvery = *ackEvery
	cfg.EagerConfidence = *eager
	cfg.EndConfidence = *end

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/v2/listen", mock.NewServer(cfg))
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Int("utterances", len(cfg.Utterances)).Msg("Mock streaming server listening on /v2/listen")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Mock server failed")
	}
}
