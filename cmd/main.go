package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ai-speech-turn-client/internal/app"
	"ai-speech-turn-client/internal/config"
	"ai-speech-turn-client/internal/console"
	"ai-speech-turn-client/internal/events"
	"ai-speech-turn-client/internal/observability"
	"ai-speech-turn-client/internal/service/audio"
	"ai-speech-turn-client/internal/service/dispatch"
	"ai-speech-turn-client/internal/service/engine"
)

type options struct {
	audioPath string
	realtime  bool
	partials  bool
	color     bool
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	var opts options
	flag.StringVar(&opts.audioPath, "audio", "", "Path to a WAV (16-bit PCM) or raw PCM file")
	flag.StringVar(&cfg.STT.Endpoint, "endpoint", cfg.STT.Endpoint, "Streaming endpoint (ws:// or wss://)")
	flag.BoolVar(&opts.realtime, "realtime", true, "Pace audio at capture speed")
	flag.BoolVar(&opts.partials, "partials", false, "Print partial transcript updates")
	flag.BoolVar(&opts.color, "color", true, "Colour words by confidence band")
	flag.Parse()

	application := app.New(cfg)

	if dsn := cfg.Observability.SentryDSN; dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.Service.Env,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Sentry init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, application, opts); err != nil && !errors.Is(err, context.Canceled) {
		if cfg.Observability.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		application.Logger.Error().Err(err).Msg("Streaming failed")
		application.Shutdown()
		os.Exit(1)
	}
	application.Shutdown()
}

func run(ctx context.Context, application *app.Application, opts options) error {
	cfg := application.Cfg
	if opts.audioPath == "" {
		return errors.New("-audio is required")
	}
	if err := application.Start(); err != nil {
		return err
	}

	f, err := os.Open(opts.audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	src, err := openSource(f, opts, cfg)
	if err != nil {
		return err
	}

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicTurns:   cfg.Kafka.TopicTurns,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	e := engine.New(cfg.Engine())
	e.Subscribe(publisher, dispatch.WithBuffer(1024))
	e.Subscribe(console.NewPrinter(os.Stdout, opts.color, opts.partials))
	application.SetEngine(e)

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	srvCtx, stopServer := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(srvCtx)
	g.Go(func() error {
		return observability.NewServer(cfg.Observability.MetricsAddr, application.Ready).Run(gctx)
	})
	g.Go(func() error {
		defer stopServer()
		pumpErr := e.Pump(gctx, src)

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Stream.CloseGrace+5*time.Second)
		defer cancel()
		closeErr := e.Close(closeCtx)

		for _, t := range e.Committed() {
			log.Info().Str("turnId", t.ID).Str("reason", t.Reason).Str("transcript", t.Transcript).Msg("Committed turn")
		}
		if err := e.Session().Err(); err != nil {
			return err
		}
		return errors.Join(pumpErr, closeErr)
	})
	return g.Wait()
}

func openSource(f *os.File, opts options, cfg *config.Config) (audio.Source, error) {
	chunk := cfg.Stream.ChunkBytes

	if strings.EqualFold(filepath.Ext(f.Name()), ".wav") {
		pace := time.Duration(0)
		if opts.realtime {
			pace = audio.PaceRealtime
		}
		src, err := audio.NewWAVSource(f, chunk, pace)
		if err != nil {
			return nil, err
		}
		if int(src.Info.SampleRate) != cfg.STT.SampleRateHz || src.Info.Channels != 1 {
			log.Warn().
				Uint32("sampleRate", src.Info.SampleRate).
				Uint16("channels", src.Info.Channels).
				Int("expectedRate", cfg.STT.SampleRateHz).
				Msg("WAV format differs from the configured stream")
		}
		return src, nil
	}

	// Raw files are assumed to be 16-bit mono at the configured rate.
	var pace time.Duration
	if opts.realtime && cfg.STT.SampleRateHz > 0 {
		pace = time.Duration(chunk) * time.Second / time.Duration(cfg.STT.SampleRateHz*2)
	}
	return audio.NewReaderSource(f, chunk, pace), nil
}
