package app

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-turn-client/internal/config"
	"ai-speech-turn-client/internal/observability/logging"
	"ai-speech-turn-client/internal/service/engine"
	"ai-speech-turn-client/internal/service/transport"
)

const serviceName = "ai-speech-turn-client"

// Application holds process-wide state for the client.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	mu     sync.Mutex
	engine *engine.Engine
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	a.Logger.Info().
		Str("method", "New").
		Msg("AI speech turn client application created")
	return a
}

// setupLogger configures the global zerolog logger for the process.
func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" && format == "" {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		TimeFormat: time.RFC3339,
	})

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start performs any startup work required before streaming.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Str("method", "Start").
		Time("startupTime", a.StartupTime).
		Str("endpoint", a.Cfg.STT.Endpoint).
		Str("model", a.Cfg.STT.Model).
		Msg("AI speech turn client starting")
	return nil
}

// SetEngine registers the engine whose session backs readiness.
func (a *Application) SetEngine(e *engine.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engine = e
}

// Ready reports whether a streaming session is open.
func (a *Application) Ready() error {
	a.mu.Lock()
	e := a.engine
	a.mu.Unlock()
	if e == nil {
		return errors.New("no engine")
	}
	s := e.Session()
	if s == nil {
		return errors.New("session not started")
	}
	if st := s.State(); st != transport.StateOpen {
		return errors.New("session " + st.String())
	}
	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	a.Logger.Info().
		Str("method", "Shutdown").
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("AI speech turn client shutting down")
}
