// Package config loads the client configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ai-speech-turn-client/internal/service/engine"
	"ai-speech-turn-client/internal/service/transport"
)

type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Stream        StreamConfig
	Dispatch      DispatchConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string
	Env       string
}

// STTConfig describes the recognition service and its turn thresholds.
type STTConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	Encoding          string
	SampleRateHz      int
	EOTThreshold      float64
	EagerEOTThreshold float64
	EOTTimeout        time.Duration
}

// StreamConfig holds the session's queue, timeout and reconnect settings.
type StreamConfig struct {
	QueueCapacity     int
	PushTimeout       time.Duration
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	IdleTimeout       time.Duration
	CloseGrace        time.Duration
	PingInterval      time.Duration
	MaxReconnects     int
	ReconnectBackoff  time.Duration
	MaxBackoff        time.Duration
	MaxDecodeFailures int
	MaxInFlight       int
	ChunkBytes        int
	MaxAudioBytes     int64
	MaxDuration       time.Duration
}

type DispatchConfig struct {
	SubscriberBuffer int
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicTurns   string
	Principal    string
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	SentryDSN   string
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) without overriding the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration. Unparseable values fall back to defaults.
func Load() *Config {
	d := transport.DefaultConfig()
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-turn-client")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			Env:       envOrDefault("ENV", "dev"),
		},
		STT: STTConfig{
			Endpoint:          envOrDefault("STT_ENDPOINT", "wss://api.deepgram.com/v2/listen"),
			APIKey:            os.Getenv("STT_API_KEY"),
			Model:             envOrDefault("STT_MODEL", d.Model),
			Encoding:          envOrDefault("STT_ENCODING", d.Encoding),
			SampleRateHz:      envOrDefaultInt("STT_SAMPLE_RATE_HZ", d.SampleRate),
			EOTThreshold:      envOrDefaultFloat("STT_EOT_THRESHOLD", d.EOTThreshold),
			EagerEOTThreshold: envOrDefaultFloat("STT_EAGER_EOT_THRESHOLD", d.EagerEOTThreshold),
			EOTTimeout:        envOrDefaultDuration("STT_EOT_TIMEOUT", d.EOTTimeout),
		},
		Stream: StreamConfig{
			QueueCapacity:     envOrDefaultInt("STREAM_QUEUE_CAPACITY", d.QueueCapacity),
			PushTimeout:       envOrDefaultDuration("STREAM_PUSH_TIMEOUT", d.PushTimeout),
			ConnectTimeout:    envOrDefaultDuration("STREAM_CONNECT_TIMEOUT", d.ConnectTimeout),
			SendTimeout:       envOrDefaultDuration("STREAM_SEND_TIMEOUT", d.SendTimeout),
			IdleTimeout:       envOrDefaultDuration("STREAM_IDLE_TIMEOUT", d.IdleTimeout),
			CloseGrace:        envOrDefaultDuration("STREAM_CLOSE_GRACE", d.CloseGrace),
			PingInterval:      envOrDefaultDuration("STREAM_PING_INTERVAL", d.PingInterval),
			MaxReconnects:     envOrDefaultInt("STREAM_MAX_RECONNECTS", d.MaxReconnects),
			ReconnectBackoff:  envOrDefaultDuration("STREAM_RECONNECT_BACKOFF", d.ReconnectBackoff),
			MaxBackoff:        envOrDefaultDuration("STREAM_MAX_BACKOFF", d.MaxBackoff),
			MaxDecodeFailures: envOrDefaultInt("STREAM_MAX_DECODE_FAILURES", d.MaxDecodeFailures),
			MaxInFlight:       envOrDefaultInt("STREAM_MAX_INFLIGHT", d.MaxInFlight),
			ChunkBytes:        envOrDefaultInt("STREAM_CHUNK_BYTES", 3200),
			MaxAudioBytes:     envOrDefaultInt64("STREAM_MAX_AUDIO_BYTES", 0),
			MaxDuration:       envOrDefaultDuration("STREAM_MAX_DURATION", 0),
		},
		Dispatch: DispatchConfig{
			SubscriberBuffer: envOrDefaultInt("DISPATCH_SUBSCRIBER_BUFFER", 256),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS"),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "speech.turn.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "speech.turn.transcript.final"),
			TopicTurns:   envOrDefault("KAFKA_TOPIC_TURNS", "speech.turn.lifecycle"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
			SentryDSN:   os.Getenv("SENTRY_DSN"),
		},
	}
}

// Transport builds the immutable session configuration.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		Endpoint:          c.STT.Endpoint,
		APIKey:            c.STT.APIKey,
		Model:             c.STT.Model,
		Encoding:          c.STT.Encoding,
		SampleRate:        c.STT.SampleRateHz,
		EOTThreshold:      c.STT.EOTThreshold,
		EagerEOTThreshold: c.STT.EagerEOTThreshold,
		EOTTimeout:        c.STT.EOTTimeout,
		QueueCapacity:     c.Stream.QueueCapacity,
		PushTimeout:       c.Stream.PushTimeout,
		ConnectTimeout:    c.Stream.ConnectTimeout,
		SendTimeout:       c.Stream.SendTimeout,
		IdleTimeout:       c.Stream.IdleTimeout,
		CloseGrace:        c.Stream.CloseGrace,
		PingInterval:      c.Stream.PingInterval,
		MaxReconnects:     c.Stream.MaxReconnects,
		ReconnectBackoff:  c.Stream.ReconnectBackoff,
		MaxBackoff:        c.Stream.MaxBackoff,
		MaxDecodeFailures: c.Stream.MaxDecodeFailures,
		MaxInFlight:       c.Stream.MaxInFlight,
	}
}

// Engine builds the engine configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Transport: c.Transport(),
		Limits: engine.Limits{
			MaxAudioBytes: c.Stream.MaxAudioBytes,
			MaxDuration:   c.Stream.MaxDuration,
		},
		SubscriberBuffer: c.Dispatch.SubscriberBuffer,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
