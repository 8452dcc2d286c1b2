// Package events publishes dispatched turn events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-turn-client/internal/models"
	"ai-speech-turn-client/internal/observability/metrics"
)

// Published event types.
const (
	TypePartial       = "speech.transcript.partial"
	TypeFinal         = "speech.transcript.final"
	TypeTurnStarted   = "speech.turn.started"
	TypeTurnEagerEnd  = "speech.turn.eager_end"
	TypeTurnResumed   = "speech.turn.resumed"
	TypeSessionClosed = "speech.session.closed"
	TypeSessionFailed = "speech.session.failed"
)

const defaultPublishWait = 10 * time.Second

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript and turn events to separate Kafka topics.
// It is a dispatcher subscriber: OnEvent runs on its own delivery goroutine.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	writerTurns   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	topicTurns    string
	enabled       bool
	timeout       time.Duration
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicTurns   string
	Principal    string
	Enabled      bool
}

// New creates a Kafka publisher. With Kafka disabled events are only logged.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, timeout: defaultPublishWait, metrics: m}
	}

	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		topicTurns:   cfg.TopicTurns,
		timeout:      defaultPublishWait,
		metrics:      m,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.writerPartial = newWriter(cfg.TopicPartial)
	p.writerFinal = newWriter(cfg.TopicFinal)
	p.writerTurns = newWriter(cfg.TopicTurns)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicTurns", cfg.TopicTurns).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// OnEvent maps a dispatched event onto its topic. Events of the same session
// share a key, so they land on one partition in order.
func (p *Publisher) OnEvent(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ts := ev.Timestamp.UnixMilli()
	var err error
	switch ev.Kind {
	case models.EventTranscriptUpdate:
		err = p.PublishPartial(ctx, ev.SessionID, models.TranscriptPartial{
			EventType: TypePartial,
			SessionID: ev.SessionID,
			TurnID:    ev.TurnID,
			Timestamp: ts,
			Text:      ev.Transcript,
		})
	case models.EventTurnEnded:
		err = p.PublishFinal(ctx, ev.SessionID, models.TranscriptFinal{
			EventType:     TypeFinal,
			SessionID:     ev.SessionID,
			TurnID:        ev.TurnID,
			TurnIndex:     ev.TurnIndex,
			Timestamp:     ts,
			Text:          ev.Transcript,
			Words:         ev.Words,
			Confidence:    models.MeanConfidence(ev.Words),
			EndConfidence: ev.Confidence,
			EndReason:     ev.Reason,
		})
	default:
		typ, ok := lifecycleTypes[ev.Kind]
		if !ok {
			return
		}
		err = p.PublishTurn(ctx, ev.SessionID, models.TurnLifecycle{
			EventType:  typ,
			SessionID:  ev.SessionID,
			TurnID:     ev.TurnID,
			Timestamp:  ts,
			Confidence: ev.Confidence,
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("sessionId", ev.SessionID).Msg("Failed to publish event")
	}
}

var lifecycleTypes = map[models.EventKind]string{
	models.EventTurnStarted:       TypeTurnStarted,
	models.EventEagerEndCandidate: TypeTurnEagerEnd,
	models.EventTurnResumed:       TypeTurnResumed,
	models.EventSessionClosed:     TypeSessionClosed,
	models.EventSessionFailed:     TypeSessionFailed,
}

// PublishPartial publishes a partial transcript event to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final transcript event to the final topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", key, event)
}

// PublishTurn publishes a turn lifecycle event to the turns topic.
func (p *Publisher) PublishTurn(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerTurns, p.topicTurns, "turn", key, event)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes the Kafka writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.writerPartial, p.writerFinal, p.writerTurns} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
