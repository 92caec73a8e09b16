package kafka

import (
	"context"
	"fmt"
	"time"

	"intake/internal/config"
	"intake/internal/events"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer for cfg.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Forwarder copies booking events from the in-process bus to a kafka topic.
// Bus handlers run on the request path, so events are buffered and written
// by Run.
type Forwarder struct {
	writer       MessageWriter
	buffer       chan kafka.Message
	writeTimeout time.Duration
	logger       *zerolog.Logger
}

func NewForwarder(w MessageWriter, bufferSize int, logger *zerolog.Logger) *Forwarder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Forwarder{
		writer:       w,
		buffer:       make(chan kafka.Message, bufferSize),
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Attach subscribes the forwarder to every event on bus.
func (f *Forwarder) Attach(bus *events.EventBus) {
	bus.SubscribeAll(f.Handle)
}

// Handle buffers one event. A full buffer drops the event with a warning.
func (f *Forwarder) Handle(event *events.Event) error {
	msg := kafka.Message{
		Key:   []byte(event.Type),
		Value: event.Payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	select {
	case f.buffer <- msg:
		return nil
	default:
		f.logger.Warn().Str("event_type", event.Type).Msg("Kafka buffer full, event dropped")
		return fmt.Errorf("kafka buffer full")
	}
}

// Run writes buffered events until ctx is done, then flushes what is left
// and closes the writer.
func (f *Forwarder) Run(ctx context.Context) {
	defer func() {
		f.drain()
		if err := f.writer.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("Kafka writer close failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.buffer:
			f.write(ctx, msg)
		}
	}
}

func (f *Forwarder) drain() {
	for {
		select {
		case msg := <-f.buffer:
			f.write(context.Background(), msg)
		default:
			return
		}
	}
}

func (f *Forwarder) write(ctx context.Context, msg kafka.Message) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
	defer cancel()
	if err := f.writer.WriteMessages(wctx, msg); err != nil {
		f.logger.Error().Err(err).Str("event_type", string(msg.Key)).Msg("Failed to forward event to kafka")
		return
	}
	f.logger.Debug().Str("event_type", string(msg.Key)).Msg("Event forwarded to kafka")
}
