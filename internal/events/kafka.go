package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink and tail.
type KafkaConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"KAFKA_ENABLED"`
	Brokers      string        `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic        string        `json:"topic" envconfig:"KAFKA_TOPIC"`
	GroupID      string        `json:"groupId" envconfig:"KAFKA_GROUP_ID"`
	WriteTimeout time.Duration `json:"writeTimeout" envconfig:"KAFKA_WRITE_TIMEOUT"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic keyed by run id.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if strings.TrimSpace(cfg.Brokers) == "" || strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka sink requires brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, cfg.WriteTimeout), nil
}

func newKafkaSink(w messageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSink{w: w, timeout: timeout}
}

// Attach subscribes the sink to every event on b.
func (s *KafkaSink) Attach(b *Bus) {
	b.Subscribe(AllTypes, func(evt *Event) {
		if err := s.Write(context.Background(), evt); err != nil {
			slog.Warn("Kafka event write failed", "type", evt.Type, "error", err)
		}
	})
}

// Write encodes one event and writes it with up to three attempts.
func (s *KafkaSink) Write(ctx context.Context, evt *Event) error {
	msg, err := encodeMessage(evt)
	if err != nil {
		return err
	}
	var writeErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		writeErr = s.w.WriteMessages(writeCtx, msg)
		cancel()
		if writeErr == nil {
			return nil
		}
	}
	return fmt.Errorf("write event %s: %w", evt.Type, writeErr)
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}

func encodeMessage(evt *Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	key := evt.RunID
	if key == "" {
		key = evt.Type
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(evt.Type)}},
		Time:    evt.Timestamp,
	}, nil
}

// Tail reads events from the topic until ctx is done, calling fn for each.
func Tail(ctx context.Context, cfg KafkaConfig, fn func(*Event)) error {
	if strings.TrimSpace(cfg.Brokers) == "" || strings.TrimSpace(cfg.Topic) == "" {
		return fmt.Errorf("kafka tail requires brokers and topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Kafka event read error", "topic", cfg.Topic, "error", err)
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			slog.Warn("Kafka event decode error", "offset", msg.Offset, "error", err)
			continue
		}
		fn(&evt)
	}
}
