// Package kafka relays broadcast events through a Kafka topic so every
// instance of the service fans them out to its own sessions.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Fanout delivers a frame to the sessions of this instance.
type Fanout interface {
	Broadcast(f models.Frame)
}

// record is the value written to the events topic.
type record struct {
	Origin string       `json:"origin"`
	Frame  models.Frame `json:"frame"`
	Time   time.Time    `json:"time"`
}

// deadLetter is the value written to the dead-letter topic.
type deadLetter struct {
	Origin  string    `json:"origin"`
	Reason  string    `json:"reason"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

type Relay struct {
	origin    string
	broker    string
	topic     string
	writer    messageWriter
	dlq       messageWriter
	newReader func() messageReader
	local     Fanout
	breaker   *gobreaker.CircuitBreaker
}

type Option func(*gobreaker.Settings)

// WithBreaker opens the write circuit after maxFailures consecutive failed
// writes and tries the broker again after timeout.
func WithBreaker(maxFailures uint32, timeout time.Duration) Option {
	return func(st *gobreaker.Settings) {
		st.Timeout = timeout
		st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= maxFailures }
	}
}

func newBreaker(topic string, opts ...Option) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:        "kafka:" + topic,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", logger.FieldKV("name", name), logger.FieldKV("from", from.String()), logger.FieldKV("to", to.String()))
		},
	}
	for _, opt := range opts {
		opt(&st)
	}
	return gobreaker.NewCircuitBreaker(st)
}

// eventPartition is the only partition events are written to and read from.
// Every instance reads it without a consumer group, so each one sees every event.
const eventPartition = 0

// pinnedBalancer routes every record to eventPartition.
type pinnedBalancer struct{}

func (pinnedBalancer) Balance(_ kafka.Message, partitions ...int) int {
	for _, p := range partitions {
		if p == eventPartition {
			return p
		}
	}
	return partitions[0]
}

func newWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               pinnedBalancer{},
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewRelay publishes to topic on broker and fans consumed events out through
// local. Rejected sends go to dlqTopic; an empty dlqTopic disables it.
func NewRelay(broker, topic, dlqTopic string, local Fanout, opts ...Option) *Relay {
	r := &Relay{
		origin:  uuid.NewString(),
		broker:  broker,
		topic:   topic,
		writer:  newWriter(broker, topic),
		local:   local,
		breaker: newBreaker(topic, opts...),
	}
	if dlqTopic != "" {
		r.dlq = newWriter(broker, dlqTopic)
	}
	r.newReader = func() messageReader {
		kr := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   []string{broker},
			Topic:     topic,
			Partition: eventPartition,
			MinBytes:  1,
			MaxBytes:  10e6, // 10MB
			MaxWait:   250 * time.Millisecond,
		})
		if err := kr.SetOffset(kafka.LastOffset); err != nil {
			logger.Warn("kafka reader offset not set", logger.FieldKV("error", err.Error()))
		}
		return kr
	}
	return r
}

// Publish writes f to the events topic. When the write fails, or the breaker
// is open, the frame is fanned out locally so sessions of this instance still
// receive it.
func (r *Relay) Publish(ctx context.Context, f models.Frame) error {
	value, err := json.Marshal(record{Origin: r.origin, Frame: f, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s record: %w", f.Event, err)
	}
	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(f.Event), Value: value})
	})
	if err != nil {
		metrics.IncRelayFallback("kafka")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.Debug("kafka circuit open, broadcasting locally", logger.FieldKV("event", f.Event))
		} else {
			logger.Error("kafka write failed, broadcasting locally", err, logger.FieldKV("topic", r.topic), logger.FieldKV("event", f.Event))
		}
		r.local.Broadcast(f)
		return nil
	}
	logger.Debug("event written to kafka", logger.FieldKV("topic", r.topic), logger.FieldKV("event", f.Event))
	return nil
}

// DeadLetter records a payload that could not be persisted.
func (r *Relay) DeadLetter(ctx context.Context, payload any, reason string) error {
	if r.dlq == nil {
		return nil
	}
	value, err := json.Marshal(deadLetter{Origin: r.origin, Reason: reason, Payload: payload, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := r.dlq.WriteMessages(ctx, kafka.Message{Value: value}); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// Run consumes the events topic until ctx is done, fanning every event out
// locally. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	logger.Info("starting kafka reader", logger.FieldKV("topic", r.topic))
	reader := r.newReader()
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Error("failed to close kafka reader", err)
		}
	}()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read %s: %w", r.topic, err)
		}
		var rec record
		if err := json.Unmarshal(m.Value, &rec); err != nil || rec.Frame.Event == "" {
			logger.Warn("skipping undecodable kafka record", logger.FieldKV("partition", m.Partition), logger.FieldKV("offset", m.Offset))
			continue
		}
		logger.Debug("event read from kafka",
			logger.FieldKV("partition", m.Partition),
			logger.FieldKV("offset", m.Offset),
			logger.FieldKV("origin", rec.Origin),
			logger.FieldKV("event", rec.Frame.Event))
		r.local.Broadcast(rec.Frame)
	}
}

// Ping dials the broker.
func (r *Relay) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", r.broker)
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	return conn.Close()
}

func (r *Relay) Close() error {
	err := r.writer.Close()
	if r.dlq != nil {
		err = errors.Join(err, r.dlq.Close())
	}
	return err
}
