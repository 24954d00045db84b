// Package redisbus relays broadcast events over Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type subscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

const (
	minRetry = 500 * time.Millisecond
	maxRetry = 30 * time.Second
)

// Fanout delivers a frame to the sessions of this instance.
type Fanout interface {
	Broadcast(f models.Frame)
}

type envelope struct {
	Origin string       `json:"origin"`
	Frame  models.Frame `json:"frame"`
	Time   time.Time    `json:"time"`
}

type deadLetter struct {
	Origin  string    `json:"origin"`
	Reason  string    `json:"reason"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Bus publishes frames on a channel and fans out everything received on it.
// Rejected sends are appended to a list.
type Bus struct {
	origin    string
	client    client
	channel   string
	dlqKey    string
	local     Fanout
	subscribe func(ctx context.Context) subscription
	minRetry  time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// DeadLetterKey names the list rejected sends are pushed to. Empty disables it.
	DeadLetterKey string
}

func New(opts Options, local Fanout) *Bus {
	c := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	b := &Bus{origin: uuid.NewString(), client: c, channel: opts.Channel, dlqKey: opts.DeadLetterKey, local: local, minRetry: minRetry}
	b.subscribe = func(ctx context.Context) subscription { return b.client.Subscribe(ctx, b.channel) }
	return b
}

// Publish sends f to every instance subscribed to the channel, this one
// included. When Redis is unreachable the frame is fanned out locally.
func (b *Bus) Publish(ctx context.Context, f models.Frame) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Frame: f, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", f.Event, err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		metrics.IncRelayFallback("redis")
		logger.Error("redis publish failed, broadcasting locally", err, logger.FieldKV("channel", b.channel), logger.FieldKV("event", f.Event))
		b.local.Broadcast(f)
	}
	return nil
}

func (b *Bus) DeadLetter(ctx context.Context, payload any, reason string) error {
	if b.dlqKey == "" {
		return nil
	}
	value, err := json.Marshal(deadLetter{Origin: b.origin, Reason: reason, Payload: payload, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := b.client.RPush(ctx, b.dlqKey, value).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Run subscribes to the channel and fans out received frames until ctx is
// done. A failed or dropped subscription is retried with backoff; Publish
// keeps falling back to local fan-out meanwhile.
func (b *Bus) Run(ctx context.Context) error {
	delay := b.minRetry
	for {
		received, err := b.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			delay = b.minRetry
		}
		logger.Warn("redis subscription lost, retrying",
			logger.FieldKV("channel", b.channel),
			logger.FieldKV("retry_in", delay.String()),
			logger.FieldKV("error", fmt.Sprint(err)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetry)
	}
}

// consume runs one subscription until it fails or ctx is done. It reports
// whether the subscription was established.
func (b *Bus) consume(ctx context.Context) (bool, error) {
	sub := b.subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	logger.Info("redis subscription started", logger.FieldKV("channel", b.channel))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription to %s closed", b.channel)
			}
			b.deliver(msg.Payload)
		}
	}
}

func (b *Bus) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Frame.Event == "" {
		logger.Warn("skipping undecodable redis message", logger.FieldKV("channel", b.channel))
		return
	}
	logger.Debug("event received from redis", logger.FieldKV("origin", env.Origin), logger.FieldKV("event", env.Frame.Event))
	b.local.Broadcast(env.Frame)
}

func (b *Bus) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

func (b *Bus) Close() error { return b.client.Close() }
