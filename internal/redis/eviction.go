package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const EvictionChannel = "cache:evict"

type evictionMessage struct {
	Origin string   `json:"origin"`
	Cache  string   `json:"cache"`
	Keys   []string `json:"keys,omitempty"`
}

// EvictionBus fans cache evictions out to every instance sharing the Redis
// server. Each instance still serves its own copy until it hears about the
// eviction, so readers on other nodes can see stale data for the round trip.
type EvictionBus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	log     zerolog.Logger
}

func NewEvictionBus(client redis.UniversalClient, log zerolog.Logger) *EvictionBus {
	return &EvictionBus{
		client:  client,
		channel: EvictionChannel,
		origin:  uuid.NewString(),
		log:     log.With().Str("component", "eviction_bus").Logger(),
	}
}

func (b *EvictionBus) PublishEviction(ctx context.Context, cacheName string, keys ...string) error {
	data, err := json.Marshal(evictionMessage{Origin: b.origin, Cache: cacheName, Keys: keys})
	if err != nil {
		return fmt.Errorf("encode eviction: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish eviction: %w", err)
	}
	return nil
}

// Run applies evictions published by other instances until ctx is done.
func (b *EvictionBus) Run(ctx context.Context, apply func(cacheName string, keys ...string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("listening for cache evictions")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload, apply)
		}
	}
}

func (b *EvictionBus) handle(payload string, apply func(cacheName string, keys ...string)) {
	var m evictionMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed eviction message")
		return
	}
	if m.Origin == b.origin || m.Cache == "" {
		return
	}
	b.log.Debug().Str("cache", m.Cache).Strs("keys", m.Keys).Msg("remote eviction")
	apply(m.Cache, m.Keys...)
}
