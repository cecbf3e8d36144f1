package constants

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

const (
	SettingsHash    = "settings"
	SettingsChannel = "settings"
	SettingsField   = "doze-constants"
)

// RedisSource reads the doze-constants field of the settings hash into a
// reloader layer and re-reads it whenever the field is announced on the
// settings channel.
type RedisSource struct {
	client   *redis.Client
	layer    string
	reloader *Reloader
	logger   *log.Logger
}

// NewRedisSource creates a source on an existing client.
func NewRedisSource(client *redis.Client, layer string, reloader *Reloader, logger *log.Logger) *RedisSource {
	return &RedisSource{
		client:   client,
		layer:    layer,
		reloader: reloader,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *RedisSource) Run(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, SettingsChannel)
	defer pubsub.Close()

	s.load(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == SettingsField {
				s.load(ctx)
			}
		}
	}
}

func (s *RedisSource) load(ctx context.Context) {
	val, err := s.client.HGet(ctx, SettingsHash, SettingsField).Result()
	if err == redis.Nil {
		s.reloader.SetLayer(s.layer, map[string]string{})
		return
	}
	if err != nil {
		s.logger.Printf("Failed to read idle constants from Redis: %v", err)
		return
	}
	s.reloader.SetLayerString(s.layer, val)
}
