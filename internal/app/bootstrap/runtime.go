package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-booking-widget/internal/config"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available; transcripts stay in memory", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildTranscriptFactory picks the per-session transcript store: the Redis
// mirror when a client is available, process memory otherwise.
func BuildTranscriptFactory(redisClient *redis.Client, cfg *appconfig.Config) func(sessionID string) transcript.Store {
	if redisClient == nil {
		return func(string) transcript.Store { return transcript.NewMemoryStore() }
	}
	ttl := cfg.TranscriptTTL
	return func(sessionID string) transcript.Store {
		return transcript.NewRedisStore(redisClient, sessionID, ttl)
	}
}
