package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const redisKeyPrefix = "widget_transcript:"

// RedisStore mirrors a session transcript into a Redis list so several server
// replicas can serve the same connection's history. The key expires after
// ttl and is deleted on Clear, so nothing outlives the session.
type RedisStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	key         string
	ttl         time.Duration
	maxMessages int64
	now         func() time.Time
}

// NewRedisStore returns a store for one session, or nil when redisClient is nil.
func NewRedisStore(redisClient *redis.Client, sessionID string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{
		redis:       redisClient,
		tracer:      otel.Tracer("widget.internal.transcript"),
		key:         redisKeyPrefix + sessionID,
		ttl:         ttl,
		maxMessages: DefaultMaxTurns,
		now:         time.Now,
	}
}

func (s *RedisStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	turn, err := prepare(turn, s.now)
	if err != nil {
		return Turn{}, err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("transcript: marshal turn: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "transcript.append")
	defer span.End()

	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	pipe.Expire(ctx, s.key, s.ttl)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, s.key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return Turn{}, fmt.Errorf("transcript: append turn: %w", err)
	}
	return turn, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Turn, error) {
	ctx, span := s.tracer.Start(ctx, "transcript.list")
	defer span.End()

	raw, err := s.redis.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Turn{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("transcript: list turns: %w", err)
	}

	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "transcript.clear")
	defer span.End()
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("transcript: clear: %w", err)
	}
	return nil
}
