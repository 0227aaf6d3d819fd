package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage provides Redis-backed storage for spend records.
//
// Records survive process restarts and can be shared across instances
// running against the same budget. TTL expiry keeps long-lived Redis
// instances from accumulating stale history.
//
// Redis data structure:
//   - Key: "{keyPrefix}:{session_id}:spend"
//   - Type: Sorted Set (ZSET)
//   - Score: Timestamp (for ordering and range queries)
//   - Value: JSON-encoded Record
type RedisStorage struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisStorage creates a Redis-backed storage instance.
//
// Args:
//
//	redisURL: Redis connection URL, e.g. "redis://localhost:6379"
//	ttlSeconds: Time-to-live in seconds (0 = no expiry)
//	keyPrefix: Prefix for Redis keys, e.g. "budgetguard"
func NewRedisStorage(redisURL string, ttlSeconds int, keyPrefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "budgetguard"
	}

	return &RedisStorage{
		client:    redis.NewClient(opts),
		ttl:       time.Duration(ttlSeconds) * time.Second,
		keyPrefix: keyPrefix,
	}, nil
}

func (s *RedisStorage) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:spend", s.keyPrefix, sessionID)
}

// Store saves a spend record to Redis.
func (s *RedisStorage) Store(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	key := s.sessionKey(rec.SessionID)
	score := float64(rec.Timestamp.UnixNano()) / 1e9
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  score,
		Member: string(payload),
	}).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set TTL: %w", err)
		}
	}
	return nil
}

// Query retrieves records from Redis matching the criteria.
//
// Session-scoped queries read one sorted set; an empty sessionID scans
// all session keys under the prefix.
func (s *RedisStorage) Query(ctx context.Context, sessionID, model string, startTime, endTime *time.Time) ([]*Record, error) {
	var keys []string
	if sessionID != "" {
		keys = []string{s.sessionKey(sessionID)}
	} else {
		pattern := fmt.Sprintf("%s:*:spend", s.keyPrefix)
		iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan sessions: %w", err)
		}
	}

	min, max := "-inf", "+inf"
	if startTime != nil {
		min = fmt.Sprintf("%f", float64(startTime.UnixNano())/1e9)
	}
	if endTime != nil {
		max = fmt.Sprintf("%f", float64(endTime.UnixNano())/1e9)
	}

	results := make([]*Record, 0)
	for _, key := range keys {
		values, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: min,
			Max: max,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query records: %w", err)
		}

		for _, value := range values {
			var rec Record
			if err := json.Unmarshal([]byte(value), &rec); err != nil {
				continue // skip malformed entries
			}
			if model != "" && rec.Model != model {
				continue
			}
			results = append(results, &rec)
		}
	}
	return results, nil
}

// SessionCount returns the number of records stored for a session.
func (s *RedisStorage) SessionCount(ctx context.Context, sessionID string) (int64, error) {
	count, err := s.client.ZCard(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Clear removes all records for a session.
func (s *RedisStorage) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
