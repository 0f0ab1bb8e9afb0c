package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seismo-gateway/internal/data"
)

const redisPageSize = 500

// appendScript checks the byte counter and pushes the line in one server-side
// step. KEYS[1] list, KEYS[2] counter; ARGV[1] line, ARGV[2] limit.
var appendScript = redis.NewScript(`
local size = tonumber(redis.call('GET', KEYS[2]) or '0')
if size >= tonumber(ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('INCRBY', KEYS[2], string.len(ARGV[1]))
return 1
`)

// RedisStore keeps the log as a Redis list of JSON lines.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	sizeKey  string
	maxBytes int64
	logger   *zap.Logger
}

func NewRedisStore(client redis.UniversalClient, key string, maxBytes int64, logger *zap.Logger) *RedisStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &RedisStore{
		client:   client,
		key:      key,
		sizeKey:  key + ":bytes",
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func (s *RedisStore) Append(ctx context.Context, rec data.Record) (Result, error) {
	line, err := encodeLine(rec)
	if err != nil {
		return Logged, err
	}
	// The counter includes the newline so limits match the file backend.
	n, err := appendScript.Run(ctx, s.client, []string{s.key, s.sizeKey}, string(line), s.maxBytes).Int()
	if err != nil {
		return Logged, fmt.Errorf("redis append: %w", err)
	}
	if n == 0 {
		return Skipped, nil
	}
	return Logged, nil
}

func (s *RedisStore) ReadAll(ctx context.Context) iter.Seq2[data.Record, error] {
	return func(yield func(data.Record, error) bool) {
		for start := int64(0); ; start += redisPageSize {
			lines, err := s.client.LRange(ctx, s.key, start, start+redisPageSize-1).Result()
			if err != nil {
				yield(data.Record{}, fmt.Errorf("redis read: %w", err))
				return
			}
			for _, line := range lines {
				rec, err := data.DecodeRecord([]byte(line))
				if err != nil {
					s.logger.Debug("Skipping unreadable log entry", zap.Error(err))
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(lines) < redisPageSize {
				return
			}
		}
	}
}

func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.sizeKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
