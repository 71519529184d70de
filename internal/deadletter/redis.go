// Copyright 2025 James Ross
package deadletter

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink pushes entries onto a Redis list, mirroring the classic
// dead-letter list layout. Trimmed to maxLen when positive.
type RedisSink struct {
	rdb    *redis.Client
	key    string
	maxLen int64
	log    *zap.Logger
}

// NewRedisSink writes entries to the given list key.
func NewRedisSink(rdb *redis.Client, key string, maxLen int64, log *zap.Logger) *RedisSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSink{rdb: rdb, key: key, maxLen: maxLen, log: log}
}

func (s *RedisSink) Accept(ctx context.Context, e Entry) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, s.key, payload).Err(); err != nil {
		s.log.Error("LPUSH dead letter failed", zap.String("key", s.key), zap.Error(err))
		return err
	}
	if s.maxLen > 0 {
		if err := s.rdb.LTrim(ctx, s.key, 0, s.maxLen-1).Err(); err != nil {
			s.log.Warn("LTRIM dead letter failed", zap.String("key", s.key), zap.Error(err))
		}
	}
	return nil
}

// Peek returns up to n most recent entries without removing them.
func (s *RedisSink) Peek(ctx context.Context, n int64) ([]Entry, error) {
	raw, err := s.rdb.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		e, err := Decode(item)
		if err != nil {
			s.log.Warn("undecodable dead letter entry", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Purge deletes the backing list and returns the number of entries
// removed.
func (s *RedisSink) Purge(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return 0, err
	}
	return n, nil
}
