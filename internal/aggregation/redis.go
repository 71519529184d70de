// Copyright 2025 James Ross
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink stores snapshots as JSON in per-metric Redis streams under
// keyBase, capped to maxLen entries each.
type RedisSink struct {
	rdb     *redis.Client
	keyBase string
	maxLen  int64
	log     *zap.Logger
}

// NewRedisSink writes to <keyBase>:<metric> streams.
func NewRedisSink(rdb *redis.Client, keyBase string, maxLen int64, log *zap.Logger) *RedisSink {
	if log == nil {
		log = zap.NewNop()
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{rdb: rdb, keyBase: keyBase, maxLen: maxLen, log: log}
}

func (s *RedisSink) Store(ctx context.Context, snapshots []Snapshot) error {
	pipe := s.rdb.Pipeline()
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: fmt.Sprintf("%s:%s", s.keyBase, snap.Name),
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{"snapshot": string(payload)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("XADD aggregation snapshots failed", zap.Error(err))
		return err
	}
	return nil
}

// Read returns up to n most recent snapshots for one metric.
func (s *RedisSink) Read(ctx context.Context, metric string, n int64) ([]Snapshot, error) {
	key := fmt.Sprintf("%s:%s", s.keyBase, metric)
	msgs, err := s.rdb.XRevRangeN(ctx, key, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["snapshot"].(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.log.Warn("undecodable snapshot entry", zap.String("metric", metric), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
