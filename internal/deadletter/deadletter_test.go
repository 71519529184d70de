// Copyright 2025 James Ross
package deadletter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func entry(i int) Entry {
	return Entry{
		ID:       fmt.Sprintf("id-%d", i),
		Kind:     "message",
		Topic:    "orders/created",
		Payload:  []byte("payload"),
		Metadata: map[string]string{"failure_reason": "boom"},
		Reason:   "boom",
		Attempts: 3,
		At:       time.Now().UTC(),
	}
}

func TestMemorySinkBounded(t *testing.T) {
	s := NewMemorySink(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Accept(context.Background(), entry(i)))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, uint64(2), s.Evicted())
	entries := s.Entries()
	assert.Equal(t, "id-2", entries[0].ID)
	assert.Equal(t, "id-4", entries[2].ID)
}

func TestEncodeDecode(t *testing.T) {
	e := entry(7)
	raw, err := Encode(e)
	require.NoError(t, err)
	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, e.Reason, back.Reason)
	assert.Equal(t, e.Attempts, back.Attempts)
	assert.Equal(t, e.Metadata["failure_reason"], back.Metadata["failure_reason"])
}

func TestRedisSinkAcceptAndPeek(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisSink(rdb, "test:dlq", 10, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Accept(context.Background(), entry(i)))
	}

	entries, err := s.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// LPUSH order: most recent first.
	assert.Equal(t, "id-2", entries[0].ID)

	n, err := s.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	entries, err = s.Peek(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisSinkTrimsToMax(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisSink(rdb, "test:dlq", 2, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Accept(context.Background(), entry(i)))
	}
	entries, err := s.Peek(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "id-4", entries[0].ID)
}
