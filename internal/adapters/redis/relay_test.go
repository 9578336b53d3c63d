package redisadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/config"
	"scanhub/internal/logger"
)

type sinkRecorder struct {
	mu  sync.Mutex
	got map[int64][]string
}

func (s *sinkRecorder) Push(_ context.Context, userID int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[userID] = append(s.got[userID], string(payload))
	return nil
}

func (s *sinkRecorder) count(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got[userID])
}

func TestRelay_ForwardsToSink(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := NewClient(config.RedisConfig{Address: mr.Addr()})
	defer rdb.Close()
	relay := NewRelay(rdb, logger.NewNop())

	sink := &sinkRecorder{got: map[int64][]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return len(mr.PubSubChannels("")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Push(ctx, 3, []byte(`{"message":"scan started","type":"info"}`)))
	mr.Publish(Channel, "not json")
	require.NoError(t, relay.Push(ctx, 3, []byte(`{"message":"done","type":"success"}`)))

	require.Eventually(t, func() bool { return sink.count(3) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"message":"scan started","type":"info"}`, sink.got[3][0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_PushFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := NewClient(config.RedisConfig{Address: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	err := NewRelay(rdb, logger.NewNop()).Push(context.Background(), 1, []byte(`{}`))
	assert.Error(t, err)
}
