package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/internal/queue"
)

// testRedis provides connection details for the test Redis instance
var testRedis = struct {
	Addr     string
	Password string
	DB       int
}{
	Addr:     "localhost:6379",
	Password: "redis",
	DB:       1, // Use a different DB than the main app
}

// Helper to clean up Redis before/after tests. Skips the test when Redis is not reachable.
func cleanupRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     testRedis.Addr,
		Password: testRedis.Password,
		DB:       testRedis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis unavailable: %v", err)
	}

	client.Del(ctx, queue.ActivityQueueName)
	return client
}

func newClient(t *testing.T) *queue.RedisClient {
	client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})
	return client
}

func TestNewRedisClient(t *testing.T) {
	t.Run("connection failure", func(t *testing.T) {
		client, err := queue.NewRedisClient("invalid:6379", "", 0)
		assert.Error(t, err)
		assert.Nil(t, client)
	})

	t.Run("successful connection", func(t *testing.T) {
		redisClient := cleanupRedis(t)
		defer func() {
			assert.NoError(t, redisClient.Close())
		}()

		client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
		assert.NoError(t, err)
		assert.NotNil(t, client)
		assert.NoError(t, client.Close())
	})
}

func TestRedisClient_Publish(t *testing.T) {
	redisClient := cleanupRedis(t)
	defer func() {
		assert.NoError(t, redisClient.Close())
	}()

	client := newClient(t)
	ctx := context.Background()

	t.Run("publish message", func(t *testing.T) {
		msg := queue.ActivityMessage{
			ID:         7,
			CustomerID: "c1",
			Agent:      "dispatcher",
			Action:     "Run started",
			EventType:  "run_started",
			Severity:   "info",
			Details:    json.RawMessage(`{"run_number":1}`),
			CreatedAt:  time.Now().UTC(),
		}

		require.NoError(t, client.Publish(ctx, msg))

		length, err := redisClient.LLen(ctx, queue.ActivityQueueName).Result()
		assert.NoError(t, err)
		assert.Equal(t, int64(1), length)

		result, err := redisClient.LPop(ctx, queue.ActivityQueueName).Result()
		require.NoError(t, err)

		var decoded queue.ActivityMessage
		require.NoError(t, json.Unmarshal([]byte(result), &decoded))
		assert.Equal(t, msg.ID, decoded.ID)
		assert.Equal(t, msg.EventType, decoded.EventType)
		assert.JSONEq(t, `{"run_number":1}`, string(decoded.Details))
	})

	t.Run("publish with cancelled context", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel() // Cancel immediately

		err := client.Publish(cancelCtx, queue.ActivityMessage{ID: 8, EventType: "run_failed"})
		assert.Error(t, err)
	})
}

func TestRedisClient_Subscribe(t *testing.T) {
	redisClient := cleanupRedis(t)
	defer func() {
		assert.NoError(t, redisClient.Close())
	}()

	client := newClient(t)
	ctx := context.Background()

	msgs := []queue.ActivityMessage{
		{ID: 1, EventType: "run_started", Severity: "info"},
		{ID: 2, EventType: "run_completed", Severity: "info"},
	}

	var processed []queue.ActivityMessage
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(msgs))

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	go func() {
		handler := func(msg queue.ActivityMessage) {
			mu.Lock()
			processed = append(processed, msg)
			mu.Unlock()
			if msg.ID == 1 {
				// a panicking handler must not stop the subscription
				defer wg.Done()
				panic("test panic")
			}
			wg.Done()
		}

		err := client.Subscribe(subCtx, handler)
		assert.Error(t, err) // Should error due to context timeout
	}()

	// Give subscription time to start
	time.Sleep(500 * time.Millisecond)

	for _, msg := range msgs {
		require.NoError(t, client.Publish(ctx, msg))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for messages to be processed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, processed, len(msgs))
	assert.Equal(t, int64(1), processed[0].ID)
	assert.Equal(t, int64(2), processed[1].ID)
}
