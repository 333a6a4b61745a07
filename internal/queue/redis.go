package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	ActivityQueueName = "taskengine:activity"
	// Older entries are trimmed so an absent consumer cannot grow the list without bound
	maxQueueLength = 10_000
)

// RedisClient implements Client using a Redis list
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish appends an activity message to the queue
func (r *RedisClient) Publish(ctx context.Context, message ActivityMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, ActivityQueueName, data)
	pipe.LTrim(ctx, ActivityQueueName, -maxQueueLength, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe starts listening for messages and processes them with the handler until ctx is done.
// One client can only be subscribed once
func (r *RedisClient) Subscribe(ctx context.Context, handler func(ActivityMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				continue
			}
			if message == nil {
				continue
			}

			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Int64("activity_id", message.ID).
					Msg("Error encountered when processing message")
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*ActivityMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, ActivityQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	return decodeMessage([]byte(result[1]))
}

func decodeMessage(data []byte) (*ActivityMessage, error) {
	var message ActivityMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("could not parse message into ActivityMessage. %w", err)
	}
	return &message, nil
}

func processMessage(handler func(ActivityMessage), message ActivityMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Int64("activity_id", message.ID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(message)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
