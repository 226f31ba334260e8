package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// RedisQueue pushes jobs onto a Redis list that workers pop from.
type RedisQueue struct {
	client *redis.Client
	queue  string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		ReadTimeout:  3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "renderfactory:jobs"
	}
	return &RedisQueue{client: client, queue: queue}, nil
}

// Submit appends the job to the queue.
func (q *RedisQueue) Submit(ctx context.Context, job Job) (string, error) {
	data, err := prepare(&job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.RPush(ctx, q.queue, data).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// Depth returns the number of queued jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Close releases the connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
