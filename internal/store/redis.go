package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"kiteflow/internal/domain"
)

const defaultRedisKey = "kiteflow:changes"

// RedisQueue keeps queued changes in a sorted set scored by priority.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		key = defaultRedisKey
	}
	return &RedisQueue{client: client, key: key, now: time.Now}, nil
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) AddChange(ctx context.Context, c domain.Change, priority int) error {
	if priority == 0 {
		priority = 1
	}
	data, err := json.Marshal(domain.QueuedChange{
		ID:        "chq_" + uuid.NewString(),
		Change:    c,
		Priority:  priority,
		State:     "queued",
		CreatedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(priority), Member: data}).Err()
}

func (q *RedisQueue) ListQueued(ctx context.Context, limit int) ([]domain.QueuedChange, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := q.client.ZRevRange(ctx, q.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueuedChange, 0, len(members))
	for _, m := range members {
		var qc domain.QueuedChange
		if err := json.Unmarshal([]byte(m), &qc); err != nil {
			return nil, fmt.Errorf("decode queued change: %w", err)
		}
		out = append(out, qc)
	}
	return out, nil
}

// LeaseNext pops the highest priority change. Members of equal priority come
// out in reverse lexical order, not insertion order.
func (q *RedisQueue) LeaseNext(ctx context.Context) (domain.QueuedChange, error) {
	zs, err := q.client.ZPopMax(ctx, q.key, 1).Result()
	if err != nil {
		return domain.QueuedChange{}, err
	}
	if len(zs) == 0 {
		return domain.QueuedChange{}, ErrEmpty
	}
	member, ok := zs[0].Member.(string)
	if !ok {
		return domain.QueuedChange{}, fmt.Errorf("unexpected member type %T", zs[0].Member)
	}
	var qc domain.QueuedChange
	if err := json.Unmarshal([]byte(member), &qc); err != nil {
		return domain.QueuedChange{}, fmt.Errorf("decode queued change: %w", err)
	}
	qc.State = "leased"
	return qc, nil
}
