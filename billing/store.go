package billing

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// listStore is an append-only list with atomic enqueue, backing the retry
// queue. Implemented once per tier: Redis (durable, shared) and in-process.
// The in-process tier is lost on restart; the underlying payment remains
// recoverable by out-of-band reconciliation.
type listStore interface {
	// Push atomically appends one entry. Never read-modify-write: concurrent
	// failures must not lose each other's entries.
	Push(ctx context.Context, key string, data []byte) error
	// Pop removes and returns the oldest entry, or (nil, nil) when empty.
	Pop(ctx context.Context, key string) ([]byte, error)
	// Len reports the current queue depth.
	Len(ctx context.Context, key string) (int64, error)
}

// recordStore holds individual records by id with a retention TTL, backing
// refund tracking.
type recordStore interface {
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type redisStore struct {
	client *redis.Client
}

func newRedisStore(client *redis.Client) *redisStore {
	return &redisStore{client: client}
}

func (s *redisStore) Push(ctx context.Context, key string, data []byte) error {
	return s.client.RPush(ctx, key, data).Err()
}

func (s *redisStore) Pop(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *redisStore) Len(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *redisStore) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

type memoryStore struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	records map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		lists:   make(map[string][][]byte),
		records: make(map[string][]byte),
	}
}

func (s *memoryStore) Push(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], data)
	return nil
}

func (s *memoryStore) Pop(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if len(list) == 0 {
		return nil, nil
	}
	head := list[0]
	s.lists[key] = list[1:]
	return head, nil
}

func (s *memoryStore) Len(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *memoryStore) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = data
	return nil
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return data, nil
}
