package idempotency

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// StoredResponse is a completed response kept for replay.
type StoredResponse struct {
	Status      int
	Header      http.Header
	Body        []byte
	Fingerprint uint64
	Expires     time.Time
}

// Store keeps stored responses by scoped key. A nil response with a nil
// error is a miss.
type Store interface {
	Get(ctx context.Context, key string) (*StoredResponse, error)
	Set(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error
	Close() error
}

// MemoryStore is an in-process LRU store.
type MemoryStore struct {
	lru       *expirable.LRU[string, *StoredResponse]
	evictions atomic.Int64
}

// NewMemoryStore creates a store bounded to maxEntries. Entries expire
// individually according to the ttl they were set with.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	s := &MemoryStore{}
	s.lru = expirable.NewLRU[string, *StoredResponse](maxEntries, func(string, *StoredResponse) {
		s.evictions.Add(1)
	}, 0)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	resp, ok := s.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if time.Now().After(resp.Expires) {
		s.lru.Remove(key)
		return nil, nil
	}
	return resp, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	resp.Expires = time.Now().Add(ttl)
	s.lru.Add(key, resp)
	return nil
}

// Len returns the number of stored responses.
func (s *MemoryStore) Len() int { return s.lru.Len() }

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}

func init() {
	gob.Register(http.Header{})
}

// RedisStore shares stored responses between gateway nodes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a redis-backed store. prefix namespaces the keys,
// e.g. "annon:idem:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*StoredResponse, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp StoredResponse
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	resp.Expires = time.Now().Add(ttl)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err()
}

// Close is a no-op; the client is shared.
func (s *RedisStore) Close() error {
	return nil
}
