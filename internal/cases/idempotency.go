package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseportal/model"
)

// IdempotencyStore deduplicates case creation requests carrying an
// Idempotency-Key. Keys have the form "idem:create-case:{subject}:{key}".
type IdempotencyStore interface {
	// Check looks up a previously created case. If the key exists and the
	// input hash matches, it returns that case. If the key exists but the
	// hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *model.Case, found bool, err error)

	// Store records the created case under key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result model.Case, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string     `json:"input_hash"`
	Result    model.Case `json:"result"`
}

// FormatIdempotencyKey builds the idempotency key for a subject's create request.
func FormatIdempotencyKey(subjectID, key string) string {
	return fmt.Sprintf("idem:create-case:%s:%s", subjectID, key)
}

func conflictForKey(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached case. Returns a conflict if the input hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*model.Case, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, conflictForKey(key)
	}

	result := detach(entry.data.Result)
	return &result, true, nil
}

// Store saves a created case with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result model.Case, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Result: detach(result)},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Check looks up a cached case in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*model.Case, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %q", key)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, errors.Wrapf(err, "unmarshal idempotency entry %q", key)
	}

	if entry.InputHash != inputHash {
		return nil, true, conflictForKey(key)
	}
	return &entry.Result, true, nil
}

// Store saves a created case in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result model.Case, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return errors.Wrap(err, "marshal idempotency entry")
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %q", key)
	}
	return nil
}
