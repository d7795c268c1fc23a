package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
)

// EmbeddingCache is the shared cache layer behind the local LRU.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// MakeKey derives the cache key for a model/text pair.
func MakeKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:16])
}

type cacheItem struct {
	key       string
	vec       []float32
	expiresAt time.Time
}

func (it *cacheItem) expired(now time.Time) bool {
	return !it.expiresAt.After(now)
}

// LocalLRU is a small in-process LRU with per-entry TTL. Expired entries are
// dropped on read and opportunistically when eviction touches them.
type LocalLRU struct {
	mu    sync.Mutex
	limit int
	order *list.List // front = most recent
	items map[string]*list.Element
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{
		limit: capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*cacheItem)
	if it.expired(time.Now()) {
		l.remove(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return it.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if el, ok := l.items[key]; ok {
		it := el.Value.(*cacheItem)
		it.vec = v
		it.expiresAt = now.Add(ttl)
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(&cacheItem{key: key, vec: v, expiresAt: now.Add(ttl)})
	for l.order.Len() > l.limit {
		l.remove(l.order.Back())
	}
}

// remove expects the lock to be held.
func (l *LocalLRU) remove(el *list.Element) {
	if el == nil {
		return
	}
	delete(l.items, el.Value.(*cacheItem).key)
	l.order.Remove(el)
}

// RedisCache stores vectors in Redis behind a circuit breaker, packed as
// little-endian float32 bytes.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(addr string, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return unpackVector(b)
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.cli.Set(ctx, key, packVector(v), ttl).Err()
}

func packVector(v []float32) []byte {
	b := make([]byte, 0, len(v)*4)
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func unpackVector(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, 0, len(b)/4)
	for ; len(b) >= 4; b = b[4:] {
		v = append(v, math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return v, true
}
