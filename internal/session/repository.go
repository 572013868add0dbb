package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"kiln-label/internal/logger"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound：会话不存在或已过期
var ErrNotFound = errors.New("session: not found")

// Repository：会话存储契约
// 约束：Get 返回独立副本，调用方修改后须 Save 才生效
type Repository interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository：进程内会话存储，本地单机部署默认使用
type MemoryRepository struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]memEntry
}

type memEntry struct {
	b   []byte
	exp time.Time
}

func NewMemoryRepository(ttl time.Duration) *MemoryRepository {
	return &MemoryRepository{ttl: ttl, m: make(map[string]memEntry)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.m[id]
	if ok && r.ttl > 0 && time.Now().After(e.exp) {
		delete(r.m, id)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(e.b)
}

func (r *MemoryRepository) Save(_ context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.m[s.ID] = memEntry{b: b, exp: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
	return nil
}

// RedisRepository：会话以 JSON 快照写入 Redis，带 TTL
// 背景：托管部署时进程可能重启或多副本，会话需落在共享缓存
type RedisRepository struct {
	rc     *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisRepository(rc *redis.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{rc: rc, ttl: ttl, prefix: "kiln:session:"}
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.rc.Get(ctx, r.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(s))
}

func (r *RedisRepository) Save(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rc.Set(ctx, r.prefix+s.ID, string(b), r.ttl).Err(); err != nil {
		return err
	}
	logger.L().Debug("session_saved", "id", s.ID, "labels", s.Labels.Len())
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	return r.rc.Del(ctx, r.prefix+id).Err()
}

func decode(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if s.Labels == nil {
		s.Labels = NewLabelStore()
	}
	return &s, nil
}

// KeyedMutex：按会话 ID 串行化请求，避免同一会话的并发读改写丢失更新
type KeyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex { return &KeyedMutex{m: make(map[string]*keyedEntry)} }

// Lock：锁定 key，返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
