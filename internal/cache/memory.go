package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// WithMemoryLayer 在任意后端之前加一层进程内读缓存。内存层只会遗忘条目，
// 真正的删除始终落到后端。
func WithMemoryLayer(backend Storage, ttl time.Duration) Storage {
	if ttl <= 0 {
		return backend
	}
	return &memoryStorage{
		Storage: backend,
		mem:     gocache.New(ttl, 2*ttl),
	}
}

type memoryStorage struct {
	Storage
	mem *gocache.Cache

	// mu 让“失效”与“回填”互斥；epoch 每次失效加一，
	// 回填前若 epoch 已变化说明后端读到的可能是旧值，放弃回填。
	mu    sync.Mutex
	epoch uint64
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &memoryBucket{Bucket: bucket, storage: s}, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.Storage.Delete(ctx, name)
	s.purge(name)
	return deleted, err
}

func (s *memoryStorage) purge(bucket string) {
	prefix := memoryPrefix(bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	for key := range s.mem.Items() {
		if strings.HasPrefix(key, prefix) {
			s.mem.Delete(key)
		}
	}
}

// invalidate 必须在后端写入之后调用。
func (s *memoryStorage) invalidate(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	for _, key := range keys {
		s.mem.Delete(key)
	}
}

func (s *memoryStorage) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// fill 仅在读取期间没有发生任何失效时回填。
func (s *memoryStorage) fill(key string, entry *Entry, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == since {
		s.mem.SetDefault(key, entry)
	}
}

type memoryBucket struct {
	Bucket
	storage *memoryStorage
}

func (b *memoryBucket) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	if !key.cacheable() {
		return nil, ErrNotFound
	}
	memKey := memoryPrefix(b.Name()) + key.Identity()
	if cached, ok := b.storage.mem.Get(memKey); ok {
		entry := *cached.(*Entry)
		if !entry.matches(key) {
			return nil, ErrNotFound
		}
		return &entry, nil
	}

	since := b.storage.currentEpoch()
	entry, err := b.Bucket.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	stored := *entry
	b.storage.fill(memKey, &stored, since)
	return entry, nil
}

func (b *memoryBucket) Put(ctx context.Context, key RequestKey, entry Entry) error {
	return b.PutAll(ctx, []Item{{Key: key, Entry: entry}})
}

func (b *memoryBucket) PutAll(ctx context.Context, items []Item) error {
	err := b.Bucket.PutAll(ctx, items)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, memoryPrefix(b.Name())+item.Key.Identity())
	}
	b.storage.invalidate(keys...)
	return err
}

func (b *memoryBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	deleted, err := b.Bucket.Delete(ctx, key)
	b.storage.invalidate(memoryPrefix(b.Name()) + key.Identity())
	return deleted, err
}

func memoryPrefix(bucket string) string {
	return bucket + "\x00"
}
