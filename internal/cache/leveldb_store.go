package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键空间：
//
//	b:<bucket>                 -> gob(bucketDescriptor)
//	e:<bucket>\x00<identity>   -> gob(Entry)
//	r:active                   -> 生效版本名
const (
	ldbBucketPrefix = "b:"
	ldbEntryPrefix  = "e:"
	ldbActiveKey    = "r:active"
)

// NewLevelDBStorage 在 <basePath>/leveldb 打开（或创建）数据库。
func NewLevelDBStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	dir := filepath.Join(basePath, "leveldb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	db *leveldb.DB
	// mu 串行化 bucket 的创建与删除，条目写入不经过它。
	mu sync.Mutex
}

func (s *levelStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(ldbBucketPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(bucketDescriptor{Name: name, CreatedAt: time.Now().UTC()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(key, b, nil); err != nil {
			return nil, err
		}
	}
	return &levelBucket{storage: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	return s.db.Has([]byte(ldbBucketPrefix+name), nil)
}

// Delete 在一个 batch 中删除描述与全部条目。
func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(ldbBucketPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(key)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbBucketPrefix)), nil)
	defer it.Release()

	var descs []bucketDescriptor
	for it.Next() {
		var desc bucketDescriptor
		if err := decodeGob(it.Value(), &desc); err != nil {
			continue
		}
		descs = append(descs, desc)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return sortDescriptors(descs), nil
}

// ActiveVersion 兼容旧格式：r:active 只存了裸版本名时原样作为 Name 返回。
func (s *levelStorage) ActiveVersion(ctx context.Context) (ActiveVersion, error) {
	if err := checkContext(ctx); err != nil {
		return ActiveVersion{}, err
	}
	b, err := s.db.Get([]byte(ldbActiveKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ActiveVersion{}, nil
	}
	if err != nil {
		return ActiveVersion{}, err
	}
	var version ActiveVersion
	if err := json.Unmarshal(b, &version); err != nil {
		return ActiveVersion{Name: string(b)}, nil
	}
	return version, nil
}

func (s *levelStorage) SetActiveVersion(ctx context.Context, version ActiveVersion) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(version)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(ldbActiveKey), raw, nil)
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

type levelBucket struct {
	storage *levelStorage
	name    string
}

func (b *levelBucket) Name() string { return b.name }

func (b *levelBucket) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !key.cacheable() {
		return nil, ErrNotFound
	}
	raw, err := b.storage.db.Get(b.entryKey(key.Identity()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if !entry.matches(key) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (b *levelBucket) Put(ctx context.Context, key RequestKey, entry Entry) error {
	return b.PutAll(ctx, []Item{{Key: key, Entry: entry}})
}

// PutAll 写入单个 leveldb.Batch，由存储引擎保证原子性。
func (b *levelBucket) PutAll(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, item := range items {
		entry := item.Entry
		identity, err := prepare(item.Key, &entry)
		if err != nil {
			return err
		}
		raw, err := encodeGob(entry)
		if err != nil {
			return err
		}
		batch.Put(b.entryKey(identity), raw)
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	ok, err := b.storage.db.Has([]byte(ldbBucketPrefix+b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
	}
	return b.storage.db.Write(batch, nil)
}

func (b *levelBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if !key.cacheable() {
		return false, nil
	}
	k := b.entryKey(key.Identity())
	ok, err := b.storage.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := b.storage.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (b *levelBucket) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := b.storage.db.NewIterator(util.BytesPrefix(entryPrefix(b.name)), nil)
	defer it.Release()

	var entries []Entry
	for it.Next() {
		var entry Entry
		if err := decodeGob(it.Value(), &entry); err != nil {
			continue
		}
		entry.Body = nil
		entries = append(entries, entry)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return sortEntryIdentities(entries), nil
}

func (b *levelBucket) entryKey(identity string) []byte {
	return append(entryPrefix(b.name), identity...)
}

func entryPrefix(bucket string) []byte {
	return []byte(ldbEntryPrefix + bucket + "\x00")
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
