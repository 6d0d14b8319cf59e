package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 redis 后端连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStorage 连接 redis 并做一次 PING。键布局：
//
//	<prefix>buckets         ZSET，score 为创建时间
//	<prefix>bucket:<name>   HASH，field 为请求身份，value 为 JSON 条目
//	<prefix>active          生效版本名
//	<prefix>active:manifest 生效版本安装时的清单指纹
func NewRedisStorage(ctx context.Context, opts RedisOptions) (Storage, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStorage(rdb, opts.Prefix), nil
}

func newRedisStorage(rdb *redis.Client, prefix string) *redisStorage {
	return &redisStorage{rdb: rdb, prefix: prefix}
}

type redisStorage struct {
	rdb    *redis.Client
	prefix string
}

func (s *redisStorage) bucketsKey() string { return s.prefix + "buckets" }
func (s *redisStorage) activeKey() string  { return s.prefix + "active" }
func (s *redisStorage) manifestKey() string {
	return s.prefix + "active:manifest"
}
func (s *redisStorage) bucketKey(name string) string {
	return s.prefix + "bucket:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	score := float64(time.Now().UTC().UnixNano())
	if err := s.rdb.ZAddNX(ctx, s.bucketsKey(), redis.Z{Score: score, Member: name}).Err(); err != nil {
		return nil, err
	}
	return &redisBucket{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.rdb.ZScore(ctx, s.bucketsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.bucketsKey(), name)
		pipe.Del(ctx, s.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.bucketsKey(), 0, -1).Result()
}

func (s *redisStorage) ActiveVersion(ctx context.Context) (ActiveVersion, error) {
	values, err := s.rdb.MGet(ctx, s.activeKey(), s.manifestKey()).Result()
	if err != nil {
		return ActiveVersion{}, err
	}
	var version ActiveVersion
	if name, ok := values[0].(string); ok {
		version.Name = name
	}
	if digest, ok := values[1].(string); ok {
		version.Manifest = digest
	}
	return version, nil
}

func (s *redisStorage) SetActiveVersion(ctx context.Context, version ActiveVersion) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.activeKey(), version.Name, 0)
		pipe.Set(ctx, s.manifestKey(), version.Manifest, 0)
		return nil
	})
	return err
}

func (s *redisStorage) Close() error {
	return s.rdb.Close()
}

type redisBucket struct {
	storage *redisStorage
	name    string
}

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	if !key.cacheable() {
		return nil, ErrNotFound
	}
	raw, err := b.storage.rdb.HGet(ctx, b.storage.bucketKey(b.name), key.Identity()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if !entry.matches(key) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (b *redisBucket) Put(ctx context.Context, key RequestKey, entry Entry) error {
	return b.PutAll(ctx, []Item{{Key: key, Entry: entry}})
}

// redisWatchRetries 是 PutAll 在 buckets 集合被并发修改时的重试次数。
const redisWatchRetries = 8

// PutAll 在 WATCH buckets 集合的事务中检查 bucket 仍存在并写入全部字段，
// 与 Storage.Delete 的 ZREM+DEL 互斥，删除后的句柄不会再写出孤立的 hash。
func (b *redisBucket) PutAll(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items)*2)
	for _, item := range items {
		entry := item.Entry
		identity, err := prepare(item.Key, &entry)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		values = append(values, identity, raw)
	}

	bucketsKey := b.storage.bucketsKey()
	write := func(tx *redis.Tx) error {
		err := tx.ZScore(ctx, bucketsKey, b.name).Err()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.storage.bucketKey(b.name), values...)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < redisWatchRetries; i++ {
		err = b.storage.rdb.Watch(ctx, write, bucketsKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("cache bucket %s: %w", b.name, err)
}

func (b *redisBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if !key.cacheable() {
		return false, nil
	}
	n, err := b.storage.rdb.HDel(ctx, b.storage.bucketKey(b.name), key.Identity()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	raw, err := b.storage.rdb.HGetAll(ctx, b.storage.bucketKey(b.name)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return sortEntryIdentities(entries), nil
}
