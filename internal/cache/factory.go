package cache

import (
	"context"
	"errors"
	"time"
)

// NewStorage 按后端名称构建存储，并按 memoryTTL 决定是否叠加内存层。
func NewStorage(ctx context.Context, backend, storagePath string, redisOpts RedisOptions, memoryTTL time.Duration) (Storage, error) {
	var (
		storage Storage
		err     error
	)
	switch backend {
	case "", "fs":
		storage, err = NewFileStorage(storagePath)
	case "leveldb":
		storage, err = NewLevelDBStorage(storagePath)
	case "redis":
		storage, err = NewRedisStorage(ctx, redisOpts)
	default:
		err = errors.New("unsupported storage backend: " + backend)
	}
	if err != nil {
		return nil, err
	}
	return WithMemoryLayer(storage, memoryTTL), nil
}
