package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	descriptorFile   = "bucket.json"
	registrationFile = "registration.json"
	metaSuffix       = ".json"
	bodySuffix       = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存存储。磁盘布局：
//
//	<StoragePath>/registration.json            # 生效版本
//	<StoragePath>/<bucket>/bucket.json         # bucket 描述
//	<StoragePath>/<bucket>/<sha1>.json|.body   # 条目元数据与正文
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；bucket 级操作由 mu 串行化。
type fileStorage struct {
	basePath string

	bucketMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileRegistration struct {
	Active    string    `json:"active"`
	Manifest  string    `json:"manifest,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	dir := s.bucketDir(name)
	descPath := filepath.Join(dir, descriptorFile)
	if _, err := os.Stat(descPath); err == nil {
		return &fileBucket{storage: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	desc := bucketDescriptor{Name: name, CreatedAt: time.Now().UTC()}
	if err := writeJSONFile(descPath, desc); err != nil {
		return nil, err
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if validateBucketName(name) != nil {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.bucketDir(name), descriptorFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if validateBucketName(name) != nil {
		return false, nil
	}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	dir := s.bucketDir(name)
	if _, err := os.Stat(filepath.Join(dir, descriptorFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先移除描述文件，让并发写入立即看到 bucket 已删除。
	if err := os.Remove(filepath.Join(dir, descriptorFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	descs := make([]bucketDescriptor, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		var desc bucketDescriptor
		if err := readJSONFile(filepath.Join(s.basePath, d.Name(), descriptorFile), &desc); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		descs = append(descs, desc)
	}
	return sortDescriptors(descs), nil
}

func (s *fileStorage) ActiveVersion(ctx context.Context) (ActiveVersion, error) {
	if err := checkContext(ctx); err != nil {
		return ActiveVersion{}, err
	}
	var reg fileRegistration
	if err := readJSONFile(filepath.Join(s.basePath, registrationFile), &reg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ActiveVersion{}, nil
		}
		return ActiveVersion{}, err
	}
	return ActiveVersion{Name: reg.Active, Manifest: reg.Manifest}, nil
}

func (s *fileStorage) SetActiveVersion(ctx context.Context, version ActiveVersion) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(s.basePath, registrationFile), fileRegistration{
		Active:    version.Name,
		Manifest:  version.Manifest,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *fileStorage) Close() error { return nil }

func (s *fileStorage) bucketDir(name string) string {
	return filepath.Join(s.basePath, escapeBucket(name))
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (b *fileBucket) Name() string { return b.name }

func (b *fileBucket) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !key.cacheable() {
		return nil, ErrNotFound
	}
	hash := entryHash(key.Identity())
	unlock := b.storage.lockEntry(b.lockKey(hash))
	defer unlock()

	entry, err := b.readEntry(hash)
	if err != nil {
		return nil, err
	}
	if !entry.matches(key) {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (b *fileBucket) Put(ctx context.Context, key RequestKey, entry Entry) error {
	return b.PutAll(ctx, []Item{{Key: key, Entry: entry}})
}

// PutAll 先把所有条目写入临时文件，再逐一 rename；rename 失败时撤销本批已生效的条目。
func (b *fileBucket) PutAll(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	staged := make(map[string]stagedEntry, len(items))
	order := make([]string, 0, len(items))
	cleanup := func() {
		for _, st := range staged {
			os.Remove(st.metaTemp)
			os.Remove(st.bodyTemp)
		}
	}

	if err := b.ensureExists(); err != nil {
		return err
	}
	for _, item := range items {
		entry := item.Entry
		identity, err := prepare(item.Key, &entry)
		if err != nil {
			cleanup()
			return err
		}
		if err := checkContext(ctx); err != nil {
			cleanup()
			return err
		}
		hash := entryHash(identity)
		if prev, ok := staged[hash]; ok {
			os.Remove(prev.metaTemp)
			os.Remove(prev.bodyTemp)
		} else {
			order = append(order, hash)
		}
		st, err := b.stage(hash, entry)
		if err != nil {
			cleanup()
			return err
		}
		staged[hash] = st
	}

	sort.Strings(order)
	unlocks := make([]func(), 0, len(order))
	for _, hash := range order {
		unlocks = append(unlocks, b.storage.lockEntry(b.lockKey(hash)))
	}
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	if err := b.ensureExists(); err != nil {
		cleanup()
		return err
	}

	committed := make([]string, 0, len(order))
	for _, hash := range order {
		st := staged[hash]
		if err := b.commit(hash, st); err != nil {
			for _, done := range committed {
				b.removeFiles(done)
			}
			cleanup()
			return err
		}
		committed = append(committed, hash)
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if !key.cacheable() {
		return false, nil
	}
	hash := entryHash(key.Identity())
	unlock := b.storage.lockEntry(b.lockKey(hash))
	defer unlock()

	metaPath := filepath.Join(b.dir, hash+metaSuffix)
	if _, err := os.Stat(metaPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := b.removeFiles(hash); err != nil {
		return false, err
	}
	return true, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || name == descriptorFile || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		var entry Entry
		if err := readJSONFile(filepath.Join(b.dir, name), &entry); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return sortEntryIdentities(entries), nil
}

type stagedEntry struct {
	metaTemp string
	bodyTemp string
}

func (b *fileBucket) stage(hash string, entry Entry) (stagedEntry, error) {
	body := entry.Body
	entry.Body = nil

	bodyTemp, err := writeTemp(b.dir, body)
	if err != nil {
		return stagedEntry{}, err
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		os.Remove(bodyTemp)
		return stagedEntry{}, err
	}
	metaTemp, err := writeTemp(b.dir, meta)
	if err != nil {
		os.Remove(bodyTemp)
		return stagedEntry{}, err
	}
	return stagedEntry{metaTemp: metaTemp, bodyTemp: bodyTemp}, nil
}

// commit 先落正文再落元数据，元数据存在即代表条目完整。
func (b *fileBucket) commit(hash string, st stagedEntry) error {
	if err := os.Rename(st.bodyTemp, filepath.Join(b.dir, hash+bodySuffix)); err != nil {
		return err
	}
	return os.Rename(st.metaTemp, filepath.Join(b.dir, hash+metaSuffix))
}

func (b *fileBucket) readEntry(hash string) (*Entry, error) {
	var entry Entry
	if err := readJSONFile(filepath.Join(b.dir, hash+metaSuffix), &entry); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(b.dir, hash+bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	return &entry, nil
}

func (b *fileBucket) removeFiles(hash string) error {
	if err := os.Remove(filepath.Join(b.dir, hash+metaSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(filepath.Join(b.dir, hash+bodySuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) ensureExists() error {
	if _, err := os.Stat(filepath.Join(b.dir, descriptorFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
		}
		return err
	}
	return nil
}

func (b *fileBucket) lockKey(hash string) string {
	return b.name + "::" + hash
}

func entryHash(identity string) string {
	sum := sha1.Sum([]byte(identity))
	return hex.EncodeToString(sum[:])
}

func writeTemp(dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func writeJSONFile(target string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tempName, err := writeTemp(filepath.Dir(target), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
