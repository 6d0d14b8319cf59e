package cache

import (
	"context"
	"errors"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Storage 管理命名 bucket 以及当前生效的 worker 版本名。
type Storage interface {
	// Open 返回名为 name 的 bucket，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)
	// Has 报告 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除整个 bucket，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
	// Keys 按创建顺序返回全部 bucket 名称。
	Keys(ctx context.Context) ([]string, error)

	// ActiveVersion 返回持久化的生效版本，从未写入时为零值。
	ActiveVersion(ctx context.Context) (ActiveVersion, error)
	SetActiveVersion(ctx context.Context, version ActiveVersion) error

	Close() error
}

// ActiveVersion 是生效版本的 bucket 名与安装时资源清单的指纹。
// 旧数据只记录了名称，此时 Manifest 为空。
type ActiveVersion struct {
	Name     string `json:"name"`
	Manifest string `json:"manifest,omitempty"`
}

// Bucket 是单个版本的请求 → 响应映射。同一身份重复写入时后写者覆盖。
type Bucket interface {
	Name() string
	// Match 精确匹配请求身份，并校验 Vary 头；未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Entry, error)
	Put(ctx context.Context, key RequestKey, entry Entry) error
	// PutAll 原子写入：要么全部可见，要么一个都不写入。
	PutAll(ctx context.Context, items []Item) error
	Delete(ctx context.Context, key RequestKey) (bool, error)
	// Keys 按写入顺序返回请求身份。
	Keys(ctx context.Context) ([]string, error)
}

// RequestKey 描述用于查找的请求。Header 仅在响应带 Vary 时参与比较。
type RequestKey struct {
	Method string
	URL    string
	Header http.Header
}

// Item 是 PutAll 的一组写入。
type Item struct {
	Key   RequestKey
	Entry Entry
}

// Entry 是 bucket 中保存的响应。
type Entry struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	StatusText  string            `json:"status_text"`
	Header      http.Header       `json:"header"`
	Body        []byte            `json:"body,omitempty"`
	Type        string            `json:"type"`
	VaryHeaders map[string]string `json:"vary_headers,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

var (
	// ErrNotFound 表示 bucket 中没有匹配的条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示请求方法不是 GET，Cache 语义下不可写入。
	ErrMethodNotCacheable = errors.New("request method is not cacheable")
	// ErrBucketNotFound 表示写入目标 bucket 已被删除。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrInvalidBucketName 表示 bucket 名为空或包含非法字符。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
)

// Identity 返回 "METHOD URL" 形式的请求身份，URL 去掉 fragment。
func (k RequestKey) Identity() string {
	return Identity(k.Method, k.URL)
}

// Identity 计算请求身份。
func Identity(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + stripFragment(rawURL)
}

func stripFragment(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

func (k RequestKey) cacheable() bool {
	method := strings.ToUpper(strings.TrimSpace(k.Method))
	return method == "" || method == http.MethodGet
}

// NewEntry 根据请求与响应构造条目，并按响应 Vary 头捕获请求头。
func NewEntry(key RequestKey, status int, statusText string, header http.Header, body []byte, typ string) Entry {
	if header == nil {
		header = http.Header{}
	}
	entry := Entry{
		Method:     http.MethodGet,
		URL:        stripFragment(key.URL),
		Status:     status,
		StatusText: statusText,
		Header:     header.Clone(),
		Body:       append([]byte(nil), body...),
		Type:       typ,
		StoredAt:   time.Now().UTC(),
	}
	for _, name := range varyNames(header) {
		if entry.VaryHeaders == nil {
			entry.VaryHeaders = make(map[string]string)
		}
		entry.VaryHeaders[name] = key.Header.Get(name)
	}
	return entry
}

// prepare 校验写入并补齐 Method/URL/StoredAt，返回请求身份。
func prepare(key RequestKey, entry *Entry) (string, error) {
	if !key.cacheable() {
		return "", ErrMethodNotCacheable
	}
	entry.Method = http.MethodGet
	entry.URL = stripFragment(key.URL)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	return key.Identity(), nil
}

// matches 检查 Vary 约束；Vary: * 永不匹配。
func (e *Entry) matches(key RequestKey) bool {
	for _, name := range varyNames(e.Header) {
		if name == "*" {
			return false
		}
		if key.Header.Get(name) != e.VaryHeaders[name] {
			return false
		}
	}
	return true
}

func varyNames(header http.Header) []string {
	var names []string
	for _, value := range header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				names = append(names, "*")
				continue
			}
			names = append(names, textproto.CanonicalMIMEHeaderKey(part))
		}
	}
	return names
}

func validateBucketName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidBucketName
	}
	return nil
}

// bucketDescriptor 记录 bucket 的创建时间，用于 Keys 排序。
type bucketDescriptor struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func sortDescriptors(items []bucketDescriptor) []string {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Name < items[j].Name
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	return names
}

func sortEntryIdentities(entries []Entry) []string {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].URL < entries[j].URL
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, Identity(entry.Method, entry.URL))
	}
	return keys
}

// escapeBucket 把 bucket 名转换为可安全用作路径片段或键前缀的形式。
func escapeBucket(name string) string {
	return url.PathEscape(name)
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
