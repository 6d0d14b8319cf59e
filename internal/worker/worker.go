package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/fetch"
	"github.com/bienestar/offline-cache/internal/logging"
)

// Outcome 描述一次拦截请求的处理结果。
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeStored Outcome = "stored"
	OutcomeBypass Outcome = "bypass"
	OutcomeError  Outcome = "error"
	// OutcomeNetwork 表示没有生效的 worker，请求直接走网络。
	OutcomeNetwork Outcome = "network"
)

const defaultStoreTimeout = 30 * time.Second

// Options 描述一个 worker 版本的全部常量。
type Options struct {
	CacheName    string
	Manifest     []string
	Origin       *url.URL
	Storage      cache.Storage
	Fetcher      fetch.Fetcher
	Notifier     Notifier
	Opener       WindowOpener
	Notification NotificationOptions
	Logger       *logrus.Logger
	Metrics      *Metrics
	StoreTimeout time.Duration
	// Now 仅用于测试注入时钟。
	Now func() time.Time
}

// Worker 是某个缓存版本的离线缓存管理器。除 Options 外不持有状态，
// 所有持久数据都在 cache.Storage 中。
type Worker struct {
	opts Options

	mu     sync.Mutex
	bucket cache.Bucket

	stores conc.WaitGroup

	eventsOnce sync.Once
	events     *Dispatcher
}

// New 校验必要依赖并补齐默认值。
func New(opts Options) (*Worker, error) {
	if opts.CacheName == "" {
		return nil, errors.New("cache name required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.Opener == nil {
		opts.Opener = LogOpener{Logger: opts.Logger}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Notification = opts.Notification.withDefaults()
	opts.Manifest = append([]string(nil), opts.Manifest...)
	return &Worker{opts: opts}, nil
}

// CacheName 返回当前版本的 bucket 名。
func (w *Worker) CacheName() string { return w.opts.CacheName }

// Manifest 返回预缓存清单的副本。
func (w *Worker) Manifest() []string { return append([]string(nil), w.opts.Manifest...) }

// Origin 返回同源判定使用的源站。
func (w *Worker) Origin() *url.URL { return w.opts.Origin }

// Storage 返回 worker 使用的缓存存储。
func (w *Worker) Storage() cache.Storage { return w.opts.Storage }

// Install 并发拉取清单中的全部资源，全部成功后一次性写入当前 bucket。
// 任一资源失败则整体失败，且本次新建的 bucket 会被删除。
func (w *Worker) Install(ctx context.Context) error {
	started := time.Now()
	fields := logging.LifecycleFields("install", w.opts.CacheName)

	existed, err := w.opts.Storage.Has(ctx, w.opts.CacheName)
	if err != nil {
		w.opts.Metrics.observeInstall(false)
		return fmt.Errorf("install %s: %w", w.opts.CacheName, err)
	}

	err = w.install(ctx)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["assets"] = len(w.opts.Manifest)
	if err != nil {
		if !existed {
			if _, delErr := w.opts.Storage.Delete(context.WithoutCancel(ctx), w.opts.CacheName); delErr != nil {
				w.opts.Logger.WithFields(fields).WithError(delErr).Warn("install_cleanup_failed")
			}
			w.forgetBucket()
		}
		w.opts.Metrics.observeInstall(false)
		w.opts.Logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("install %s: %w", w.opts.CacheName, err)
	}

	w.opts.Metrics.observeInstall(true)
	w.opts.Logger.WithFields(fields).Info("install_complete")
	return nil
}

type fetchedAsset struct {
	index int
	item  cache.Item
}

func (w *Worker) install(ctx context.Context) error {
	bucket, err := w.openBucket(ctx)
	if err != nil {
		return err
	}

	p := pool.NewWithResults[fetchedAsset]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i, asset := range w.opts.Manifest {
		i, asset := i, asset
		p.Go(func(ctx context.Context) (fetchedAsset, error) {
			item, err := w.fetchAsset(ctx, asset)
			return fetchedAsset{index: i, item: item}, err
		})
	}
	results, err := p.Wait()
	if err != nil {
		return err
	}

	items := make([]cache.Item, len(w.opts.Manifest))
	for _, res := range results {
		items[res.index] = res.item
	}
	return bucket.PutAll(ctx, items)
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.Item, error) {
	req, err := fetch.NewRequest(http.MethodGet, asset)
	if err != nil {
		return cache.Item{}, fmt.Errorf("manifest entry %s: %w", asset, err)
	}
	req.Mode = fetch.ModeCORS

	resp, err := w.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Item{}, err
	}
	if resp == nil {
		return cache.Item{}, fmt.Errorf("%s: %w", asset, fetch.ErrNoResponse)
	}
	if !resp.OK() {
		resp.Close()
		return cache.Item{}, fmt.Errorf("%s: unexpected status %d", asset, resp.Status)
	}
	body, err := resp.Bytes()
	if err != nil {
		return cache.Item{}, fmt.Errorf("%s: read body: %w", asset, err)
	}

	key := requestKey(req)
	entry := cache.NewEntry(key, resp.Status, resp.StatusText, resp.Header, body, string(resp.Type))
	entry.StoredAt = w.opts.Now().UTC()
	return cache.Item{Key: key, Entry: entry}, nil
}

// Activate 删除所有名称不等于当前版本的 bucket。删除失败只记录日志，不影响激活。
func (w *Worker) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := logging.LifecycleFields("activate", w.opts.CacheName)

	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.opts.Logger.WithFields(fields).WithError(err).Warn("activate_list_failed")
		return nil
	}

	var (
		mu      sync.Mutex
		errs    error
		deleted int
	)
	p := pool.New().WithContext(ctx)
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		name := name
		p.Go(func(ctx context.Context) error {
			ok, err := w.opts.Storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
				w.opts.Logger.WithFields(logging.LifecycleFields("activate", w.opts.CacheName)).
					WithField("stale", name).WithError(err).Warn("stale_bucket_delete_failed")
				return nil
			}
			if ok {
				deleted++
				w.opts.Metrics.observeStaleDeleted()
				w.opts.Logger.WithFields(logging.LifecycleFields("activate", w.opts.CacheName)).
					WithField("stale", name).Info("stale_bucket_deleted")
			}
			return nil
		})
	}
	_ = p.Wait()

	fields["deleted"] = deleted
	if errs != nil {
		fields["failures"] = len(multierr.Errors(errs))
		w.opts.Logger.WithFields(fields).WithError(errs).Warn("activate_partial")
		return nil
	}
	w.opts.Logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Fetch 实现缓存优先策略：命中直接返回且不访问网络；未命中时回源，
// 仅当状态码恰为 200 且响应为 basic 时在后台写入当前 bucket。
func (w *Worker) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, Outcome, error) {
	if req == nil || req.URL == nil {
		return nil, OutcomeError, errors.New("request url required")
	}
	key := requestKey(req)

	if resp, ok := w.lookup(ctx, key); ok {
		w.opts.Metrics.observeFetch(OutcomeHit)
		return resp, OutcomeHit, nil
	}

	resp, err := w.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		w.opts.Metrics.observeFetch(OutcomeError)
		return nil, OutcomeError, err
	}
	if resp == nil {
		w.opts.Metrics.observeFetch(OutcomeError)
		return nil, OutcomeError, fetch.ErrNoResponse
	}
	if resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic || req.Method != http.MethodGet {
		w.opts.Metrics.observeFetch(OutcomeBypass)
		return resp, OutcomeBypass, nil
	}

	clone, err := resp.Clone()
	if err != nil {
		w.opts.Metrics.observeFetch(OutcomeError)
		return nil, OutcomeError, err
	}
	storeCtx := context.WithoutCancel(ctx)
	w.stores.Go(func() {
		w.store(storeCtx, key, clone)
	})
	w.opts.Metrics.observeFetch(OutcomeStored)
	return resp, OutcomeStored, nil
}

// Wait 阻塞直到所有后台写入结束。
func (w *Worker) Wait() {
	w.stores.Wait()
}

func (w *Worker) lookup(ctx context.Context, key cache.RequestKey) (*fetch.Response, bool) {
	if key.Method != http.MethodGet {
		return nil, false
	}
	bucket, err := w.openBucket(ctx)
	if err != nil {
		w.opts.Logger.WithFields(logging.LifecycleFields("fetch", w.opts.CacheName)).
			WithError(err).Warn("cache_open_failed")
		return nil, false
	}
	entry, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.opts.Logger.WithFields(logging.LifecycleFields("fetch", w.opts.CacheName)).
				WithField("url", key.URL).WithError(err).Warn("cache_lookup_failed")
		}
		return nil, false
	}
	resp := fetch.NewBytesResponse(fetch.ResponseType(entry.Type), entry.URL, entry.Status, entry.Header.Clone(), entry.Body)
	if entry.StatusText != "" {
		resp.StatusText = entry.StatusText
	}
	return resp, true
}

func (w *Worker) store(ctx context.Context, key cache.RequestKey, resp *fetch.Response) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()

	fail := func(err error) {
		w.opts.Metrics.observeStoreFailure()
		w.opts.Logger.WithFields(logging.LifecycleFields("store", w.opts.CacheName)).
			WithField("url", key.URL).WithError(err).Debug("cache_store_failed")
	}

	body, err := resp.Bytes()
	if err != nil {
		fail(err)
		return
	}
	bucket, err := w.openBucket(ctx)
	if err != nil {
		fail(err)
		return
	}
	entry := cache.NewEntry(key, resp.Status, resp.StatusText, resp.Header, body, string(resp.Type))
	entry.StoredAt = w.opts.Now().UTC()
	if err := bucket.Put(ctx, key, entry); err != nil {
		fail(err)
	}
}

func (w *Worker) openBucket(ctx context.Context) (cache.Bucket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	bucket, err := w.opts.Storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	w.bucket = bucket
	return bucket, nil
}

func (w *Worker) forgetBucket() {
	w.mu.Lock()
	w.bucket = nil
	w.mu.Unlock()
}

func requestKey(req *fetch.Request) cache.RequestKey {
	return cache.RequestKey{
		Method: req.Method,
		URL:    req.CanonicalURL(),
		Header: fetch.UpstreamHeader(req.Header),
	}
}
