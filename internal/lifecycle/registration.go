// Package lifecycle owns which worker version is active: a new version is
// installed, then activated, and only then starts seeing fetch events. A
// failed install leaves the previous version in charge.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/logging"
	"github.com/bienestar/offline-cache/internal/worker"
)

// ErrInstallFailed 表示新版本安装失败，之前的版本继续生效。
var ErrInstallFailed = errors.New("worker install failed")

// Registration 持有当前生效的 worker，并串行化版本更新。
type Registration struct {
	storage cache.Storage
	logger  *logrus.Logger

	mu      sync.Mutex
	active  atomic.Pointer[worker.Worker]
	retired []*worker.Worker
	// installed 是 active 版本实际安装过的清单指纹，受 mu 保护。
	installed string
}

// New 构造 Registration；logger 为空时丢弃日志。
func New(storage cache.Storage, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Registration{storage: storage, logger: logger}
}

// Active 返回当前 worker；首次注册成功前为 nil。
func (r *Registration) Active() *worker.Worker {
	return r.active.Load()
}

// Register 安装并激活 opts 描述的版本。版本名与清单都未变化时不做任何事，返回 false。
func (r *Registration) Register(ctx context.Context, opts worker.Options) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	digest := ManifestDigest(opts.Manifest)
	if cur := r.active.Load(); cur != nil &&
		cur.CacheName() == opts.CacheName &&
		r.installed == digest {
		return false, nil
	}

	if opts.Storage == nil {
		opts.Storage = r.storage
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	next, err := worker.New(opts)
	if err != nil {
		return false, err
	}
	events := next.Dispatcher()
	fields := logging.LifecycleFields("register", opts.CacheName)

	if _, err := events.Dispatch(ctx, worker.Event{Type: worker.EventInstall}); err != nil {
		if prev := r.active.Load(); prev != nil {
			fields["serving"] = prev.CacheName()
		}
		r.logger.WithFields(fields).WithError(err).Warn("register_install_failed")
		return false, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if _, err := events.Dispatch(ctx, worker.Event{Type: worker.EventActivate}); err != nil {
		return false, fmt.Errorf("activate %s: %w", opts.CacheName, err)
	}

	if prev := r.active.Swap(next); prev != nil {
		r.retired = append(r.retired, prev)
		fields["previous"] = prev.CacheName()
	}
	r.installed = digest
	persisted := cache.ActiveVersion{Name: opts.CacheName, Manifest: digest}
	if err := r.storage.SetActiveVersion(context.WithoutCancel(ctx), persisted); err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("register_persist_failed")
	}
	r.logger.WithFields(fields).Info("register_complete")
	return true, nil
}

// Restore 读取持久化的生效版本并直接设为 active（不重新安装），
// 使新版本安装失败时旧版本仍能提供缓存。返回恢复的版本名。
// 之后的 Register 以持久化的清单指纹判断是否需要重新安装。
func (r *Registration) Restore(ctx context.Context, build func(cacheName string) (*worker.Worker, error)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.storage.ActiveVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("load active worker: %w", err)
	}
	name := persisted.Name
	if name == "" {
		return "", nil
	}
	ok, err := r.storage.Has(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		r.logger.WithFields(logging.LifecycleFields("restore", name)).Warn("restore_bucket_missing")
		return "", nil
	}

	w, err := build(name)
	if err != nil {
		return "", err
	}
	if prev := r.active.Swap(w); prev != nil {
		r.retired = append(r.retired, prev)
	}
	r.installed = persisted.Manifest
	fields := logging.LifecycleFields("restore", name)
	fields["manifest_changed"] = persisted.Manifest != ManifestDigest(w.Manifest())
	r.logger.WithFields(fields).Info("restore_complete")
	return name, nil
}

// ManifestDigest 返回资源清单的 sha256 指纹，顺序敏感。
func ManifestDigest(manifest []string) string {
	sum := sha256.Sum256([]byte(strings.Join(manifest, "\n")))
	return hex.EncodeToString(sum[:])
}

// Wait 等待所有 worker（含已退役版本）的后台写入结束。
func (r *Registration) Wait() {
	r.mu.Lock()
	workers := append([]*worker.Worker(nil), r.retired...)
	r.mu.Unlock()
	if cur := r.active.Load(); cur != nil {
		workers = append(workers, cur)
	}
	for _, w := range workers {
		w.Wait()
	}
}
