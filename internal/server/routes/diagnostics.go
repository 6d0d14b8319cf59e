// Package routes exposes the /-/ endpoints: diagnostics (status, buckets,
// metrics) and the event entry points (push, notificationclick, sync) that a
// browser runtime would otherwise deliver to the worker.
package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/server"
	"github.com/bienestar/offline-cache/internal/version"
	"github.com/bienestar/offline-cache/internal/worker"
)

// ActiveWorker 返回当前生效的 worker，未注册时为 nil。
type ActiveWorker interface {
	Active() *worker.Worker
}

// Options 汇总 /-/ 路由所需依赖。
type Options struct {
	Workers  ActiveWorker
	Storage  cache.Storage
	Registry *server.ScopeRegistry
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

type scopePayload struct {
	Kind     string `json:"kind"`
	Host     string `json:"host"`
	Upstream string `json:"upstream"`
}

type statusPayload struct {
	Version      string         `json:"version"`
	ActiveCache  string         `json:"active_cache"`
	Origin       string         `json:"origin"`
	ManifestSize int            `json:"manifest_size"`
	Buckets      []string       `json:"buckets"`
	Entries      int            `json:"entries"`
	Scopes       []scopePayload `json:"scopes"`
}

type bucketPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

// RegisterDiagnostics 暴露 /-/status、/-/buckets 与 /-/metrics。
func RegisterDiagnostics(app *fiber.App, opts Options) {
	if app == nil || opts.Storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx := c.Context()
		names, err := opts.Storage.Keys(ctx)
		if err != nil {
			return storageError(c, opts.Logger, err)
		}
		payload := statusPayload{
			Version: version.Full(),
			Buckets: nonNil(names),
			Scopes:  encodeScopes(opts.Registry),
		}
		if w := active(opts.Workers); w != nil {
			payload.ActiveCache = w.CacheName()
			payload.ManifestSize = len(w.Manifest())
			if origin := w.Origin(); origin != nil {
				payload.Origin = origin.String()
			}
			keys, err := bucketKeys(ctx, opts.Storage, w.CacheName())
			if err != nil {
				return storageError(c, opts.Logger, err)
			}
			payload.Entries = len(keys)
		}
		return c.JSON(payload)
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		ctx := c.Context()
		names, err := opts.Storage.Keys(ctx)
		if err != nil {
			return storageError(c, opts.Logger, err)
		}
		buckets := make([]bucketPayload, 0, len(names))
		for _, name := range names {
			keys, err := bucketKeys(ctx, opts.Storage, name)
			if err != nil {
				return storageError(c, opts.Logger, err)
			}
			buckets = append(buckets, bucketPayload{Name: name, Entries: nonNil(keys)})
		}
		return c.JSON(fiber.Map{"buckets": buckets})
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// bucketKeys 只读取已存在的 bucket，避免诊断接口顺手创建空 bucket。
func bucketKeys(ctx context.Context, storage cache.Storage, name string) ([]string, error) {
	ok, err := storage.Has(ctx, name)
	if err != nil || !ok {
		return nil, err
	}
	bucket, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return bucket.Keys(ctx)
}

func encodeScopes(registry *server.ScopeRegistry) []scopePayload {
	scopes := registry.List()
	result := make([]scopePayload, 0, len(scopes))
	for _, scope := range scopes {
		upstream := ""
		if scope.Upstream != nil {
			upstream = scope.Upstream.String()
		}
		result = append(result, scopePayload{
			Kind:     string(scope.Kind),
			Host:     scope.Host,
			Upstream: upstream,
		})
	}
	return result
}

func storageError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	if logger != nil {
		logger.WithField("action", "diagnostics").WithError(err).Error("storage_unavailable")
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
}

func active(workers ActiveWorker) *worker.Worker {
	if workers == nil {
		return nil
	}
	return workers.Active()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
