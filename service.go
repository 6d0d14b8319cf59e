package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/config"
	"github.com/bienestar/offline-cache/internal/fetch"
	"github.com/bienestar/offline-cache/internal/lifecycle"
	"github.com/bienestar/offline-cache/internal/logging"
	"github.com/bienestar/offline-cache/internal/proxy"
	"github.com/bienestar/offline-cache/internal/server"
	"github.com/bienestar/offline-cache/internal/server/routes"
	"github.com/bienestar/offline-cache/internal/version"
	"github.com/bienestar/offline-cache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// service 持有进程级依赖：存储、指标、worker 注册表与当前配置。
type service struct {
	logger       *logrus.Logger
	storage      cache.Storage
	registry     *prometheus.Registry
	metrics      *worker.Metrics
	notifier     worker.Notifier
	registration *lifecycle.Registration
	httpClient   *http.Client

	cfg     atomic.Pointer[config.Config]
	network atomic.Pointer[fetch.Client]

	background conc.WaitGroup
}

// newService 按“存储 → 指标 → notifier → Registration”的顺序组装依赖。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, err := cache.NewStorage(ctx,
		cfg.Global.Backend(),
		cfg.Global.StoragePath,
		cache.RedisOptions{
			Addr:     cfg.Global.RedisAddr,
			Password: cfg.Global.RedisPassword,
			DB:       cfg.Global.RedisDB,
			Prefix:   cfg.Global.RedisPrefix,
		},
		cfg.Global.MemoryCacheTTL.DurationValue(),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	notifier, err := worker.NewNotifier(cfg.Notification.URLs, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &service{
		logger:       logger,
		storage:      storage,
		registry:     reg,
		metrics:      worker.NewMetrics(reg),
		notifier:     notifier,
		registration: lifecycle.New(storage, logger),
		httpClient:   fetch.NewHTTPClient(cfg.Global.UpstreamTimeout.DurationValue()),
	}
	s.setConfig(cfg)

	fields := logging.BaseFields("startup", "")
	fields["backend"] = cfg.Global.Backend()
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("存储初始化完成")
	return s, nil
}

func (s *service) setConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.network.Store(fetch.NewClient(s.httpClient, cfg.Worker.OriginURL()))
}

// workerOptions 把配置转换为一个 worker 版本的常量。
func (s *service) workerOptions(cfg *config.Config, cacheName string) (worker.Options, error) {
	manifest, err := cfg.Worker.ResolvedManifest()
	if err != nil {
		return worker.Options{}, err
	}
	origin := cfg.Worker.OriginURL()
	return worker.Options{
		CacheName: cacheName,
		Manifest:  manifest,
		Origin:    origin,
		Storage:   s.storage,
		Fetcher:   fetch.NewClient(s.httpClient, origin),
		Notifier:  s.notifier,
		Notification: worker.NotificationOptions{
			Icon:         cfg.Notification.Icon,
			Badge:        cfg.Notification.Badge,
			ExploreTitle: cfg.Notification.ExploreTitle,
			CloseTitle:   cfg.Notification.CloseTitle,
		},
		Logger:       s.logger,
		Metrics:      s.metrics,
		StoreTimeout: cfg.Global.StoreTimeout.DurationValue(),
	}, nil
}

// Register 安装并激活 cfg 描述的版本，受 InstallTimeout 约束。
func (s *service) Register(ctx context.Context, cfg *config.Config) error {
	opts, err := s.workerOptions(cfg, cfg.Worker.CacheName)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Global.InstallTimeout.DurationValue())
	defer cancel()

	changed, err := s.registration.Register(ctx, opts)
	if err != nil {
		return err
	}
	fields := logging.LifecycleFields("register", cfg.Worker.CacheName)
	fields["changed"] = changed
	fields["manifest"] = len(opts.Manifest)
	s.logger.WithFields(fields).Info("worker_ready")
	return nil
}

// restore 恢复上次生效的版本，使新版本安装前后都有缓存可用。
func (s *service) restore(ctx context.Context, cfg *config.Config) {
	_, err := s.registration.Restore(ctx, func(cacheName string) (*worker.Worker, error) {
		opts, err := s.workerOptions(cfg, cacheName)
		if err != nil {
			return nil, err
		}
		return worker.New(opts)
	})
	if err != nil {
		s.logger.WithField("action", "restore").WithError(err).Warn("restore_failed")
	}
}

// reload 是配置热更新回调：先替换 Host 映射，再注册新版本。
func (s *service) reload(ctx context.Context, scopes *server.ScopeRegistry, configPath string, cfg *config.Config) {
	fields := logging.BaseFields("config_reload", configPath)
	fields["cache"] = cfg.Worker.CacheName
	if err := scopes.Reload(cfg); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("scope_reload_failed")
		return
	}
	s.setConfig(cfg)
	if err := s.Register(ctx, cfg); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("register_failed")
		return
	}
	s.logger.WithFields(fields).Info("config_reloaded")
}

// Serve 启动 Fiber 服务直到 ctx 结束，然后优雅关闭。
func (s *service) Serve(ctx context.Context, configPath string) error {
	cfg := s.cfg.Load()
	s.restore(ctx, cfg)

	scopes, err := server.NewScopeRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建作用域失败: %w", err)
	}

	network := fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
		return s.network.Load().Fetch(ctx, req)
	})
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     s.logger,
		Registry:   scopes,
		Proxy:      proxy.NewHandler(s.registration, network, s.logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routeOpts := routes.Options{
		Workers:  s.registration,
		Storage:  s.storage,
		Registry: scopes,
		Gatherer: s.registry,
		Logger:   s.logger,
	}
	routes.RegisterDiagnostics(app, routeOpts)
	routes.RegisterEvents(app, routeOpts)

	if _, err := config.Watch(configPath, func(next *config.Config) {
		s.reload(ctx, scopes, configPath, next)
	}, func(err error) {
		s.logger.WithFields(logging.BaseFields("config_reload", configPath)).WithError(err).Warn("config_invalid")
	}); err != nil {
		s.logger.WithFields(logging.BaseFields("config_watch", configPath)).WithError(err).Warn("config_watch_disabled")
	}

	// 首次安装在后台进行，期间请求直接走网络。
	s.background.Go(func() {
		if err := s.Register(ctx, cfg); err != nil {
			s.logger.WithFields(logging.LifecycleFields("register", cfg.Worker.CacheName)).
				WithError(err).Warn("register_failed")
		}
	})

	s.logger.WithFields(logrus.Fields{
		"action":  "listen",
		"port":    port,
		"version": version.Full(),
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		s.logger.WithField("action", "shutdown").WithError(err).Warn("shutdown_incomplete")
	}
	s.logger.WithField("action", "shutdown").Info("服务已停止")
	return nil
}

// Close 等待后台安装与缓存写入完成后关闭存储。
func (s *service) Close() error {
	s.background.Wait()
	s.registration.Wait()
	return s.storage.Close()
}
