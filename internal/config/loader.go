package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、合并资源清单并执行校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyNotificationDefaults(&cfg.Notification)
	if err := applyWorkerDefaults(&cfg.Worker, filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("RedisPrefix", "offline-cache:")
	v.SetDefault("MemoryCacheTTL", "0s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("StoreTimeout", "10s")
	v.SetDefault("InstallTimeout", "60s")
	v.SetDefault("Worker.CacheName", DefaultCacheName)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.StoreTimeout.DurationValue() == 0 {
		g.StoreTimeout = Duration(10 * time.Second)
	}
	if g.InstallTimeout.DurationValue() == 0 {
		g.InstallTimeout = Duration(60 * time.Second)
	}
	g.StorageBackend = g.Backend()
}

func applyNotificationDefaults(n *NotificationConfig) {
	if n.Icon == "" {
		n.Icon = "/static/images/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/static/images/icon-72x72.png"
	}
	if n.ExploreTitle == "" {
		n.ExploreTitle = "Ver detalles"
	}
	if n.CloseTitle == "" {
		n.CloseTitle = "Cerrar"
	}
}

// applyWorkerDefaults 规范化 Origin/Domain，并把 ManifestFile 中的资源追加到内联清单之后。
func applyWorkerDefaults(w *WorkerConfig, baseDir string) error {
	w.CacheName = strings.TrimSpace(w.CacheName)
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	w.Domain = strings.ToLower(strings.TrimSpace(w.Domain))
	for i, host := range w.CrossOrigin {
		w.CrossOrigin[i] = strings.ToLower(strings.TrimSpace(host))
	}

	if file := strings.TrimSpace(w.ManifestFile); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		assets, err := LoadManifestFile(file)
		if err != nil {
			return err
		}
		w.ManifestFile = file
		w.Manifest = append(w.Manifest, assets...)
	}

	if len(w.Manifest) == 0 {
		w.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i := range w.Manifest {
		w.Manifest[i] = strings.TrimSpace(w.Manifest[i])
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
