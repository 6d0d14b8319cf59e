package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// DefaultCacheName 是当前部署的缓存桶名称，升级版本号即可整体失效旧缓存。
const DefaultCacheName = "bienestar-institucional-v1"

// DefaultManifest 与门户页面离线体验所需的静态资源保持一致。
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/js/main.js",
	"/static/images/icon-192x192.png",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.1.3/dist/css/bootstrap.min.css",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.1.3/dist/js/bootstrap.bundle.min.js",
}

// GlobalConfig 描述全局运行时行为：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisDB         int      `mapstructure:"RedisDB"`
	RedisPrefix     string   `mapstructure:"RedisPrefix"`
	MemoryCacheTTL  Duration `mapstructure:"MemoryCacheTTL"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	StoreTimeout    Duration `mapstructure:"StoreTimeout"`
	InstallTimeout  Duration `mapstructure:"InstallTimeout"`
}

// WorkerConfig 描述离线缓存 worker 的版本、源站与资源清单。
type WorkerConfig struct {
	CacheName    string   `mapstructure:"CacheName"`
	Origin       string   `mapstructure:"Origin"`
	Domain       string   `mapstructure:"Domain"`
	Manifest     []string `mapstructure:"Manifest"`
	ManifestFile string   `mapstructure:"ManifestFile"`
	CrossOrigin  []string `mapstructure:"CrossOrigin"`
}

// NotificationConfig 控制推送通知的展示样式以及投递渠道（shoutrrr URL）。
type NotificationConfig struct {
	Icon         string   `mapstructure:"Icon"`
	Badge        string   `mapstructure:"Badge"`
	ExploreTitle string   `mapstructure:"ExploreTitle"`
	CloseTitle   string   `mapstructure:"CloseTitle"`
	URLs         []string `mapstructure:"URLs"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Worker       WorkerConfig       `mapstructure:"Worker"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// Backend 返回标准化后的存储后端名称。
func (g GlobalConfig) Backend() string {
	backend := strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if backend == "" {
		return BackendFS
	}
	return backend
}
