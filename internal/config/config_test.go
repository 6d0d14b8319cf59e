package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoreTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("StoreTimeout 应该自动填充默认值，得到 %s", cfg.Global.StoreTimeout.DurationValue())
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应当被解析")
	}
	if cfg.Global.StorageBackend != BackendFS {
		t.Fatalf("默认后端应为 fs，得到 %s", cfg.Global.StorageBackend)
	}
	if cfg.Worker.CacheName != DefaultCacheName {
		t.Fatalf("CacheName 应被保留，得到 %s", cfg.Worker.CacheName)
	}
	if len(cfg.Worker.Manifest) != len(DefaultManifest) {
		t.Fatalf("ManifestFile 应该被合并，得到 %d 项", len(cfg.Worker.Manifest))
	}
	if cfg.Notification.ExploreTitle != "Ver detalles" || cfg.Notification.CloseTitle != "Cerrar" {
		t.Fatalf("通知按钮标题应使用默认值")
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		redisAddr string
		shouldErr bool
	}{
		{"empty defaults to fs", "", "", false},
		{"fs ok", "fs", "", false},
		{"leveldb ok", "LevelDB", "", false},
		{"redis needs addr", "redis", "", true},
		{"redis ok", "redis", "127.0.0.1:6379", false},
		{"unsupported", "bolt", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageBackend = tc.backend
			cfg.Global.RedisAddr = tc.redisAddr
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateManifestEntries(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Manifest = []string{"/", "/static/js/main.js", "http://127.0.0.1:8000/static/js/main.js"}

	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("重复资源应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Worker.Manifest[2]" {
		t.Fatalf("应定位到第三项，得到 %s", fieldErr.Field)
	}
}

func TestValidateRejectsRelativeManifestWithoutSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Manifest = []string{"static/css/style.css"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("不以 / 开头的相对地址应报错")
	}
}

func TestValidateRejectsOriginWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Origin = "http://127.0.0.1:8000/portal"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Origin 带路径应报错")
	}
}

func TestResolvedManifest(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Manifest = []string{"/", "/static/css/style.css#v2", "https://cdn.jsdelivr.net/npm/x.js"}

	got, err := cfg.Worker.ResolvedManifest()
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	want := []string{
		"http://127.0.0.1:8000/",
		"http://127.0.0.1:8000/static/css/style.css",
		"https://cdn.jsdelivr.net/npm/x.js",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 项应为 %s，得到 %s", i, want[i], got[i])
		}
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
			StoreTimeout:    Duration(time.Second),
			InstallTimeout:  Duration(time.Second),
		},
		Worker: WorkerConfig{
			CacheName: DefaultCacheName,
			Origin:    "http://127.0.0.1:8000",
			Domain:    "portal.local",
			Manifest:  append([]string(nil), DefaultManifest...),
		},
	}
}
