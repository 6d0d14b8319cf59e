package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:      {},
	BackendLevelDB: {},
	BackendRedis:   {},
}

const supportedBackendList = "fs|leveldb|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.Backend()]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.Backend() == BackendRedis && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
	}
	if g.MemoryCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.MemoryCacheTTL", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.StoreTimeout.DurationValue() <= 0 {
		return newFieldError("Global.StoreTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if w.CacheName == "" {
		return newFieldError("Worker.CacheName", "不能为空")
	}
	if strings.ContainsAny(w.CacheName, "\x00/\\") {
		return newFieldError("Worker.CacheName", "不允许包含 / \\ 或 NUL")
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if err := validateDomain(w.Domain); err != nil {
		return fmt.Errorf("Worker.Domain: %w", err)
	}

	seenHosts := map[string]struct{}{w.Domain: {}}
	for _, host := range w.CrossOrigin {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("Worker.CrossOrigin[%s]: %w", host, err)
		}
		if _, exists := seenHosts[host]; exists {
			return newFieldError(fmt.Sprintf("Worker.CrossOrigin[%s]", host), "重复")
		}
		seenHosts[host] = struct{}{}
	}

	if len(w.Manifest) == 0 {
		return newFieldError("Worker.Manifest", "不能为空")
	}
	resolved, err := w.ResolvedManifest()
	if err != nil {
		return err
	}
	// 与 Cache.addAll 一致：重复请求视为错误。
	seen := make(map[string]int, len(resolved))
	for i, asset := range resolved {
		if prev, exists := seen[asset]; exists {
			return newFieldError(manifestField(i), fmt.Sprintf("与 %s 重复", manifestField(prev)))
		}
		seen[asset] = i
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
