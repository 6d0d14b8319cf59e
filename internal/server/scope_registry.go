package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bienestar/offline-cache/internal/config"
)

// ScopeKind 区分门户同源作用域与允许的跨域作用域。
type ScopeKind string

const (
	ScopeSameOrigin  ScopeKind = "same-origin"
	ScopeCrossOrigin ScopeKind = "cross-origin"
)

// Scope 描述一个被拦截的 Host：浏览器访问 Host，请求被改写到 Upstream。
type Scope struct {
	Kind ScopeKind
	// Host 是规范化后的浏览器侧域名（小写、无端口）。
	Host string
	// Upstream 只包含 scheme + host，路径与查询串取自原请求。
	Upstream *url.URL
	// ListenPort 记录当前监听端口，便于日志输出。
	ListenPort int
}

// TargetURL 把原请求路径与查询串拼接到 Upstream 上。
func (s *Scope) TargetURL(path, rawQuery string) *url.URL {
	target := *s.Upstream
	if path == "" {
		path = "/"
	}
	target.Path = path
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// ScopeRegistry 提供 Host/Host:port 到 Scope 的查询能力，配置热更新时整体替换。
type ScopeRegistry struct {
	mu      sync.RWMutex
	scopes  map[string]*Scope
	ordered []*Scope
}

// NewScopeRegistry 根据配置构建 Host 映射。
func NewScopeRegistry(cfg *config.Config) (*ScopeRegistry, error) {
	registry := &ScopeRegistry{}
	if err := registry.Reload(cfg); err != nil {
		return nil, err
	}
	return registry, nil
}

// Reload 用新配置替换全部映射；失败时保留旧映射。
func (r *ScopeRegistry) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	scopes := make(map[string]*Scope, len(cfg.Worker.CrossOrigin)+1)
	var ordered []*Scope
	add := func(scope *Scope) error {
		if scope.Host == "" {
			return fmt.Errorf("invalid host for %s scope", scope.Kind)
		}
		if _, exists := scopes[scope.Host]; exists {
			return fmt.Errorf("duplicate host mapping detected for %s", scope.Host)
		}
		scopes[scope.Host] = scope
		ordered = append(ordered, scope)
		return nil
	}

	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil || origin.Host == "" {
		return fmt.Errorf("invalid origin %q", cfg.Worker.Origin)
	}
	if err := add(&Scope{
		Kind:       ScopeSameOrigin,
		Host:       normalizeDomain(cfg.Worker.Domain),
		Upstream:   &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		ListenPort: cfg.Global.ListenPort,
	}); err != nil {
		return err
	}
	for _, host := range cfg.Worker.CrossOrigin {
		normalized := normalizeDomain(host)
		if err := add(&Scope{
			Kind:       ScopeCrossOrigin,
			Host:       normalized,
			Upstream:   &url.URL{Scheme: "https", Host: normalized},
			ListenPort: cfg.Global.ListenPort,
		}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.scopes = scopes
	r.ordered = ordered
	r.mu.Unlock()
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 Scope，忽略端口与大小写。
func (r *ScopeRegistry) Lookup(host string) (*Scope, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	scope, ok := r.scopes[normalizedHost]
	return scope, ok
}

// List 按配置顺序返回全部 Scope（同源作用域在前），用于 /-/status 输出。
func (r *ScopeRegistry) List() []Scope {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Scope, len(r.ordered))
	for i, scope := range r.ordered {
		result[i] = *scope
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
