package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns an intercepted request into a fetch event for the
// resolved scope. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Scope) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Scope) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, scope *Scope) error {
	return f(c, scope)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
	// BodyLimit 限制 push 等请求体大小，0 表示使用 Fiber 默认值。
	BodyLimit int
}

const (
	// DiagnosticsPrefix 下的路径不做 Host 映射，任何 Host 都可访问。
	DiagnosticsPrefix = "/-/"

	// HeaderScope 标记代理响应来自哪类作用域。
	HeaderScope = "X-Offline-Cache-Scope"
	// HeaderUnmappedHost 回显未映射的 Host，便于排查配置。
	HeaderUnmappedHost = "X-Offline-Cache-Host"

	headerRequestID = "X-Request-ID"

	localScope     = "_offline_cache_scope"
	localRequestID = "_offline_cache_request_id"
)

// NewApp builds the Fiber application: request IDs for every request, then
// Host → Scope resolution and the proxy for everything outside
// DiagnosticsPrefix. Diagnostics routes are registered afterwards by the
// caller and reached through c.Next().
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("scope registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.All("/*", scopeMiddleware(opts), proxyEndpoint(opts))

	return app, nil
}

// requestIDMiddleware 沿用上游传入的合法 UUID 请求 ID，否则生成新的。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		if inbound, err := uuid.Parse(strings.TrimSpace(c.Get(headerRequestID))); err == nil {
			reqID = inbound.String()
		}
		c.Locals(localRequestID, reqID)
		c.Set(headerRequestID, reqID)
		return c.Next()
	}
}

// scopeMiddleware 解析 Host 对应的 Scope。诊断路径直接放行；
// CONNECT 隧道无法被改写，明确拒绝。
func scopeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		if c.Method() == fiber.MethodConnect {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "host_lookup",
				"host":       rawHost,
				"port":       opts.ListenPort,
				"request_id": RequestID(c),
			}).Warn("connect_unsupported")
			c.Set(fiber.HeaderAllow, "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "connect_unsupported",
			})
		}

		scope, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}
		c.Locals(localScope, scope)
		c.Set(HeaderScope, string(scope.Kind))
		return c.Next()
	}
}

// proxyEndpoint 把请求交给 ProxyHandler，并以 debug 级别记录访问日志。
func proxyEndpoint(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		scope, ok := ScopeFrom(c)
		if !ok {
			// 诊断路径交给后续注册的路由。
			return c.Next()
		}

		started := time.Now()
		err := opts.Proxy.Handle(c, scope)
		if opts.Logger.IsLevelEnabled(logrus.DebugLevel) {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "proxy",
				"scope":      scope.Kind,
				"host":       scope.Host,
				"upstream":   scope.Upstream.Host,
				"method":     c.Method(),
				"path":       string(c.Request().URI().Path()),
				"status":     c.Response().StatusCode(),
				"elapsed_ms": time.Since(started).Milliseconds(),
				"request_id": RequestID(c),
			}).Debug("proxy_request")
		}
		return err
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(HeaderUnmappedHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// ScopeFrom 返回中间件解析出的 Scope；诊断路径上没有 Scope。
func ScopeFrom(c fiber.Ctx) (*Scope, bool) {
	scope, ok := c.Locals(localScope).(*Scope)
	return scope, ok && scope != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}
