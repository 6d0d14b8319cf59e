// Package proxy turns intercepted HTTP requests into fetch events for the
// active worker and streams the resulting response back to the page.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bienestar/offline-cache/internal/fetch"
	"github.com/bienestar/offline-cache/internal/logging"
	"github.com/bienestar/offline-cache/internal/server"
	"github.com/bienestar/offline-cache/internal/worker"
)

// HeaderOutcome 告知客户端本次请求是缓存命中、写入、绕过还是直连网络。
const HeaderOutcome = "X-Offline-Cache"

// ActiveWorker 返回当前生效的 worker，未注册时为 nil。
type ActiveWorker interface {
	Active() *worker.Worker
}

// Handler 把拦截到的请求派发为 fetch 事件；没有生效 worker 时直接走网络。
type Handler struct {
	workers ActiveWorker
	network fetch.Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler. network is used only while no worker
// is active.
func NewHandler(workers ActiveWorker, network fetch.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		workers: workers,
		network: network,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, scope *server.Scope) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, scope)

	var (
		cacheName string
		outcome   = worker.OutcomeNetwork
	)
	defer func() {
		if r := recover(); r != nil {
			fields := h.fields(scope, req, cacheName, worker.OutcomeError, requestID, started)
			fields["panic"] = fmt.Sprint(r)
			h.logger.WithFields(fields).Error("worker_panic")
			err = writeError(c, fiber.StatusInternalServerError, "worker_panic")
		}
	}()

	resp, cacheName, outcome, fetchErr := h.dispatch(c.Context(), req)
	if fetchErr != nil {
		fields := h.fields(scope, req, cacheName, outcome, requestID, started)
		h.logger.WithFields(fields).WithError(fetchErr).Warn("proxy_failed")
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderOutcome, string(outcome))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	var streamErr error
	if req.Method != http.MethodHead {
		streamErr = streamBody(c, resp)
	}

	fields := h.fields(scope, req, cacheName, outcome, requestID, started)
	fields["upstream_status"] = resp.Status
	if streamErr != nil {
		h.logger.WithFields(fields).WithError(streamErr).Error("proxy_stream_failed")
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", streamErr))
	}
	h.logger.WithFields(fields).Info("proxy_complete")
	return nil
}

func (h *Handler) dispatch(ctx context.Context, req *fetch.Request) (*fetch.Response, string, worker.Outcome, error) {
	var active *worker.Worker
	if h.workers != nil {
		active = h.workers.Active()
	}
	if active == nil {
		if h.network == nil {
			return nil, "", worker.OutcomeError, errors.New("no active worker and no network fetcher")
		}
		resp, err := h.network.Fetch(ctx, req)
		if err != nil {
			return nil, "", worker.OutcomeError, err
		}
		return resp, "", worker.OutcomeNetwork, nil
	}

	res, err := active.Dispatcher().Dispatch(ctx, worker.Event{Type: worker.EventFetch, Request: req})
	if err != nil {
		return nil, active.CacheName(), worker.OutcomeError, err
	}
	if res.Response == nil {
		return nil, active.CacheName(), worker.OutcomeError, fetch.ErrNoResponse
	}
	return res.Response, active.CacheName(), res.Outcome, nil
}

func (h *Handler) fields(scope *server.Scope, req *fetch.Request, cacheName string, outcome worker.Outcome, requestID string, started time.Time) logrus.Fields {
	fields := logging.RequestFields(string(scope.Kind), scope.Host, cacheName, string(outcome))
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["upstream"] = req.CanonicalURL()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// buildRequest 将浏览器请求改写为指向 Scope 上游的 fetch.Request。
func buildRequest(c fiber.Ctx, scope *server.Scope) *fetch.Request {
	header := fiberHeadersAsHTTP(c)
	fallback := fetch.ModeSameOrigin
	if scope.Kind == server.ScopeCrossOrigin {
		fallback = fetch.ModeNoCORS
	}
	return &fetch.Request{
		Method: c.Method(),
		URL:    scope.TargetURL(requestPath(c), string(c.Request().URI().QueryString())),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Mode:   fetch.ModeFromHeader(header, fallback),
	}
}

func streamBody(c fiber.Ctx, resp *fetch.Response) error {
	body, err := resp.Body()
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(c.Response().BodyWriter(), body)
	return err
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
