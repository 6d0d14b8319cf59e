package proxy

import (
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"

	"github.com/bienestar/offline-cache/internal/fetch"
	"github.com/bienestar/offline-cache/internal/server"
)

func TestBuildRequestRewritesToScopeUpstream(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	fctx := new(fasthttp.RequestCtx)
	fctx.Request.SetRequestURI("/npm/bootstrap@5.1.3/dist/css/bootstrap.min.css?v=1")
	fctx.Request.Header.SetMethod(fiber.MethodGet)
	fctx.Request.Header.SetHost("cdn.jsdelivr.net")
	fctx.Request.Header.Set("Accept", "text/css")
	ctx := app.AcquireCtx(fctx)
	defer app.ReleaseCtx(ctx)

	scope := &server.Scope{
		Kind:     server.ScopeCrossOrigin,
		Host:     "cdn.jsdelivr.net",
		Upstream: &url.URL{Scheme: "https", Host: "cdn.jsdelivr.net"},
	}
	req := buildRequest(ctx, scope)

	if got := req.CanonicalURL(); got != "https://cdn.jsdelivr.net/npm/bootstrap@5.1.3/dist/css/bootstrap.min.css?v=1" {
		t.Fatalf("unexpected upstream url %s", got)
	}
	if req.Mode != fetch.ModeNoCORS {
		t.Fatalf("cross-origin requests without Sec-Fetch-Mode should be no-cors, got %s", req.Mode)
	}
	if req.Header.Get("Accept") != "text/css" {
		t.Fatalf("expected Accept header to be forwarded, got %q", req.Header.Get("Accept"))
	}
}

func TestBuildRequestHonoursFetchMode(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	fctx := new(fasthttp.RequestCtx)
	fctx.Request.SetRequestURI("/")
	fctx.Request.Header.SetMethod(fiber.MethodGet)
	fctx.Request.Header.Set("Sec-Fetch-Mode", "navigate")
	ctx := app.AcquireCtx(fctx)
	defer app.ReleaseCtx(ctx)

	scope := &server.Scope{
		Kind:     server.ScopeSameOrigin,
		Host:     "portal.test",
		Upstream: &url.URL{Scheme: "http", Host: "127.0.0.1:8000"},
	}
	req := buildRequest(ctx, scope)

	if req.Mode != fetch.ModeNavigate {
		t.Fatalf("expected navigate mode, got %s", req.Mode)
	}
	if got := req.CanonicalURL(); got != "http://127.0.0.1:8000/" {
		t.Fatalf("unexpected upstream url %s", got)
	}
	if len(req.Body) != 0 {
		t.Fatalf("expected empty body, got %q", req.Body)
	}
}
