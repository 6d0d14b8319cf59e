package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/config"
	"github.com/bienestar/offline-cache/internal/fetch"
	"github.com/bienestar/offline-cache/internal/lifecycle"
	"github.com/bienestar/offline-cache/internal/server"
	"github.com/bienestar/offline-cache/internal/worker"
)

const testOrigin = "http://portal.test"

var testManifest = []string{testOrigin + "/", testOrigin + "/static/css/style.css"}

type failingNotifier struct{}

func (failingNotifier) Show(context.Context, worker.Notification) error {
	return errors.New("smtp unreachable")
}

type env struct {
	app          *fiber.App
	storage      cache.Storage
	registration *lifecycle.Registration
}

func newEnv(t *testing.T, register bool, notifier worker.Notifier) *env {
	t.Helper()

	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	registration := lifecycle.New(storage, nil)
	reg := prometheus.NewRegistry()

	if register {
		origin, _ := url.Parse(testOrigin)
		mock := httpmock.NewMockTransport()
		for _, asset := range testManifest {
			mock.RegisterResponder(http.MethodGet, asset, httpmock.NewStringResponder(http.StatusOK, asset))
		}
		_, err := registration.Register(context.Background(), worker.Options{
			CacheName: "v1",
			Manifest:  testManifest,
			Origin:    origin,
			Fetcher:   fetch.NewClient(&http.Client{Transport: mock}, origin),
			Notifier:  notifier,
			Metrics:   worker.NewMetrics(reg),
		})
		require.NoError(t, err)
	}

	registry, err := server.NewScopeRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Worker: config.WorkerConfig{
			CacheName:   "v1",
			Origin:      testOrigin,
			Domain:      "portal.test",
			CrossOrigin: []string{"cdn.jsdelivr.net"},
		},
	})
	require.NoError(t, err)

	app := fiber.New()
	opts := Options{
		Workers:  registration,
		Storage:  storage,
		Registry: registry,
		Gatherer: reg,
	}
	RegisterDiagnostics(app, opts)
	RegisterEvents(app, opts)
	return &env{app: app, storage: storage, registration: registration}
}

func (e *env) do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestStatusReportsActiveWorker(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodGet, "/-/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload statusPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "v1", payload.ActiveCache)
	assert.Equal(t, testOrigin, payload.Origin)
	assert.Equal(t, len(testManifest), payload.ManifestSize)
	assert.Equal(t, []string{"v1"}, payload.Buckets)
	assert.Equal(t, len(testManifest), payload.Entries)
	require.Len(t, payload.Scopes, 2)
	assert.Equal(t, "same-origin", payload.Scopes[0].Kind)
	assert.Equal(t, "https://cdn.jsdelivr.net", payload.Scopes[1].Upstream)
	assert.NotEmpty(t, payload.Version)
}

func TestStatusWithoutWorker(t *testing.T) {
	e := newEnv(t, false, nil)

	resp, raw := e.do(t, http.MethodGet, "/-/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload statusPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Empty(t, payload.ActiveCache)
	assert.Equal(t, []string{}, payload.Buckets)
}

func TestBucketsListsEntries(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodGet, "/-/buckets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Buckets []bucketPayload `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Len(t, payload.Buckets, 1)
	assert.Equal(t, "v1", payload.Buckets[0].Name)
	assert.ElementsMatch(t, []string{
		"GET " + testManifest[0],
		"GET " + testManifest[1],
	}, payload.Buckets[0].Entries)
}

func TestMetricsExposesWorkerCounters(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodGet, "/-/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "offline_cache_install_total")
}

func TestPushShowsNotification(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodPost, "/-/push", `{"title":"Nuevo evento","body":"Taller de bienestar"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var payload struct {
		Shown        bool                `json:"shown"`
		Notification worker.Notification `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.True(t, payload.Shown)
	assert.Equal(t, "Nuevo evento", payload.Notification.Title)
	assert.Equal(t, "Taller de bienestar", payload.Notification.Body)
	require.Len(t, payload.Notification.Actions, 2)
}

func TestPushWithoutDataShowsNothing(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodPost, "/-/push", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(raw), `"shown":false`)
}

func TestPushRejectsMalformedData(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodPost, "/-/push", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "malformed_push")
}

func TestPushRejectsNullData(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodPost, "/-/push", "null")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "malformed_push")
}

func TestPushReportsNotifierFailure(t *testing.T) {
	e := newEnv(t, true, failingNotifier{})

	resp, raw := e.do(t, http.MethodPost, "/-/push", `{"title":"x","body":"y"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(raw), "notification_failed")
}

func TestNotificationClick(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, raw := e.do(t, http.MethodPost, "/-/notificationclick", `{"action":"explore"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result worker.ClickResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Closed)
	assert.Equal(t, "/", result.OpenURL)

	resp, raw = e.do(t, http.MethodPost, "/-/notificationclick", `{"action":"close"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = worker.ClickResult{}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Closed)
	assert.Empty(t, result.OpenURL)

	resp, _ = e.do(t, http.MethodPost, "/-/notificationclick", "[")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync(t *testing.T) {
	e := newEnv(t, true, nil)

	resp, _ := e.do(t, http.MethodPost, "/-/sync", `{"tag":"background-sync"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/-/sync", `{"tag":"other"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventsRequireActiveWorker(t *testing.T) {
	e := newEnv(t, false, nil)

	for _, path := range []string{"/-/push", "/-/notificationclick", "/-/sync"} {
		resp, raw := e.do(t, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		assert.Contains(t, string(raw), "no_active_worker", path)
	}
}
