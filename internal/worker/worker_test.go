package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bienestar/offline-cache/internal/cache"
	"github.com/bienestar/offline-cache/internal/fetch"
)

const (
	testOrigin = "http://portal.test"
	cacheV1    = "bienestar-institucional-v1"
)

var testManifest = []string{
	testOrigin + "/",
	testOrigin + "/static/css/style.css",
	testOrigin + "/static/js/main.js",
	"https://cdn.test/bootstrap.min.css",
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t       *testing.T
	mock    *httpmock.MockTransport
	storage cache.Storage
	origin  *url.URL
	metrics *Metrics
	notes   *recordingNotifier
	opener  *recordingOpener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	mock := httpmock.NewMockTransport()
	for _, asset := range testManifest {
		mock.RegisterResponder(http.MethodGet, asset, httpmock.NewStringResponder(http.StatusOK, "asset:"+asset))
	}

	return &harness{
		t:       t,
		mock:    mock,
		storage: storage,
		origin:  origin,
		metrics: NewMetrics(prometheus.NewRegistry()),
		notes:   &recordingNotifier{},
		opener:  &recordingOpener{},
	}
}

func (h *harness) worker(name string, manifest []string) *Worker {
	h.t.Helper()
	w, err := New(Options{
		CacheName: name,
		Manifest:  manifest,
		Origin:    h.origin,
		Storage:   h.storage,
		Fetcher:   fetch.NewClient(&http.Client{Transport: h.mock}, h.origin),
		Notifier:  h.notes,
		Opener:    h.opener,
		Metrics:   h.metrics,
		Now: func() time.Time {
			return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(h.t, err)
	return w
}

func (h *harness) request(rawURL string, mode fetch.Mode) *fetch.Request {
	h.t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	require.NoError(h.t, err)
	req.Mode = mode
	return req
}

func (h *harness) match(name, rawURL string) (*cache.Entry, error) {
	h.t.Helper()
	bucket, err := h.storage.Open(context.Background(), name)
	require.NoError(h.t, err)
	return bucket.Match(context.Background(), cache.RequestKey{Method: http.MethodGet, URL: rawURL})
}

func TestInstallCachesEveryManifestEntry(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	require.NoError(t, w.Install(context.Background()))

	for _, asset := range testManifest {
		entry, err := h.match(cacheV1, asset)
		require.NoError(t, err, asset)
		assert.Equal(t, "asset:"+asset, string(entry.Body))
		assert.Equal(t, http.StatusOK, entry.Status)
	}

	bucket, err := h.storage.Open(context.Background(), cacheV1)
	require.NoError(t, err)
	keys, err := bucket.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, len(testManifest))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.installs.WithLabelValues("ok")))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	testCases := []struct {
		name      string
		responder httpmock.Responder
	}{
		{"not found", httpmock.NewStringResponder(http.StatusNotFound, "missing")},
		{"server error", httpmock.NewStringResponder(http.StatusInternalServerError, "boom")},
		{"network error", httpmock.NewErrorResponder(errors.New("connection reset"))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.mock.RegisterResponder(http.MethodGet, testOrigin+"/static/js/main.js", tc.responder)
			w := h.worker(cacheV1, testManifest)

			err := w.Install(context.Background())
			require.Error(t, err)

			ok, err := h.storage.Has(context.Background(), cacheV1)
			require.NoError(t, err)
			assert.False(t, ok, "failed install must not leave a bucket behind")
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.installs.WithLabelValues("failed")))
		})
	}
}

func TestInstallFailureKeepsExistingBucket(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.worker(cacheV1, testManifest).Install(context.Background()))

	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/static/css/style.css",
		httpmock.NewStringResponder(http.StatusNotFound, ""))
	err := h.worker(cacheV1, testManifest).Install(context.Background())
	require.Error(t, err)

	entry, err := h.match(cacheV1, testOrigin+"/static/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, "asset:"+testOrigin+"/static/css/style.css", string(entry.Body))
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, name := range []string{"bienestar-institucional-v0", "unrelated"} {
		_, err := h.storage.Open(ctx, name)
		require.NoError(t, err)
	}

	w := h.worker(cacheV1, testManifest)
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx))

	names, err := h.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cacheV1}, names)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.staleDeleted))
}

func TestActivateContinuesWhenDeleteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.storage.Open(ctx, "old")
	require.NoError(t, err)

	failing := &failingDeleteStorage{Storage: h.storage, fail: "old"}
	w, err := New(Options{
		CacheName: cacheV1,
		Manifest:  testManifest,
		Origin:    h.origin,
		Storage:   failing,
		Fetcher:   fetch.NewClient(&http.Client{Transport: h.mock}, h.origin),
	})
	require.NoError(t, err)

	assert.NoError(t, w.Activate(ctx))
	ok, err := h.storage.Has(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetchServesCacheWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)
	require.NoError(t, w.Install(context.Background()))
	h.mock.ZeroCallCounters()

	for _, asset := range testManifest {
		resp, outcome, err := w.Fetch(context.Background(), h.request(asset, fetch.ModeNoCORS))
		require.NoError(t, err)
		assert.Equal(t, OutcomeHit, outcome)
		body, err := resp.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "asset:"+asset, string(body))
	}
	assert.Zero(t, h.mock.GetTotalCallCount())
}

func TestFetchStoresBasicOKThenServesFromCache(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/servicios",
		httpmock.NewStringResponder(http.StatusOK, "servicios"))
	w := h.worker(cacheV1, testManifest)

	resp, outcome, err := w.Fetch(context.Background(), h.request(testOrigin+"/servicios", fetch.ModeNavigate))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)
	body, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "servicios", string(body))

	w.Wait()
	entry, err := h.match(cacheV1, testOrigin+"/servicios")
	require.NoError(t, err)
	assert.Equal(t, "servicios", string(entry.Body))

	resp, outcome, err = w.Fetch(context.Background(), h.request(testOrigin+"/servicios", fetch.ModeNavigate))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	resp.Close()
	assert.Equal(t, 1, h.mock.GetCallCountInfo()["GET "+testOrigin+"/servicios"])
}

func TestFetchDoesNotCacheNonBasicOrNonOK(t *testing.T) {
	testCases := []struct {
		name   string
		url    string
		mode   fetch.Mode
		status int
	}{
		{"not found", testOrigin + "/missing", fetch.ModeNavigate, http.StatusNotFound},
		{"partial content", testOrigin + "/video", fetch.ModeNoCORS, http.StatusPartialContent},
		{"created", testOrigin + "/created", fetch.ModeCORS, http.StatusCreated},
		{"opaque", "https://cdn.test/font.woff2", fetch.ModeNoCORS, http.StatusOK},
		{"cors", "https://cdn.test/data.json", fetch.ModeCORS, http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.mock.RegisterResponder(http.MethodGet, tc.url, httpmock.NewStringResponder(tc.status, "payload"))
			w := h.worker(cacheV1, testManifest)

			resp, outcome, err := w.Fetch(context.Background(), h.request(tc.url, tc.mode))
			require.NoError(t, err)
			assert.Equal(t, OutcomeBypass, outcome)
			assert.Equal(t, tc.status, resp.Status)
			body, err := resp.Bytes()
			require.NoError(t, err)
			assert.Equal(t, "payload", string(body))

			w.Wait()
			_, err = h.match(cacheV1, tc.url)
			assert.ErrorIs(t, err, cache.ErrNotFound)
		})
	}
}

func TestFetchPropagatesNetworkError(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/offline",
		httpmock.NewErrorResponder(errors.New("network down")))
	w := h.worker(cacheV1, testManifest)

	resp, outcome, err := w.Fetch(context.Background(), h.request(testOrigin+"/offline", fetch.ModeNavigate))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, OutcomeError, outcome)
}

func TestFetchStoreSurvivesCancelledRequest(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/noticias",
		httpmock.NewStringResponder(http.StatusOK, "noticias"))
	w := h.worker(cacheV1, testManifest)

	ctx, cancel := context.WithCancel(context.Background())
	resp, outcome, err := w.Fetch(ctx, h.request(testOrigin+"/noticias", fetch.ModeNavigate))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)
	cancel()
	resp.Close()

	w.Wait()
	_, err = h.match(cacheV1, testOrigin+"/noticias")
	assert.NoError(t, err)
}

func TestFetchSkipsNonGET(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, testOrigin+"/contacto",
		httpmock.NewStringResponder(http.StatusOK, "enviado"))
	w := h.worker(cacheV1, testManifest)

	req, err := fetch.NewRequest(http.MethodPost, testOrigin+"/contacto")
	require.NoError(t, err)
	req.Mode = fetch.ModeNavigate
	resp, outcome, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBypass, outcome)
	resp.Close()
}

func TestPushShowsNotification(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	note, err := w.Push(context.Background(), []byte(`{"title":"Nueva cita","body":"Mañana 10:00","extra":true}`))
	require.NoError(t, err)
	require.NotNil(t, note)

	require.Len(t, h.notes.shown, 1)
	shown := h.notes.shown[0]
	assert.Equal(t, "Nueva cita", shown.Title)
	assert.Equal(t, "Mañana 10:00", shown.Body)
	assert.Equal(t, "/static/images/icon-192x192.png", shown.Icon)
	assert.Equal(t, "/static/images/icon-72x72.png", shown.Badge)
	assert.Equal(t, []int{100, 50, 100}, shown.Vibrate)
	assert.Equal(t, NotificationData{DateOfArrival: 1709287200000, PrimaryKey: 1}, shown.Data)
	assert.Equal(t, []NotificationAction{
		{Action: "explore", Title: "Ver detalles", Icon: "/static/images/icon-72x72.png"},
		{Action: "close", Title: "Cerrar", Icon: "/static/images/icon-72x72.png"},
	}, shown.Actions)
}

func TestPushEmptyAndMalformed(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	note, err := w.Push(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, note)

	_, err = w.Push(context.Background(), []byte("not-json"))
	assert.ErrorIs(t, err, ErrMalformedPush)
	assert.Empty(t, h.notes.shown)
}

func TestPushRejectsNonObjectPayloads(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	for _, data := range []string{"null", " null\n", "[]", "42", `"hola"`} {
		note, err := w.Push(context.Background(), []byte(data))
		assert.ErrorIs(t, err, ErrMalformedPush, data)
		assert.Nil(t, note, data)
	}
	assert.Empty(t, h.notes.shown)
}

func TestNotificationClick(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	res, err := w.NotificationClick(context.Background(), ActionExplore)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, "/", res.OpenURL)
	assert.Equal(t, []string{"/"}, h.opener.opened)

	for _, action := range []string{ActionClose, "", "unknown"} {
		res, err = w.NotificationClick(context.Background(), action)
		require.NoError(t, err)
		assert.True(t, res.Closed)
		assert.Empty(t, res.OpenURL)
	}
	assert.Len(t, h.opener.opened, 1)
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)

	handled, err := w.Sync(context.Background(), "background-sync")
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = w.Sync(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDispatcherRoutesEvents(t *testing.T) {
	h := newHarness(t)
	w := h.worker(cacheV1, testManifest)
	d := w.Dispatcher()
	ctx := context.Background()

	_, err := d.Dispatch(ctx, Event{Type: EventInstall})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, Event{Type: EventActivate})
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, Event{Type: EventFetch, Request: h.request(testOrigin+"/", fetch.ModeNavigate)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	res.Response.Close()

	res, err = d.Dispatch(ctx, Event{Type: EventNotificationClick, Action: ActionExplore})
	require.NoError(t, err)
	assert.Equal(t, "/", res.OpenURL)

	_, err = d.Dispatch(ctx, Event{Type: EventPush, Data: []byte("{")})
	assert.ErrorIs(t, err, ErrMalformedPush)

	res, err = d.Dispatch(ctx, Event{Type: EventSync, Tag: SyncTag})
	require.NoError(t, err)
	assert.True(t, res.Handled)

	_, err = NewDispatcher().Dispatch(ctx, Event{Type: EventFetch})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = New(Options{CacheName: cacheV1, Storage: h.storage})
	assert.Error(t, err)
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
}

func (r *recordingNotifier) Show(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

type recordingOpener struct {
	opened []string
}

func (r *recordingOpener) Open(_ context.Context, rawURL string) error {
	r.opened = append(r.opened, rawURL)
	return nil
}

type failingDeleteStorage struct {
	cache.Storage
	fail string
}

func (f *failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == f.fail {
		return false, errors.New("disk busy")
	}
	return f.Storage.Delete(ctx, name)
}

func TestFetchHitsManifestEntryServedWithVaryAcceptEncoding(t *testing.T) {
	h := newHarness(t)
	asset := testOrigin + "/static/css/style.css"
	h.mock.RegisterResponder(http.MethodGet, asset, func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "body{}")
		resp.Header.Set("Vary", "Accept-Encoding")
		return resp, nil
	})
	w := h.worker(cacheV1, []string{asset})
	require.NoError(t, w.Install(context.Background()))
	h.mock.ZeroCallCounters()

	req := h.request(asset, fetch.ModeNoCORS)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	resp, outcome, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	body, err := resp.Bytes()
	require.NoError(t, err)

	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "body{}", string(body))
	assert.Zero(t, h.mock.GetTotalCallCount())
}

func TestFetchStillHonoursVaryOnForwardedHeaders(t *testing.T) {
	h := newHarness(t)
	asset := testOrigin + "/static/js/main.js"
	h.mock.RegisterResponder(http.MethodGet, asset, func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "console.log(1)")
		resp.Header.Set("Vary", "Accept-Language")
		return resp, nil
	})
	w := h.worker(cacheV1, []string{asset})
	require.NoError(t, w.Install(context.Background()))
	h.mock.ZeroCallCounters()

	req := h.request(asset, fetch.ModeNoCORS)
	req.Header.Set("Accept-Language", "es-CO")
	resp, outcome, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	resp.Close()
	w.Wait()

	assert.NotEqual(t, OutcomeHit, outcome)
	assert.Equal(t, 1, h.mock.GetTotalCallCount())
}
