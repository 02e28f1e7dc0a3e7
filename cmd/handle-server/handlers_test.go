package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/config"
	"handle.lopezb.com/internal/handle/store"
)

// newTestApp builds an application on a seeded memory store with a small
// filter and no rate limiting.
func newTestApp(t *testing.T, st store.Store) *application {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit = 0
	cfg.Bloom.ExpectedItems = 1000

	app := newApplication(cfg, zap.NewNop(), st, prometheus.NewRegistry())
	app.readyCh = make(chan struct{})
	return app
}

// loadedTestApp is newTestApp with the initial load already done.
func loadedTestApp(t *testing.T, names ...string) *application {
	t.Helper()
	app := newTestApp(t, store.NewMemoryStoreWith(names...))
	require.NoError(t, app.load(context.Background()))
	require.True(t, app.gate.Ready())
	return app
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// faultyStore fails lookups and inserts while failing is set.
type faultyStore struct {
	*store.MemoryStore
	failing atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (s *faultyStore) FindOne(ctx context.Context, name string) (store.Record, bool, error) {
	if s.failing.Load() {
		return store.Record{}, false, errStoreDown
	}
	return s.MemoryStore.FindOne(ctx, name)
}

func (s *faultyStore) Insert(ctx context.Context, name string) error {
	if s.failing.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Insert(ctx, name)
}

func TestAvailabilityHandler(t *testing.T) {
	app := loadedTestApp(t, "alice", "bob")
	e := app.routes()

	tests := []struct {
		name      string
		body      string
		username  string
		available bool
		reason    string
	}{
		{"taken", `{"username":"alice"}`, "alice", false, "CONFIRMED_TAKEN"},
		{"taken folded", `{"username":"  BoB "}`, "bob", false, "CONFIRMED_TAKEN"},
		{"free", `{"username":"carol"}`, "carol", true, "NOT_IN_FILTER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, http.MethodPost, "/api/availability", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			resp := decode[availabilityResponse](t, rec)
			assert.True(t, resp.Success)
			assert.Equal(t, tt.username, resp.Username)
			assert.Equal(t, tt.available, resp.Available)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestAvailabilityHandlerBadRequest(t *testing.T) {
	app := loadedTestApp(t, "alice")
	e := app.routes()

	tests := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"empty", `{"username":""}`},
		{"whitespace", `{"username":"   "}`},
		{"too long", `{"username":"` + strings.Repeat("a", 65) + `"}`},
		{"not json", `username=alice`},
		{"wrong type", `{"username":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, http.MethodPost, "/api/availability", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			resp := decode[errorEnvelope](t, rec)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestAvailabilityHandlerFalsePositive(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStoreWith("alice"))

	// A one-bit filter matches everything.
	f, err := bloom.NewWithParams(1, 1)
	require.NoError(t, err)
	f.Insert("alice")
	app.gate.Publish(f)

	rec := doRequest(app.routes(), http.MethodPost, "/api/availability", `{"username":"ghost"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[availabilityResponse](t, rec)
	assert.True(t, resp.Available)
	assert.Equal(t, "FALSE_POSITIVE_BUT_ABSENT", resp.Reason)
}

func TestAvailabilityHandlerBeforeLoad(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStoreWith("alice"))
	e := app.routes()

	rec := doRequest(e, http.MethodPost, "/api/availability", `{"username":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED_TAKEN", decode[availabilityResponse](t, rec).Reason)

	rec = doRequest(e, http.MethodPost, "/api/availability", `{"username":"carol"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[availabilityResponse](t, rec)
	assert.True(t, resp.Available)
	assert.Equal(t, "NOT_IN_STORE", resp.Reason)
}

func TestAvailabilityHandlerStoreUnavailable(t *testing.T) {
	st := &faultyStore{MemoryStore: store.NewMemoryStoreWith("alice")}
	app := newTestApp(t, st)
	require.NoError(t, app.load(context.Background()))
	st.failing.Store(true)
	e := app.routes()

	// A filter negative never reaches the store.
	rec := doRequest(e, http.MethodPost, "/api/availability", `{"username":"carol"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NOT_IN_FILTER", decode[availabilityResponse](t, rec).Reason)

	rec = doRequest(e, http.MethodPost, "/api/availability", `{"username":"alice"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.False(t, decode[errorEnvelope](t, rec).Success)
}

func TestRegisterHandler(t *testing.T) {
	app := loadedTestApp(t, "alice")
	e := app.routes()

	rec := doRequest(e, http.MethodPost, "/api/usernames", `{"username":" Carol "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[registerResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "carol", resp.Username)

	// Visible to checks immediately, without a rebuild.
	assert.True(t, app.gate.Current().Query("carol"))
	rec = doRequest(e, http.MethodPost, "/api/availability", `{"username":"carol"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED_TAKEN", decode[availabilityResponse](t, rec).Reason)

	rec = doRequest(e, http.MethodPost, "/api/usernames", `{"username":"CAROL"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(e, http.MethodPost, "/api/usernames", `{"username":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.Registrations.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.Registrations.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.Registrations.WithLabelValues("invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(app.metrics.FilterItems))
}

func TestRegisterHandlerStoreUnavailable(t *testing.T) {
	st := &faultyStore{MemoryStore: store.NewMemoryStore()}
	st.failing.Store(true)
	app := newTestApp(t, st)

	rec := doRequest(app.routes(), http.MethodPost, "/api/usernames", `{"username":"carol"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.Registrations.WithLabelValues("unavailable")))

	n, err := st.MemoryStore.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProbeHandlers(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStoreWith("alice"))
	e := app.routes()

	rec := doRequest(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[statusResponse](t, rec).Status)

	rec = doRequest(e, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "loading", decode[statusResponse](t, rec).Status)

	require.NoError(t, app.load(context.Background()))

	rec = doRequest(e, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[statusResponse](t, rec).Status)
}

func TestStatsHandler(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStoreWith("alice", "bob", "carol"))
	e := app.routes()

	rec := doRequest(e, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	before := decode[statsResponse](t, rec)
	assert.False(t, before.Ready)
	assert.Nil(t, before.Filter)
	assert.Nil(t, before.LastLoad)

	require.NoError(t, app.load(context.Background()))

	rec = doRequest(e, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	after := decode[statsResponse](t, rec)
	assert.True(t, after.Ready)
	assert.False(t, after.Rebuilding)
	require.NotNil(t, after.Filter)
	assert.Equal(t, uint64(3), after.Filter.Items)
	require.NotNil(t, after.LastLoad)
	assert.True(t, after.LastLoad.Report.Complete)
	assert.Equal(t, uint64(3), after.LastLoad.Report.Inserted)
	assert.Empty(t, after.LastLoad.Error)
}

func TestRebuildHandler(t *testing.T) {
	st := store.NewMemoryStoreWith("alice")
	app := loadedTestApp(t)
	app.store = st
	e := app.routes()
	first := app.gate.Current()

	rec := doRequest(e, http.MethodPost, "/api/admin/rebuild", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	app.wg.Wait()

	assert.NotSame(t, first, app.gate.Current())
	assert.True(t, app.gate.Current().Query("alice"))
	assert.False(t, app.isRebuilding.Load())
}

func TestRebuildHandlerConflict(t *testing.T) {
	app := loadedTestApp(t, "alice")
	app.isRebuilding.Store(true)

	rec := doRequest(app.routes(), http.MethodPost, "/api/admin/rebuild", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decode[errorEnvelope](t, rec).Success)
}

func TestNotFoundUsesEnvelope(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore())

	rec := doRequest(app.routes(), http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	resp := decode[errorEnvelope](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "Not Found", resp.Message)
}

func TestRateLimit(t *testing.T) {
	app := loadedTestApp(t, "alice")
	app.config.Server.RateLimit = 1
	app.config.Server.RateBurst = 2
	e := app.routes()

	codes := make([]int, 0, 4)
	for range 4 {
		codes = append(codes, doRequest(e, http.MethodPost, "/api/availability", `{"username":"carol"}`).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	// Probes are never limited.
	for range 4 {
		assert.Equal(t, http.StatusOK, doRequest(e, http.MethodGet, "/health", "").Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := loadedTestApp(t, "alice")
	e := app.routes()

	doRequest(e, http.MethodPost, "/api/availability", `{"username":"carol"}`)

	rec := doRequest(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `handle_queries_total{reason="NOT_IN_FILTER"} 1`)
	assert.Contains(t, rec.Body.String(), "handle_filter_items 1")
}
