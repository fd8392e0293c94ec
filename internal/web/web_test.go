package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/task"
)

func newServer(t *testing.T, cfg *config.Config) (*Server, *task.Recorder) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Accounts().Insert(ctx, &model.Account{ID: "a1", TenantID: "t1", ExternalID: "pa-1", SyncState: model.SyncStateRunning}))
	require.NoError(t, db.Accounts().Insert(ctx, &model.Account{ID: "v1", TenantID: "t1", ExternalID: "pv-1", Virtual: true, SyncState: model.SyncStateRunning}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "calsync_test_total", Help: "test"}))
	sched := &task.Recorder{}
	return NewServer(cfg, reg, db.Accounts(), sched), sched
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newServer(t, config.DefaultConfig())
	h := s.Handler()

	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calsync_test_total")
}

func TestSyncSchedulesAccountTasks(t *testing.T) {
	s, sched := newServer(t, config.DefaultConfig())
	h := s.Handler()

	rec := do(h, http.MethodPost, "/api/sync", `{"tenant_id":"t1","account_id":"a1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"scheduled":["refresh_sync_state","sync_account"]}`, rec.Body.String())
	assert.Equal(t, []task.Task{
		task.RefreshSyncState{TenantID: "t1", AccountID: "a1"},
		task.SyncAccount{TenantID: "t1", AccountID: "a1"},
	}, sched.Drain())

	rec = do(h, http.MethodPost, "/api/sync", `{"tenant_id":"t1","account_id":"v1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []task.Task{task.ExportVirtualCalendars{TenantID: "t1"}}, sched.Drain())
}

func TestSyncRejections(t *testing.T) {
	s, sched := newServer(t, config.DefaultConfig())
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/sync", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/sync", "{").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/sync", `{"tenant_id":"t1"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/sync", `{"tenant_id":"t2","account_id":"a1"}`).Code)

	sched.FailNext(task.KindRefreshSyncState, task.ErrClosed)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/api/sync", `{"tenant_id":"t1","account_id":"a1"}`).Code)
}

func TestBasicAuthSparesHealth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "secret"}
	s, _ := newServer(t, cfg)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/metrics", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
