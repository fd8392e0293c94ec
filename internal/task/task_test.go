package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func startDispatcher(t *testing.T, opts Options, h Handler) *Dispatcher {
	t.Helper()
	d := NewDispatcher(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, h)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestDispatcherRunsEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	h := HandlerFunc(func(_ context.Context, tk Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tk.(ExportEvent).EventID)
		return nil
	})
	m := NewMetrics()
	d := startDispatcher(t, Options{Workers: 3, Metrics: m}, h)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Schedule(ctx, ExportEvent{TenantID: "t1", EventID: id}))
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(waitCtx))

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, seen)
	mu.Unlock()
	assert.Equal(t, 5.0, testutil.ToFloat64(m.runs.WithLabelValues(string(KindExportEvent), "ok")))
}

func TestDispatcherRetriesUpToMaxAttempts(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := HandlerFunc(func(context.Context, Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	m := NewMetrics()
	d := startDispatcher(t, Options{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond, Metrics: m}, h)

	require.NoError(t, d.Schedule(context.Background(), SyncAccount{TenantID: "t1", AccountID: "a1"}))
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(waitCtx))

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues(string(KindSyncAccount), "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(string(KindSyncAccount), "ok")))
}

func TestDispatcherDoesNotRetryUnknownTasks(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := HandlerFunc(func(context.Context, Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return ErrUnknownTask
	})
	d := startDispatcher(t, Options{Workers: 1, MaxAttempts: 5, Backoff: time.Millisecond}, h)
	require.NoError(t, d.Schedule(context.Background(), RotateCredentials{TenantID: "t1"}))
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(waitCtx))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestDispatcherRecoversPanics(t *testing.T) {
	h := HandlerFunc(func(context.Context, Task) error { panic("boom") })
	m := NewMetrics()
	d := startDispatcher(t, Options{Workers: 1, MaxAttempts: 1, Metrics: m}, h)
	require.NoError(t, d.Schedule(context.Background(), RotateCredentials{TenantID: "t1"}))
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(waitCtx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(string(KindRotateCredentials), "failed")))
}

type staticAccounts []*model.Account

func (s staticAccounts) ListAll(context.Context) ([]*model.Account, error) { return s, nil }

func TestPollSchedulesBySyncState(t *testing.T) {
	accts := staticAccounts{
		{ID: "a1", TenantID: "t1", SyncState: model.SyncStateRunning},
		{ID: "a2", TenantID: "t1", SyncState: model.SyncStateInvalid},
		{ID: "a3", TenantID: "t2", SyncState: model.SyncStateDisconnected},
		{ID: "v1", TenantID: "t3", Virtual: true},
	}
	rec := &Recorder{}
	p, err := NewPoller("*/5 * * * *", accts, rec)
	require.NoError(t, err)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []Task{
		RefreshSyncState{TenantID: "t1", AccountID: "a1"},
		SyncAccount{TenantID: "t1", AccountID: "a1"},
		RefreshSyncState{TenantID: "t1", AccountID: "a2"},
		ExportVirtualCalendars{TenantID: "t3"},
	}, rec.Tasks())
}

func TestNewPollerRejectsBadSpec(t *testing.T) {
	_, err := NewPoller("every now and then", staticAccounts{}, &Recorder{})
	assert.Error(t, err)
}

func TestRecorderFailNext(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	rec.FailNext(KindExportEvent, boom)

	err := rec.Schedule(context.Background(), ExportEvent{EventID: "e1"})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, rec.Schedule(context.Background(), ExportEvent{EventID: "e1"}))
	assert.Len(t, rec.OfKind(KindExportEvent), 1)
}
