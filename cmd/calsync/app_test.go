package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/provider/memory"
	"calsync/internal/store"
	"calsync/internal/task"
)

func TestRunOnceSyncsAccount(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "calsync.db")
	cfg.PollCron = ""

	prov := memory.New()
	prov.AddAccount(provider.Account{ID: "pa-1", Email: "owner@example.com", SyncState: "running"})
	prov.AddCalendar(provider.Calendar{ID: "pc-1", AccountID: "pa-1", Name: "Work", Timezone: "UTC"})
	start := time.Now().UTC().Truncate(time.Minute).Add(24 * time.Hour)
	remote := prov.PutEvent(provider.Event{
		CalendarID: "pc-1",
		Title:      "Planning",
		When:       model.TimeSpan{Start: start, End: start.Add(time.Hour)},
		Status:     string(model.StatusConfirmed),
	})

	a, err := newApp(ctx, cfg, prov)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.db.Accounts().Insert(ctx, &model.Account{ID: "a1", TenantID: "t1", ExternalID: "pa-1", SyncState: model.SyncStateRunning}))

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.runOnce(runCtx, task.SyncAccount{TenantID: "t1", AccountID: "a1"}))

	cal, err := a.db.Calendars().GetByExternalID(ctx, "t1", "pc-1")
	require.NoError(t, err)
	evs, err := store.AllEvents(ctx, a.db.Events(), "t1", cal.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, remote.ID, evs[0].ExternalID)
	assert.Equal(t, "Planning", evs[0].Title)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "calsync.db")
	cfg.KV.Driver = "postgres"

	_, err := newApp(context.Background(), cfg, memory.New())
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	client, err := newProvider("memory")
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = newProvider("carrier-pigeon")
	assert.Error(t, err)
}
