package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
)

func TestFlushAndLoadRoundTrip(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	syncer := NewSynchronizer(local, cache, time.Hour)
	ctx := context.Background()

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))
	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b2", "name": "Depot"}))
	require.NoError(t, syncer.FlushLocalIntoDurable(ctx, "businesses"))

	// A fresh store primed from the snapshot sees the same records.
	restored := newTestLocal(t)
	restoredSyncer := NewSynchronizer(restored, cache, time.Hour)
	require.NoError(t, restoredSyncer.LoadDurableIntoLocal(ctx, "businesses"))

	docs, err := restored.All("businesses")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Corner Shop", docs[0]["name"])
}

func TestLoadMissingSnapshotIsNoOp(t *testing.T) {
	local := newTestLocal(t)
	syncer := NewSynchronizer(local, newFakeCache(), time.Hour)

	require.NoError(t, syncer.LoadDurableIntoLocal(context.Background(), "businesses"))

	docs, err := local.All("businesses")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLoadKeepsExistingLocalRecords(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	ctx := context.Background()

	snapshot, err := json.Marshal([]localstore.Document{
		{"id": "b1", "name": "Stale Name"},
		{"id": "b2", "name": "Depot"},
	})
	require.NoError(t, err)
	require.NoError(t, cache.SaveSnapshot(ctx, "businesses", snapshot))

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Fresh Name"}))

	syncer := NewSynchronizer(local, cache, time.Hour)
	require.NoError(t, syncer.LoadDurableIntoLocal(ctx, "businesses"))

	doc, err := local.Get("businesses", "b1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh Name", doc["name"], "in-memory record wins over the snapshot")

	_, err = local.Get("businesses", "b2")
	assert.NoError(t, err)
}

func TestLoadSkipsInvalidSnapshotRecords(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	ctx := context.Background()

	snapshot, err := json.Marshal([]localstore.Document{
		{"id": "b1", "name": "Good"},
		{"id": "b2"}, // missing required name
	})
	require.NoError(t, err)
	require.NoError(t, cache.SaveSnapshot(ctx, "businesses", snapshot))

	syncer := NewSynchronizer(local, cache, time.Hour)
	require.NoError(t, syncer.LoadDurableIntoLocal(ctx, "businesses"))

	docs, err := local.All("businesses")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDebouncedFlushCoalesces(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	syncer := NewSynchronizer(local, cache, 50*time.Millisecond)

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))

	// A burst of schedules within the quiet period ends in a single flush.
	for i := 0; i < 5; i++ {
		syncer.ScheduleFlush("businesses")
	}

	require.Eventually(t, func() bool {
		return len(cache.snapshot("businesses")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	var docs []localstore.Document
	require.NoError(t, json.Unmarshal(cache.snapshot("businesses"), &docs))
	assert.Len(t, docs, 1)
}

func TestCancelPendingStopsArmedFlush(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	syncer := NewSynchronizer(local, cache, 30*time.Millisecond)

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))
	syncer.ScheduleFlush("businesses")
	syncer.CancelPending()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, cache.snapshot("businesses"), "cancelled flush must not fire")

	// The synchronizer stays usable after a cancel.
	syncer.ScheduleFlush("businesses")
	require.Eventually(t, func() bool {
		return len(cache.snapshot("businesses")) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseRefusesNewFlushes(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	syncer := NewSynchronizer(local, cache, 10*time.Millisecond)

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))
	syncer.Close()
	syncer.ScheduleFlush("businesses")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, cache.snapshot("businesses"))
}

func TestNoFlushLandsAfterClose(t *testing.T) {
	// The timer can fire in the same instant as a rearm or the close;
	// whatever the interleaving, a write after Close has returned is a bug.
	for i := 0; i < 50; i++ {
		local := newTestLocal(t)
		cache := newFakeCache()
		syncer := NewSynchronizer(local, cache, time.Millisecond)
		require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))

		syncer.ScheduleFlush("businesses")
		time.Sleep(time.Millisecond)
		syncer.ScheduleFlush("businesses")
		syncer.Close()

		before := cache.saveCount()
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, before, cache.saveCount(), "a flush fired after Close returned")
	}
}

func TestReconcileReportsCacheFailure(t *testing.T) {
	local := newTestLocal(t)
	cache := newFakeCache()
	cache.saveSnapshotErr = errors.New("disk full")
	syncer := NewSynchronizer(local, cache, time.Hour)

	require.NoError(t, local.Insert("businesses", localstore.Document{"id": "b1", "name": "Corner Shop"}))
	err := syncer.Reconcile(context.Background(), "businesses")
	assert.Error(t, err)

	// The local mutation itself is untouched by the failed flush.
	_, err = local.Get("businesses", "b1")
	assert.NoError(t, err)
}
