package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/platform/sqlite"
	"github.com/storyloom/storyloom/internal/queue"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sqlite.Open(sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	require.NoError(t, sqlite.ApplyMigrations(context.Background(), db))
	return sqlite.NewStore(db)
}

func enqueueReq(resourceID string) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		ProjectName: "demo",
		TaskType:    "storyboard",
		MediaType:   queue.MediaTypeImage,
		ResourceID:  resourceID,
		Payload:     json.RawMessage(`{"prompt":"a foggy alley"}`),
		Source:      "test",
	}
}

func TestEnqueueDedupe(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, enqueueReq("E1S01"))
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	assert.Equal(t, queue.StatusQueued, first.Status)

	second, err := store.Enqueue(ctx, enqueueReq("E1S01"))
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.TaskID, second.ExistingTaskID)

	// Still deduped while running.
	claimed, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	third, err := store.Enqueue(ctx, enqueueReq("E1S01"))
	require.NoError(t, err)
	assert.True(t, third.Deduped)
	assert.Equal(t, queue.StatusRunning, third.Status)

	// A terminal task no longer blocks the key.
	_, err = store.MarkSucceeded(ctx, first.TaskID, json.RawMessage(`{"file_path":"x.png"}`))
	require.NoError(t, err)

	fourth, err := store.Enqueue(ctx, enqueueReq("E1S01"))
	require.NoError(t, err)
	assert.False(t, fourth.Deduped)
	assert.NotEqual(t, first.TaskID, fourth.TaskID)
}

func TestEnqueueScriptFileDistinguishesKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	reqA := enqueueReq("S01")
	reqA.ScriptFile = "episode_01.json"
	reqB := enqueueReq("S01")
	reqB.ScriptFile = "episode_02.json"

	a, err := store.Enqueue(ctx, reqA)
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, reqB)
	require.NoError(t, err)

	assert.False(t, a.Deduped)
	assert.False(t, b.Deduped)
	assert.NotEqual(t, a.TaskID, b.TaskID)
}

func TestClaimFIFOWithinLane(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, enqueueReq("S01"))
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, enqueueReq("S02"))
	require.NoError(t, err)

	videoReq := enqueueReq("S03")
	videoReq.MediaType = queue.MediaTypeVideo
	video, err := store.Enqueue(ctx, videoReq)
	require.NoError(t, err)

	claimed1, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.NotNil(t, claimed1)
	assert.Equal(t, first.TaskID, claimed1.ID)
	assert.Equal(t, queue.StatusRunning, claimed1.Status)
	require.NotNil(t, claimed1.StartedAt)

	claimed2, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.TaskID, claimed2.ID)

	// Image lane drained; video lane untouched.
	none, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	assert.Nil(t, none)

	claimedVideo, err := store.ClaimNext(ctx, queue.MediaTypeVideo)
	require.NoError(t, err)
	require.NotNil(t, claimedVideo)
	assert.Equal(t, video.TaskID, claimedVideo.ID)
}

func TestExactlyOneClaim(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	enq, err := store.Enqueue(ctx, enqueueReq("only"))
	require.NoError(t, err)

	const claimers = 8
	results := make([]*queue.Task, claimers)
	errs := make([]error, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.ClaimNext(ctx, queue.MediaTypeImage)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < claimers; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			assert.Equal(t, enq.TaskID, results[i].ID)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestEventSequenceAndIncrementalRead(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	enq, err := store.Enqueue(ctx, enqueueReq("S01"))
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, enq.TaskID, "provider exploded")
	require.NoError(t, err)

	events, err := store.EventsSince(ctx, 0, "", 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, queue.EventQueued, events[0].Type)
	assert.Equal(t, queue.EventRunning, events[1].Type)
	assert.Equal(t, queue.EventFailed, events[2].Type)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)

	require.NotNil(t, events[2].Data)
	assert.Equal(t, "provider exploded", events[2].Data.ErrorMessage)
	assert.Equal(t, enq.TaskID, events[2].TaskID)

	// Resuming from the running event's id yields only the failure.
	tail, err := store.EventsSince(ctx, events[1].ID, "", 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, queue.EventFailed, tail[0].Type)

	latest, err := store.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, events[2].ID, latest)

	// Project filter excludes other projects entirely.
	other, err := store.EventsSince(ctx, 0, "some-other-project", 100)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMarkTerminal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	t.Run("succeeded stores result", func(t *testing.T) {
		enq, err := store.Enqueue(ctx, enqueueReq("ok"))
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, queue.MediaTypeImage)
		require.NoError(t, err)

		done, err := store.MarkSucceeded(ctx, enq.TaskID, json.RawMessage(`{"file_path":"storyboards/scene.png"}`))
		require.NoError(t, err)
		assert.Equal(t, queue.StatusSucceeded, done.Status)
		assert.JSONEq(t, `{"file_path":"storyboards/scene.png"}`, string(done.Result))
		require.NotNil(t, done.FinishedAt)
	})

	t.Run("failed truncates long messages", func(t *testing.T) {
		enq, err := store.Enqueue(ctx, enqueueReq("boom"))
		require.NoError(t, err)

		long := strings.Repeat("x", queue.MaxErrorMessageLen+500)
		failed, err := store.MarkFailed(ctx, enq.TaskID, long)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, failed.Status)
		assert.Len(t, failed.ErrorMessage, queue.MaxErrorMessageLen)
	})

	t.Run("failed truncation never splits a rune", func(t *testing.T) {
		enq, err := store.Enqueue(ctx, enqueueReq("boom-utf8"))
		require.NoError(t, err)

		// Three bytes per rune, so a byte-index cut lands mid-rune.
		long := strings.Repeat("日", queue.MaxErrorMessageLen)
		failed, err := store.MarkFailed(ctx, enq.TaskID, long)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(failed.ErrorMessage), queue.MaxErrorMessageLen)
		assert.True(t, utf8.ValidString(failed.ErrorMessage))
		assert.True(t, strings.HasSuffix(failed.ErrorMessage, "日"))
	})

	t.Run("unknown task returns not found", func(t *testing.T) {
		_, err := store.MarkSucceeded(ctx, "no-such-task", nil)
		assert.ErrorIs(t, err, queue.ErrTaskNotFound)

		_, err = store.MarkFailed(ctx, "no-such-task", "nope")
		assert.ErrorIs(t, err, queue.ErrTaskNotFound)
	})
}

func TestRequeueRunningTasks(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	enq, err := store.Enqueue(ctx, enqueueReq("orphan"))
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.NotNil(t, claimed.StartedAt)

	// Simulates a crashed worker: the row is left running.
	recovered, err := store.RequeueRunning(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	task, err := store.GetTask(ctx, enq.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)

	events, err := store.EventsSince(ctx, 0, "", 100)
	require.NoError(t, err)
	var sawRequeued bool
	for _, ev := range events {
		if ev.Type == queue.EventRequeued {
			sawRequeued = true
			assert.Equal(t, queue.StatusQueued, ev.Status)
		}
	}
	assert.True(t, sawRequeued, "expected a requeued event")

	// The recovered task is claimable again.
	reclaimed, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, enq.TaskID, reclaimed.ID)
}

func TestWorkerLease(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	t.Run("takeover after expiry", func(t *testing.T) {
		t.Parallel()

		granted, err := store.AcquireOrRenew(ctx, "lane-a", "owner-a", time.Second)
		require.NoError(t, err)
		assert.True(t, granted)

		// Rival fails while the lease is live.
		granted, err = store.AcquireOrRenew(ctx, "lane-a", "owner-b", time.Second)
		require.NoError(t, err)
		assert.False(t, granted)

		// Holder renews freely.
		granted, err = store.AcquireOrRenew(ctx, "lane-a", "owner-a", time.Second)
		require.NoError(t, err)
		assert.True(t, granted)

		online, err := store.IsOnline(ctx, "lane-a")
		require.NoError(t, err)
		assert.True(t, online)

		time.Sleep(1200 * time.Millisecond)

		online, err = store.IsOnline(ctx, "lane-a")
		require.NoError(t, err)
		assert.False(t, online)

		granted, err = store.AcquireOrRenew(ctx, "lane-a", "owner-b", time.Second)
		require.NoError(t, err)
		assert.True(t, granted)
	})

	t.Run("get and release", func(t *testing.T) {
		t.Parallel()

		missing, err := store.GetLease(ctx, "lane-b")
		require.NoError(t, err)
		assert.Nil(t, missing)

		granted, err := store.AcquireOrRenew(ctx, "lane-b", "owner-x", 30*time.Second)
		require.NoError(t, err)
		require.True(t, granted)

		lease, err := store.GetLease(ctx, "lane-b")
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, "owner-x", lease.OwnerID)
		assert.True(t, lease.Online)

		// Release by a non-owner is a no-op.
		require.NoError(t, store.Release(ctx, "lane-b", "owner-y"))
		online, err := store.IsOnline(ctx, "lane-b")
		require.NoError(t, err)
		assert.True(t, online)

		require.NoError(t, store.Release(ctx, "lane-b", "owner-x"))
		online, err = store.IsOnline(ctx, "lane-b")
		require.NoError(t, err)
		assert.False(t, online)
	})
}

func TestListTasksAndStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for i, resource := range []string{"S01", "S02", "S03"} {
		req := enqueueReq(resource)
		if i == 2 {
			req.MediaType = queue.MediaTypeVideo
			req.TaskType = "video"
		}
		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
	}

	claimed, err := store.ClaimNext(ctx, queue.MediaTypeImage)
	require.NoError(t, err)
	_, err = store.MarkSucceeded(ctx, claimed.ID, nil)
	require.NoError(t, err)

	t.Run("filters and pagination", func(t *testing.T) {
		page, err := store.ListTasks(ctx, queue.ListFilter{ProjectName: "demo", Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Items, 2)

		page2, err := store.ListTasks(ctx, queue.ListFilter{ProjectName: "demo", Page: 2, PageSize: 2})
		require.NoError(t, err)
		assert.Len(t, page2.Items, 1)

		byStatus, err := store.ListTasks(ctx, queue.ListFilter{Status: queue.StatusSucceeded})
		require.NoError(t, err)
		assert.Equal(t, 1, byStatus.Total)

		byType, err := store.ListTasks(ctx, queue.ListFilter{TaskType: "video"})
		require.NoError(t, err)
		assert.Equal(t, 1, byType.Total)

		empty, err := store.ListTasks(ctx, queue.ListFilter{ProjectName: "nope"})
		require.NoError(t, err)
		assert.Zero(t, empty.Total)
		assert.Empty(t, empty.Items)
	})

	t.Run("stats per status", func(t *testing.T) {
		stats, err := store.Stats(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Queued)
		assert.Equal(t, 0, stats.Running)
		assert.Equal(t, 1, stats.Succeeded)
		assert.Equal(t, 0, stats.Failed)
		assert.Equal(t, 3, stats.Total)
	})

	t.Run("recent snapshot ordering", func(t *testing.T) {
		recent, err := store.RecentTasks(ctx, "demo", 10)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		// Most recently updated first: the succeeded task was touched last.
		assert.Equal(t, queue.StatusSucceeded, recent[0].Status)
	})
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}
