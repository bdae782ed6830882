package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, DefaultJobTimeout, cfg.JobTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultStaleAfter, cfg.StaleAfter)

	cfg = Config{Workers: 2, QueueSize: 8}.withDefaults()
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 8, cfg.QueueSize)

	cfg = Config{JobTimeout: 15 * time.Minute}.withDefaults()
	assert.Greater(t, cfg.StaleAfter, cfg.JobTimeout+finalizeTimeout,
		"stale window must outlast a running job")
	cfg = Config{JobTimeout: time.Minute, StaleAfter: 30 * time.Second}.withDefaults()
	assert.Greater(t, cfg.StaleAfter, time.Minute+finalizeTimeout)
}

func TestRecover_LeavesRunningAttemptWithLongTimeout(t *testing.T) {
	h := newHarness(t, nil, Config{JobTimeout: 15 * time.Minute})
	d, _ := h.claim(t, "env-1")
	_, err := h.store.StartDownload(context.Background(), d.ID)
	require.NoError(t, err)

	n, err := h.pool.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, db.StatusDownloading, h.doc(t, d.ID).Status)
}

func TestEnqueue_BoundedAndDeduplicated(t *testing.T) {
	h := newHarness(t, nil, Config{QueueSize: 1})

	assert.True(t, h.pool.Enqueue("a"))
	assert.True(t, h.pool.Enqueue("a"), "already queued")
	assert.False(t, h.pool.Enqueue("b"), "queue full")

	require.NoError(t, h.pool.Shutdown(context.Background()))
	assert.False(t, h.pool.Enqueue("c"), "after shutdown")
}

func TestPool_ProcessesEnqueuedDocument(t *testing.T) {
	h := newHarness(t, nil, Config{Workers: 2, SweepInterval: time.Hour})
	h.addConnection(t, "current-token")
	h.pool.Start(context.Background())

	d, _ := h.claim(t, "env-1")
	require.True(t, h.pool.Enqueue(d.ID))

	require.Eventually(t, func() bool {
		return h.status(d.ID) == db.StatusRegistered
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(ctx))
}

func TestPool_SweepPicksUpPendingRows(t *testing.T) {
	h := newHarness(t, nil, Config{Workers: 1, SweepInterval: 20 * time.Millisecond})
	h.addConnection(t, "current-token")

	// Claimed but never enqueued, as after a full queue or a restart.
	d, _ := h.claim(t, "env-1")
	h.pool.Start(context.Background())
	t.Cleanup(func() { h.pool.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		return h.status(d.ID) == db.StatusRegistered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecover_ReclaimsStaleRows(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.pool.cfg.StaleAfter = time.Nanosecond
	d, _ := h.claim(t, "env-1")
	attempt, err := h.store.StartDownload(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempt)
	time.Sleep(5 * time.Millisecond)

	n, err := h.pool.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, db.StatusPending, h.doc(t, d.ID).Status)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.len())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock(a) did not block")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	assert.Eventually(t, func() bool { return k.len() == 0 }, time.Second, time.Millisecond)
}
