package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/livebridge/internal/ffmpeg"
)

func TestRegistry_WritesFollowTicketOrder(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, 4, testLogger())
	ctx := context.Background()

	const n = 8
	sessions := make([]*StreamSession, n)
	tickets := make([]uint64, n)
	for i := 0; i < n; i++ {
		s, ticket, created, err := reg.Acquire(ctx, "ordered")
		require.NoError(t, err)
		assert.Equal(t, i == 0, created)
		sessions[i], tickets[i] = s, ticket
	}

	// Start writers in reverse so arrival at the lock is the opposite of ticket order.
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Write(sessions[i], tickets[i], []byte{byte(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	written := spawner.handle(0).written()
	require.Len(t, written, n)
	for i, chunk := range written {
		assert.Equal(t, []byte{byte(i)}, chunk)
	}
}

func TestRegistry_RemoveOnlyTouchesMatchingSession(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, 4, testLogger())
	ctx := context.Background()

	old, _, _, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)

	_, snap, ok := reg.Detach("k")
	require.True(t, ok)
	assert.Equal(t, old.ID, snap.ID)

	newer, _, created, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, old.ID, newer.ID)

	active, draining := reg.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, draining)

	_, removed := reg.Remove(old.ID)
	assert.True(t, removed)

	current, ok := reg.Snapshot("k")
	require.True(t, ok)
	assert.Equal(t, newer.ID, current.ID)

	_, removed = reg.Remove(old.ID)
	assert.False(t, removed)

	active, draining = reg.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, draining)
}

func TestRegistry_RunRemovesOnExitEvent(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, 4, testLogger())

	var mu sync.Mutex
	var removed []string
	reg.WithRemoveHook(func(snap SessionSnapshot, ev ffmpeg.Event) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, snap.ID)
		assert.Equal(t, ffmpeg.EventErrored, ev.Kind)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	s, _, _, err := reg.Acquire(ctx, "crash")
	require.NoError(t, err)

	_ = spawner.handle(0).Kill()

	require.Eventually(t, func() bool {
		_, ok := reg.Snapshot("crash")
		return !ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{s.ID}, removed)
	mu.Unlock()
}

func TestRegistry_QueuedWritesFailAfterFailure(t *testing.T) {
	block := make(chan struct{})
	spawner := &fakeSpawner{configure: func(h *fakeHandle) {
		h.block = block
		h.writeErr = errBrokenPipe
	}}
	reg := NewRegistry(spawner, 4, testLogger())
	ctx := context.Background()

	s, first, _, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)
	_, second, _, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := reg.Write(s, first, []byte("a"))
		errs <- err
	}()
	go func() {
		_, err := reg.Write(s, second, []byte("b"))
		errs <- err
	}()

	close(block)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrEncoderWrite)
	}

	_, ok := reg.Snapshot("k")
	assert.False(t, ok)
	assert.True(t, spawner.handle(0).wasKilled())

	// WaitIdle must not hang once every ticket has been served.
	done := make(chan struct{})
	go func() {
		reg.WaitIdle(s)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return")
	}
}

func TestRegistry_SnapshotsSortedAndCopied(t *testing.T) {
	reg := NewRegistry(&fakeSpawner{}, 4, testLogger())
	ctx := context.Background()

	for _, key := range []string{"charlie", "alpha", "bravo"} {
		s, ticket, _, err := reg.Acquire(ctx, key)
		require.NoError(t, err)
		_, err = reg.Write(s, ticket, []byte(key))
		require.NoError(t, err)
	}

	snaps := reg.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].StreamKey)
	assert.Equal(t, "bravo", snaps[1].StreamKey)
	assert.Equal(t, "charlie", snaps[2].StreamKey)

	snaps[0].ChunkCount = 99
	again, ok := reg.Snapshot("alpha")
	require.True(t, ok)
	assert.Equal(t, int64(1), again.ChunkCount)
	assert.Equal(t, int64(5), again.AvgChunkSize())
}

func TestRegistry_AcquireAfterClose(t *testing.T) {
	reg := NewRegistry(&fakeSpawner{}, 4, testLogger())
	reg.Close()
	reg.Close()

	_, _, _, err := reg.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSessionSnapshot_Helpers(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := SessionSnapshot{StartTime: start, ChunkCount: 2, TotalSize: 98304}

	assert.Equal(t, int64(49152), snap.AvgChunkSize())
	assert.Equal(t, 90*time.Second, snap.Duration(start.Add(90*time.Second)))
	assert.Zero(t, SessionSnapshot{}.AvgChunkSize())
	assert.Zero(t, SessionSnapshot{}.Duration(start))
}

func TestRegistry_WriteTimeoutTearsDownStalledEncoder(t *testing.T) {
	spawner := &fakeSpawner{configure: func(h *fakeHandle) { h.stall = true }}
	reg := NewRegistry(spawner, 4, testLogger()).WithWriteTimeout(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	s, first, _, err := reg.Acquire(ctx, "stalled")
	require.NoError(t, err)
	_, second, _, err := reg.Acquire(ctx, "stalled")
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		_, err := reg.Write(s, second, []byte("queued"))
		queued <- err
	}()

	start := time.Now()
	_, err = reg.Write(s, first, []byte("chunk"))
	require.ErrorIs(t, err, ErrEncoderWrite)
	require.ErrorIs(t, err, ErrWriteTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, ErrEncoderWrite)
	case <-time.After(2 * time.Second):
		t.Fatal("queued write still blocked after the session failed")
	}

	assert.True(t, spawner.handle(0).wasKilled())
	_, ok := reg.Snapshot("stalled")
	assert.False(t, ok)

	fresh, _, created, err := reg.Acquire(ctx, "stalled")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s.ID, fresh.ID)
}

func TestRegistry_DetachIdle(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, 4, testLogger())
	ctx := context.Background()

	s, ticket, _, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)
	_, err = reg.Write(s, ticket, []byte("x"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	t.Run("recent chunk is not idle", func(t *testing.T) {
		_, _, ok := reg.DetachIdle("k", s.ID, past)
		assert.False(t, ok)
	})

	t.Run("other session on the key", func(t *testing.T) {
		_, _, ok := reg.DetachIdle("k", "01OTHERSESSION", future)
		assert.False(t, ok)
	})

	t.Run("write in flight", func(t *testing.T) {
		_, pending, _, err := reg.Acquire(ctx, "k")
		require.NoError(t, err)

		_, _, ok := reg.DetachIdle("k", s.ID, future)
		assert.False(t, ok)

		_, err = reg.Write(s, pending, []byte("y"))
		require.NoError(t, err)
	})

	t.Run("idle session detached", func(t *testing.T) {
		got, snap, ok := reg.DetachIdle("k", s.ID, future)
		require.True(t, ok)
		assert.Equal(t, s, got)
		assert.Equal(t, int64(2), snap.ChunkCount)

		_, ok = reg.Snapshot("k")
		assert.False(t, ok)
	})
}

func TestRegistry_SealRejectsAcquireButKeepsEvents(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, 4, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	_, _, _, err := reg.Acquire(ctx, "k")
	require.NoError(t, err)

	reg.Seal()

	_, _, _, err = reg.Acquire(ctx, "other")
	require.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 1, spawner.count())

	_ = spawner.handle(0).Kill()
	require.Eventually(t, func() bool {
		active, draining := reg.Counts()
		return active == 0 && draining == 0
	}, time.Second, 5*time.Millisecond)
}
