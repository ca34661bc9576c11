package sftpsync

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, remote *fakeRemote, cfg QueueConfig) (*TransferQueue, *fakeDialer, afero.Fs) {
	t.Helper()
	dialer := newFakeDialer(remote)
	pool := NewSessionPool(dialer, PoolConfig{MaxPerIdentity: 8})
	t.Cleanup(pool.Close)

	fs := afero.NewMemMapFs()
	q := NewTransferQueue(pool, fs, cfg)
	t.Cleanup(func() { q.Close() })
	return q, dialer, fs
}

func waitTaskStatus(t *testing.T, q *TransferQueue, id string, want TaskStatus) TransferTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last TransferTask
	for time.Now().Before(deadline) {
		tt, ok := q.Task(id)
		if ok {
			last = tt
			if tt.Status == want {
				return tt
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (last: %+v)", id, want, last)
	return TransferTask{}
}

func TestQueueFileUploadCompletes(t *testing.T) {
	remote := newFakeRemote()
	q, _, fs := newTestQueue(t, remote, QueueConfig{})

	data := []byte("queued upload")
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", data, 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusCompleted)
	assert.Equal(t, int64(len(data)), tt.Transferred)
	assert.Empty(t, tt.Error)
	assert.False(t, tt.FinishedAt.IsZero())

	got, ok := remote.get("/dst/a.txt")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestQueueSubmitValidation(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeRemote(), QueueConfig{})

	_, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a"})
	require.Error(t, err)

	_, err = q.Submit(TaskSpec{LocalPath: "/src/a", RemotePath: "/dst/a"})
	require.Error(t, err)
}

func TestQueueEventStream(t *testing.T) {
	remote := newFakeRemote()
	q, _, fs := newTestQueue(t, remote, QueueConfig{})
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("x"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	var states []TaskStatus
	deadline := time.After(5 * time.Second)
	for {
		var ev Event
		select {
		case ev = <-q.Events():
		case <-deadline:
			t.Fatalf("never saw completion, states so far: %v", states)
		}
		if ev.TaskID != id || ev.Type != EventState {
			continue
		}
		states = append(states, ev.Status)
		if ev.Status.terminal() {
			break
		}
	}

	require.NotEmpty(t, states)
	assert.Equal(t, StatusPending, states[0])
	assert.Contains(t, states, StatusRunning)
	assert.Equal(t, StatusCompleted, states[len(states)-1])
}

func TestQueueTerminalEventsNotDropped(t *testing.T) {
	remote := newFakeRemote()
	q, _, fs := newTestQueue(t, remote, QueueConfig{EventBuffer: 1})

	// Run several tasks to completion without draining the stream, then
	// read it back: every terminal event must still arrive.
	const tasks = 4
	want := make(map[string]bool, tasks)
	for i := 0; i < tasks; i++ {
		p := "/src/ev" + string(rune('a'+i)) + ".txt"
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
		id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: p, RemotePath: "/dst" + p})
		require.NoError(t, err)
		waitTaskStatus(t, q, id, StatusCompleted)
		want[id] = true
	}

	seen := make(map[string]bool, tasks)
	deadline := time.After(5 * time.Second)
	for len(seen) < tasks {
		select {
		case ev := <-q.Events():
			if ev.Type == EventState && ev.Status == StatusCompleted && want[ev.TaskID] {
				seen[ev.TaskID] = true
			}
		case <-deadline:
			t.Fatalf("terminal events lost: saw %d of %d", len(seen), tasks)
		}
	}
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	remote := newFakeRemote()
	q, dialer, fs := newTestQueue(t, remote, QueueConfig{
		Retry: RetryPolicy{Enabled: true, MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})

	dialer.mu.Lock()
	dialer.dialErr = errors.New("connection refused")
	dialer.failTimes = 2
	dialer.mu.Unlock()

	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("retry me"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 2, tt.RetryCount)

	got, ok := remote.get("/dst/a.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("retry me"), got)
}

func TestQueueFailsAfterRetryBudget(t *testing.T) {
	remote := newFakeRemote()
	q, dialer, fs := newTestQueue(t, remote, QueueConfig{
		Retry: RetryPolicy{Enabled: true, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	dialer.mu.Lock()
	dialer.dialErr = errors.New("connection refused")
	dialer.failTimes = -1
	dialer.mu.Unlock()

	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("doomed"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusFailed)
	assert.Equal(t, 2, tt.RetryCount)
	assert.Contains(t, tt.Error, "connection refused")
}

func TestQueueNoRetryWhenDisabled(t *testing.T) {
	remote := newFakeRemote()
	q, dialer, fs := newTestQueue(t, remote, QueueConfig{})

	dialer.mu.Lock()
	dialer.dialErr = errors.New("connection refused")
	dialer.failTimes = -1
	dialer.mu.Unlock()

	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("x"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusFailed)
	assert.Equal(t, 1, tt.RetryCount)
}

func TestQueueCancelRunning(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/dst/big.bin", testPattern(4096), timeNowTrunc())
	gate := remote.gateReads()

	q, dialer, _ := newTestQueue(t, remote, QueueConfig{})

	id, err := q.Submit(TaskSpec{
		Host:       testHost,
		LocalPath:  "/local/big.bin",
		RemotePath: "/dst/big.bin",
		Direction:  DirectionDownload,
	})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusRunning)
	require.NoError(t, q.Cancel(id))
	close(gate)

	tt := waitTaskStatus(t, q, id, StatusCanceled)
	assert.False(t, tt.FinishedAt.IsZero())

	// The borrowed session survives the cancel and returns to idle.
	stats := q.pool.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.NotZero(t, stats.Idle)
	assert.Zero(t, dialer.closeCount(), "cancellation must not tear down sessions")

	// Terminal states reject further control.
	require.Error(t, q.Cancel(id))
	require.Error(t, q.Pause(id))
}

func TestQueueCancelPending(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/dst/big.bin", testPattern(4096), timeNowTrunc())
	gate := remote.gateReads()
	defer close(gate)

	q, _, fs := newTestQueue(t, remote, QueueConfig{MaxConcurrent: 1})
	require.NoError(t, afero.WriteFile(fs, "/src/b.txt", []byte("queued"), 0o644))

	occupier, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/local/big.bin", RemotePath: "/dst/big.bin", Direction: DirectionDownload})
	require.NoError(t, err)
	waitTaskStatus(t, q, occupier, StatusRunning)

	pending, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/b.txt", RemotePath: "/dst/b.txt"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(pending))
	waitTaskStatus(t, q, pending, StatusCanceled)
}

func TestQueuePauseResume(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/dst/big.bin", testPattern(4096), timeNowTrunc())
	gate := remote.gateReads()

	q, _, fs := newTestQueue(t, remote, QueueConfig{})

	id, err := q.Submit(TaskSpec{
		Host:       testHost,
		LocalPath:  "/local/big.bin",
		RemotePath: "/dst/big.bin",
		Direction:  DirectionDownload,
	})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusRunning)
	require.NoError(t, q.Pause(id))
	close(gate)

	tt := waitTaskStatus(t, q, id, StatusPaused)
	assert.Equal(t, int64(0), tt.Transferred, "paused progress is discarded")

	require.NoError(t, q.Resume(id))
	tt = waitTaskStatus(t, q, id, StatusCompleted)
	assert.Equal(t, int64(4096), tt.Transferred)

	got, err := afero.ReadFile(fs, "/local/big.bin")
	require.NoError(t, err)
	assert.Equal(t, testPattern(4096), got)
}

func TestQueuePriorityOrdering(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/dst/occupier.bin", testPattern(64), timeNowTrunc())
	gate := remote.gateReads()

	q, _, fs := newTestQueue(t, remote, QueueConfig{MaxConcurrent: 1})
	require.NoError(t, afero.WriteFile(fs, "/src/low.txt", []byte("low"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/high.txt", []byte("high"), 0o644))

	occupier, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/local/occupier.bin", RemotePath: "/dst/occupier.bin", Direction: DirectionDownload})
	require.NoError(t, err)
	waitTaskStatus(t, q, occupier, StatusRunning)

	low, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/low.txt", RemotePath: "/dst/low.txt", Priority: PriorityLow})
	require.NoError(t, err)
	high, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/high.txt", RemotePath: "/dst/high.txt", Priority: PriorityHigh})
	require.NoError(t, err)

	close(gate)

	highTask := waitTaskStatus(t, q, high, StatusCompleted)
	lowTask := waitTaskStatus(t, q, low, StatusCompleted)
	assert.True(t, highTask.StartedAt.Before(lowTask.StartedAt),
		"high priority starts before low despite later submission")
}

func TestQueueAutoPriority(t *testing.T) {
	q, _, fs := newTestQueue(t, newFakeRemote(), QueueConfig{})

	small := make([]byte, 1024)
	require.NoError(t, afero.WriteFile(fs, "/src/small.bin", small, 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/small.bin", RemotePath: "/dst/small.bin"})
	require.NoError(t, err)

	tt, ok := q.Task(id)
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, tt.Priority, "small files jump the queue")
}

func TestQueueSync(t *testing.T) {
	now := timeNowTrunc()
	remote := newFakeRemote()
	remote.put("/dst/same.txt", []byte("same"), now)
	remote.put("/dst/old.txt", []byte("short"), now)
	remote.put("/dst/stale.txt", []byte("stale"), now)

	q, _, fs := newTestQueue(t, remote, QueueConfig{})

	require.NoError(t, afero.WriteFile(fs, "/src/same.txt", []byte("same"), 0o644))
	require.NoError(t, fs.Chtimes("/src/same.txt", now, now))
	require.NoError(t, afero.WriteFile(fs, "/src/old.txt", []byte("much longer content"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/new.txt", []byte("brand new"), 0o644))

	id, err := q.Submit(TaskSpec{
		Kind:       TaskSync,
		Host:       testHost,
		LocalPath:  "/src",
		RemotePath: "/dst",
		Sync:       SyncOptions{DeleteRemote: true},
	})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusCompleted)

	got, ok := remote.get("/dst/new.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("brand new"), got)

	got, ok = remote.get("/dst/old.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("much longer content"), got)

	same, ok := remote.get("/dst/same.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("same"), same)

	_, stale := remote.get("/dst/stale.txt")
	assert.False(t, stale, "remote-only file is deleted after uploads land")
}

func TestQueueSyncDryRun(t *testing.T) {
	now := timeNowTrunc()
	remote := newFakeRemote()
	remote.put("/dst/stale.txt", []byte("stale"), now)

	q, _, fs := newTestQueue(t, remote, QueueConfig{})
	require.NoError(t, afero.WriteFile(fs, "/src/new.txt", []byte("new"), 0o644))

	id, err := q.Submit(TaskSpec{
		Kind:       TaskSync,
		Host:       testHost,
		LocalPath:  "/src",
		RemotePath: "/dst",
		Sync:       SyncOptions{DeleteRemote: true, DryRun: true},
	})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusCompleted)

	_, uploaded := remote.get("/dst/new.txt")
	assert.False(t, uploaded, "dry run transfers nothing")
	_, stale := remote.get("/dst/stale.txt")
	assert.True(t, stale, "dry run deletes nothing")
}

func TestQueueSyncSkipsDeletesOnUploadFailure(t *testing.T) {
	now := timeNowTrunc()
	remote := newFakeRemote()
	remote.put("/dst/stale.txt", []byte("stale"), now)
	remote.failCreate["/dst/bad.txt"] = errors.New("disk full")

	q, _, fs := newTestQueue(t, remote, QueueConfig{})
	require.NoError(t, afero.WriteFile(fs, "/src/bad.txt", []byte("won't land"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/good.txt", []byte("lands"), 0o644))

	id, err := q.Submit(TaskSpec{
		Kind:       TaskSync,
		Host:       testHost,
		LocalPath:  "/src",
		RemotePath: "/dst",
		Sync:       SyncOptions{DeleteRemote: true},
	})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusFailed)
	assert.Contains(t, tt.Error, "disk full")

	_, stale := remote.get("/dst/stale.txt")
	assert.True(t, stale, "deletions are skipped when any upload fails")
	got, ok := remote.get("/dst/good.txt")
	require.True(t, ok, "other uploads still proceed")
	assert.Equal(t, []byte("lands"), got)
}

func TestQueueVerificationMismatchFailsWithoutRetry(t *testing.T) {
	remote := newFakeRemote()
	remote.execFn = func(cmd string) (*ExecResult, error) {
		// Well-formed but wrong digest.
		return &ExecResult{Stdout: []byte("0000000000000000000000000000000000000000000000000000000000000000  /dst/a.txt\n")}, nil
	}

	q, _, fs := newTestQueue(t, remote, QueueConfig{
		Retry:  RetryPolicy{Enabled: true, MaxRetries: 3, BaseDelay: time.Millisecond},
		Verify: VerifyOptions{Enabled: true},
	})
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("content"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusFailed)
	assert.Equal(t, 1, tt.RetryCount, "checksum mismatches are not retried")
	assert.Contains(t, tt.Error, "checksum mismatch")
}

func TestQueueVerificationPass(t *testing.T) {
	remote := newFakeRemote()
	remote.execFn = checksumExec(remote)

	q, _, fs := newTestQueue(t, remote, QueueConfig{Verify: VerifyOptions{Enabled: true}})
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("verified content"), 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusCompleted)
}

func TestQueueDirectoryVerificationPass(t *testing.T) {
	remote := newFakeRemote()
	remote.execFn = checksumExec(remote)

	q, _, fs := newTestQueue(t, remote, QueueConfig{Verify: VerifyOptions{Enabled: true}})
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("first"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/sub/b.txt", []byte("second"), 0o644))

	id, err := q.Submit(TaskSpec{
		Kind:       TaskDirectory,
		Host:       testHost,
		LocalPath:  "/src",
		RemotePath: "/dst",
	})
	require.NoError(t, err)

	waitTaskStatus(t, q, id, StatusCompleted)

	got, ok := remote.get("/dst/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
}

func TestQueueDirectoryVerificationMismatch(t *testing.T) {
	remote := newFakeRemote()
	remote.execFn = func(cmd string) (*ExecResult, error) {
		// Well-formed but wrong digest for every file.
		return &ExecResult{Stdout: []byte("0000000000000000000000000000000000000000000000000000000000000000  f\n")}, nil
	}

	q, _, fs := newTestQueue(t, remote, QueueConfig{
		Retry:  RetryPolicy{Enabled: true, MaxRetries: 3, BaseDelay: time.Millisecond},
		Verify: VerifyOptions{Enabled: true},
	})
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("content"), 0o644))

	id, err := q.Submit(TaskSpec{
		Kind:       TaskDirectory,
		Host:       testHost,
		LocalPath:  "/src",
		RemotePath: "/dst",
	})
	require.NoError(t, err)

	tt := waitTaskStatus(t, q, id, StatusFailed)
	assert.Equal(t, 1, tt.RetryCount, "checksum mismatches are not retried")
	assert.Contains(t, tt.Error, "checksum mismatch")
}

func TestQueueStatsAndHistory(t *testing.T) {
	remote := newFakeRemote()
	q, _, fs := newTestQueue(t, remote, QueueConfig{})

	data := []byte("counted bytes")
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", data, 0o644))

	id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/src/a.txt", RemotePath: "/dst/a.txt"})
	require.NoError(t, err)
	waitTaskStatus(t, q, id, StatusCompleted)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, int64(len(data)), stats.BytesTransferred)
	assert.Equal(t, int64(len(data)), stats.BytesTotal)
	assert.Contains(t, stats.String(), "completed=1")

	history := q.History()
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)
	assert.Empty(t, q.Tasks(), "terminal tasks leave the active set")
}

func TestQueueHistoryLimit(t *testing.T) {
	remote := newFakeRemote()
	q, _, fs := newTestQueue(t, remote, QueueConfig{HistoryLimit: 2})

	var last string
	for i := 0; i < 4; i++ {
		p := "/src/f" + string(rune('a'+i)) + ".txt"
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
		id, err := q.Submit(TaskSpec{Host: testHost, LocalPath: p, RemotePath: "/dst" + p})
		require.NoError(t, err)
		waitTaskStatus(t, q, id, StatusCompleted)
		last = id
	}

	history := q.History()
	assert.Len(t, history, 2)
	assert.Equal(t, last, history[len(history)-1].ID)
}

func TestQueueSubmitAfterClose(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeRemote(), QueueConfig{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "close is idempotent")

	_, err := q.Submit(TaskSpec{Host: testHost, LocalPath: "/a", RemotePath: "/b"})
	require.Error(t, err)
}
