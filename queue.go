package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// TaskKind selects what a queued task transfers.
type TaskKind string

const (
	// TaskFile transfers a single file.
	TaskFile TaskKind = "file"
	// TaskDirectory transfers a whole tree file-by-file.
	TaskDirectory TaskKind = "directory"
	// TaskSync delta-syncs a local tree to a remote tree: plan first,
	// then uploads, then deletions.
	TaskSync TaskKind = "sync"
)

// TaskStatus is the scheduler-visible state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
)

// terminal reports whether a status can never change again.
func (s TaskStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Priority orders pending tasks; higher runs first. Zero means the
// queue assigns one from the transfer's size class.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Size-class boundaries for automatic priority assignment: small files
// jump the queue, bulk transfers yield.
const (
	autoPriorityHighBelow   = 10 * 1024 * 1024
	autoPriorityNormalBelow = 1024 * 1024 * 1024
)

// TaskSpec describes one unit of work submitted to the queue.
type TaskSpec struct {
	// Kind selects file, directory, or sync semantics (default file).
	Kind TaskKind

	// Host is the remote endpoint, including any jump chain.
	Host HostConfig

	// LocalPath is the local file or directory.
	LocalPath string

	// RemotePath is the remote file or directory.
	RemotePath string

	// Direction is upload or download (default upload). Sync tasks are
	// always local-to-remote.
	Direction Direction

	// Sync configures planning for sync tasks; ignored otherwise.
	Sync SyncOptions

	// Priority overrides the automatic size-class priority when set.
	Priority Priority
}

// TransferTask is a point-in-time snapshot of a queued task.
type TransferTask struct {
	ID          string
	Spec        TaskSpec
	Status      TaskStatus
	Priority    Priority
	RetryCount  int
	Transferred int64
	Total       int64
	Error       string
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	NextAttempt time.Time
}

// EventType distinguishes queue event kinds.
type EventType string

const (
	// EventState reports a task status transition. Never dropped.
	EventState EventType = "state"
	// EventProgress reports transfer byte counters. Dropped under
	// backpressure.
	EventProgress EventType = "progress"
)

// Event is one entry on the queue's event stream.
type Event struct {
	Type     EventType
	TaskID   string
	Status   TaskStatus
	Progress Progress
	Error    string
	Time     time.Time
}

// QueueStats summarizes queue occupancy and throughput.
type QueueStats struct {
	Pending          int
	Running          int
	Paused           int
	Completed        int
	Failed           int
	Canceled         int
	BytesTotal       int64
	BytesTransferred int64
	// AverageSpeed is bytes per second over completed transfers.
	AverageSpeed float64
}

func (s QueueStats) String() string {
	return fmt.Sprintf("pending=%d running=%d paused=%d completed=%d failed=%d canceled=%d transferred=%s speed=%s/s",
		s.Pending, s.Running, s.Paused, s.Completed, s.Failed, s.Canceled,
		humanize.Bytes(uint64(s.BytesTransferred)), humanize.Bytes(uint64(s.AverageSpeed)))
}

// task is the queue's mutable record for one submission. All fields
// are guarded by the queue mutex.
type task struct {
	id          string
	seq         int64
	spec        TaskSpec
	priority    Priority
	status      TaskStatus
	retryCount  int
	transferred int64
	total       int64
	err         error
	enqueuedAt  time.Time
	startedAt   time.Time
	finishedAt  time.Time
	nextAttempt time.Time

	cancel          context.CancelFunc
	pauseRequested  bool
	cancelRequested bool
}

func (t *task) snapshot() TransferTask {
	tt := TransferTask{
		ID:          t.id,
		Spec:        t.spec,
		Status:      t.status,
		Priority:    t.priority,
		RetryCount:  t.retryCount,
		Transferred: t.transferred,
		Total:       t.total,
		EnqueuedAt:  t.enqueuedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		NextAttempt: t.nextAttempt,
	}
	if t.err != nil {
		tt.Error = t.err.Error()
	}
	return tt
}

// TransferQueue schedules transfer tasks over a bounded worker budget
// with priority ordering, pause/resume/cancel, task-level retry with
// exponential backoff, and an event stream for observers.
type TransferQueue struct {
	pool     *SessionPool
	fs       afero.Fs
	cfg      QueueConfig
	executor *Executor
	verifier *Verifier
	logger   *logrus.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	order    []*task
	history  []*task
	running  int
	nextSeq  int64
	closed   bool
	doneByte int64
	doneDur  time.Duration

	// stateQ holds undelivered state events; the pump drains it in
	// order so a full event buffer never loses a transition.
	stateQ    []Event
	stateWake chan struct{}

	events  chan Event
	wake    chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	loopWG  sync.WaitGroup
}

// NewTransferQueue creates a scheduler over the given pool and local
// filesystem and starts its dispatch loop.
func NewTransferQueue(pool *SessionPool, fsys afero.Fs, cfg QueueConfig) *TransferQueue {
	cfg = cfg.WithDefaults()

	executor := NewExecutor(pool, fsys, cfg.Transfer, cfg.Logger)
	if cfg.Compression.Enabled {
		executor.SetCompressor(NewCompressor(fsys, cfg.Compression, cfg.Logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &TransferQueue{
		pool:      pool,
		fs:        fsys,
		cfg:       cfg,
		executor:  executor,
		verifier:  NewVerifier(fsys, cfg.Verify, cfg.Logger),
		logger:    cfg.Logger,
		tasks:     make(map[string]*task),
		stateWake: make(chan struct{}, 1),
		events:    make(chan Event, cfg.EventBuffer),
		wake:      make(chan struct{}, 1),
		baseCtx:   ctx,
		stop:      cancel,
	}

	q.loopWG.Add(2)
	go q.loop()
	go q.statePump()
	return q
}

// Submit enqueues a task and returns its ID. The task starts as soon
// as a worker slot and its priority allow.
func (q *TransferQueue) Submit(spec TaskSpec) (string, error) {
	if spec.Kind == "" {
		spec.Kind = TaskFile
	}
	if spec.Direction == "" || spec.Kind == TaskSync {
		spec.Direction = DirectionUpload
	}
	if spec.LocalPath == "" || spec.RemotePath == "" {
		return "", fmt.Errorf("task requires both local and remote paths")
	}
	if spec.Host.Host == "" {
		return "", fmt.Errorf("task requires a host")
	}

	priority := spec.Priority
	if priority == 0 {
		priority = q.autoPriority(spec)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("queue is closed")
	}

	q.nextSeq++
	t := &task{
		id:         uuid.NewString(),
		seq:        q.nextSeq,
		spec:       spec,
		priority:   priority,
		status:     StatusPending,
		enqueuedAt: time.Now(),
	}
	q.tasks[t.id] = t
	q.order = append(q.order, t)
	q.emitState(t)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"task":     t.id,
		"kind":     spec.Kind,
		"priority": priority,
		"local":    spec.LocalPath,
		"remote":   spec.RemotePath,
	}).Info("task enqueued")

	q.notify()
	return t.id, nil
}

// autoPriority maps an upload's size class to a priority. Transfers
// whose size is unknown at submit time run at normal priority.
func (q *TransferQueue) autoPriority(spec TaskSpec) Priority {
	if spec.Kind != TaskFile || spec.Direction != DirectionUpload {
		return PriorityNormal
	}
	info, err := q.fs.Stat(spec.LocalPath)
	if err != nil {
		return PriorityNormal
	}
	switch {
	case info.Size() < autoPriorityHighBelow:
		return PriorityHigh
	case info.Size() < autoPriorityNormalBelow:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Pause stops a pending or running task. A running task's transfer is
// interrupted and its progress discarded; Resume requeues it from the
// beginning.
func (q *TransferQueue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}

	switch t.status {
	case StatusPending:
		t.status = StatusPaused
		q.emitState(t)
		return nil
	case StatusRunning:
		t.pauseRequested = true
		if t.cancel != nil {
			t.cancel()
		}
		return nil
	case StatusPaused:
		return nil
	default:
		return fmt.Errorf("task %s is %s", id, t.status)
	}
}

// Resume requeues a paused task.
func (q *TransferQueue) Resume(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("unknown task %s", id)
	}
	if t.status != StatusPaused {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s, not paused", id, t.status)
	}
	t.status = StatusPending
	t.nextAttempt = time.Time{}
	q.emitState(t)
	q.mu.Unlock()

	q.notify()
	return nil
}

// Cancel terminates a task from any non-terminal state.
func (q *TransferQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}

	switch t.status {
	case StatusPending, StatusPaused:
		q.finishLocked(t, StatusCanceled, nil)
		return nil
	case StatusRunning:
		t.cancelRequested = true
		if t.cancel != nil {
			t.cancel()
		}
		return nil
	default:
		return fmt.Errorf("task %s is already %s", id, t.status)
	}
}

// Task returns a snapshot of the task with the given ID, checking
// active tasks first and then retained history.
func (q *TransferQueue) Task(id string) (TransferTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[id]; ok {
		return t.snapshot(), true
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].id == id {
			return q.history[i].snapshot(), true
		}
	}
	return TransferTask{}, false
}

// Tasks returns snapshots of all non-terminal tasks in enqueue order.
func (q *TransferQueue) Tasks() []TransferTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TransferTask, 0, len(q.order))
	for _, t := range q.order {
		out = append(out, t.snapshot())
	}
	return out
}

// History returns snapshots of terminal tasks, oldest first, up to the
// configured retention limit.
func (q *TransferQueue) History() []TransferTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TransferTask, 0, len(q.history))
	for _, t := range q.history {
		out = append(out, t.snapshot())
	}
	return out
}

// Stats returns current queue occupancy and cumulative bytes moved.
func (q *TransferQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{BytesTotal: q.doneByte, BytesTransferred: q.doneByte}
	for _, t := range q.order {
		switch t.status {
		case StatusPending:
			s.Pending++
			s.BytesTotal += t.total
		case StatusRunning:
			s.Running++
			s.BytesTotal += t.total
			s.BytesTransferred += t.transferred
		case StatusPaused:
			s.Paused++
			s.BytesTotal += t.total
		}
	}
	if q.doneDur > 0 {
		s.AverageSpeed = float64(q.doneByte) / q.doneDur.Seconds()
	}
	for _, t := range q.history {
		switch t.status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCanceled:
			s.Canceled++
		}
	}
	return s
}

// Events returns the queue's event stream. State transitions are never
// dropped; progress ticks are shed under backpressure. The channel is
// closed by Close.
func (q *TransferQueue) Events() <-chan Event {
	return q.events
}

// Close stops the dispatch loop, cancels running tasks, waits for them
// to unwind, and closes the event stream.
func (q *TransferQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.stop()
	q.loopWG.Wait()
	q.wg.Wait()
	q.flushStates()
	close(q.events)
	return nil
}

func (q *TransferQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TransferQueue) loop() {
	defer q.loopWG.Done()
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-q.wake:
		}
		q.dispatch()
	}
}

// dispatch starts runnable tasks until the worker budget is spent,
// highest priority first, FIFO within a priority.
func (q *TransferQueue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for q.running < q.cfg.MaxConcurrent {
		t := q.nextRunnableLocked(now)
		if t == nil {
			return
		}

		t.status = StatusRunning
		t.startedAt = now
		t.transferred = 0
		ctx, cancel := context.WithCancel(q.baseCtx)
		t.cancel = cancel
		q.running++
		q.emitState(t)

		q.wg.Add(1)
		go q.run(ctx, t)
	}
}

func (q *TransferQueue) nextRunnableLocked(now time.Time) *task {
	var best *task
	for _, t := range q.order {
		if t.status != StatusPending || t.nextAttempt.After(now) {
			continue
		}
		if best == nil || t.priority > best.priority || (t.priority == best.priority && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (q *TransferQueue) run(ctx context.Context, t *task) {
	defer q.wg.Done()

	err := q.execute(ctx, t)

	q.mu.Lock()
	q.running--
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	switch {
	case t.cancelRequested:
		q.finishLocked(t, StatusCanceled, nil)

	case t.pauseRequested:
		t.pauseRequested = false
		t.status = StatusPaused
		t.transferred = 0
		q.emitState(t)

	case err == nil:
		q.finishLocked(t, StatusCompleted, nil)

	default:
		t.err = err
		t.retryCount++
		if q.shouldRetryLocked(t, err) {
			delay := q.cfg.Retry.Delay(t.retryCount)
			t.status = StatusPending
			t.nextAttempt = time.Now().Add(delay)
			q.emitState(t)
			q.logger.WithFields(logrus.Fields{
				"task":    t.id,
				"attempt": t.retryCount,
				"delay":   delay,
			}).Warnf("task failed, retrying: %v", err)
			time.AfterFunc(delay, q.notify)
		} else {
			q.finishLocked(t, StatusFailed, err)
		}
	}
	q.mu.Unlock()

	q.notify()
}

// shouldRetryLocked decides whether a failed task goes back to pending.
// Checksum mismatches are deliberate non-retries: re-sending the same
// bytes will not change the digest disagreement.
func (q *TransferQueue) shouldRetryLocked(t *task, err error) bool {
	if !q.cfg.Retry.Enabled || t.retryCount >= q.cfg.Retry.MaxRetries {
		return false
	}
	var mismatch *VerificationMismatch
	return !errors.As(err, &mismatch)
}

// finishLocked moves a task to a terminal state and into history.
func (q *TransferQueue) finishLocked(t *task, status TaskStatus, err error) {
	t.status = status
	t.err = err
	t.finishedAt = time.Now()
	if status == StatusCompleted {
		q.doneByte += t.transferred
		q.doneDur += t.finishedAt.Sub(t.startedAt)
	}

	delete(q.tasks, t.id)
	for i, o := range q.order {
		if o == t {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.history = append(q.history, t)
	if len(q.history) > q.cfg.HistoryLimit {
		q.history = q.history[len(q.history)-q.cfg.HistoryLimit:]
	}

	q.emitState(t)

	entry := q.logger.WithFields(logrus.Fields{
		"task":        t.id,
		"status":      status,
		"transferred": t.transferred,
		"duration":    t.finishedAt.Sub(t.startedAt),
	})
	if err != nil {
		entry.Errorf("task finished: %v", err)
	} else {
		entry.Info("task finished")
	}
}

// emitState appends a state event for the pump to deliver. Callers
// hold the queue mutex. State transitions are never dropped: the pump
// sends them in order and waits out a full buffer instead of shedding.
func (q *TransferQueue) emitState(t *task) {
	ev := Event{
		Type:   EventState,
		TaskID: t.id,
		Status: t.status,
		Time:   time.Now(),
	}
	if t.err != nil {
		ev.Error = t.err.Error()
	}

	q.stateQ = append(q.stateQ, ev)
	select {
	case q.stateWake <- struct{}{}:
	default:
	}
}

// statePump delivers queued state events to the event channel in
// order, blocking on a slow consumer rather than dropping.
func (q *TransferQueue) statePump() {
	defer q.loopWG.Done()
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-q.stateWake:
		}

		for {
			q.mu.Lock()
			if len(q.stateQ) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.stateQ[0]
			q.stateQ = q.stateQ[1:]
			q.mu.Unlock()

			select {
			case q.events <- ev:
			case <-q.baseCtx.Done():
				// Shutting down; deliver as buffer room allows.
				select {
				case q.events <- ev:
				default:
				}
			}
		}
	}
}

// flushStates makes a best-effort pass over undelivered state events
// during shutdown, after the pump has exited.
func (q *TransferQueue) flushStates() {
	q.mu.Lock()
	pending := q.stateQ
	q.stateQ = nil
	q.mu.Unlock()

	for _, ev := range pending {
		select {
		case q.events <- ev:
		default:
		}
	}
}

// emitProgress queues a progress event, dropping it under backpressure.
func (q *TransferQueue) emitProgress(id string, p Progress) {
	select {
	case q.events <- Event{Type: EventProgress, TaskID: id, Status: StatusRunning, Progress: p, Time: time.Now()}:
	default:
	}
}

func (q *TransferQueue) progressFunc(t *task) ProgressFunc {
	return func(p Progress) {
		q.mu.Lock()
		t.transferred = p.Transferred
		t.total = p.Total
		q.mu.Unlock()
		q.emitProgress(t.id, p)
	}
}

func (q *TransferQueue) execute(ctx context.Context, t *task) error {
	switch t.spec.Kind {
	case TaskSync:
		return q.runSync(ctx, t)
	case TaskDirectory:
		_, err := q.executor.TransferDirectory(ctx, t.spec.Host, t.spec.LocalPath, t.spec.RemotePath, t.spec.Direction, q.progressFunc(t))
		if err != nil {
			return err
		}
		return q.verifyDirectory(ctx, t.spec)
	default:
		_, err := q.executor.TransferFile(ctx, t.spec.Host, t.spec.LocalPath, t.spec.RemotePath, t.spec.Direction, q.progressFunc(t))
		if err != nil {
			return err
		}
		return q.verifyTransfer(ctx, t.spec.Host, t.spec.LocalPath, t.spec.RemotePath)
	}
}

// verifyTransfer checks the landed file's checksum when verification
// is enabled.
func (q *TransferQueue) verifyTransfer(ctx context.Context, host HostConfig, localPath, remotePath string) error {
	if !q.cfg.Verify.Enabled {
		return nil
	}

	sess, err := q.pool.Lease(ctx, host)
	if err != nil {
		return err
	}

	err = q.verifier.Verify(ctx, sess, localPath, remotePath)

	var mismatch *VerificationMismatch
	if err != nil && !errors.As(err, &mismatch) {
		q.pool.Retire(sess)
	} else {
		q.pool.Release(sess)
	}
	return err
}

// verifyDirectory checksums every regular file of a finished directory
// task. Both directions scan the local tree: for an upload it is the
// source of truth, and after a download the files have landed there.
func (q *TransferQueue) verifyDirectory(ctx context.Context, spec TaskSpec) error {
	if !q.cfg.Verify.Enabled {
		return nil
	}

	snap, err := SnapshotLocal(q.fs, spec.LocalPath)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, rel := range sortedPaths(snap.Files) {
		if snap.Files[rel].IsDir {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		localPath := filepath.Join(spec.LocalPath, filepath.FromSlash(rel))
		remotePath := path.Join(spec.RemotePath, rel)
		if verr := q.verifyTransfer(ctx, spec.Host, localPath, remotePath); verr != nil {
			result = multierror.Append(result, verr)
		}
	}
	return result.ErrorOrNil()
}

// runSync snapshots both trees, plans the delta, uploads all changed
// files, and only then applies deletions. Deletions are skipped
// entirely if any upload failed, so a partial sync never removes
// remote data it might still need.
func (q *TransferQueue) runSync(ctx context.Context, t *task) error {
	spec := t.spec

	local, err := SnapshotLocal(q.fs, spec.LocalPath)
	if err != nil {
		return err
	}
	if werr := local.Err(); werr != nil {
		q.logger.WithField("task", t.id).Warnf("local scan incomplete: %v", werr)
	}

	sess, err := q.pool.Lease(ctx, spec.Host)
	if err != nil {
		return err
	}
	remote := SnapshotRemote(sess, spec.RemotePath)
	q.pool.Release(sess)
	if werr := remote.Err(); werr != nil {
		q.logger.WithField("task", t.id).Warnf("remote scan incomplete: %v", werr)
	}

	plan := Plan(local, remote, spec.Sync)

	q.mu.Lock()
	t.total = plan.UploadBytes()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"task":      t.id,
		"uploads":   len(plan.ToUpload),
		"deletes":   len(plan.ToDelete),
		"unchanged": len(plan.Unchanged),
		"bytes":     humanize.Bytes(uint64(plan.UploadBytes())),
	}).Info("sync plan computed")

	if spec.Sync.DryRun {
		return nil
	}

	total := plan.UploadBytes()
	var done int64
	var uploadErrs *multierror.Error

	for _, entry := range plan.ToUpload {
		if err := ctx.Err(); err != nil {
			return err
		}

		localPath := filepath.Join(spec.LocalPath, filepath.FromSlash(entry.File.RelPath))
		remotePath := path.Join(spec.RemotePath, entry.File.RelPath)
		base := done

		n, terr := q.executor.TransferFile(ctx, spec.Host, localPath, remotePath, DirectionUpload, func(p Progress) {
			q.mu.Lock()
			t.transferred = base + p.Transferred
			q.mu.Unlock()
			q.emitProgress(t.id, Progress{Path: p.Path, Transferred: base + p.Transferred, Total: total})
		})
		done += n

		if terr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			uploadErrs = multierror.Append(uploadErrs, terr)
			continue
		}
		if verr := q.verifyTransfer(ctx, spec.Host, localPath, remotePath); verr != nil {
			uploadErrs = multierror.Append(uploadErrs, verr)
		}
	}

	if uploadErrs.ErrorOrNil() != nil {
		if len(plan.ToDelete) > 0 {
			q.logger.WithField("task", t.id).Warn("skipping deletions after upload failures")
		}
		return uploadErrs.ErrorOrNil()
	}

	if len(plan.ToDelete) > 0 {
		if err := q.applyDeletes(ctx, spec, plan.ToDelete); err != nil {
			return err
		}
	}
	return nil
}

func (q *TransferQueue) applyDeletes(ctx context.Context, spec TaskSpec, deletes []PlanEntry) error {
	sess, err := q.pool.Lease(ctx, spec.Host)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, entry := range deletes {
		if err := ctx.Err(); err != nil {
			q.pool.Release(sess)
			return err
		}
		remotePath := path.Join(spec.RemotePath, entry.File.RelPath)
		if err := sess.Remove(remotePath); err != nil {
			result = multierror.Append(result, &TransportError{Op: "remove", Path: remotePath, Chunk: -1, Err: err})
		}
	}

	if result.ErrorOrNil() != nil {
		q.pool.Retire(sess)
	} else {
		q.pool.Release(sess)
	}
	return result.ErrorOrNil()
}
