package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"ferry-sync/internal/events"
	"ferry-sync/internal/remote"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
)

const (
	maxConcurrent = 3
	maxRetries    = 3
	tickInterval  = 500 * time.Millisecond
)

// Transferer is the slice of the dispatcher the queue drives. Narrowed
// to an interface so the scheduler can be exercised without a live
// connection.
type Transferer interface {
	GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress remote.ProgressFunc) error
	PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress remote.ProgressFunc) error
}

// Queue is the persistent FIFO transfer scheduler. It exclusively owns
// the task list; consumers see full snapshots published on the event
// bus, never shared memory.
type Queue struct {
	transferer Transferer
	path       string
	bus        EventBus.Bus

	mu      sync.Mutex
	tasks   []*Task
	cancels map[string]context.CancelFunc

	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopping bool
}

// New loads persisted state from path and applies startup recovery: any
// task that was active or pending at the previous shutdown becomes
// interrupted with its speed zeroed, ready for automatic promotion.
func New(transferer Transferer, path string, bus EventBus.Bus) (*Queue, error) {
	q := &Queue{
		transferer: transferer,
		path:       path,
		bus:        bus,
		cancels:    map[string]context.CancelFunc{},
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q.tasks); err != nil {
			return nil, fmt.Errorf("corrupt transfer state %s: %w", path, err)
		}
	}

	recovered := false
	for _, t := range q.tasks {
		if t.Status == StatusActive || t.Status == StatusPending {
			t.Status = StatusInterrupted
			t.Speed = 0
			recovered = true
		}
	}
	if recovered {
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Start launches the scheduler. Interrupted tasks left from a previous
// run are picked up immediately.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.schedule()
	q.nudge()
}

// Stop interrupts all running transfers and waits for the scheduler to
// drain. In-flight tasks persist as interrupted, not cancelled, so the
// next run resumes them.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopping = true
	for _, cancel := range q.cancels {
		cancel()
	}
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) nudge() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Add enqueues a transfer in pending state and wakes the scheduler.
func (q *Queue) Add(spec Spec) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		Direction:  spec.Direction,
		LocalPath:  spec.LocalPath,
		RemotePath: spec.RemotePath,
		Name:       spec.Name,
		Total:      spec.Total,
		Status:     StatusPending,
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.persistLocked()
	q.mu.Unlock()
	q.publish()
	q.nudge()
	return t
}

// Cancel flips the task to cancelled immediately and fires its token;
// the running backend observes it at the next I/O boundary.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	t := q.findLocked(id)
	if t == nil {
		q.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	t.Status = StatusCancelled
	t.Speed = 0
	cancel := q.cancels[id]
	delete(q.cancels, id)
	q.persistLocked()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.publish()
	q.nudge()
	return nil
}

// Retry re-queues a failed, cancelled, or interrupted task.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	t := q.findLocked(id)
	if t == nil {
		q.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusFailed && t.Status != StatusCancelled && t.Status != StatusInterrupted {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s, not retryable", id, t.Status)
	}
	t.Status = StatusPending
	t.RetryCount = 0
	t.Error = ""
	q.persistLocked()
	q.mu.Unlock()
	q.publish()
	q.nudge()
	return nil
}

// RetryAll re-queues every failed, cancelled, and interrupted task.
func (q *Queue) RetryAll() {
	q.mu.Lock()
	for _, t := range q.tasks {
		if t.Status == StatusFailed || t.Status == StatusCancelled || t.Status == StatusInterrupted {
			t.Status = StatusPending
			t.RetryCount = 0
			t.Error = ""
		}
	}
	q.persistLocked()
	q.mu.Unlock()
	q.publish()
	q.nudge()
}

// Remove drops a terminal task from the list.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer func() {
		q.mu.Unlock()
		q.publish()
	}()
	for i, t := range q.tasks {
		if t.ID != id {
			continue
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("task %s is %s, cancel it first", id, t.Status)
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		q.persistLocked()
		return nil
	}
	return fmt.Errorf("task %s not found", id)
}

// Snapshot returns a copy of every task in enqueue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

func (q *Queue) findLocked(id string) *Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// schedule is the single scheduler loop. Whenever a slot is free it
// promotes the first pending or interrupted task in FIFO order; no task
// is ever promoted twice because promotion happens under the lock and
// flips the status to active in the same step.
func (q *Queue) schedule() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.kick:
		}
		for {
			t, offset := q.promoteNext()
			if t == nil {
				break
			}
			q.wg.Add(1)
			go q.run(t, offset)
		}
	}
}

// promoteNext promotes one task under the lock, returning the resume
// offset to use (nonzero only when resuming an interruption).
func (q *Queue) promoteNext() (*Task, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cancels) >= maxConcurrent {
		return nil, 0
	}
	for _, t := range q.tasks {
		if t.Status != StatusPending && t.Status != StatusInterrupted {
			continue
		}
		var offset int64
		if t.Status == StatusInterrupted {
			offset = t.Transferred
		}
		t.Status = StatusActive
		ctx, cancel := context.WithCancel(context.Background())
		q.cancels[t.ID] = cancel
		t.ctx = ctx
		q.persistLocked()
		return t, offset
	}
	return nil, 0
}

// run drives one transfer to a terminal or requeued state.
func (q *Queue) run(t *Task, offset int64) {
	defer q.wg.Done()
	q.publish()

	ctx := t.ctx
	prog := newProgressState(offset)
	progress := func(transferred, chunk, total int64) {
		q.onProgress(t, prog, transferred, total)
	}

	var err error
	if t.Direction == DirectionUpload {
		err = q.transferer.PutWithProgress(ctx, t.LocalPath, t.RemotePath, offset, progress)
	} else {
		err = q.transferer.GetWithProgress(ctx, t.RemotePath, t.LocalPath, offset, progress)
	}

	q.mu.Lock()
	delete(q.cancels, t.ID)
	switch {
	case t.Status == StatusCancelled:
		// Cancel already recorded the terminal state; nothing to do.
	case err == nil:
		t.Status = StatusCompleted
		if t.Total > 0 {
			t.Transferred = t.Total
		}
		t.Progress = 100
		t.Speed = 0
		t.RetryCount = 0
		t.Error = ""
	case errors.Is(err, remote.ErrCancelled):
		if q.stopping {
			t.Status = StatusInterrupted
		} else {
			t.Status = StatusCancelled
		}
		t.Speed = 0
	default:
		t.RetryCount++
		if t.RetryCount <= maxRetries {
			t.Status = StatusPending
			t.Error = fmt.Sprintf("Retry %d/%d: %v", t.RetryCount, maxRetries, err)
		} else {
			t.Status = StatusFailed
			t.Error = err.Error()
		}
		t.Speed = 0
	}
	q.persistLocked()
	q.mu.Unlock()

	q.publish()
	q.nudge()
}

// progressState carries the per-run speed window.
type progressState struct {
	lastTick     time.Time
	lastBytes    int64
	sawFirstTick bool
}

func newProgressState(offset int64) *progressState {
	return &progressState{lastTick: time.Now(), lastBytes: offset}
}

// onProgress applies a raw backend callback. The first tick may reset
// accounting below the resume offset: that is a backend announcing it
// restarted from zero (object-store uploads), and the queue adopts the
// new base rather than rejecting the non-monotonic step. Speed is a
// windowed average recomputed at most every 500 ms; each window tick
// also persists the queue so a crash loses at most half a second of
// accounting.
func (q *Queue) onProgress(t *Task, p *progressState, transferred, total int64) {
	q.mu.Lock()
	if t.Status != StatusActive {
		q.mu.Unlock()
		return
	}
	if !p.sawFirstTick {
		p.sawFirstTick = true
		if transferred < p.lastBytes {
			p.lastBytes = transferred
		}
	}
	t.Transferred = transferred
	if total > 0 {
		t.Total = total
	}
	t.recomputeProgress()

	now := time.Now()
	elapsed := now.Sub(p.lastTick)
	persist := false
	if elapsed >= tickInterval {
		delta := transferred - p.lastBytes
		if delta < 0 {
			delta = 0
		}
		t.Speed = float64(delta) / elapsed.Seconds()
		p.lastTick = now
		p.lastBytes = transferred
		persist = true
	}
	if persist {
		q.persistLocked()
	}
	q.mu.Unlock()
	if persist {
		q.publish()
	}
}

// persistLocked writes the queue to disk; callers hold the lock, so
// writes land in the order of the state changes they reflect. The write
// is staged through a temp file and renamed so a crash never leaves a
// torn file.
func (q *Queue) persistLocked() error {
	data, err := json.MarshalIndent(q.tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *Queue) publish() {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.EventQueueUpdated, q.Snapshot())
}
