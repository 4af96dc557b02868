// Package task holds the state of one file's chunked upload.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytevault-io/go-uploader/chunkplan"
	"github.com/bytevault-io/go-uploader/protocol"
	"github.com/google/uuid"
)

// Change describes what a mutation touched, for observers.
type Change int

// Changes reported to the observer.
const (
	ChangeProgress Change = iota
	ChangeState
)

// Observer is called after a task mutation, outside the task's lock.
type Observer func(t *Task, change Change)

// Options ...
type Options struct {
	// ID is generated when empty.
	ID          string
	Source      chunkplan.Source
	Destination protocol.Destination
	// ChunkSize defaults to chunkplan.DefaultChunkSize.
	ChunkSize int64

	// SessionID and Plan restore a session created by an earlier process. The task starts Paused.
	SessionID string
	Plan      *chunkplan.Plan

	Observer Observer
	Now      func() time.Time
}

// Task is one file's upload. All fields are guarded by mu; progress is derived from the completed set.
type Task struct {
	id          string
	source      chunkplan.Source
	destination protocol.Destination
	chunkSize   int64
	createdAt   time.Time
	observer    Observer
	now         func() time.Time

	mu           sync.Mutex
	state        State
	plan         *chunkplan.Plan
	sessionID    string
	completed    map[int]struct{}
	attempts     map[int]int
	failed       map[int]struct{}
	totalRetries int
	lastErr      error
	warning      error
	record       *protocol.Record
	updatedAt    time.Time

	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	detached   bool
	merging    bool
}

// New ...
func New(opts Options) (*Task, error) {
	if opts.Source == nil {
		return nil, errors.New("source must not be nil")
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunkplan.DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > chunkplan.MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", chunkplan.ErrInvalidChunkSize, chunkSize)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	t := &Task{
		id:          id,
		source:      opts.Source,
		destination: opts.Destination,
		chunkSize:   chunkSize,
		createdAt:   now(),
		observer:    opts.Observer,
		now:         now,
		state:       Created,
		completed:   map[int]struct{}{},
		attempts:    map[int]int{},
		failed:      map[int]struct{}{},
	}
	t.updatedAt = t.createdAt

	if opts.SessionID != "" {
		if opts.Plan == nil {
			return nil, errors.New("restored session has no chunk plan")
		}
		if opts.Plan.FileSize != opts.Source.Size() {
			return nil, fmt.Errorf("file size changed since the session was created: %d != %d", opts.Source.Size(), opts.Plan.FileSize)
		}
		plan := *opts.Plan
		t.plan = &plan
		t.chunkSize = plan.ChunkSize
		t.sessionID = opts.SessionID
		t.state = Paused
	}

	return t, nil
}

// ID ...
func (t *Task) ID() string {
	return t.id
}

// Source ...
func (t *Task) Source() chunkplan.Source {
	return t.source
}

// Destination ...
func (t *Task) Destination() protocol.Destination {
	return t.destination
}

// ChunkSize ...
func (t *Task) ChunkSize() int64 {
	return t.chunkSize
}

// CreatedAt ...
func (t *Task) CreatedAt() time.Time {
	return t.createdAt
}

// State ...
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the remote session id, or "" before the first init.
func (t *Task) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Plan returns the chunk plan once it has been derived.
func (t *Task) Plan() (chunkplan.Plan, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plan == nil {
		return chunkplan.Plan{}, false
	}
	return *t.plan, true
}

// SetSession records the session id returned by init. It can only be set once.
func (t *Task) SetSession(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" && t.sessionID != sessionID {
		return fmt.Errorf("task %s already has session %s", t.id, t.sessionID)
	}
	t.sessionID = sessionID
	return nil
}

// SetPlan fixes the chunk plan. A task keeps its first plan for its whole life.
func (t *Task) SetPlan(plan chunkplan.Plan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.plan != nil {
		if *t.plan != plan {
			return fmt.Errorf("task %s already has a plan of %d chunks", t.id, t.plan.TotalChunks)
		}
		return nil
	}
	t.plan = &plan
	return nil
}

// Activation is one scheduling pass of a task.
type Activation struct {
	// Ctx is cancelled by Pause, Cancel and Abort.
	Ctx        context.Context
	Generation uint64

	previous <-chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// WaitPrevious blocks until the pass before this one has returned.
func (a *Activation) WaitPrevious() {
	if a.previous != nil {
		<-a.previous
	}
}

// Finish marks the pass as returned. It must be called exactly once.
func (a *Activation) Finish() {
	a.cancel()
	close(a.done)
}

// Activate moves the task to Uploading and starts a new pass whose context derives from parent.
func (t *Task) Activate(parent context.Context) (*Activation, error) {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return nil, transitionError("activate removed task", t.state)
	}
	if !t.state.Activatable() {
		state := t.state
		t.mu.Unlock()
		return nil, transitionError("activate", state)
	}

	ctx, cancel := context.WithCancel(parent)
	t.generation++
	activation := &Activation{
		Ctx:        ctx,
		Generation: t.generation,
		previous:   t.done,
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	t.done = activation.done
	t.cancel = cancel
	t.state = Uploading
	t.merging = false
	t.failed = map[int]struct{}{}
	t.touch()
	t.mu.Unlock()

	t.notify(ChangeState)
	return activation, nil
}

// Done returns a channel closed once the latest pass has returned.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Pause aborts the running pass and keeps everything completed so far.
// A pass that is merging the session cannot be paused; it ends on its own.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.state != Uploading {
		state := t.state
		t.mu.Unlock()
		return transitionError("pause", state)
	}
	if t.merging {
		t.mu.Unlock()
		return fmt.Errorf("pause while the session is merging: %w", ErrInvalidTransition)
	}
	t.stopLocked()
	t.state = Paused
	t.touch()
	t.mu.Unlock()

	t.notify(ChangeState)
	return nil
}

// Cancel aborts the task for removal. A completed task cannot be cancelled.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Completed {
		return transitionError("cancel", t.state)
	}
	t.detachLocked()
	return nil
}

// Abort aborts the task for removal regardless of its state.
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detachLocked()
}

func (t *Task) detachLocked() {
	t.stopLocked()
	t.generation++
	t.detached = true
}

func (t *Task) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Reconcile adds the chunks the store already holds to the completed set.
// Indices outside the plan are ignored.
func (t *Task) Reconcile(indices []int) int {
	t.mu.Lock()
	if t.plan == nil {
		t.mu.Unlock()
		return 0
	}
	added := 0
	for _, i := range indices {
		if !t.plan.Contains(i) {
			continue
		}
		if _, ok := t.completed[i]; !ok {
			added++
		}
		t.markCompletedLocked(i)
	}
	if added > 0 {
		t.touch()
	}
	t.mu.Unlock()

	if added > 0 {
		t.notify(ChangeProgress)
	}
	return added
}

// Pending returns the chunk indices not completed yet, in ascending order.
func (t *Task) Pending() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plan == nil {
		return nil
	}
	return t.plan.Pending(t.completed)
}

// MarkChunkCompleted records an acknowledged chunk and clears its attempt counter.
func (t *Task) MarkChunkCompleted(index int) error {
	t.mu.Lock()
	if t.plan == nil || !t.plan.Contains(index) {
		t.mu.Unlock()
		return fmt.Errorf("chunk %d is outside the plan", index)
	}
	t.markCompletedLocked(index)
	t.touch()
	t.mu.Unlock()

	t.notify(ChangeProgress)
	return nil
}

func (t *Task) markCompletedLocked(index int) {
	t.completed[index] = struct{}{}
	delete(t.attempts, index)
	delete(t.failed, index)
}

// RecordChunkFailure counts a failed attempt of a chunk and returns the chunk's failure count.
func (t *Task) RecordChunkFailure(index int, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts[index]++
	t.totalRetries++
	t.lastErr = err
	t.touch()
	return t.attempts[index]
}

// MarkChunkFailed marks a chunk as permanently failed for the current pass.
func (t *Task) MarkChunkFailed(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.completed[index]; ok {
		return
	}
	t.failed[index] = struct{}{}
	t.touch()
}

// BeginMerge marks the pass of the given generation as merging the session.
// Every chunk must be completed. Cancel and Abort still stop a merging pass.
func (t *Task) BeginMerge(generation uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkPassLocked("merge", generation); err != nil {
		return err
	}
	if t.plan == nil || len(t.completed) != t.plan.TotalChunks {
		return fmt.Errorf("merge with outstanding chunks: %w", ErrInvalidTransition)
	}
	t.merging = true
	return nil
}

// Complete ends the pass of the given generation as Completed.
// A non-nil warning means the merge outcome is unconfirmed.
func (t *Task) Complete(generation uint64, record protocol.Record, warning error) error {
	t.mu.Lock()
	if err := t.checkPassLocked("complete", generation); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.plan == nil || len(t.completed) != t.plan.TotalChunks {
		t.mu.Unlock()
		return fmt.Errorf("complete with outstanding chunks: %w", ErrInvalidTransition)
	}
	t.stopLocked()
	t.merging = false
	t.state = Completed
	t.record = &record
	t.warning = warning
	t.touch()
	t.mu.Unlock()

	t.notify(ChangeState)
	return nil
}

// Fail ends the pass of the given generation as Failed.
func (t *Task) Fail(generation uint64, err error) error {
	t.mu.Lock()
	if checkErr := t.checkPassLocked("fail", generation); checkErr != nil {
		t.mu.Unlock()
		return checkErr
	}
	t.stopLocked()
	t.merging = false
	t.state = Failed
	if err != nil {
		t.lastErr = err
	}
	t.touch()
	t.mu.Unlock()

	t.notify(ChangeState)
	return nil
}

func (t *Task) checkPassLocked(op string, generation uint64) error {
	if t.detached || generation != t.generation {
		return fmt.Errorf("%s from a stale pass: %w", op, ErrInvalidTransition)
	}
	if t.state != Uploading {
		return transitionError(op, t.state)
	}
	return nil
}

func (t *Task) touch() {
	t.updatedAt = t.now()
}

func (t *Task) notify(change Change) {
	if t.observer != nil {
		t.observer(t, change)
	}
}

// Snapshot is a consistent copy of a task's observable fields.
type Snapshot struct {
	ID          string
	FileName    string
	FileSize    int64
	ContentType string
	Destination protocol.Destination
	ChunkSize   int64

	State     State
	SessionID string

	TotalChunks      int
	CompletedChunks  []int
	ChunkAttempts    map[int]int
	FailedChunks     []int
	BytesTransferred int64
	// Progress is a percentage in [0, 100].
	Progress float64

	// Warning is set when the task completed without confirmation of the merge.
	Warning   error
	LastError error
	Record    *protocol.Record

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot ...
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := Snapshot{
		ID:              t.id,
		FileName:        t.source.Name(),
		FileSize:        t.source.Size(),
		ContentType:     t.source.ContentType(),
		Destination:     t.destination,
		ChunkSize:       t.chunkSize,
		State:           t.state,
		SessionID:       t.sessionID,
		CompletedChunks: chunkplan.SortedIndices(t.completed),
		ChunkAttempts:   make(map[int]int, len(t.attempts)),
		FailedChunks:    chunkplan.SortedIndices(t.failed),
		Warning:         t.warning,
		LastError:       t.lastErr,
		CreatedAt:       t.createdAt,
		UpdatedAt:       t.updatedAt,
	}
	for i, n := range t.attempts {
		snapshot.ChunkAttempts[i] = n
	}
	if t.record != nil {
		record := *t.record
		snapshot.Record = &record
	}
	if t.plan != nil {
		snapshot.TotalChunks = t.plan.TotalChunks
		snapshot.BytesTransferred = t.plan.BytesTransferred(len(t.completed))
		snapshot.Progress = progress(snapshot.BytesTransferred, t.plan.FileSize)
	}
	return snapshot
}

func progress(transferred, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(transferred) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
