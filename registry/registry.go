// Package registry owns the upload tasks of a process and exposes their lifecycle operations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/chunkplan"
	"github.com/bytevault-io/go-uploader/protocol"
	"github.com/bytevault-io/go-uploader/scheduler"
	"github.com/bytevault-io/go-uploader/sessionstore"
	"github.com/bytevault-io/go-uploader/task"
	"github.com/docker/go-units"
)

// ErrTaskNotFound ...
var ErrTaskNotFound = errors.New("task not found")

// ErrClosed is returned when a task is activated after Shutdown has started.
var ErrClosed = errors.New("registry is shut down")

// Options ...
type Options struct {
	// ChunkSize of new tasks. Default: chunkplan.DefaultChunkSize
	ChunkSize int64
	// Store persists sessions for Restore. Optional.
	Store sessionstore.Store
	// Tracker receives task outcome events. Default: a tracker writing to the debug log.
	Tracker analytics.Tracker
	// EventBuffer is the per-subscriber channel size. Default: 64
	EventBuffer int
}

// pathSource is implemented by sources backed by a local file, which can be reopened after a restart.
type pathSource interface {
	Path() string
}

// SourceOpener reopens the file of a persisted session.
type SourceOpener func(session sessionstore.Session) (chunkplan.Source, error)

// Registry ...
type Registry struct {
	client      protocol.Client
	scheduler   *scheduler.Scheduler
	logger      log.Logger
	chunkSize   int64
	store       sessionstore.Store
	tracker     analytics.Tracker
	eventBuffer int

	mu     sync.RWMutex
	tasks  map[string]*task.Task
	order  []string
	closed bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	runs sync.WaitGroup
}

// New ...
func New(client protocol.Client, sched *scheduler.Scheduler, opts Options, logger log.Logger) *Registry {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewLogTracker(logger)
	}
	eventBuffer := opts.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}

	return &Registry{
		client:      client,
		scheduler:   sched,
		logger:      logger,
		chunkSize:   opts.ChunkSize,
		store:       opts.Store,
		tracker:     tracker,
		eventBuffer: eventBuffer,
		tasks:       map[string]*task.Task{},
		subs:        map[int]chan Event{},
	}
}

// Add creates a task for src and starts uploading it. The task id is returned before any request is made.
func (r *Registry) Add(src chunkplan.Source, destination protocol.Destination) (string, error) {
	id, err := r.Create(src, destination)
	if err != nil {
		return "", err
	}
	if err := r.Start(id); err != nil {
		return "", err
	}
	return id, nil
}

// Create registers a task for src without starting it.
func (r *Registry) Create(src chunkplan.Source, destination protocol.Destination) (string, error) {
	t, err := task.New(task.Options{
		Source:      src,
		Destination: destination,
		ChunkSize:   r.chunkSize,
		Observer:    r.observe,
	})
	if err != nil {
		return "", err
	}

	r.insert(t)
	r.logger.Infof("Added %s (%s) as task %s", src.Name(), units.HumanSizeWithPrecision(float64(src.Size()), 3), t.ID())
	return t.ID(), nil
}

func (r *Registry) insert(t *task.Task) {
	r.mu.Lock()
	r.tasks[t.ID()] = t
	r.order = append(r.order, t.ID())
	r.mu.Unlock()

	r.publish(EventAdded, t.Snapshot())
}

// Start activates a task that has not run yet, or any task that may be activated.
func (r *Registry) Start(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return ErrTaskNotFound
	}
	return r.activate(t)
}

// Resume starts a new pass of a Paused or Failed task. It is a no-op for absent tasks and tasks in other states.
func (r *Registry) Resume(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return nil
	}
	if state := t.State(); state != task.Paused && state != task.Failed {
		r.logger.Debugf("Resume of task %s ignored in state %s", id, state)
		return nil
	}
	err := r.activate(t)
	if errors.Is(err, task.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Pause stops the running pass of a task. It is a no-op unless the task is Uploading.
func (r *Registry) Pause(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return nil
	}
	if err := t.Pause(); err != nil {
		r.logger.Debugf("Pause of task %s ignored: %s", id, err)
		return nil
	}
	r.logger.Infof("Paused task %s", id)
	return nil
}

// Cancel aborts a task and removes it. It is a no-op for absent and completed tasks.
// No server-side cleanup is attempted.
func (r *Registry) Cancel(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return nil
	}
	if err := t.Cancel(); err != nil {
		r.logger.Debugf("Cancel of task %s ignored: %s", id, err)
		return nil
	}
	r.drop(t)
	r.logger.Infof("Cancelled task %s", id)
	return nil
}

// Remove aborts a task if needed and removes it in any state. It is a no-op for absent tasks.
func (r *Registry) Remove(id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return nil
	}
	t.Abort()
	r.drop(t)
	return nil
}

// ClearCompleted removes every Completed task and returns how many were removed.
func (r *Registry) ClearCompleted() int {
	var completed []*task.Task
	r.mu.RLock()
	for _, id := range r.order {
		if t := r.tasks[id]; t.State() == task.Completed {
			completed = append(completed, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range completed {
		t.Abort()
		r.drop(t)
	}
	return len(completed)
}

func (r *Registry) drop(t *task.Task) {
	r.mu.Lock()
	if _, ok := r.tasks[t.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, t.ID())
	for i, id := range r.order {
		if id == t.ID() {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.deleteSession(t.ID())
	r.publish(EventRemoved, t.Snapshot())
}

// Get ...
func (r *Registry) Get(id string) (task.Snapshot, error) {
	t, ok := r.lookup(id)
	if !ok {
		return task.Snapshot{}, ErrTaskNotFound
	}
	return t.Snapshot(), nil
}

// List returns the snapshots of all tasks in the order they were added.
func (r *Registry) List() []task.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]task.Snapshot, 0, len(r.order))
	for _, id := range r.order {
		snapshots = append(snapshots, r.tasks[id].Snapshot())
	}
	return snapshots
}

// Stats ...
func (r *Registry) Stats(id string) (task.UploadStats, error) {
	t, ok := r.lookup(id)
	if !ok {
		return task.UploadStats{}, ErrTaskNotFound
	}
	return t.Stats(), nil
}

// Wait blocks until the latest pass of a task has returned, or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) error {
	t, ok := r.lookup(id)
	if !ok {
		return ErrTaskNotFound
	}

	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown pauses every running task, waits for their passes to return and flushes the tracker.
// Persisted sessions are kept so the tasks can be restored.
// Tasks cannot be activated afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		_ = t.Pause()
	}

	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.tracker.Wait()
	return nil
}

// Restore recreates Paused tasks from the persisted sessions. Sessions whose file cannot be opened are skipped.
func (r *Registry) Restore(ctx context.Context, open SourceOpener) ([]string, error) {
	if r.store == nil {
		return nil, nil
	}

	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted sessions: %w", err)
	}

	var restored []string
	for _, session := range sessions {
		if _, ok := r.lookup(session.TaskID); ok {
			continue
		}

		src, err := open(session)
		if err != nil {
			r.logger.Warnf("Skipping session of %s: %s", session.FileName, err)
			continue
		}

		plan := session.Plan()
		t, err := task.New(task.Options{
			ID:          session.TaskID,
			Source:      src,
			Destination: protocol.Destination{ParentID: session.ParentID, Public: session.Public},
			ChunkSize:   session.ChunkSize,
			SessionID:   session.SessionID,
			Plan:        &plan,
			Observer:    r.observe,
		})
		if err != nil {
			r.logger.Warnf("Skipping session of %s: %s", session.FileName, err)
			continue
		}

		r.insert(t)
		restored = append(restored, t.ID())
		r.logger.Infof("Restored task %s for %s", t.ID(), session.FileName)
	}
	return restored, nil
}

func (r *Registry) lookup(id string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// activate holds mu so that Shutdown either sees the pass as Uploading and pauses it, or refuses it.
func (r *Registry) activate(t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	activation, err := t.Activate(context.Background())
	if err != nil {
		return err
	}

	r.runs.Add(1)
	go r.run(t, activation)
	return nil
}

func (r *Registry) run(t *task.Task, activation *task.Activation) {
	defer r.runs.Done()
	defer activation.Finish()

	activation.WaitPrevious()
	start := time.Now()
	ctx := activation.Ctx

	if err := r.prepare(ctx, t); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Errorf("Task %s: %s", t.ID(), err)
		if failErr := t.Fail(activation.Generation, err); failErr != nil {
			r.logger.Debugf("Task %s: %s", t.ID(), failErr)
		}
		r.finished(t, start)
		return
	}

	if err := r.scheduler.Run(ctx, t, activation.Generation); err != nil && ctx.Err() != nil {
		return
	}
	r.finished(t, start)
}

// prepare creates or reuses the session, fixes the chunk plan and reconciles with the chunks the store already has.
func (r *Registry) prepare(ctx context.Context, t *task.Task) error {
	src := t.Source()

	sessionID := t.SessionID()
	if sessionID == "" {
		id, err := r.client.Init(ctx, protocol.InitRequest{
			FileName:    src.Name(),
			FileSize:    src.Size(),
			ContentType: src.ContentType(),
			Destination: t.Destination(),
		})
		if err != nil {
			return err
		}
		if err := t.SetSession(id); err != nil {
			return err
		}
		sessionID = id
		r.logger.Debugf("Task %s: session %s created", t.ID(), sessionID)
	}

	if _, ok := t.Plan(); !ok {
		plan, err := chunkplan.New(src.Size(), t.ChunkSize())
		if err != nil {
			return err
		}
		if err := t.SetPlan(plan); err != nil {
			return err
		}
	}

	r.saveSession(ctx, t)

	uploaded, err := r.client.ListUploaded(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list uploaded chunks: %w", err)
	}
	if added := t.Reconcile(uploaded); added > 0 {
		r.logger.Infof("Task %s: %d chunks already on the server", t.ID(), added)
	}
	return nil
}

func (r *Registry) finished(t *task.Task, start time.Time) {
	snapshot := t.Snapshot()
	switch snapshot.State {
	case task.Completed:
		r.deleteSession(t.ID())
	case task.Failed:
	default:
		return
	}
	r.trackFinished(snapshot, t.Stats(), time.Since(start))
}

func (r *Registry) saveSession(ctx context.Context, t *task.Task) {
	if r.store == nil || ctx.Err() != nil {
		return
	}
	if _, registered := r.lookup(t.ID()); !registered {
		return
	}
	src, ok := t.Source().(pathSource)
	if !ok {
		return
	}
	plan, ok := t.Plan()
	if !ok {
		return
	}

	session := sessionstore.Session{
		TaskID:      t.ID(),
		SessionID:   t.SessionID(),
		FilePath:    src.Path(),
		FileName:    t.Source().Name(),
		FileSize:    plan.FileSize,
		ContentType: t.Source().ContentType(),
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.TotalChunks,
		ParentID:    t.Destination().ParentID,
		Public:      t.Destination().Public,
		CreatedAt:   t.CreatedAt().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.store.Save(ctx, session); err != nil {
		r.logger.Warnf("Task %s: failed to persist session: %s", t.ID(), err)
	}
}

func (r *Registry) deleteSession(id string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(context.Background(), id); err != nil {
		r.logger.Warnf("Task %s: failed to delete persisted session: %s", id, err)
	}
}
