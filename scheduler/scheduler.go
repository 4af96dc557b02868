// Package scheduler uploads the pending chunks of a task with bounded concurrency and per-chunk retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/chunkplan"
	"github.com/bytevault-io/go-uploader/protocol"
	"github.com/bytevault-io/go-uploader/task"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrChunksFailed is wrapped by the error of a pass that left chunks outstanding.
var ErrChunksFailed = errors.New("chunks failed")

// Scheduler drives the chunk uploads of tasks. One Scheduler can serve many tasks at once.
type Scheduler struct {
	config       Config
	client       protocol.Client
	logger       log.Logger
	limiter      *rate.Limiter
	sleep        func(ctx context.Context, d time.Duration) error
	stallInterval time.Duration
}

// New ...
func New(client protocol.Client, config Config, logger log.Logger) *Scheduler {
	config = config.withDefaults()

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Scheduler{
		config:       config,
		client:       client,
		logger:       logger,
		limiter:      limiter,
		sleep:        sleepContext,
		stallInterval: time.Second,
	}
}

// Run uploads every pending chunk of t and, when all chunks are acknowledged, completes the session.
// It ends the pass by moving t to Completed or Failed, unless the pass was aborted through its context,
// in which case ctx.Err() is returned and the task state is left to whoever aborted it.
func (s *Scheduler) Run(ctx context.Context, t *task.Task, generation uint64) error {
	plan, ok := t.Plan()
	if !ok {
		return fmt.Errorf("task %s has no chunk plan", t.ID())
	}
	sessionID := t.SessionID()
	if sessionID == "" {
		return fmt.Errorf("task %s has no session", t.ID())
	}

	pending := t.Pending()
	s.logger.Debugf("Task %s: %d of %d chunks pending", t.ID(), len(pending), plan.TotalChunks)

	start := time.Now()
	s.uploadPending(ctx, t, plan, sessionID, pending)

	if err := ctx.Err(); err != nil {
		s.logger.Debugf("Task %s: pass aborted: %s", t.ID(), err)
		return err
	}

	if outstanding := t.Pending(); len(outstanding) > 0 {
		err := fmt.Errorf("%d of %d %w: %v", len(outstanding), plan.TotalChunks, ErrChunksFailed, outstanding)
		if last := t.Snapshot().LastError; last != nil {
			err = fmt.Errorf("%w, last error: %s", err, last)
		}
		s.logger.Errorf("Task %s: %s", t.ID(), err)
		s.endPass(t.Fail(generation, err))
		return err
	}

	s.logger.Debugf("Task %s: all %d chunks uploaded in %s, completing session", t.ID(), plan.TotalChunks, time.Since(start).Round(time.Millisecond))

	// From here on Pause is refused, so only Cancel or Abort end the merge early.
	if err := t.BeginMerge(generation); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.endPass(err)
		return err
	}

	record, err := s.client.Complete(ctx, sessionID, plan.TotalChunks)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if protocol.IsCompletionTimeout(err) {
			s.logger.Warnf("Task %s: merge did not answer in time, assuming it succeeded; verify %s on the server", t.ID(), t.Source().Name())
			s.endPass(t.Complete(generation, record, err))
			return nil
		}
		s.logger.Errorf("Task %s: merge rejected: %s", t.ID(), err)
		s.endPass(t.Fail(generation, err))
		return err
	}

	s.logger.Donef("Task %s: uploaded %s (%s)", t.ID(), t.Source().Name(), units.HumanSizeWithPrecision(float64(plan.FileSize), 3))
	s.endPass(t.Complete(generation, record, nil))
	return nil
}

func (s *Scheduler) endPass(err error) {
	if err != nil {
		s.logger.Debugf("Pass result not applied: %s", err)
	}
}

// uploadPending returns once every admitted chunk operation has returned.
func (s *Scheduler) uploadPending(ctx context.Context, t *task.Task, plan chunkplan.Plan, sessionID string, pending []int) {
	sem := semaphore.NewWeighted(int64(s.config.Concurrency))
	timings := &chunkTimings{}

	var group errgroup.Group
	for _, index := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		index := index
		group.Go(func() error {
			defer sem.Release(1)
			s.uploadChunkWithRetry(ctx, t, plan, sessionID, index, timings)
			return nil
		})
	}

	_ = group.Wait()
}

func (s *Scheduler) uploadChunkWithRetry(ctx context.Context, t *task.Task, plan chunkplan.Plan, sessionID string, index int, timings *chunkTimings) {
	policy := s.config.Backoff

	// failures counts the attempts of this pass; the task keeps the total.
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		section, err := plan.Section(t.Source(), index)
		if err != nil {
			t.RecordChunkFailure(index, err)
			t.MarkChunkFailed(index)
			s.logger.Errorf("Task %s: chunk %d: %s", t.ID(), index, err)
			return
		}

		mean, acked := timings.mean()
		s.logger.Debugf("Task %s: sending chunk %d/%d, attempt %d (%d acknowledged, mean %s)",
			t.ID(), index+1, plan.TotalChunks, failures+1, acked, mean.Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)
		if policy.ShouldRetry(failures+1) && s.config.HungThreshold > 0 {
			go s.watchStalledChunk(chunkCtx, cancelChunk, start, t.ID(), index, timings)
		}

		err = s.client.UploadChunk(chunkCtx, sessionID, index, section, section.Size())
		cancelChunk()

		if err == nil {
			timings.record(time.Since(start))
			if markErr := t.MarkChunkCompleted(index); markErr != nil {
				s.logger.Errorf("Task %s: %s", t.ID(), markErr)
			}
			return
		}

		if ctx.Err() != nil {
			// Aborted by pause or cancel: the chunk was not acknowledged and the attempt does not count.
			return
		}

		failures++
		total := t.RecordChunkFailure(index, err)
		if !policy.ShouldRetry(failures) {
			t.MarkChunkFailed(index)
			s.logger.Errorf("Task %s: chunk %d failed permanently after %d attempts (%d in total): %s", t.ID(), index, failures, total, err)
			return
		}

		delay := policy.Delay(failures)
		s.logger.Warnf("Task %s: chunk %d attempt %d failed, retrying in %s: %s", t.ID(), index, failures, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// watchStalledChunk cancels the attempt at index once it runs longer than the pass mean plus HungThreshold.
// The cancelled attempt counts as a failure and is retried.
func (s *Scheduler) watchStalledChunk(ctx context.Context, cancel context.CancelFunc, start time.Time, taskID string, index int, timings *chunkTimings) {
	ticker := time.NewTicker(s.stallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			mean, stalled := timings.stalled(elapsed, s.config.HungThreshold)
			if !stalled {
				continue
			}
			s.logger.Warnf("Task %s: chunk %d stalled for %s while acknowledged chunks took %s on average, restarting it",
				taskID, index, elapsed.Round(time.Second), mean.Round(time.Second))
			cancel()
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
