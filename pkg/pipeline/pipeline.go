// Package pipeline schedules the concurrent blob and manifest tasks that
// make up one pull or push operation, per spec.md §4.G. Blob tasks run
// concurrently under a concurrency.Controller's permits; manifest tasks
// run only after every blob task they depend on has succeeded, since a
// manifest is only valid once the content it references actually exists.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yorelog/docker-image-pusher/pkg/concurrency"
	"github.com/yorelog/docker-image-pusher/pkg/digestio"
	"github.com/yorelog/docker-image-pusher/pkg/events"
)

// ProgressFunc reports n additional bytes copied by a running Task. A Task
// whose Run never calls it simply never emits TaskProgress events or feeds
// the concurrency controller's throughput samples for that copy.
type ProgressFunc func(n int64)

// Task is one unit of pipeline work: a blob copy, or (with Manifest set) a
// manifest write (into the cache on pull, to the registry on push) that
// must run after all blob tasks complete.
type Task struct {
	ID         string
	Repository string
	Digest     digestio.Digest
	Manifest   bool
	// Size is the task's total byte count, published as TaskStarted's and
	// TaskProgress's BytesTotal (spec.md §4.I). Zero for tasks with no
	// meaningful size, such as a manifest PUT.
	Size int64
	// Run does the task's work. A Run that finds its target already
	// present may return nil immediately without doing any work; the
	// pipeline still emits TaskStarted/TaskCompleted around it so progress
	// reporting accounts for every task uniformly (spec.md §4.G edge
	// case: "a fully-cached task is still a task").
	Run func(ctx context.Context, report ProgressFunc) error
}

// Pipeline runs Tasks under a shared concurrency budget, publishing
// lifecycle events as it goes.
type Pipeline struct {
	controller *concurrency.Controller
	bus        *events.Bus
	// DrainTimeout bounds how long already-running tasks get to finish
	// after the first task failure before the pipeline gives up on them
	// too (spec.md §4.G, §8: "cancellation must not orphan in-flight
	// writes indefinitely").
	DrainTimeout time.Duration
}

// New returns a Pipeline that acquires permits from controller and
// publishes to bus. Either may be nil: a nil controller runs tasks with no
// concurrency limit, a nil bus silently drops events.
func New(controller *concurrency.Controller, bus *events.Bus) *Pipeline {
	return &Pipeline{controller: controller, bus: bus, DrainTimeout: 30 * time.Second}
}

// Run executes every blob task concurrently, then (only if every blob task
// succeeded) every manifest task. It returns the first error encountered,
// after allowing in-flight tasks up to DrainTimeout to finish once that
// first error occurs.
func (p *Pipeline) Run(ctx context.Context, tasks []Task) error {
	var blobs, manifests []Task
	for _, t := range tasks {
		if t.Manifest {
			manifests = append(manifests, t)
		} else {
			blobs = append(blobs, t)
		}
	}

	completed, failed, err := p.runBatch(ctx, blobs)
	if err != nil {
		p.publishCompleted(completed, failed, 0)
		return err
	}

	mCompleted, mFailed, err := p.runBatch(ctx, manifests)
	p.publishCompleted(completed+mCompleted, failed+mFailed, 0)
	return err
}

func (p *Pipeline) runBatch(ctx context.Context, tasks []Task) (completed, failed int, err error) {
	if len(tasks) == 0 {
		return 0, 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	drained := withDrainGrace(gctx, p.DrainTimeout)
	defer drained.cancel()

	var completedCount, failedCount countingSink

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			release, acqErr := p.acquire(drained.ctx)
			if acqErr != nil {
				return acqErr
			}
			defer release()

			p.publish(events.Event{Kind: events.TaskStarted, TaskID: task.ID, Repository: task.Repository, Digest: task.Digest, BytesTotal: task.Size})

			var bytesDone atomic.Int64
			report := func(n int64) {
				if n <= 0 {
					return
				}
				if p.controller != nil {
					p.controller.RecordBytes(n)
				}
				done := bytesDone.Add(n)
				p.publish(events.Event{Kind: events.TaskProgress, TaskID: task.ID, Repository: task.Repository, Digest: task.Digest, BytesDone: done, BytesTotal: task.Size})
			}

			runErr := task.Run(drained.ctx, report)
			if runErr != nil {
				failedCount.inc()
				p.publish(events.Event{Kind: events.TaskFailed, TaskID: task.ID, Repository: task.Repository, Digest: task.Digest, Err: runErr})
				return runErr
			}
			completedCount.inc()
			p.publish(events.Event{Kind: events.TaskCompleted, TaskID: task.ID, Repository: task.Repository, Digest: task.Digest})
			return nil
		})
	}

	err = g.Wait()
	return completedCount.value(), failedCount.value(), err
}

func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	if p.controller == nil {
		return func() {}, nil
	}
	return p.controller.Acquire(ctx)
}

func (p *Pipeline) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

func (p *Pipeline) publishCompleted(completed, failed int, dur time.Duration) {
	p.publish(events.Event{Kind: events.PipelineCompleted, Completed: completed, Failed: failed, Duration: dur})
}
