package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yorelog/docker-image-pusher/pkg/concurrency"
	"github.com/yorelog/docker-image-pusher/pkg/events"
)

func TestRunExecutesBlobTasksBeforeManifestTasks(t *testing.T) {
	var blobsDone atomic.Bool
	var manifestSawBlobsDone atomic.Bool

	p := New(nil, nil)
	tasks := []Task{
		{ID: "blob-1", Run: func(ctx context.Context, report ProgressFunc) error {
			time.Sleep(5 * time.Millisecond)
			blobsDone.Store(true)
			return nil
		}},
		{ID: "manifest-1", Manifest: true, Run: func(ctx context.Context, report ProgressFunc) error {
			manifestSawBlobsDone.Store(blobsDone.Load())
			return nil
		}},
	}

	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !manifestSawBlobsDone.Load() {
		t.Fatalf("expected manifest task to run only after blob tasks completed")
	}
}

func TestRunStopsManifestsOnBlobFailure(t *testing.T) {
	p := New(nil, nil)
	var manifestRan atomic.Bool
	tasks := []Task{
		{ID: "blob-1", Run: func(ctx context.Context, report ProgressFunc) error { return errors.New("boom") }},
		{ID: "manifest-1", Manifest: true, Run: func(ctx context.Context, report ProgressFunc) error {
			manifestRan.Store(true)
			return nil
		}},
	}

	err := p.Run(context.Background(), tasks)
	if err == nil {
		t.Fatalf("expected error from failing blob task")
	}
	if manifestRan.Load() {
		t.Fatalf("manifest task must not run when a blob task failed")
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	ctrl := concurrency.New(concurrency.Config{Mode: concurrency.Fixed, Max: 2, Initial: 2})
	defer ctrl.Stop()

	p := New(ctrl, nil)

	var inFlight atomic.Int32
	var maxObserved atomic.Int32
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{ID: "t", Run: func(ctx context.Context, report ProgressFunc) error {
			n := inFlight.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("run: %v", err)
	}
	if maxObserved.Load() > 2 {
		t.Fatalf("observed %d concurrent tasks, want at most 2", maxObserved.Load())
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus(nil)
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(nil, bus)
	tasks := []Task{{ID: "blob-1", Size: 10, Run: func(ctx context.Context, report ProgressFunc) error {
		report(10)
		return nil
	}}}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("run: %v", err)
	}

	var kinds []events.Kind
	for i := 0; i < 4; i++ {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	want := []events.Kind{events.TaskStarted, events.TaskProgress, events.TaskCompleted, events.PipelineCompleted}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event %d = %v, want %v", i, kinds[i], k)
		}
	}
}
