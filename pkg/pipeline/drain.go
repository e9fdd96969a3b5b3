package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// drainGrace wraps a parent context so that, once the parent is done
// (typically because errgroup cancelled it after a sibling task failed),
// already-running tasks observing drainGrace.ctx get grace more time
// before it too is cancelled, instead of being cut off instantly.
type drainGrace struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withDrainGrace(parent context.Context, grace time.Duration) drainGrace {
	ctx, cancel := context.WithCancel(context.Background())
	if grace <= 0 {
		// No grace period configured: just mirror the parent directly.
		go func() {
			<-parent.Done()
			cancel()
		}()
		return drainGrace{ctx: ctx, cancel: cancel}
	}

	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return drainGrace{ctx: ctx, cancel: cancel}
}

// countingSink is a small atomic counter; tasks in runBatch run
// concurrently so plain int increments would race.
type countingSink struct {
	n atomic.Int64
}

func (c *countingSink) inc()       { c.n.Add(1) }
func (c *countingSink) value() int { return int(c.n.Load()) }
