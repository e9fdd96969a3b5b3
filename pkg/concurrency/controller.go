// Package concurrency implements the transfer engine's permit system:
// a fixed or throughput-adaptive cap on the number of blob tasks allowed
// to run at once, per spec.md §4.F. Adaptive mode samples aggregate
// throughput on an interval and fits a trend line to recent samples,
// growing the cap while throughput is still improving, shrinking it once
// it regresses, and leaving it unchanged while it stays flat.
package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yorelog/docker-image-pusher/pkg/events"
)

// Mode selects fixed or adaptive capacity management.
type Mode int

const (
	Fixed Mode = iota
	Adaptive
)

// Config configures a Controller.
type Config struct {
	Mode Mode

	// Max is the hard ceiling the semaphore is constructed with; in
	// Adaptive mode the controller never requests more than Max permits
	// even if throughput is still climbing, since growing past the
	// semaphore's fixed construction size is not supported.
	Max int64
	// Min is the floor the adaptive controller will not shrink below.
	Min int64
	// Initial is the starting effective capacity; for Fixed mode this is
	// the only capacity ever used.
	Initial int64

	// SampleInterval is how often throughput samples are recorded.
	SampleInterval time.Duration
	// AdjustInterval is how often the regression is re-fit and the cap
	// potentially adjusted; must be a multiple of SampleInterval in
	// practice or the window simply contains fewer samples.
	AdjustInterval time.Duration
	// Step is how many permits a single adjustment grows or shrinks the
	// cap by.
	Step int64
	// MinRSquared is the fit-quality floor below which a trend is
	// considered noise and ignored (spec.md §4.F: "a slope is only acted
	// on when it explains most of the variance").
	MinRSquared float64
	// Epsilon is the dead band around zero slope (bytes/sec) within which
	// a trend is treated as flat rather than improving or regressing
	// (spec.md §4.F: "Slope > +ε" / "Slope < −ε").
	Epsilon float64

	Bus   *events.Bus
	Clock events.Clock
}

// Controller hands out permits for concurrent blob tasks and, in Adaptive
// mode, adjusts how many it hands out based on observed throughput.
type Controller struct {
	cfg Config
	sem *semaphore.Weighted
	clk events.Clock

	mu          sync.Mutex
	capacity    int64
	heldSurplus int64 // permits withheld from the semaphore to shrink effective capacity below Max

	samplesMu sync.Mutex
	samples   []throughputSample
	totalByte int64

	stop chan struct{}
	wg   sync.WaitGroup
}

type throughputSample struct {
	t          time.Time
	cumulative int64
}

// New constructs a Controller. Callers in Fixed mode can ignore
// SampleInterval/AdjustInterval/Step/MinRSquared entirely.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = events.SystemClock{}
	}
	if cfg.Initial <= 0 {
		cfg.Initial = cfg.Max
	}
	c := &Controller{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Max),
		clk:      cfg.Clock,
		capacity: cfg.Initial,
		stop:     make(chan struct{}),
	}
	c.heldSurplus = cfg.Max - cfg.Initial
	if c.heldSurplus > 0 {
		// Reserve the gap between Max and Initial up front so effective
		// capacity starts at Initial, not Max.
		c.sem.Acquire(context.Background(), c.heldSurplus) //nolint:errcheck
	}
	return c
}

// Acquire blocks until a permit is available or ctx is done, returning a
// release func that must be called exactly once.
func (c *Controller) Acquire(ctx context.Context) (func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

// Capacity returns the controller's current effective permit count.
func (c *Controller) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// RecordBytes adds n bytes to the running total used for throughput
// sampling. Callers report progress here regardless of Mode; in Fixed
// mode the samples are simply never consulted.
func (c *Controller) RecordBytes(n int64) {
	c.samplesMu.Lock()
	c.totalByte += n
	c.samplesMu.Unlock()
}

// Run starts the background sampling and adjustment loop. It returns
// immediately in Fixed mode. Callers must call Stop when done.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg.Mode != Adaptive {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the background loop started by Run and waits for it to exit.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	sampleInterval := c.cfg.SampleInterval
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	adjustInterval := c.cfg.AdjustInterval
	if adjustInterval <= 0 {
		adjustInterval = 10 * sampleInterval
	}

	sampleTicker := time.NewTicker(sampleInterval)
	defer sampleTicker.Stop()
	adjustTicker := time.NewTicker(adjustInterval)
	defer adjustTicker.Stop()

	const maxSamples = 64

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-sampleTicker.C:
			c.samplesMu.Lock()
			total := c.totalByte
			c.samples = append(c.samples, throughputSample{t: c.clk.Now(), cumulative: total})
			if len(c.samples) > maxSamples {
				c.samples = c.samples[len(c.samples)-maxSamples:]
			}
			c.samplesMu.Unlock()
		case <-adjustTicker.C:
			c.adjust()
		}
	}
}

// adjust fits a trend line to recent per-interval throughput (bytes/sec
// between consecutive samples), not the raw cumulative counter: a
// regression over a monotonically increasing total can never produce a
// negative slope, which would make the shrink branch below unreachable
// (spec.md §4.F: "fits a linear regression to the recent throughput
// series").
func (c *Controller) adjust() {
	c.samplesMu.Lock()
	samples := make([]throughputSample, len(c.samples))
	copy(samples, c.samples)
	c.samplesMu.Unlock()

	if len(samples) < 4 {
		return
	}

	base := samples[0].t
	xs := make([]float64, 0, len(samples)-1)
	ys := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := samples[i].t.Sub(samples[i-1].t).Seconds()
		if dt <= 0 {
			continue
		}
		rate := float64(samples[i].cumulative-samples[i-1].cumulative) / dt
		xs = append(xs, samples[i].t.Sub(base).Seconds())
		ys = append(ys, rate)
	}
	if len(xs) < 3 {
		return
	}

	fit := fitLine(xs, ys)
	if fit.rSquared < c.cfg.MinRSquared {
		return
	}

	switch {
	case fit.slope > c.cfg.Epsilon:
		c.resize(c.cfg.Step, "throughput still improving")
	case fit.slope < -c.cfg.Epsilon:
		c.resize(-c.cfg.Step, "throughput regressed")
	}
}

// resize adjusts effective capacity by delta permits, clamped to
// [Min, Max], by acquiring or releasing surplus permits held back from the
// semaphore.
func (c *Controller) resize(delta int64, reason string) {
	c.mu.Lock()
	newCap := c.capacity + delta
	if newCap > c.cfg.Max {
		newCap = c.cfg.Max
	}
	if newCap < c.cfg.Min {
		newCap = c.cfg.Min
	}
	if newCap == c.capacity {
		c.mu.Unlock()
		return
	}
	oldCap := c.capacity
	wantSurplus := c.cfg.Max - newCap
	grow := wantSurplus > c.heldSurplus
	delta2 := wantSurplus - c.heldSurplus
	c.mu.Unlock()

	// The blocking acquire (on shrink) happens without c.mu held so
	// Capacity() and other readers are never stalled behind an in-flight
	// task that hasn't released yet.
	if grow {
		c.sem.Acquire(context.Background(), delta2) //nolint:errcheck
	} else if delta2 < 0 {
		c.sem.Release(-delta2)
	}

	c.mu.Lock()
	c.heldSurplus = wantSurplus
	c.capacity = newCap
	c.mu.Unlock()

	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.Event{
			Kind:     events.ConcurrencyAdjusted,
			OldLimit: int(oldCap),
			NewLimit: int(newCap),
			Reason:   reason,
		})
	}
}
