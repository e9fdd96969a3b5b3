package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestFitLinePerfectLine(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{0, 2, 4, 6, 8}
	fit := fitLine(xs, ys)
	if fit.slope < 1.999 || fit.slope > 2.001 {
		t.Errorf("slope = %v, want ~2", fit.slope)
	}
	if fit.rSquared < 0.999 {
		t.Errorf("r-squared = %v, want ~1", fit.rSquared)
	}
}

func TestFitLineFlatDataHasZeroSlope(t *testing.T) {
	xs := []float64{0, 1, 2, 3}
	ys := []float64{5, 5, 5, 5}
	fit := fitLine(xs, ys)
	if fit.slope != 0 {
		t.Errorf("slope = %v, want 0", fit.slope)
	}
}

func TestFitLineDegenerateInput(t *testing.T) {
	fit := fitLine([]float64{1}, []float64{1})
	if fit.rSquared != 0 {
		t.Errorf("expected zero r-squared for single point")
	}
}

func TestFixedModeGrantsUpToInitialCapacity(t *testing.T) {
	c := New(Config{Mode: Fixed, Max: 3, Initial: 3})
	defer c.Stop()

	var releases []func()
	for i := 0; i < 3; i++ {
		rel, err := c.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		releases = append(releases, rel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx); err == nil {
		t.Fatalf("expected acquire to block past capacity")
	}

	for _, rel := range releases {
		rel()
	}
}

func TestInitialBelowMaxLimitsStartingCapacity(t *testing.T) {
	c := New(Config{Mode: Fixed, Max: 5, Initial: 2})
	defer c.Stop()

	if got := c.Capacity(); got != 2 {
		t.Fatalf("capacity = %d, want 2", got)
	}

	r1, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx); err == nil {
		t.Fatalf("expected third acquire to block: only 2 of 5 permits are live")
	}
	r1()
	r2()
}

func TestResizeGrowAndShrink(t *testing.T) {
	c := New(Config{Mode: Adaptive, Max: 4, Initial: 2, Min: 1})
	defer c.Stop()

	c.resize(1, "test grow")
	if got := c.Capacity(); got != 3 {
		t.Fatalf("capacity after grow = %d, want 3", got)
	}

	c.resize(-2, "test shrink")
	if got := c.Capacity(); got != 1 {
		t.Fatalf("capacity after shrink = %d, want 1", got)
	}
}

func TestResizeClampsToMax(t *testing.T) {
	c := New(Config{Mode: Adaptive, Max: 3, Initial: 3, Min: 1})
	defer c.Stop()

	c.resize(10, "overshoot")
	if got := c.Capacity(); got != 3 {
		t.Fatalf("capacity = %d, want clamped to 3", got)
	}
}

func TestAdjustShrinksOnDecliningThroughput(t *testing.T) {
	c := New(Config{Mode: Adaptive, Max: 5, Initial: 5, Min: 1, Step: 1, MinRSquared: 0.5})
	defer c.Stop()

	base := time.Unix(0, 0)
	// Cumulative bytes whose per-interval deltas (1000, 800, 600, 400) are
	// strictly decreasing: an OLS fit over the raw cumulative total can
	// never show this, since the total itself still only ever grows.
	c.samples = []throughputSample{
		{t: base, cumulative: 0},
		{t: base.Add(time.Second), cumulative: 1000},
		{t: base.Add(2 * time.Second), cumulative: 1800},
		{t: base.Add(3 * time.Second), cumulative: 2400},
		{t: base.Add(4 * time.Second), cumulative: 2800},
	}
	c.adjust()
	if got := c.Capacity(); got != 4 {
		t.Fatalf("capacity = %d, want 4 after one shrink step", got)
	}
}

func TestAdjustGrowsOnRisingThroughput(t *testing.T) {
	c := New(Config{Mode: Adaptive, Max: 5, Initial: 2, Min: 1, Step: 1, MinRSquared: 0.5})
	defer c.Stop()

	base := time.Unix(0, 0)
	c.samples = []throughputSample{
		{t: base, cumulative: 0},
		{t: base.Add(time.Second), cumulative: 400},
		{t: base.Add(2 * time.Second), cumulative: 1000},
		{t: base.Add(3 * time.Second), cumulative: 1800},
		{t: base.Add(4 * time.Second), cumulative: 2800},
	}
	c.adjust()
	if got := c.Capacity(); got != 3 {
		t.Fatalf("capacity = %d, want 3 after one grow step", got)
	}
}

func TestAdjustIgnoresFlatThroughputWithinEpsilon(t *testing.T) {
	c := New(Config{Mode: Adaptive, Max: 5, Initial: 3, Min: 1, Step: 1, MinRSquared: 0.5, Epsilon: 50})
	defer c.Stop()

	base := time.Unix(0, 0)
	// Deltas drift by only a few bytes per interval, well inside the
	// epsilon band, so the cap must not move.
	c.samples = []throughputSample{
		{t: base, cumulative: 0},
		{t: base.Add(time.Second), cumulative: 1000},
		{t: base.Add(2 * time.Second), cumulative: 2005},
		{t: base.Add(3 * time.Second), cumulative: 3015},
		{t: base.Add(4 * time.Second), cumulative: 4030},
	}
	c.adjust()
	if got := c.Capacity(); got != 3 {
		t.Fatalf("capacity = %d, want unchanged at 3", got)
	}
}
