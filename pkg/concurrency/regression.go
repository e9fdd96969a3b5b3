package concurrency

// linearFit is an ordinary least-squares fit of y = slope*x + intercept
// over the given points, along with the R² goodness of fit. It is the
// numeric core of the adaptive controller's cap adjustment (spec.md §4.F):
// no library in the dependency set offers throughput-trend regression, so
// this is worked out directly from the standard formulas.
type linearFit struct {
	slope     float64
	intercept float64
	rSquared  float64
}

// fitLine computes linearFit over xs/ys, which must be the same non-zero
// length. Degenerate inputs (fewer than two distinct x values) return a
// zero-value fit with rSquared 0, signaling "no usable trend".
func fitLine(xs, ys []float64) linearFit {
	n := float64(len(xs))
	if n < 2 {
		return linearFit{}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return linearFit{}
	}

	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i := range xs {
		predicted := slope*xs[i] + intercept
		ssRes += (ys[i] - predicted) * (ys[i] - predicted)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}

	r2 := 1.0
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}
	if r2 < 0 {
		r2 = 0
	}

	return linearFit{slope: slope, intercept: intercept, rSquared: r2}
}
