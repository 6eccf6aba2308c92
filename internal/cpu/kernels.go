package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Softmax normalises x in place, shifting by the max for stability.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	if sum > 0 {
		invSum := 1.0 / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// LogSoftmax replaces x with log(softmax(x)) computed as x - max - log(sum(exp(x - max))).
func LogSoftmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(v - max)
	}
	lse := max + math.Log(sum)
	for i := range x {
		x[i] -= lse
	}
}

// SoftmaxRows normalises every row of m in place.
func SoftmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		Softmax(m.RawRowView(i))
	}
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Tanh applies tanh element-wise in place.
func Tanh(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, m)
}

// ArgMax returns the index of the largest value; the lowest index wins ties.
func ArgMax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func ArgMaxRows(m *mat.Dense) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = ArgMax(m.RawRowView(i))
	}
	return out
}

// ConcatCols joins matrices along the feature axis. All inputs must share a row count.
func ConcatCols(ms ...mat.Matrix) (*mat.Dense, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	rows, _ := ms[0].Dims()
	total := 0
	for i, m := range ms {
		r, c := m.Dims()
		if r != rows {
			return nil, fmt.Errorf("%w: concat input %d has %d rows, want %d", ErrShape, i, r, rows)
		}
		total += c
	}
	out := mat.NewDense(rows, total, nil)
	offset := 0
	for _, m := range ms {
		_, c := m.Dims()
		out.Slice(0, rows, offset, offset+c).(*mat.Dense).Copy(m)
		offset += c
	}
	return out, nil
}

// Entropy of a probability row in nats.
func Entropy(p []float64) float64 {
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

type Stats struct {
	Max  float64
	Min  float64
	Mean float64
	RMS  float64
	NaNs int
	Infs int
}

// ComputeStats summarises the finite values of data and counts the rest.
func ComputeStats(data []float64) Stats {
	stats := Stats{Max: math.Inf(-1), Min: math.Inf(1)}
	n := 0
	for _, v := range data {
		switch {
		case math.IsNaN(v):
			stats.NaNs++
			continue
		case math.IsInf(v, 0):
			stats.Infs++
			continue
		}
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		stats.Mean += v
		stats.RMS += v * v
		n++
	}
	if n == 0 {
		return Stats{NaNs: stats.NaNs, Infs: stats.Infs}
	}
	stats.Mean /= float64(n)
	stats.RMS = math.Sqrt(stats.RMS / float64(n))
	return stats
}
