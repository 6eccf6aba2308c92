package cpu

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSoftmaxStability(t *testing.T) {
	x := make([]float64, 10)
	for i := range x {
		x[i] = float64(1000 + i)
	}
	Softmax(x)

	sum := 0.0
	for _, v := range x {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Fatalf("softmax value out of range: %v", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("softmax doesn't sum to 1: %v", sum)
	}
	if ArgMax(x) != 9 {
		t.Errorf("largest input should keep the largest weight")
	}
}

func TestSoftmaxTies(t *testing.T) {
	x := []float64{2, 2, 2, 2}
	Softmax(x)
	for _, v := range x {
		if math.Abs(v-0.25) > 1e-12 {
			t.Errorf("equal scores should share weight equally, got %v", x)
		}
	}
	Softmax(nil)
}

func TestLogSoftmaxMatchesSoftmax(t *testing.T) {
	x := []float64{0.5, -1, 3, 700}
	p := append([]float64(nil), x...)
	Softmax(p)
	LogSoftmax(x)
	for i := range x {
		if math.Abs(math.Exp(x[i])-p[i]) > 1e-12 {
			t.Errorf("exp(logsoftmax)[%d] = %v, softmax = %v", i, math.Exp(x[i]), p[i])
		}
	}
}

func TestSoftmaxRows(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, -1, -1, -1})
	SoftmaxRows(m)
	for i := 0; i < 2; i++ {
		if s := mat.Sum(m.RowView(i)); math.Abs(s-1) > 1e-12 {
			t.Errorf("row %d sums to %v", i, s)
		}
	}
}

func TestArgMax(t *testing.T) {
	tests := []struct {
		in   []float64
		want int
	}{
		{[]float64{1, 3, 2}, 1},
		{[]float64{5, 5, 1}, 0},
		{[]float64{-3, -2, -1}, 2},
		{[]float64{7}, 0},
	}
	for _, tt := range tests {
		if got := ArgMax(tt.in); got != tt.want {
			t.Errorf("ArgMax(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}

	m := mat.NewDense(2, 3, []float64{0, 9, 1, 4, 2, 3})
	got := ArgMaxRows(m)
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("ArgMaxRows = %v", got)
	}
}

func TestConcatCols(t *testing.T) {
	a := mat.NewDense(2, 1, []float64{1, 2})
	b := mat.NewDense(2, 2, []float64{3, 4, 5, 6})
	out, err := ConcatCols(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := mat.NewDense(2, 3, []float64{1, 3, 4, 2, 5, 6})
	if !mat.Equal(out, want) {
		t.Errorf("ConcatCols = %v", mat.Formatted(out))
	}

	if _, err := ConcatCols(a, mat.NewDense(3, 1, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	if _, err := ConcatCols(); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for empty concat, got %v", err)
	}
}

func TestTanhAndSigmoid(t *testing.T) {
	m := mat.NewDense(1, 3, []float64{-100, 0, 100})
	Tanh(m)
	if m.At(0, 0) != -1 || m.At(0, 1) != 0 || m.At(0, 2) != 1 {
		t.Errorf("tanh saturation wrong: %v", m.RawRowView(0))
	}
	if Sigmoid(0) != 0.5 {
		t.Errorf("Sigmoid(0) = %v", Sigmoid(0))
	}
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats([]float64{-2, 2, math.NaN(), math.Inf(1)})
	if s.Max != 2 || s.Min != -2 || s.Mean != 0 || s.RMS != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.NaNs != 1 || s.Infs != 1 {
		t.Errorf("non-finite counts wrong: %+v", s)
	}

	empty := ComputeStats([]float64{math.NaN()})
	if empty.NaNs != 1 || empty.Max != 0 {
		t.Errorf("all-NaN stats %+v", empty)
	}
}

func TestEntropy(t *testing.T) {
	if h := Entropy([]float64{1, 0}); h != 0 {
		t.Errorf("point mass entropy = %v", h)
	}
	if h := Entropy([]float64{0.5, 0.5}); math.Abs(h-math.Ln2) > 1e-12 {
		t.Errorf("uniform entropy = %v", h)
	}
}
