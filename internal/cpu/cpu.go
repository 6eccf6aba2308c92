package cpu

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/metrics"
)

// ErrShape is wrapped by every dimensionality error raised at a layer boundary.
var ErrShape = errors.New("shape mismatch")

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordAllocated(newVal)
}

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context is the execution binding threaded through every layer constructor and forward call.
// It owns the random source (weight init, dropout, teacher forcing), the train/eval switch and
// a pool of reusable 3-D tensors. A Context is not safe for concurrent forward passes.
type Context struct {
	mu         sync.Mutex
	pool       map[[3]int][]*Tensor
	rng        *rand.Rand
	training   bool
	numThreads int
}

func NewContext(seed int64) *Context {
	return &Context{
		pool:       make(map[[3]int][]*Tensor),
		rng:        rand.New(rand.NewSource(seed)),
		training:   true,
		numThreads: runtime.NumCPU(),
	}
}

// Seed resets the random source so later draws replay exactly.
func (c *Context) Seed(seed int64) {
	c.rng.Seed(seed)
}

// Float64 draws from [0, 1).
func (c *Context) Float64() float64 {
	return c.rng.Float64()
}

// Uniform draws from [-bound, bound).
func (c *Context) Uniform(bound float64) float64 {
	return (2*c.rng.Float64() - 1) * bound
}

func (c *Context) SetTraining(training bool) {
	c.training = training
}

func (c *Context) Training() bool {
	return c.training
}

func (c *Context) SetNumThreads(n int) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	c.numThreads = n
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// Dropout zeroes each element with probability p and rescales survivors by 1/(1-p).
// Outside training mode, or with p == 0, m is returned untouched.
func (c *Context) Dropout(m *mat.Dense, p float64) *mat.Dense {
	if !c.training || p <= 0 {
		return m
	}
	r, cols := m.Dims()
	out := mat.NewDense(r, cols, nil)
	if p >= 1 {
		return out
	}
	scale := 1 / (1 - p)
	for i := 0; i < r; i++ {
		src := m.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			if c.rng.Float64() >= p {
				dst[j] = v * scale
			}
		}
	}
	return out
}

// ParallelRows splits [0, n) into contiguous chunks run on separate goroutines.
// fn must only touch rows in its own range and must not draw from the Context RNG.
func (c *Context) ParallelRows(n int, fn func(lo, hi int)) {
	parallelism := c.numThreads
	if parallelism <= 1 || n <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// NewTensor returns a zeroed tensor, reusing a pooled buffer of the same shape when available.
func (c *Context) NewTensor(d0, d1, d2 int) *Tensor {
	key := [3]int{d0, d1, d2}
	c.mu.Lock()
	pool := c.pool[key]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[key] = pool[:len(pool)-1]
		c.mu.Unlock()
		clear(t.data)
		return t
	}
	c.mu.Unlock()

	data := make([]float64, d0*d1*d2)
	traceAlloc(int64(8 * len(data)))
	return &Tensor{data: data, dims: key}
}

// PutTensor hands t back for reuse. t must not be read afterwards.
func (c *Context) PutTensor(t *Tensor) {
	if t == nil || t.data == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[t.dims] = append(c.pool[t.dims], t)
}

// Free drops every pooled buffer.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			traceAlloc(-int64(8 * len(t.data)))
			t.data = nil
		}
	}
	c.pool = make(map[[3]int][]*Tensor)
}

// Tensor is a dense row-major (d0, d1, d2) block, used for (sequence, batch, features) data.
type Tensor struct {
	data []float64
	dims [3]int
}

// NewTensorFromSteps stacks equally shaped matrices along a new leading axis.
func NewTensorFromSteps(steps []*mat.Dense) (*Tensor, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps to stack", ErrShape)
	}
	r, c := steps[0].Dims()
	t := &Tensor{data: make([]float64, len(steps)*r*c), dims: [3]int{len(steps), r, c}}
	for i, s := range steps {
		if err := t.SetStep(i, s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tensor) Dims() [3]int {
	return t.dims
}

func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) NumElements() int {
	return t.dims[0] * t.dims[1] * t.dims[2]
}

func (t *Tensor) At(i, j, k int) float64 {
	return t.data[(i*t.dims[1]+j)*t.dims[2]+k]
}

// Step returns slice i as a (d1, d2) matrix sharing t's storage.
func (t *Tensor) Step(i int) *mat.Dense {
	stride := t.dims[1] * t.dims[2]
	return mat.NewDense(t.dims[1], t.dims[2], t.data[i*stride:(i+1)*stride])
}

// SetStep copies m into slice i.
func (t *Tensor) SetStep(i int, m mat.Matrix) error {
	r, c := m.Dims()
	if r != t.dims[1] || c != t.dims[2] {
		return fmt.Errorf("%w: step (%d, %d) into tensor %v", ErrShape, r, c, t.dims)
	}
	if i < 0 || i >= t.dims[0] {
		return fmt.Errorf("%w: step %d outside [0, %d)", ErrShape, i, t.dims[0])
	}
	t.Step(i).Copy(m)
	return nil
}
