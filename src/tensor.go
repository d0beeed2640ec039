package advflow

import (
	"errors"
	"math/rand"
)

// Tensor is the core data structure - internal only, not exposed to users.
// Data is flat float64 in row-major order; for image batches the layout is
// channels-last, so the channel of element i is i % shape[len(shape)-1].
type tensor struct {
	data   []float64
	shape  []int
	stride []int
}

func newTensor(shape ...int) *tensor {
	size := 1
	for _, s := range shape {
		if s <= 0 {
			s = 1
		}
		size *= s
	}
	if size <= 0 {
		size = 1
	}
	stride := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if i == len(shape)-1 {
			stride[i] = 1
		} else {
			stride[i] = stride[i+1] * shape[i+1]
		}
	}
	return &tensor{
		data:   make([]float64, size),
		shape:  shape,
		stride: stride,
	}
}

func (t *tensor) size() int {
	return len(t.data)
}

func (t *tensor) at(indices ...int) float64 {
	idx := 0
	for i, v := range indices {
		idx += v * t.stride[i]
	}
	return t.data[idx]
}

func (t *tensor) set(value float64, indices ...int) {
	idx := 0
	for i, v := range indices {
		idx += v * t.stride[i]
	}
	t.data[idx] = value
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *tensor) zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

func (t *tensor) clone() *tensor {
	nt := newTensor(t.shape...)
	copy(nt.data, t.data)
	return nt
}

// channels returns the size of the last axis, the per-channel granularity
// used by normalized bounds and epsilon.
func (t *tensor) channels() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[len(t.shape)-1]
}

// Matrix operations - optimized for speed, no bounds checking
func matmul(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[1]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[i*k+l] * b.data[l*n+j]
			}
			out.data[i*n+j] = sum
		}
	}
}

func matmulTransA(a, b, out *tensor) {
	m := a.shape[1]
	k := a.shape[0]
	n := b.shape[1]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[l*m+i] * b.data[l*n+j]
			}
			out.data[i*n+j] = sum
		}
	}
}

func matmulTransB(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[0]

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a.data[i*k+l] * b.data[j*k+l]
			}
			out.data[i*n+j] = sum
		}
	}
}

func addVec(a *tensor, b *tensor) {
	for i := range a.data {
		a.data[i] += b.data[i%len(b.data)]
	}
}

func add(a *tensor, b *tensor) {
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

func mulScalar(a *tensor, s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

func clip(a *tensor, min, max float64) {
	for i := range a.data {
		if a.data[i] < min {
			a.data[i] = min
		} else if a.data[i] > max {
			a.data[i] = max
		}
	}
}

func sumAxis0(a *tensor, out *tensor) {
	rows := a.shape[0]
	cols := a.shape[1]
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += a.data[i*cols+j]
		}
		out.data[j] = sum
	}
}

// meanAxis0 averages over the batch axis, collapsing [N, ...] to [...].
func meanAxis0(a *tensor) *tensor {
	rows := a.shape[0]
	cols := a.size() / rows
	out := newTensor(a.shape[1:]...)
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += a.data[i*cols+j]
		}
		out.data[j] = sum / float64(rows)
	}
	return out
}

func maxVal(a *tensor) float64 {
	if len(a.data) == 0 {
		return 0
	}
	m := a.data[0]
	for _, v := range a.data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// =============================================================================
// PER-CHANNEL OPS
// Every bound, epsilon and step size in the perturbation search is a
// per-channel magnitude because normalization divides by a per-channel std.
// =============================================================================

// addSignScaled does x += step[c] * sign(g[i]) elementwise, c = channel of i.
func addSignScaled(x, g *tensor, step []float64) {
	c := len(step)
	for i := range x.data {
		v := g.data[i]
		if v > 0 {
			x.data[i] += step[i%c]
		} else if v < 0 {
			x.data[i] -= step[i%c]
		}
	}
}

// projectBall pulls x back into the per-channel epsilon-ball around ref:
// x = clamp(x-ref, -eps[c], eps[c]) + ref.
func projectBall(x, ref *tensor, eps []float64) {
	c := len(eps)
	for i := range x.data {
		d := x.data[i] - ref.data[i]
		e := eps[i%c]
		if d > e {
			d = e
		} else if d < -e {
			d = -e
		}
		x.data[i] = ref.data[i] + d
	}
}

// clipChannels clamps x into the per-channel valid range [min[c], max[c]].
func clipChannels(x *tensor, min, max []float64) {
	c := len(min)
	for i := range x.data {
		lo, hi := min[i%c], max[i%c]
		if x.data[i] < lo {
			x.data[i] = lo
		} else if x.data[i] > hi {
			x.data[i] = hi
		}
	}
}

// fillUniformScaled fills delta with uniform(-1,1) scaled by eps[c].
func fillUniformScaled(delta *tensor, eps []float64, rng *rand.Rand) {
	c := len(eps)
	for i := range delta.data {
		delta.data[i] = (rng.Float64()*2 - 1) * eps[i%c]
	}
}

func validateShape(expected, got []int) error {
	if len(expected) != len(got) {
		return errors.New("advflow: shape mismatch - different dimensions")
	}
	for i := range expected {
		if expected[i] != got[i] {
			return errors.New("advflow: shape mismatch")
		}
	}
	return nil
}
