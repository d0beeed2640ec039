package advflow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSignScaled(t *testing.T) {
	x := newTensor(1, 2, 2)
	copy(x.data, []float64{0.0, 0.0, 1.0, -1.0})
	g := newTensor(1, 2, 2)
	copy(g.data, []float64{0.5, -0.5, 0.0, 2.0})

	addSignScaled(x, g, []float64{0.1, 0.2})

	assert.InDelta(t, 0.1, x.data[0], 1e-12)
	assert.InDelta(t, -0.2, x.data[1], 1e-12)
	assert.InDelta(t, 1.0, x.data[2], 1e-12) // zero gradient, no step
	assert.InDelta(t, -0.8, x.data[3], 1e-12)
}

func TestProjectBall(t *testing.T) {
	ref := newTensor(1, 4)
	copy(ref.data, []float64{0.0, 0.0, 1.0, 1.0})
	x := newTensor(1, 4)
	copy(x.data, []float64{0.5, -0.05, 1.3, 0.95})

	projectBall(x, ref, []float64{0.1, 0.2})

	assert.InDelta(t, 0.1, x.data[0], 1e-12)
	assert.InDelta(t, -0.05, x.data[1], 1e-12) // already inside
	assert.InDelta(t, 1.1, x.data[2], 1e-12)
	assert.InDelta(t, 0.95, x.data[3], 1e-12)
}

func TestClipChannels(t *testing.T) {
	x := newTensor(1, 4)
	copy(x.data, []float64{-3.0, 5.0, 0.5, -0.5})

	clipChannels(x, []float64{-1.0, -2.0}, []float64{1.0, 2.0})

	assert.Equal(t, []float64{-1.0, 2.0, 0.5, -0.5}, x.data)
}

func TestFillUniformScaledStaysInBall(t *testing.T) {
	delta := newTensor(8, 3)
	eps := []float64{0.1, 0.2, 0.3}
	source := newRandomSource(11)
	fillUniformScaled(delta, eps, rand.New(source))

	for i, v := range delta.data {
		bound := eps[i%3]
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
}

func TestChannels(t *testing.T) {
	assert.Equal(t, 3, newTensor(2, 4, 4, 3).channels())
	assert.Equal(t, 5, newTensor(7, 5).channels())
}

func TestMeanAxis0(t *testing.T) {
	a := newTensor(2, 3)
	copy(a.data, []float64{1, 2, 3, 5, 6, 7})

	m := meanAxis0(a)

	require.Equal(t, []int{3}, m.shape)
	assert.Equal(t, []float64{3, 4, 5}, m.data)
}

func TestRandomSourceSnapshotRestore(t *testing.T) {
	source := newRandomSource(99)
	first := []uint64{source.Uint64(), source.Uint64()}

	snap := source.snapshot()
	second := []uint64{source.Uint64(), source.Uint64()}
	assert.NotEqual(t, first, second)

	source.restore(snap)
	replay := []uint64{source.Uint64(), source.Uint64()}
	assert.Equal(t, second, replay)
}
