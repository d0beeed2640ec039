package advflow

import (
	"fmt"
	"math/rand"
)

// oneHotEncode converts integer labels to one-hot encoding
func oneHotEncode(labels []int, numClasses int) *tensor {
	n := len(labels)
	out := newTensor(n, numClasses)
	for i, label := range labels {
		out.data[i*numClasses+label] = 1.0
	}
	return out
}

// argmaxRows returns the index of the max column per row of a [N, K] tensor.
func argmaxRows(t *tensor) []int {
	rows := t.shape[0]
	cols := t.size() / rows
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		bestV := t.data[i*cols]
		for j := 1; j < cols; j++ {
			if t.data[i*cols+j] > bestV {
				bestV = t.data[i*cols+j]
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// shuffleIndices returns a permutation of [0, n) for epoch reshuffling.
func shuffleIndices(n int, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) {
		idx[i], idx[j] = idx[j], idx[i]
	})
	return idx
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("advflow: "+format, args...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
