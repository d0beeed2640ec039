package advflow

import "math/rand"

// Batch is one unit of training data: row-major sample vectors and their
// integer class ids. A batch is immutable once handed out.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Dataset is a finite, restartable sequence of batches with a queryable
// total sample count.
type Dataset interface {
	// Len returns the total number of samples
	Len() int
	// Batches returns the number of batches per pass
	Batches() int
	// Reset restarts iteration from the first batch
	Reset()
	// Next returns the next batch, or ok=false at the end of a pass
	Next() (Batch, bool)
}

// SliceDataset serves batches from in-memory samples.
type SliceDataset struct {
	inputs    [][]float64
	labels    []int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	cursor    int
}

// SliceDatasetConfig - ALL fields required
type SliceDatasetConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

func NewSliceDataset(inputs [][]float64, labels []int, config SliceDatasetConfig) (*SliceDataset, error) {
	const component = "SliceDataset"
	if len(inputs) == 0 {
		return nil, configErrorf(component, "inputs", "no samples provided")
	}
	if len(inputs) != len(labels) {
		return nil, configErrorf(component, "labels",
			"%d samples but %d labels", len(inputs), len(labels))
	}
	if config.BatchSize <= 0 {
		return nil, configErrorf(component, "BatchSize", "must be > 0, got %d", config.BatchSize)
	}

	d := &SliceDataset{
		inputs:    inputs,
		labels:    labels,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(newRandomSource(config.Seed)),
	}
	d.Reset()
	return d, nil
}

func (d *SliceDataset) Len() int { return len(d.inputs) }

func (d *SliceDataset) Batches() int {
	return (len(d.inputs) + d.batchSize - 1) / d.batchSize
}

func (d *SliceDataset) Reset() {
	d.cursor = 0
	if d.shuffle {
		d.order = shuffleIndices(len(d.inputs), d.rng)
	} else {
		d.order = nil
	}
}

func (d *SliceDataset) Next() (Batch, bool) {
	if d.cursor >= len(d.inputs) {
		return Batch{}, false
	}
	end := minInt(d.cursor+d.batchSize, len(d.inputs))
	n := end - d.cursor

	batch := Batch{
		Inputs: make([][]float64, n),
		Labels: make([]int, n),
	}
	for i := 0; i < n; i++ {
		src := d.cursor + i
		if d.order != nil {
			src = d.order[d.cursor+i]
		}
		batch.Inputs[i] = d.inputs[src]
		batch.Labels[i] = d.labels[src]
	}
	d.cursor = end
	return batch, true
}
