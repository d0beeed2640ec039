package advflow

import (
	"errors"
	"math/rand"
)

// Mode selects training or evaluation behavior for a forward pass. Feature
// capture only happens in ModeTrain.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

// Block is a named, ordered subdivision of the forward computation,
// addressable by index for instrumentation and freezing.
type Block struct {
	label     string
	layers    []Layer
	trainable bool
}

func (b *Block) Name() string { return b.label }

// Model is a chain of blocks with a single capture point and per-block
// trainable flags. Parameters are exclusively owned by one training run.
type Model struct {
	blocks     []*Block
	rng        *rand.Rand
	source     *randomSource
	inputShape []int
	mode       Mode
	built      bool

	// At most one tap; tapBlock is the absolute block index it watches.
	tap      *FeatureTap
	tapBlock int
}

// ModelConfig for model construction
type ModelConfig struct {
	Seed int64
}

// ModelBuilder for fluent API
type ModelBuilder struct {
	model *Model
	err   error
}

// NewModel creates a new model builder
func NewModel(config ModelConfig) *ModelBuilder {
	source := newRandomSource(config.Seed)
	return &ModelBuilder{
		model: &Model{
			blocks: make([]*Block, 0),
			source: source,
			rng:    rand.New(source),
			mode:   ModeTrain,
		},
	}
}

// AddBlock appends a named block built from the given layers
func (b *ModelBuilder) AddBlock(label string, layers ...Layer) *ModelBuilder {
	if b.err != nil {
		return b
	}
	if len(layers) == 0 {
		b.err = errorf("block %q must have at least one layer", label)
		return b
	}
	b.model.blocks = append(b.model.blocks, &Block{
		label:     label,
		layers:    layers,
		trainable: true,
	})
	return b
}

// Build finalizes the model structure
func (b *ModelBuilder) Build(inputShape []int) (*Model, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.model.blocks) == 0 {
		return nil, errors.New("advflow: model must have at least one block")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("advflow: inputShape must be specified")
	}

	b.model.inputShape = inputShape

	currentShape := inputShape
	for bi, block := range b.model.blocks {
		for li, layer := range block.layers {
			err := layer.build(currentShape, b.model.rng)
			if err != nil {
				return nil, errorf("block %d (%s) layer %d (%s): %v", bi, block.label, li, layer.name(), err)
			}
			outShape := layer.outputShape()
			if outShape != nil {
				currentShape = outShape
			}
		}
	}

	b.model.built = true
	return b.model, nil
}

// SetMode switches between training and evaluation behavior
func (m *Model) SetMode(mode Mode) { m.mode = mode }

// Mode reports the current mode
func (m *Model) Mode() Mode { return m.mode }

// TotalBlocks returns the number of blocks
func (m *Model) TotalBlocks() int { return len(m.blocks) }

// BlockAt returns the block at the given index
func (m *Model) BlockAt(i int) *Block { return m.blocks[i] }

// InputShape returns the per-sample input shape the model was built with
func (m *Model) InputShape() []int { return m.inputShape }

// attachTap wires the single capture point to the block kFromEnd positions
// from the output end (k=1 is the last block).
func (m *Model) attachTap(tap *FeatureTap, kFromEnd int) error {
	if m.tap != nil {
		return configErrorf("FeatureTap", "model", "model already has a capture point")
	}
	if kFromEnd < 1 || kFromEnd > len(m.blocks) {
		return configErrorf("FeatureTap", "BlockFromEnd",
			"index %d out of range [1, %d]", kFromEnd, len(m.blocks))
	}
	m.tap = tap
	m.tapBlock = len(m.blocks) - kFromEnd
	return nil
}

// forward runs the full block chain. When a tap is attached and the model is
// in training mode, the activation entering the tapped block is captured.
func (m *Model) forward(input *tensor) (*tensor, error) {
	if !m.built {
		return nil, errors.New("advflow: model not built")
	}
	training := m.mode == ModeTrain
	output := input
	var err error
	for bi, block := range m.blocks {
		if m.tap != nil && bi == m.tapBlock && training {
			if err := m.tap.capture(output); err != nil {
				return nil, err
			}
		}
		for _, layer := range block.layers {
			output, err = layer.forward(output, training)
			if err != nil {
				return nil, &ComputeError{Component: "Model", Phase: "forward", Err: err}
			}
		}
	}
	return output, nil
}

// backwardToInput propagates gradOutput through the block chain in reverse
// and returns the gradient with respect to the model input. Frozen blocks
// skip parameter-gradient work but still pass the gradient through.
func (m *Model) backwardToInput(gradOutput *tensor) (*tensor, error) {
	return m.backwardWithFeatureGrad(gradOutput, nil)
}

// backwardWithFeatureGrad is backwardToInput with an extra gradient term
// added to the flow at the capture point (the activation entering the
// tapped block), for loss terms defined on the captured feature.
func (m *Model) backwardWithFeatureGrad(gradOutput, featureGrad *tensor) (*tensor, error) {
	grad := gradOutput
	var err error
	for bi := len(m.blocks) - 1; bi >= 0; bi-- {
		block := m.blocks[bi]
		for li := len(block.layers) - 1; li >= 0; li-- {
			grad, err = block.layers[li].backward(grad, block.trainable)
			if err != nil {
				return nil, &ComputeError{Component: "Model", Phase: "backward", Err: err}
			}
		}
		if featureGrad != nil && bi == m.tapBlock {
			add(grad, featureGrad)
		}
	}
	return grad, nil
}

// backwardFromTap propagates featureGrad from the capture point down
// through the blocks preceding it, using the caches of the most recent
// forward pass. The input gradient is discarded.
func (m *Model) backwardFromTap(featureGrad *tensor) error {
	if m.tap == nil {
		return stateErrorf("Model", "no capture point attached")
	}
	grad := featureGrad
	var err error
	for bi := m.tapBlock - 1; bi >= 0; bi-- {
		block := m.blocks[bi]
		for li := len(block.layers) - 1; li >= 0; li-- {
			grad, err = block.layers[li].backward(grad, block.trainable)
			if err != nil {
				return &ComputeError{Component: "Model", Phase: "backward", Err: err}
			}
		}
	}
	return nil
}

// zeroGradients resets every parameter gradient buffer
func (m *Model) zeroGradients() {
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			for _, g := range layer.gradients() {
				if g != nil {
					g.zero()
				}
			}
		}
	}
}

// trainableParams returns parameters and gradients of trainable blocks only
func (m *Model) trainableParams() ([]*tensor, []*tensor) {
	var params []*tensor
	var grads []*tensor
	for _, block := range m.blocks {
		if !block.trainable {
			continue
		}
		for _, layer := range block.layers {
			params = append(params, layer.parameters()...)
			grads = append(grads, layer.gradients()...)
		}
	}
	return params, grads
}

// allParams returns every parameter regardless of the trainable flag
func (m *Model) allParams() []*tensor {
	var params []*tensor
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			params = append(params, layer.parameters()...)
		}
	}
	return params
}

// paramGradients returns every parameter gradient buffer, aligned with allParams
func (m *Model) paramGradients() []*tensor {
	var grads []*tensor
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			grads = append(grads, layer.gradients()...)
		}
	}
	return grads
}

// trainableSnapshot records per-block trainable flags
func (m *Model) trainableSnapshot() []bool {
	snap := make([]bool, len(m.blocks))
	for i, block := range m.blocks {
		snap[i] = block.trainable
	}
	return snap
}

func (m *Model) restoreTrainable(snap []bool) {
	for i := range snap {
		m.blocks[i].trainable = snap[i]
	}
}

func (m *Model) setAllTrainable(v bool) {
	for _, block := range m.blocks {
		block.trainable = v
	}
}

// Predict runs inference on inputs; model is left in its prior mode.
func (m *Model) Predict(inputs [][]float64) ([][]float64, error) {
	if !m.built {
		return nil, errors.New("advflow: model not built")
	}
	batch := m.batchTensor(inputs)

	prior := m.mode
	m.mode = ModeEval
	defer func() { m.mode = prior }()

	output, err := m.forward(batch)
	if err != nil {
		return nil, err
	}

	outputDim := output.shape[1]
	result := make([][]float64, len(inputs))
	for i := range inputs {
		result[i] = make([]float64, outputDim)
		copy(result[i], output.data[i*outputDim:(i+1)*outputDim])
	}
	return result, nil
}

// batchTensor packs row-major samples into a batch tensor shaped per the
// model's input shape.
func (m *Model) batchTensor(inputs [][]float64) *tensor {
	numSamples := len(inputs)
	shape := append([]int{numSamples}, m.inputShape...)
	batch := newTensor(shape...)
	perSample := batch.size() / numSamples
	for i, row := range inputs {
		copy(batch.data[i*perSample:(i+1)*perSample], row)
	}
	return batch
}

// outputDim returns the size of the final layer output (the class count for
// a classifier head).
func (m *Model) outputDim() int {
	shape := m.inputShape
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			if out := layer.outputShape(); out != nil {
				shape = out
			}
		}
	}
	return shape[len(shape)-1]
}

// weightsState snapshots every parameter for checkpointing
func (m *Model) weightsState() []WeightTensor {
	var out []WeightTensor
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			for pi, p := range layer.parameters() {
				data := make([]float64, len(p.data))
				copy(data, p.data)
				shape := make([]int, len(p.shape))
				copy(shape, p.shape)
				out = append(out, WeightTensor{
					Block: block.label,
					Layer: layer.name(),
					Index: pi,
					Shape: shape,
					Data:  data,
				})
			}
		}
	}
	return out
}

// loadWeights restores parameters saved by weightsState
func (m *Model) loadWeights(weights []WeightTensor) error {
	idx := 0
	for _, block := range m.blocks {
		for _, layer := range block.layers {
			for _, p := range layer.parameters() {
				if idx >= len(weights) {
					return errors.New("advflow: weight count mismatch")
				}
				w := weights[idx]
				if err := validateShape(p.shape, w.Shape); err != nil {
					return err
				}
				copy(p.data, w.Data)
				idx++
			}
		}
	}
	if idx != len(weights) {
		return errors.New("advflow: weight count mismatch")
	}
	return nil
}
