package advflow

import (
	"errors"
	"math"
	"math/rand"
)

// Conv2DLayer - 2D convolution over channels-last [N, H, W, C] batches.
type Conv2DLayer struct {
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string // "valid" or "same"
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [kernelH, kernelW, inChannels, outChannels]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int // [H, W, C]
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("advflow: Conv2D requires input shape [H, W, C]")
	}
	if c.initializer == nil {
		return errors.New("advflow: Conv2D requires initializer")
	}
	if c.activation == nil {
		return errors.New("advflow: Conv2D requires activation")
	}
	if c.useBias && c.biasInit == nil {
		return errors.New("advflow: Conv2D with bias requires bias initializer")
	}

	c.inputShape = inputShape
	inChannels := inputShape[2]

	c.weights = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)

	c.gradW = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)

	if c.useBias {
		c.bias = newTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
		c.gradB = newTensor(c.filters)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	if c.padding == "same" {
		return (inputH + c.stride[0] - 1) / c.stride[0], (inputW + c.stride[1] - 1) / c.stride[1]
	}
	return (inputH-c.kernelSize[0])/c.stride[0] + 1, (inputW-c.kernelSize[1])/c.stride[1] + 1
}

func (c *Conv2DLayer) padOffsets(inputH, inputW, outH, outW int) (int, int) {
	if c.padding != "same" {
		return 0, 0
	}
	padH := maxInt((outH-1)*c.stride[0]+c.kernelSize[0]-inputH, 0)
	padW := maxInt((outW-1)*c.stride[1]+c.kernelSize[1]-inputW, 0)
	return padH / 2, padW / 2
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, errors.New("advflow: Conv2D not built")
	}

	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	inChannels := input.shape[3]

	outH, outW := c.computeOutputSize(inputH, inputW)
	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)

	c.input = input
	c.preAct = newTensor(batchSize, outH, outW, c.filters)

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for f := 0; f < c.filters; f++ {
					sum := 0.0
					for kh := 0; kh < c.kernelSize[0]; kh++ {
						for kw := 0; kw < c.kernelSize[1]; kw++ {
							ih := oh*c.stride[0] + kh - padTop
							iw := ow*c.stride[1] + kw - padLeft
							if ih < 0 || ih >= inputH || iw < 0 || iw >= inputW {
								continue
							}
							for ic := 0; ic < inChannels; ic++ {
								inputIdx := ((b*inputH+ih)*inputW+iw)*inChannels + ic
								weightIdx := ((kh*c.kernelSize[1]+kw)*inChannels+ic)*c.filters + f
								sum += input.data[inputIdx] * c.weights.data[weightIdx]
							}
						}
					}
					outIdx := ((b*outH+oh)*outW+ow)*c.filters + f
					c.preAct.data[outIdx] = sum
					if c.useBias {
						c.preAct.data[outIdx] += c.bias.data[f]
					}
				}
			}
		}
	}

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor, withParamGrads bool) (*tensor, error) {
	if c.input == nil {
		return nil, errors.New("advflow: backward called before forward")
	}

	batchSize := c.input.shape[0]
	inputH := c.input.shape[1]
	inputW := c.input.shape[2]
	inChannels := c.input.shape[3]
	outH := gradOutput.shape[1]
	outW := gradOutput.shape[2]

	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)

	// Parameter gradients accumulate across backward passes;
	// Model.zeroGradients resets them between steps.
	gradInput := newTensor(c.input.shape...)
	scale := 1.0 / float64(batchSize)

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for f := 0; f < c.filters; f++ {
					outIdx := ((b*outH+oh)*outW+ow)*c.filters + f
					dout := gradPreAct.data[outIdx]

					if withParamGrads && c.useBias {
						c.gradB.data[f] += dout * scale
					}

					for kh := 0; kh < c.kernelSize[0]; kh++ {
						for kw := 0; kw < c.kernelSize[1]; kw++ {
							ih := oh*c.stride[0] + kh - padTop
							iw := ow*c.stride[1] + kw - padLeft
							if ih < 0 || ih >= inputH || iw < 0 || iw >= inputW {
								continue
							}
							for ic := 0; ic < inChannels; ic++ {
								inputIdx := ((b*inputH+ih)*inputW+iw)*inChannels + ic
								weightIdx := ((kh*c.kernelSize[1]+kw)*inChannels+ic)*c.filters + f

								if withParamGrads {
									c.gradW.data[weightIdx] += c.input.data[inputIdx] * dout * scale
								}
								gradInput.data[inputIdx] += c.weights.data[weightIdx] * dout
							}
						}
					}
				}
			}
		}
	}

	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*tensor {
	if c.useBias {
		return []*tensor{c.weights, c.bias}
	}
	return []*tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*tensor {
	if c.useBias {
		return []*tensor{c.gradW, c.gradB}
	}
	return []*tensor{c.gradW}
}

func (c *Conv2DLayer) outputShape() []int {
	outH, outW := c.computeOutputSize(c.inputShape[0], c.inputShape[1])
	return []int{outH, outW, c.filters}
}

func (c *Conv2DLayer) name() string { return "conv2d" }

// MaxPool2DLayer - max pooling over channels-last [N, H, W, C] batches.
type MaxPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	inputShape []int
	maxIndices []int
	built      bool
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize,
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("advflow: MaxPool2D requires input shape [H, W, C]")
	}
	m.inputShape = inputShape
	m.built = true
	return nil
}

func (m *MaxPool2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	return (inputH-m.poolSize[0])/m.stride[0] + 1, (inputW-m.poolSize[1])/m.stride[1] + 1
}

func (m *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	channels := input.shape[3]

	outH, outW := m.computeOutputSize(inputH, inputW)
	output := newTensor(batchSize, outH, outW, channels)
	m.maxIndices = make([]int, output.size())

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for ch := 0; ch < channels; ch++ {
					best := math.Inf(-1)
					bestIdx := 0
					for ph := 0; ph < m.poolSize[0]; ph++ {
						for pw := 0; pw < m.poolSize[1]; pw++ {
							ih := oh*m.stride[0] + ph
							iw := ow*m.stride[1] + pw
							if ih >= inputH || iw >= inputW {
								continue
							}
							idx := ((b*inputH+ih)*inputW+iw)*channels + ch
							if input.data[idx] > best {
								best = input.data[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*outH+oh)*outW+ow)*channels + ch
					output.data[outIdx] = best
					m.maxIndices[outIdx] = bestIdx
				}
			}
		}
	}

	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *tensor, withParamGrads bool) (*tensor, error) {
	gradInput := newTensor(gradOutput.shape[0], m.inputShape[0], m.inputShape[1], m.inputShape[2])
	for outIdx, inIdx := range m.maxIndices {
		gradInput.data[inIdx] += gradOutput.data[outIdx]
	}
	return gradInput, nil
}

func (m *MaxPool2DLayer) parameters() []*tensor { return nil }
func (m *MaxPool2DLayer) gradients() []*tensor  { return nil }

func (m *MaxPool2DLayer) outputShape() []int {
	outH, outW := m.computeOutputSize(m.inputShape[0], m.inputShape[1])
	return []int{outH, outW, m.inputShape[2]}
}

func (m *MaxPool2DLayer) name() string { return "maxpool2d" }
