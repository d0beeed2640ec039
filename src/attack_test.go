package advflow

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumModel builds y = x1 + x2: one Dense unit with unit weights, no bias.
// With MSE against a target above the output, the loss gradient with
// respect to the input has constant negative sign.
func sumModel(t *testing.T) *Model {
	t.Helper()
	model, err := NewModel(ModelConfig{Seed: 1}).
		AddBlock("head", Dense(1).
			WithActivation(Linear()).
			WithInitializer(Constant(1.0)).
			WithBias(false).
			Build()).
		Build([]int{2})
	require.NoError(t, err)
	return model
}

func classifierModel(t *testing.T, seed int64) *Model {
	t.Helper()
	model, err := NewModel(ModelConfig{Seed: seed}).
		AddBlock("features", Dense(8).
			WithActivation(ReLU()).
			WithInitializer(HeNormal(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		AddBlock("head", Dense(2).
			WithActivation(Softmax()).
			WithInitializer(XavierNormal(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		Build([]int{2})
	require.NoError(t, err)
	return model
}

func wideNorm(t *testing.T) *NormalizationContext {
	t.Helper()
	norm, err := NewNormalizationContext(NormalizationConfig{
		Mean:     []float64{0.0, 0.0},
		Std:      []float64{1.0, 1.0},
		ClipMin:  -10.0,
		ClipMax:  10.0,
		Epsilon:  0.1,
		StepSize: 0.05,
	})
	require.NoError(t, err)
	return norm
}

func TestEngineValidation(t *testing.T) {
	norm := wideNorm(t)
	loss := CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0})

	_, err := NewPerturbationEngine(AttackConfig{NumSteps: 1, Loss: loss, Seed: 1}, nil)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))

	_, err = NewPerturbationEngine(AttackConfig{NumSteps: -1, Loss: loss, Seed: 1}, norm)
	require.True(t, errors.As(err, &cerr))

	_, err = NewPerturbationEngine(AttackConfig{NumSteps: 1, Loss: nil, Seed: 1}, norm)
	require.True(t, errors.As(err, &cerr))
}

func TestPerturbZeroStepsIsIdentity(t *testing.T) {
	model := classifierModel(t, 3)
	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: false,
		NumSteps:   0,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       1,
	}, wideNorm(t))
	require.NoError(t, err)

	inputs := [][]float64{{0.3, -0.7}, {1.2, 0.4}}
	adv, err := engine.Perturb(model, inputs, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, inputs, adv)
}

func TestPerturbDoesNotMutateInput(t *testing.T) {
	model := classifierModel(t, 3)
	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: true,
		NumSteps:   5,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       1,
	}, wideNorm(t))
	require.NoError(t, err)

	inputs := [][]float64{{0.3, -0.7}, {1.2, 0.4}}
	_, err = engine.Perturb(model, inputs, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.3, -0.7}, {1.2, 0.4}}, inputs)
}

func TestPerturbBoundsInvariant(t *testing.T) {
	model := classifierModel(t, 5)
	norm, err := NewNormalizationContext(NormalizationConfig{
		Mean:     []float64{0.1, -0.2},
		Std:      []float64{0.5, 2.0},
		ClipMin:  0.0,
		ClipMax:  1.0,
		Epsilon:  0.03,
		StepSize: 0.01,
	})
	require.NoError(t, err)

	for _, steps := range []int{0, 1, 3, 10} {
		engine, err := NewPerturbationEngine(AttackConfig{
			RandomInit: true,
			NumSteps:   steps,
			Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
			Seed:       int64(steps),
		}, norm)
		require.NoError(t, err)

		// all coordinates inside the normalized clip range
		inputs := [][]float64{{0.1, 0.2}, {1.5, 0.55}, {-0.1, 0.3}}
		adv, err := engine.Perturb(model, inputs, []int{0, 1, 0})
		require.NoError(t, err)

		for i := range inputs {
			for j := range inputs[i] {
				lo := math.Max(inputs[i][j]-norm.Epsilon()[j], norm.Min()[j])
				hi := math.Min(inputs[i][j]+norm.Epsilon()[j], norm.Max()[j])
				assert.GreaterOrEqual(t, adv[i][j], lo-1e-12, "steps=%d sample=%d dim=%d", steps, i, j)
				assert.LessOrEqual(t, adv[i][j], hi+1e-12, "steps=%d sample=%d dim=%d", steps, i, j)
			}
		}
	}
}

// With y = x1 + x2 and an MSE target above the output, every step moves
// both coordinates down by the step size; the epsilon-ball boundary is hit
// after two steps and the third projects back onto it.
func TestPerturbReachesBallBoundary(t *testing.T) {
	inputs := [][]float64{{0.2, 0.3}}
	labels := []int{0} // one-hot target 1.0, well above y = 0.5

	run := func(steps int) [][]float64 {
		model := sumModel(t)
		engine, err := NewPerturbationEngine(AttackConfig{
			RandomInit: false,
			NumSteps:   steps,
			Loss:       MSE(MSEConfig{Reduction: "mean"}),
			Seed:       1,
		}, wideNorm(t))
		require.NoError(t, err)
		adv, err := engine.Perturb(model, inputs, labels)
		require.NoError(t, err)
		return adv
	}

	afterTwo := run(2)
	assert.InDelta(t, 0.1, afterTwo[0][0], 1e-12)
	assert.InDelta(t, 0.2, afterTwo[0][1], 1e-12)

	afterThree := run(3)
	assert.InDelta(t, 0.1, afterThree[0][0], 1e-12)
	assert.InDelta(t, 0.2, afterThree[0][1], 1e-12)
}

func TestPerturbDeterministicReplay(t *testing.T) {
	model := classifierModel(t, 7)
	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: true,
		NumSteps:   4,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       21,
	}, wideNorm(t))
	require.NoError(t, err)

	inputs := [][]float64{{0.3, -0.7}, {1.2, 0.4}}
	snap := engine.RNGSnapshot()

	first, err := engine.Perturb(model, inputs, []int{0, 1})
	require.NoError(t, err)

	engine.RestoreRNG(snap)
	second, err := engine.Perturb(model, inputs, []int{0, 1})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPerturbLeavesParamGradsZero(t *testing.T) {
	model := classifierModel(t, 9)
	model.zeroGradients()

	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: true,
		NumSteps:   5,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       2,
	}, wideNorm(t))
	require.NoError(t, err)

	_, err = engine.Perturb(model, [][]float64{{0.4, 0.1}}, []int{1})
	require.NoError(t, err)

	for _, g := range model.paramGradients() {
		for _, v := range g.data {
			assert.Zero(t, v)
		}
	}
	// trainable flags restored by the engine's guard
	for i := 0; i < model.TotalBlocks(); i++ {
		assert.True(t, model.BlockAt(i).trainable)
	}
	assert.Equal(t, ModeTrain, model.Mode())
}

func TestPerturbChannelMismatch(t *testing.T) {
	model := classifierModel(t, 3)
	norm, err := NewNormalizationContext(NormalizationConfig{
		Mean:     []float64{0.0},
		Std:      []float64{1.0},
		ClipMin:  0.0,
		ClipMax:  1.0,
		Epsilon:  0.1,
		StepSize: 0.05,
	})
	require.NoError(t, err)

	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: false,
		NumSteps:   1,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       1,
	}, norm)
	require.NoError(t, err)

	_, err = engine.Perturb(model, [][]float64{{0.4, 0.1}}, []int{1})
	require.Error(t, err)
}
