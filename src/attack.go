package advflow

import "math/rand"

// PerturbationEngine searches for a worst-case Linf-bounded perturbation of
// an input batch by projected gradient descent on the model loss. All
// bounds, budgets and steps live in the model's normalized input space via
// the NormalizationContext; the engine never mutates the input batch and
// never updates model parameters.
type PerturbationEngine struct {
	config AttackConfig
	norm   *NormalizationContext
	source *randomSource
	rng    *rand.Rand
}

// AttackConfig - ALL fields required
type AttackConfig struct {
	RandomInit bool // start from uniform(-1,1)*epsilon instead of zero
	NumSteps   int
	Loss       Loss
	Seed       int64
}

func NewPerturbationEngine(config AttackConfig, norm *NormalizationContext) (*PerturbationEngine, error) {
	const component = "PerturbationEngine"
	if norm == nil {
		return nil, configErrorf(component, "norm", "normalization context is required")
	}
	if config.NumSteps < 0 {
		return nil, configErrorf(component, "NumSteps", "must be >= 0, got %d", config.NumSteps)
	}
	if config.Loss == nil {
		return nil, configErrorf(component, "Loss", "loss function is required")
	}
	source := newRandomSource(config.Seed)
	return &PerturbationEngine{
		config: config,
		norm:   norm,
		source: source,
		rng:    rand.New(source),
	}, nil
}

// RNGSnapshot captures the engine's random state so a repeated experiment
// reproduces the same random perturbation initialization.
func (e *PerturbationEngine) RNGSnapshot() RandomState { return e.source.snapshot() }

// RestoreRNG restores a state captured by RNGSnapshot.
func (e *PerturbationEngine) RestoreRNG(st RandomState) { e.source.restore(st) }

// Perturb computes an adversarial batch for row-major samples and integer
// labels, returning samples of the same shape.
func (e *PerturbationEngine) Perturb(model *Model, inputs [][]float64, labels []int) ([][]float64, error) {
	batch := model.batchTensor(inputs)
	target := oneHotEncode(labels, model.outputDim())
	adv, err := e.perturb(model, batch, target)
	if err != nil {
		return nil, err
	}
	perSample := adv.size() / len(inputs)
	out := make([][]float64, len(inputs))
	for i := range inputs {
		out[i] = make([]float64, perSample)
		copy(out[i], adv.data[i*perSample:(i+1)*perSample])
	}
	return out, nil
}

// perturb runs the iterative sign-gradient search. Invariants after every
// iteration, and at return for any step count including zero:
//
//	|result - input| <= epsilon per channel, and min <= result <= max.
//
// Model gradient buffers are cleared before each inner backward pass;
// callers holding gradients of interest must save them first. Forward and
// backward failures propagate unmodified, leaving no partial state beyond
// possibly-cleared gradient buffers.
func (e *PerturbationEngine) perturb(model *Model, input, target *tensor) (*tensor, error) {
	if input.channels() != e.norm.Channels() {
		return nil, errorf("input has %d channels, normalization context has %d",
			input.channels(), e.norm.Channels())
	}

	// The search only needs input gradients, and the capture point must not
	// fire during the inner loop. Both guards restore on every exit path.
	frozen := isolateParameters(model)
	defer frozen.release()
	quiet := evalScope(model)
	defer quiet.release()

	xt := input.clone()
	if e.config.RandomInit {
		delta := newTensor(input.shape...)
		fillUniformScaled(delta, e.norm.Epsilon(), e.rng)
		for i := range xt.data {
			xt.data[i] += delta.data[i]
		}
		// A random start stays inside the epsilon-ball by construction but
		// can leave the valid range, so the range clip applies here too.
		clipChannels(xt, e.norm.Min(), e.norm.Max())
	}

	for it := 0; it < e.config.NumSteps; it++ {
		yHat, err := model.forward(xt)
		if err != nil {
			return nil, err
		}

		gradOut := newTensor(yHat.shape...)
		e.config.Loss.gradient(yHat, target, gradOut)

		model.zeroGradients()
		gradIn, err := model.backwardToInput(gradOut)
		if err != nil {
			return nil, err
		}

		// Ascend the loss: step in the gradient-sign direction, project back
		// into the epsilon-ball around the original input, clip to range.
		addSignScaled(xt, gradIn, e.norm.Step())
		projectBall(xt, input, e.norm.Epsilon())
		clipChannels(xt, e.norm.Min(), e.norm.Max())
	}

	return xt, nil
}
