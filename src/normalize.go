package advflow

// NormalizationContext converts raw-pixel-space bounds, epsilon and step size
// into the model's normalized input space using per-channel dataset mean/std.
// Bounds are positions, so the mean is subtracted; epsilon and step are
// magnitudes, so they are only divided by std. All derived values are
// computed once at construction and never change.
type NormalizationContext struct {
	min     []float64
	max     []float64
	epsilon []float64
	step    []float64
}

// NormalizationConfig holds the raw-space inputs - ALL fields required
type NormalizationConfig struct {
	Mean     []float64 // per-channel dataset mean
	Std      []float64 // per-channel dataset std
	ClipMin  float64   // raw-space lower bound, usually 0
	ClipMax  float64   // raw-space upper bound, usually 1
	Epsilon  float64   // raw-space Linf budget
	StepSize float64   // raw-space per-iteration step
}

// NewNormalizationContext validates the configuration and derives the
// normalized bounds. A zero-valued std entry is a configuration error:
// failing here beats propagating infinities into the attack.
func NewNormalizationContext(config NormalizationConfig) (*NormalizationContext, error) {
	const component = "NormalizationContext"
	if len(config.Mean) == 0 {
		return nil, configErrorf(component, "Mean", "at least one channel required")
	}
	if len(config.Mean) != len(config.Std) {
		return nil, configErrorf(component, "Std",
			"mean has %d channels, std has %d", len(config.Mean), len(config.Std))
	}
	for i, s := range config.Std {
		if s == 0 {
			return nil, configErrorf(component, "Std", "zero variance in channel %d", i)
		}
	}
	if config.ClipMax <= config.ClipMin {
		return nil, configErrorf(component, "ClipMax",
			"ClipMax %v must exceed ClipMin %v", config.ClipMax, config.ClipMin)
	}
	if config.Epsilon < 0 {
		return nil, configErrorf(component, "Epsilon", "must be >= 0, got %v", config.Epsilon)
	}
	if config.StepSize < 0 {
		return nil, configErrorf(component, "StepSize", "must be >= 0, got %v", config.StepSize)
	}

	channels := len(config.Mean)
	ctx := &NormalizationContext{
		min:     make([]float64, channels),
		max:     make([]float64, channels),
		epsilon: make([]float64, channels),
		step:    make([]float64, channels),
	}
	for c := 0; c < channels; c++ {
		ctx.min[c] = normalizeBound(config.ClipMin, config.Mean[c], config.Std[c])
		ctx.max[c] = normalizeBound(config.ClipMax, config.Mean[c], config.Std[c])
		ctx.epsilon[c] = normalizeMagnitude(config.Epsilon, config.Std[c])
		ctx.step[c] = normalizeMagnitude(config.StepSize, config.Std[c])
	}
	return ctx, nil
}

// normalizeBound maps a raw-space position into normalized space.
func normalizeBound(raw, mean, std float64) float64 {
	return (raw - mean) / std
}

// normalizeMagnitude maps a raw-space distance into normalized space.
func normalizeMagnitude(raw, std float64) float64 {
	return raw / std
}

// Channels returns the per-channel width of the context
func (n *NormalizationContext) Channels() int { return len(n.min) }

// Min returns the normalized per-channel lower clip bound
func (n *NormalizationContext) Min() []float64 { return n.min }

// Max returns the normalized per-channel upper clip bound
func (n *NormalizationContext) Max() []float64 { return n.max }

// Epsilon returns the normalized per-channel Linf budget
func (n *NormalizationContext) Epsilon() []float64 { return n.epsilon }

// Step returns the normalized per-channel step size
func (n *NormalizationContext) Step() []float64 { return n.step }
