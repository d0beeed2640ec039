package advflow

import "math"

// Optimizer updates model parameters. Beyond stepping, an optimizer exposes
// its learning rate to the schedulers and its internal slots to the
// checkpoint store, so a resumed run continues exactly where it stopped.
type Optimizer interface {
	init(params []*tensor)
	step(params []*tensor, grads []*tensor)
	learningRate() float64
	setLearningRate(lr float64)
	state() *OptimizerState
	restore(st *OptimizerState, params []*tensor) error
	name() string
}

// OptimizerState is the serializable snapshot of an optimizer's slots.
type OptimizerState struct {
	Type         string                 `json:"type"`
	Step         int                    `json:"step"`
	LearningRate float64                `json:"learning_rate"`
	Slots        map[string][][]float64 `json:"slots"`
}

func slotSnapshot(ts []*tensor) [][]float64 {
	out := make([][]float64, len(ts))
	for i, t := range ts {
		out[i] = make([]float64, len(t.data))
		copy(out[i], t.data)
	}
	return out
}

func restoreSlot(name string, st *OptimizerState, params []*tensor) ([]*tensor, error) {
	saved, ok := st.Slots[name]
	if !ok {
		return nil, errorf("optimizer state missing slot %q", name)
	}
	if len(saved) != len(params) {
		return nil, errorf("optimizer slot %q has %d entries, model has %d parameters",
			name, len(saved), len(params))
	}
	out := make([]*tensor, len(params))
	for i, p := range params {
		if len(saved[i]) != len(p.data) {
			return nil, errorf("optimizer slot %q entry %d has %d values, parameter has %d",
				name, i, len(saved[i]), len(p.data))
		}
		out[i] = newTensor(p.shape...)
		copy(out[i].data, saved[i])
	}
	return out, nil
}

// SGDOptimizer - Stochastic Gradient Descent with momentum
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
	velocities  []*tensor
	initialized bool
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		Dampening:   config.Dampening,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
}

func (s *SGDOptimizer) init(params []*tensor) {
	s.velocities = make([]*tensor, len(params))
	for i, p := range params {
		s.velocities[i] = newTensor(p.shape...)
	}
	s.initialized = true
}

func (s *SGDOptimizer) step(params []*tensor, grads []*tensor) {
	if !s.initialized {
		s.init(params)
	}
	for i, p := range params {
		g := grads[i]
		v := s.velocities[i]

		for j := range p.data {
			grad := g.data[j]
			if s.WeightDecay != 0 {
				grad += s.WeightDecay * p.data[j]
			}
			if s.Momentum != 0 {
				v.data[j] = s.Momentum*v.data[j] + (1-s.Dampening)*grad
				if s.Nesterov {
					grad = grad + s.Momentum*v.data[j]
				} else {
					grad = v.data[j]
				}
			}
			p.data[j] -= s.LR * grad
		}
	}
}

func (s *SGDOptimizer) learningRate() float64      { return s.LR }
func (s *SGDOptimizer) setLearningRate(lr float64) { s.LR = lr }

func (s *SGDOptimizer) state() *OptimizerState {
	return &OptimizerState{
		Type:         s.name(),
		LearningRate: s.LR,
		Slots: map[string][][]float64{
			"velocity": slotSnapshot(s.velocities),
		},
	}
}

func (s *SGDOptimizer) restore(st *OptimizerState, params []*tensor) error {
	if st.Type != s.name() {
		return errorf("optimizer state type %q does not match %q", st.Type, s.name())
	}
	velocities, err := restoreSlot("velocity", st, params)
	if err != nil {
		return err
	}
	s.velocities = velocities
	s.LR = st.LearningRate
	s.initialized = true
	return nil
}

func (s *SGDOptimizer) name() string { return "sgd" }

// AdamOptimizer - Adaptive Moment Estimation
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	m           []*tensor
	v           []*tensor
	t           int
	initialized bool
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
}

func (a *AdamOptimizer) init(params []*tensor) {
	a.m = make([]*tensor, len(params))
	a.v = make([]*tensor, len(params))
	for i, p := range params {
		a.m[i] = newTensor(p.shape...)
		a.v[i] = newTensor(p.shape...)
	}
	a.t = 0
	a.initialized = true
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	if !a.initialized {
		a.init(params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		g := grads[i]
		m := a.m[i]
		v := a.v[i]

		for j := range p.data {
			grad := g.data[j]
			if a.WeightDecay != 0 {
				grad += a.WeightDecay * p.data[j]
			}
			m.data[j] = a.Beta1*m.data[j] + (1-a.Beta1)*grad
			v.data[j] = a.Beta2*v.data[j] + (1-a.Beta2)*grad*grad

			mHat := m.data[j] / bc1
			vHat := v.data[j] / bc2

			p.data[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

func (a *AdamOptimizer) learningRate() float64      { return a.LR }
func (a *AdamOptimizer) setLearningRate(lr float64) { a.LR = lr }

func (a *AdamOptimizer) state() *OptimizerState {
	return &OptimizerState{
		Type:         a.name(),
		Step:         a.t,
		LearningRate: a.LR,
		Slots: map[string][][]float64{
			"m": slotSnapshot(a.m),
			"v": slotSnapshot(a.v),
		},
	}
}

func (a *AdamOptimizer) restore(st *OptimizerState, params []*tensor) error {
	if st.Type != a.name() {
		return errorf("optimizer state type %q does not match %q", st.Type, a.name())
	}
	m, err := restoreSlot("m", st, params)
	if err != nil {
		return err
	}
	v, err := restoreSlot("v", st, params)
	if err != nil {
		return err
	}
	a.m = m
	a.v = v
	a.t = st.Step
	a.LR = st.LearningRate
	a.initialized = true
	return nil
}

func (a *AdamOptimizer) name() string { return "adam" }
