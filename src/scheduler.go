package advflow

import "math"

// Scheduler adjusts the learning rate once per epoch. Schedulers are pure
// functions of (epoch, baseLR) so a resumed run recomputes the same rate
// from the restored epoch counter alone.
type Scheduler interface {
	step(epoch int, baseLR float64) float64
	name() string
}

// MultiStepScheduler - drops LR by gamma at each milestone epoch
type MultiStepScheduler struct {
	Milestones []int
	Gamma      float64
}

type MultiStepConfig struct {
	Milestones []int
	Gamma      float64
}

func MultiStep(config MultiStepConfig) Scheduler {
	return &MultiStepScheduler{
		Milestones: config.Milestones,
		Gamma:      config.Gamma,
	}
}

func (s *MultiStepScheduler) step(epoch int, baseLR float64) float64 {
	passed := 0
	for _, m := range s.Milestones {
		if epoch >= m {
			passed++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepScheduler) name() string { return "multi_step" }

// StepDecayScheduler - drops LR by factor every N epochs
type StepDecayScheduler struct {
	StepSize int
	Gamma    float64
}

type StepDecayConfig struct {
	StepSize int
	Gamma    float64
}

func StepDecay(config StepDecayConfig) Scheduler {
	return &StepDecayScheduler{
		StepSize: config.StepSize,
		Gamma:    config.Gamma,
	}
}

func (s *StepDecayScheduler) step(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepDecayScheduler) name() string { return "step_decay" }

// ConstantScheduler - no change to learning rate
type ConstantScheduler struct{}

func ConstantLR() Scheduler { return &ConstantScheduler{} }

func (c *ConstantScheduler) step(epoch int, baseLR float64) float64 {
	return baseLR
}

func (c *ConstantScheduler) name() string { return "constant" }

// WarmUpScheduler ramps the learning rate linearly from InitialLR to
// TargetLR over TotalSteps batches. Unlike the per-epoch schedulers it is
// stateful: the loop advances it once per batch during the warm-up epochs,
// and its counter is checkpointed so resume picks up mid-ramp.
type WarmUpScheduler struct {
	InitialLR  float64
	TargetLR   float64
	TotalSteps int
	taken      int
}

type WarmUpConfig struct {
	InitialLR  float64
	TargetLR   float64
	TotalSteps int
}

func WarmUp(config WarmUpConfig) *WarmUpScheduler {
	return &WarmUpScheduler{
		InitialLR:  config.InitialLR,
		TargetLR:   config.TargetLR,
		TotalSteps: config.TotalSteps,
	}
}

// advance takes one warm-up step and returns the new learning rate
func (w *WarmUpScheduler) advance() float64 {
	if w.taken < w.TotalSteps {
		w.taken++
	}
	return w.currentLR()
}

func (w *WarmUpScheduler) currentLR() float64 {
	if w.TotalSteps == 0 || w.taken >= w.TotalSteps {
		return w.TargetLR
	}
	frac := float64(w.taken) / float64(w.TotalSteps)
	return w.InitialLR + (w.TargetLR-w.InitialLR)*frac
}

func (w *WarmUpScheduler) stepsTaken() int { return w.taken }

func (w *WarmUpScheduler) restore(taken int) { w.taken = taken }

func (w *WarmUpScheduler) name() string { return "warm_up" }
