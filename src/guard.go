package advflow

// =============================================================================
// SCOPED GUARDS
// The perturbation search only needs input gradients, so parameter gradient
// work is switched off around it, and the capture point must stay quiet
// while it runs. Both switches are scoped guards: acquire records the prior
// state, release restores it on every exit path, including error paths.
// =============================================================================

// gradientIsolationGuard freezes every block's trainable flag for the
// duration of a scope. Release restores the exact prior flags, so blocks
// that were already frozen stay frozen afterwards.
type gradientIsolationGuard struct {
	model    *Model
	prior    []bool
	released bool
}

// isolateParameters freezes all blocks and returns the guard
func isolateParameters(m *Model) *gradientIsolationGuard {
	g := &gradientIsolationGuard{
		model: m,
		prior: m.trainableSnapshot(),
	}
	m.setAllTrainable(false)
	return g
}

// release restores the prior trainable flags. Safe to call more than once.
func (g *gradientIsolationGuard) release() {
	if g.released {
		return
	}
	g.model.restoreTrainable(g.prior)
	g.released = true
}

// modeGuard holds the model in evaluation mode for the duration of a scope,
// which keeps the feature tap from capturing during the attack's inner
// forward passes.
type modeGuard struct {
	model    *Model
	prior    Mode
	released bool
}

func evalScope(m *Model) *modeGuard {
	g := &modeGuard{model: m, prior: m.Mode()}
	m.SetMode(ModeEval)
	return g
}

func (g *modeGuard) release() {
	if g.released {
		return
	}
	g.model.SetMode(g.prior)
	g.released = true
}
