package advflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearSetup builds a single-block softmax classifier with a tap on that
// block (the captured feature is the model input) plus a matching engine.
// Identical seeds produce bit-identical instances, which the replay and
// resume tests rely on.
func linearSetup(t *testing.T) (*Model, *FeatureTap, *PerturbationEngine) {
	t.Helper()
	model, err := NewModel(ModelConfig{Seed: 77}).
		AddBlock("head", Dense(2).
			WithActivation(Softmax()).
			WithInitializer(XavierNormal(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		Build([]int{2})
	require.NoError(t, err)

	tap, err := NewFeatureTap(model, 1)
	require.NoError(t, err)

	norm, err := NewNormalizationContext(NormalizationConfig{
		Mean:     []float64{0.0, 0.0},
		Std:      []float64{1.0, 1.0},
		ClipMin:  -5.0,
		ClipMax:  5.0,
		Epsilon:  0.3,
		StepSize: 0.3,
	})
	require.NoError(t, err)

	engine, err := NewPerturbationEngine(AttackConfig{
		RandomInit: false,
		NumSteps:   1,
		Loss:       CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Seed:       77,
	}, norm)
	require.NoError(t, err)
	return model, tap, engine
}

func fourSamples() ([][]float64, []int) {
	inputs := [][]float64{
		{1.0, 0.8},
		{0.9, 1.1},
		{-1.0, -0.7},
		{-0.8, -1.2},
	}
	labels := []int{0, 0, 1, 1}
	return inputs, labels
}

func baseTrainerConfig(tap *FeatureTap, engine *PerturbationEngine) TrainerConfig {
	return TrainerConfig{
		Epochs: 1,
		Optimizer: SGD(SGDConfig{
			LR:          0.1,
			Momentum:    0.0,
			Dampening:   0.0,
			WeightDecay: 0.0,
			Nesterov:    false,
		}),
		Loss:               CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		Engine:             engine,
		Tap:                tap,
		FeatureMatchWeight: 0.5,
		Schedule:           ConstantLR(),
	}
}

func TestAdversarialEpochScenario(t *testing.T) {
	inputs, labels := fourSamples()
	model, tap, engine := linearSetup(t)

	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 4, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	trainer, err := NewTrainer(model, baseTrainerConfig(tap, engine))
	require.NoError(t, err)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	s := summaries[0]

	// Replay the attack against an identical fresh model to recompute the
	// per-batch counts independently of the trainer.
	replayModel, _, replayEngine := linearSetup(t)
	adv, err := replayEngine.Perturb(replayModel, inputs, labels)
	require.NoError(t, err)

	advPred, err := replayModel.Predict(adv)
	require.NoError(t, err)
	cleanPred, err := replayModel.Predict(inputs)
	require.NoError(t, err)

	robustMatches, cleanMatches := 0, 0
	for i := range labels {
		if argmaxRow(advPred[i]) == labels[i] {
			robustMatches++
		}
		if argmaxRow(cleanPred[i]) == labels[i] {
			cleanMatches++
		}
	}

	assert.InDelta(t, float64(robustMatches)/4.0, s.RobustAccuracy, 1e-12)
	assert.InDelta(t, float64(cleanMatches)/4.0, s.CleanAccuracy, 1e-12)
	assert.LessOrEqual(t, s.RobustAccuracy, s.CleanAccuracy)

	assert.Equal(t, 0, tap.pending(), "capture slot must be empty after the epoch")
	assert.Greater(t, s.TotalLoss, 0.0)
	assert.InDelta(t, s.TotalLoss, s.CrossEntropy+s.Regularization, 1e-12)
	assert.Equal(t, 1, trainer.State().Epoch)
}

func argmaxRow(row []float64) int {
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

func TestTrainerReducesLoss(t *testing.T) {
	inputs, labels := fourSamples()
	model, tap, engine := linearSetup(t)

	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 30
	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)
	require.Len(t, summaries, 30)
	assert.Less(t, summaries[29].TotalLoss, summaries[0].TotalLoss)
	assert.Equal(t, 1.0, summaries[29].CleanAccuracy, "separable data should be learned")
}

func TestWarmUpAdvancesPerBatchThenScheduleTakesOver(t *testing.T) {
	inputs, labels := fourSamples()
	model, tap, engine := linearSetup(t)

	// 2 batches per epoch
	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	warmup := WarmUp(WarmUpConfig{InitialLR: 0.01, TargetLR: 0.1, TotalSteps: 2})
	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 3
	cfg.WarmUp = warmup
	cfg.WarmUpEpochs = 1
	cfg.Schedule = MultiStep(MultiStepConfig{Milestones: []int{2}, Gamma: 0.1})

	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, 2, warmup.stepsTaken(), "one advance per batch during the warm-up epoch")
	assert.InDelta(t, 0.1, summaries[0].LearningRate, 1e-12, "ramp completed within epoch 0")
	assert.InDelta(t, 0.1, summaries[1].LearningRate, 1e-12, "schedule epoch before milestone")
	assert.InDelta(t, 0.01, summaries[2].LearningRate, 1e-12, "milestone drop applied")
}

func TestCheckpointResumeContinuesExactly(t *testing.T) {
	inputs, labels := fourSamples()
	dir := t.TempDir()

	run := func(epochs int, runName string, store Store) *Model {
		model, tap, engine := linearSetup(t)
		train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
		require.NoError(t, err)

		cfg := baseTrainerConfig(tap, engine)
		cfg.Epochs = epochs
		cfg.Optimizer = SGD(SGDConfig{LR: 0.1, Momentum: 0.9, Dampening: 0.0, WeightDecay: 0.0, Nesterov: false})
		cfg.Store = store
		cfg.RunName = runName
		trainer, err := NewTrainer(model, cfg)
		require.NoError(t, err)
		_, err = trainer.Fit(train)
		require.NoError(t, err)
		return model
	}

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	full := run(4, "full", nil)
	run(2, "half", store)

	// resume the half run and finish the remaining two epochs
	model, tap, engine := linearSetup(t)
	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 4
	cfg.Optimizer = SGD(SGDConfig{LR: 0.1, Momentum: 0.9, Dampening: 0.0, WeightDecay: 0.0, Nesterov: false})
	cfg.Store = store
	cfg.RunName = "resumed"
	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	require.NoError(t, trainer.Resume("half-epoch"))
	assert.Equal(t, 2, trainer.State().Epoch)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)
	assert.Len(t, summaries, 2, "only the remaining epochs run")

	assert.Equal(t, full.weightsState(), model.weightsState(),
		"continuation must be indistinguishable from uninterrupted training")
}

func TestBestCheckpointSavedOnImprovement(t *testing.T) {
	inputs, labels := fourSamples()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	model, tap, engine := linearSetup(t)
	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 4, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 10
	cfg.Store = store
	cfg.RunName = "best-run"
	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	_, err = trainer.Fit(train)
	require.NoError(t, err)

	last, err := store.Load("best-run-last")
	require.NoError(t, err)
	assert.Equal(t, 10, last.Epoch)

	if trainer.State().BestRobust > 0 {
		best, err := store.Load("best-run-best")
		require.NoError(t, err)
		assert.Equal(t, trainer.State().BestRobust, best.BestRobust)
	}
}

func TestPlainTrainingWithoutEngine(t *testing.T) {
	inputs, labels := fourSamples()
	model, err := NewModel(ModelConfig{Seed: 77}).
		AddBlock("head", Dense(2).
			WithActivation(Softmax()).
			WithInitializer(XavierNormal(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		Build([]int{2})
	require.NoError(t, err)

	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	trainer, err := NewTrainer(model, TrainerConfig{
		Epochs:             20,
		Optimizer:          SGD(SGDConfig{LR: 0.5, Momentum: 0.0, Dampening: 0.0, WeightDecay: 0.0, Nesterov: false}),
		Loss:               CrossEntropy(CrossEntropyConfig{LabelSmoothing: 0.0}),
		FeatureMatchWeight: 0.0,
		Schedule:           ConstantLR(),
	})
	require.NoError(t, err)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)
	require.Len(t, summaries, 20)

	final := summaries[19]
	assert.Less(t, final.TotalLoss, summaries[0].TotalLoss)
	assert.Zero(t, final.Regularization)
	assert.Equal(t, final.CleanAccuracy, final.RobustAccuracy, "no attack, both series track the same counts")
}

func TestEpochEndEvaluation(t *testing.T) {
	inputs, labels := fourSamples()
	model, tap, engine := linearSetup(t)

	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 4, Shuffle: false, Seed: 0})
	require.NoError(t, err)
	heldOut, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 4, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 2
	cfg.Eval = heldOut
	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	summaries, err := trainer.Fit(train)
	require.NoError(t, err)

	for _, s := range summaries {
		assert.GreaterOrEqual(t, s.EvalClean, 0.0)
		assert.LessOrEqual(t, s.EvalClean, 1.0)
		assert.LessOrEqual(t, s.EvalRobust, s.EvalClean)
	}
	assert.Equal(t, 0, tap.pending())
	assert.Equal(t, ModeTrain, model.Mode())
}

// recordingSink collects every observation for inspection.
type recordingSink struct {
	series map[string][]float64
}

func (r *recordingSink) Observe(name string, value float64, _ int) {
	if r.series == nil {
		r.series = map[string][]float64{}
	}
	r.series[name] = append(r.series[name], value)
}

func TestSinkReceivesLossDecomposition(t *testing.T) {
	inputs, labels := fourSamples()
	model, tap, engine := linearSetup(t)

	train, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 4, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	sink := &recordingSink{}
	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 2
	cfg.Sink = sink
	trainer, err := NewTrainer(model, cfg)
	require.NoError(t, err)

	_, err = trainer.Fit(train)
	require.NoError(t, err)

	for _, name := range []string{
		"loss_total", "loss_cross_entropy", "loss_feature_match",
		"train_clean_accuracy", "train_robust_accuracy",
		"learning_rate", "epoch_seconds",
	} {
		assert.Len(t, sink.series[name], 2, "one observation per epoch for %s", name)
	}
	assert.InDelta(t, 0.1, sink.series["learning_rate"][1], 1e-12)
}

func TestTrainerConfigValidation(t *testing.T) {
	var cerr *ConfigError

	model, tap, engine := linearSetup(t)

	cfg := baseTrainerConfig(tap, engine)
	cfg.Epochs = 0
	_, err := NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr))

	cfg = baseTrainerConfig(tap, engine)
	cfg.Optimizer = nil
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr))

	cfg = baseTrainerConfig(tap, engine)
	cfg.Tap = nil
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr), "engine without tap")

	// tap attached to a different model
	_, otherTap, _ := linearSetup(t)
	cfg = baseTrainerConfig(otherTap, engine)
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr))

	// plain training with a capture point left attached
	cfg = baseTrainerConfig(tap, engine)
	cfg.Engine = nil
	cfg.Tap = nil
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr))

	cfg = baseTrainerConfig(tap, engine)
	cfg.FeatureMatchWeight = -1
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr))

	cfg = baseTrainerConfig(tap, engine)
	cfg.WarmUpEpochs = 1
	_, err = NewTrainer(model, cfg)
	require.True(t, errors.As(err, &cerr), "warm-up epochs without a warm-up schedule")
}

func TestEvaluateUnderAttack(t *testing.T) {
	inputs, labels := fourSamples()
	model, _, engine := linearSetup(t)

	heldOut, err := NewSliceDataset(inputs, labels, SliceDatasetConfig{BatchSize: 2, Shuffle: false, Seed: 0})
	require.NoError(t, err)

	clean, robust, err := EvaluateUnderAttack(model, heldOut, engine)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, clean, 0.0)
	assert.LessOrEqual(t, clean, 1.0)
	assert.LessOrEqual(t, robust, clean)
	assert.Equal(t, ModeTrain, model.Mode(), "evaluation leaves the mode untouched")
}
