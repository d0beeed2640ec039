package advflow

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// TrainingState is the explicit mutable state of a run, threaded through
// the epoch loop and updated only at defined points.
type TrainingState struct {
	Epoch      int     // completed epochs
	BestRobust float64 // best robust accuracy seen so far
}

// EpochSummary reports one epoch of training: the loss decomposition, the
// per-batch accuracies averaged over the epoch, the held-out accuracies,
// and the learning rate in effect at epoch end.
type EpochSummary struct {
	Epoch          int
	TotalLoss      float64
	CrossEntropy   float64
	Regularization float64
	CleanAccuracy  float64
	RobustAccuracy float64
	EvalClean      float64
	EvalRobust     float64
	LearningRate   float64
	Duration       time.Duration
}

// TrainerConfig - ALL fields required unless marked optional
type TrainerConfig struct {
	Epochs             int
	Optimizer          Optimizer
	Loss               Loss
	Engine             *PerturbationEngine // optional; nil trains without attack or regularization
	Tap                *FeatureTap         // required with Engine, absent without
	FeatureMatchWeight float64             // lambda on the feature-matching term
	Schedule           Scheduler           // per-epoch schedule after warm-up
	WarmUp             *WarmUpScheduler    // optional; required when WarmUpEpochs > 0
	WarmUpEpochs       int
	Store              Store   // optional; nil disables checkpointing
	RunName            string  // optional; defaults to a fresh run id
	Sink               Sink    // optional; defaults to NoopSink
	Eval               Dataset // optional held-out set for epoch-end evaluation
}

// Trainer drives adversarial training with feature matching: each batch is
// perturbed under frozen parameters, then both the adversarial and clean
// batches run forward, the capture pair is consumed, and the optimizer
// steps on cross-entropy over the adversarial outputs plus the weighted
// squared distance between batch-mean features.
//
// The model's parameters are exclusively owned by one Trainer across a
// run; concurrent runs need independent model, tap and optimizer instances.
type Trainer struct {
	model     *Model
	config    TrainerConfig
	baseLR    float64
	runID     string
	state     TrainingState
	summaries []EpochSummary
}

func NewTrainer(model *Model, config TrainerConfig) (*Trainer, error) {
	const component = "Trainer"
	if model == nil || !model.built {
		return nil, configErrorf(component, "model", "a built model is required")
	}
	if config.Epochs < 1 {
		return nil, configErrorf(component, "Epochs", "must be >= 1, got %d", config.Epochs)
	}
	if config.Optimizer == nil {
		return nil, configErrorf(component, "Optimizer", "optimizer is required")
	}
	if config.Loss == nil {
		return nil, configErrorf(component, "Loss", "loss function is required")
	}
	if config.Schedule == nil {
		return nil, configErrorf(component, "Schedule", "per-epoch schedule is required")
	}
	if config.FeatureMatchWeight < 0 {
		return nil, configErrorf(component, "FeatureMatchWeight",
			"must be >= 0, got %g", config.FeatureMatchWeight)
	}
	if config.Engine != nil {
		if config.Tap == nil {
			return nil, configErrorf(component, "Tap", "a feature tap is required with an engine")
		}
		if model.tap != config.Tap {
			return nil, configErrorf(component, "Tap", "tap is not attached to this model")
		}
	} else {
		if config.Tap != nil || model.tap != nil {
			return nil, configErrorf(component, "Tap",
				"plain training must not have a capture point attached")
		}
	}
	if config.WarmUpEpochs < 0 {
		return nil, configErrorf(component, "WarmUpEpochs", "must be >= 0, got %d", config.WarmUpEpochs)
	}
	if config.WarmUpEpochs > 0 && config.WarmUp == nil {
		return nil, configErrorf(component, "WarmUp", "warm-up schedule required when WarmUpEpochs > 0")
	}
	if config.Sink == nil {
		config.Sink = NoopSink{}
	}
	if config.RunName == "" {
		config.RunName = newRunID()
	}

	params, _ := model.trainableParams()
	config.Optimizer.init(params)

	return &Trainer{
		model:  model,
		config: config,
		baseLR: config.Optimizer.learningRate(),
		runID:  config.RunName,
	}, nil
}

// State returns the current training state
func (t *Trainer) State() TrainingState { return t.state }

// Fit trains from the current state to the configured epoch count. Any
// batch error aborts the run at that point; the last saved checkpoint is
// the recovery point.
func (t *Trainer) Fit(train Dataset) ([]EpochSummary, error) {
	if train == nil {
		return nil, configErrorf("Trainer", "train", "training dataset is required")
	}
	t.model.SetMode(ModeTrain)

	for epoch := t.state.Epoch; epoch < t.config.Epochs; epoch++ {
		summary, err := t.runEpoch(epoch, train)
		if err != nil {
			return t.summaries, err
		}
		t.summaries = append(t.summaries, summary)

		robust := summary.RobustAccuracy
		if t.config.Eval != nil {
			robust = summary.EvalRobust
		}
		improved := robust > t.state.BestRobust
		t.state = TrainingState{
			Epoch:      epoch + 1,
			BestRobust: t.state.BestRobust,
		}
		if improved {
			t.state.BestRobust = robust
		}

		t.publish(summary)

		if t.config.Store != nil {
			if improved {
				if err := t.checkpoint(t.config.RunName + "-best"); err != nil {
					return t.summaries, err
				}
			}
			if err := t.checkpoint(t.config.RunName + "-epoch"); err != nil {
				return t.summaries, err
			}
		}
	}

	if t.config.Store != nil {
		if err := t.checkpoint(t.config.RunName + "-last"); err != nil {
			return t.summaries, err
		}
	}
	return t.summaries, nil
}

// Resume loads a checkpoint saved by Fit and positions the trainer so the
// continuation is indistinguishable from uninterrupted training. RNG state
// is the caller's to restore through the engine's snapshot methods.
func (t *Trainer) Resume(name string) error {
	if t.config.Store == nil {
		return configErrorf("Trainer", "Store", "resume requires a checkpoint store")
	}
	ckpt, err := t.config.Store.Load(name)
	if err != nil {
		return err
	}
	if err := t.model.loadWeights(ckpt.Weights); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		params, _ := t.model.trainableParams()
		if err := t.config.Optimizer.restore(ckpt.OptimizerState, params); err != nil {
			return err
		}
	}
	if t.config.WarmUp != nil {
		t.config.WarmUp.restore(ckpt.SchedulerState.WarmUpSteps)
	}
	t.runID = ckpt.RunID
	t.state = TrainingState{Epoch: ckpt.Epoch, BestRobust: ckpt.BestRobust}
	return nil
}

func (t *Trainer) runEpoch(epoch int, train Dataset) (EpochSummary, error) {
	start := time.Now()
	summary := EpochSummary{Epoch: epoch}

	warming := epoch < t.config.WarmUpEpochs
	if !warming {
		t.config.Optimizer.setLearningRate(t.config.Schedule.step(epoch, t.baseLR))
	}

	var totalLoss, ceLoss, regLoss float64
	var cleanCorrect, robustCorrect, seen, batches int

	train.Reset()
	for {
		batch, ok := train.Next()
		if !ok {
			break
		}
		if warming {
			t.config.Optimizer.setLearningRate(t.config.WarmUp.advance())
		}

		var res batchResult
		var err error
		if t.config.Engine != nil {
			res, err = t.adversarialStep(batch)
		} else {
			res, err = t.plainStep(batch)
		}
		if err != nil {
			return summary, err
		}

		totalLoss += res.total
		ceLoss += res.ce
		regLoss += res.reg
		cleanCorrect += res.cleanCorrect
		robustCorrect += res.robustCorrect
		seen += len(batch.Labels)
		batches++
	}

	if batches > 0 {
		summary.TotalLoss = totalLoss / float64(batches)
		summary.CrossEntropy = ceLoss / float64(batches)
		summary.Regularization = regLoss / float64(batches)
	}
	if seen > 0 {
		summary.CleanAccuracy = float64(cleanCorrect) / float64(seen)
		summary.RobustAccuracy = float64(robustCorrect) / float64(seen)
	}

	if t.config.Eval != nil {
		var err error
		if t.config.Engine != nil {
			summary.EvalClean, summary.EvalRobust, err = EvaluateUnderAttack(t.model, t.config.Eval, t.config.Engine)
		} else {
			summary.EvalClean, err = evaluateClean(t.model, t.config.Eval)
			summary.EvalRobust = summary.EvalClean
		}
		if err != nil {
			return summary, err
		}
	}

	summary.LearningRate = t.config.Optimizer.learningRate()
	summary.Duration = time.Since(start)
	return summary, nil
}

type batchResult struct {
	total, ce, reg              float64
	cleanCorrect, robustCorrect int
}

// adversarialStep runs one batch of adversarial training. The order is
// fixed: freeze, attack, unfreeze, adversarial forward, clean forward,
// consume the capture pair, loss, backward, optimizer step. Reordering
// changes results.
func (t *Trainer) adversarialStep(batch Batch) (batchResult, error) {
	var res batchResult
	inputs := t.model.batchTensor(batch.Inputs)
	target := oneHotEncode(batch.Labels, t.model.outputDim())

	frozen := isolateParameters(t.model)
	adv, err := t.config.Engine.perturb(t.model, inputs, target)
	frozen.release()
	if err != nil {
		return res, err
	}

	advOut, err := t.model.forward(adv)
	if err != nil {
		return res, err
	}
	cleanOut, err := t.model.forward(inputs)
	if err != nil {
		return res, err
	}

	fa, fc, err := t.config.Tap.consume()
	if err != nil {
		return res, err
	}

	// reg = || mean over batch of adv feature - mean over batch of clean
	// feature ||^2, on the flattened feature.
	diff := meanAxis0(fa)
	mc := meanAxis0(fc)
	floats.Sub(diff.data, mc.data)
	reg := floats.Dot(diff.data, diff.data)

	lambda := t.config.FeatureMatchWeight
	ce := t.config.Loss.compute(advOut, target)
	res.ce = ce
	res.reg = lambda * reg
	res.total = ce + lambda*reg

	t.model.zeroGradients()

	// The feature term differentiates through both branches. The clean
	// caches are still in place from the clean forward, so its share goes
	// first; the adversarial share rides along with the cross-entropy
	// backward after the caches are restored by a capture-free re-forward.
	n := float64(fa.shape[0])
	if lambda > 0 {
		if err := t.model.backwardFromTap(featureGrad(fc.shape, diff, -2*lambda/n)); err != nil {
			return res, err
		}
	}

	quiet := evalScope(t.model)
	advOut2, err := t.model.forward(adv)
	quiet.release()
	if err != nil {
		return res, err
	}

	gradOut := newTensor(advOut2.shape...)
	t.config.Loss.gradient(advOut2, target, gradOut)
	var advShare *tensor
	if lambda > 0 {
		advShare = featureGrad(fa.shape, diff, 2*lambda/n)
	}
	if _, err := t.model.backwardWithFeatureGrad(gradOut, advShare); err != nil {
		return res, err
	}

	params, grads := t.model.trainableParams()
	t.config.Optimizer.step(params, grads)

	res.cleanCorrect = countCorrect(cleanOut, batch.Labels)
	res.robustCorrect = countCorrect(advOut, batch.Labels)
	return res, nil
}

// plainStep runs one standard training batch without attack or
// regularization, for baseline runs.
func (t *Trainer) plainStep(batch Batch) (batchResult, error) {
	var res batchResult
	inputs := t.model.batchTensor(batch.Inputs)
	target := oneHotEncode(batch.Labels, t.model.outputDim())

	out, err := t.model.forward(inputs)
	if err != nil {
		return res, err
	}
	res.ce = t.config.Loss.compute(out, target)
	res.total = res.ce

	t.model.zeroGradients()
	gradOut := newTensor(out.shape...)
	t.config.Loss.gradient(out, target, gradOut)
	if _, err := t.model.backwardToInput(gradOut); err != nil {
		return res, err
	}

	params, grads := t.model.trainableParams()
	t.config.Optimizer.step(params, grads)

	correct := countCorrect(out, batch.Labels)
	res.cleanCorrect = correct
	res.robustCorrect = correct
	return res, nil
}

func (t *Trainer) publish(s EpochSummary) {
	sink := t.config.Sink
	sink.Observe("loss_total", s.TotalLoss, s.Epoch)
	sink.Observe("loss_cross_entropy", s.CrossEntropy, s.Epoch)
	sink.Observe("loss_feature_match", s.Regularization, s.Epoch)
	sink.Observe("train_clean_accuracy", s.CleanAccuracy, s.Epoch)
	sink.Observe("train_robust_accuracy", s.RobustAccuracy, s.Epoch)
	if t.config.Eval != nil {
		sink.Observe("eval_clean_accuracy", s.EvalClean, s.Epoch)
		sink.Observe("eval_robust_accuracy", s.EvalRobust, s.Epoch)
	}
	sink.Observe("learning_rate", s.LearningRate, s.Epoch)
	sink.Observe("epoch_seconds", s.Duration.Seconds(), s.Epoch)
}

func (t *Trainer) checkpoint(name string) error {
	ckpt := &Checkpoint{
		RunID:          t.runID,
		Epoch:          t.state.Epoch,
		BestRobust:     t.state.BestRobust,
		Weights:        t.model.weightsState(),
		OptimizerState: t.config.Optimizer.state(),
		SavedAt:        time.Now(),
	}
	if t.config.WarmUp != nil {
		ckpt.SchedulerState.WarmUpSteps = t.config.WarmUp.stepsTaken()
	}
	return t.config.Store.Save(name, ckpt)
}

// featureGrad builds the per-sample gradient of the feature-matching term:
// every row gets scale * diff.
func featureGrad(shape []int, diff *tensor, scale float64) *tensor {
	out := newTensor(shape...)
	cols := diff.size()
	rows := out.size() / cols
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = scale * diff.data[j]
		}
	}
	return out
}

func countCorrect(pred *tensor, labels []int) int {
	classes := argmaxRows(pred)
	correct := 0
	for i, c := range classes {
		if c == labels[i] {
			correct++
		}
	}
	return correct
}

// EvaluateUnderAttack measures clean and adversarial accuracy of model over
// a held-out set. The model is held in evaluation mode; the engine's own
// guards keep parameters frozen during the perturbation search.
func EvaluateUnderAttack(model *Model, data Dataset, engine *PerturbationEngine) (clean, robust float64, err error) {
	cleanMetric := Accuracy()
	robustMetric := Accuracy()
	cleanMetric.reset()
	robustMetric.reset()

	data.Reset()
	for {
		batch, ok := data.Next()
		if !ok {
			break
		}
		inputs := model.batchTensor(batch.Inputs)
		target := oneHotEncode(batch.Labels, model.outputDim())

		adv, err := engine.perturb(model, inputs, target)
		if err != nil {
			return 0, 0, err
		}

		quiet := evalScope(model)
		cleanOut, err := model.forward(inputs)
		if err != nil {
			quiet.release()
			return 0, 0, err
		}
		advOut, err := model.forward(adv)
		quiet.release()
		if err != nil {
			return 0, 0, err
		}

		cleanMetric.update(cleanOut, target)
		robustMetric.update(advOut, target)
	}
	return cleanMetric.result(), robustMetric.result(), nil
}

func evaluateClean(model *Model, data Dataset) (float64, error) {
	metric := Accuracy()
	metric.reset()

	data.Reset()
	for {
		batch, ok := data.Next()
		if !ok {
			break
		}
		inputs := model.batchTensor(batch.Inputs)
		target := oneHotEncode(batch.Labels, model.outputDim())

		quiet := evalScope(model)
		out, err := model.forward(inputs)
		quiet.release()
		if err != nil {
			return 0, err
		}
		metric.update(out, target)
	}
	return metric.result(), nil
}
