// Package advflow is an adversarial training library for Go.
//
// Advflow provides a power-user focused API with explicit configuration
// and no hidden defaults. Every hyperparameter must be specified.
//
// Basic usage:
//
//	model, err := advflow.NewModel(advflow.ModelConfig{Seed: 42}).
//		AddBlock("features", advflow.Dense(128).
//			WithActivation(advflow.ReLU()).
//			WithInitializer(advflow.HeNormal(1.0)).
//			WithBiasInitializer(advflow.Zeros()).
//			WithBias(true).
//			Build()).
//		AddBlock("head", advflow.Dense(10).
//			WithActivation(advflow.Softmax()).
//			WithInitializer(advflow.XavierNormal(1.0)).
//			WithBiasInitializer(advflow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{784})
//
//	norm, err := advflow.NewNormalizationContext(advflow.NormalizationConfig{
//		Mean:     []float64{0.1307},
//		Std:      []float64{0.3081},
//		ClipMin:  0.0,
//		ClipMax:  1.0,
//		Epsilon:  8.0 / 255.0,
//		StepSize: 2.0 / 255.0,
//	})
//
//	engine, err := advflow.NewPerturbationEngine(advflow.AttackConfig{
//		RandomInit: true,
//		NumSteps:   10,
//		Loss:       advflow.CrossEntropy(advflow.CrossEntropyConfig{LabelSmoothing: 0.0}),
//		Seed:       42,
//	}, norm)
//
//	tap, err := advflow.NewFeatureTap(model, 1)
//
//	trainer, err := advflow.NewTrainer(model, advflow.TrainerConfig{
//		Epochs:    20,
//		Optimizer: advflow.SGD(advflow.SGDConfig{LR: 0.1, Momentum: 0.9}),
//		Loss:      advflow.CrossEntropy(advflow.CrossEntropyConfig{LabelSmoothing: 0.0}),
//		Engine:    engine,
//		Tap:       tap,
//		FeatureMatchWeight: 1.0,
//		Schedule:  advflow.MultiStep(advflow.MultiStepConfig{Milestones: []int{10, 15}, Gamma: 0.1}),
//	})
//
//	summaries, err := trainer.Fit(train)
package advflow

// Version of the advflow library
const Version = "1.0.0"
