package advflow

import "github.com/prometheus/client_golang/prometheus"

// Metric computes evaluation metrics over a stream of batches.
type Metric interface {
	reset()
	update(pred, target *tensor)
	result() float64
	name() string
}

// AccuracyMetric - multi-class classification accuracy
type AccuracyMetric struct {
	correct int
	total   int
}

func Accuracy() Metric {
	return &AccuracyMetric{}
}

func (a *AccuracyMetric) reset() {
	a.correct = 0
	a.total = 0
}

func (a *AccuracyMetric) update(pred, target *tensor) {
	predClass := argmaxRows(pred)
	targetClass := argmaxRows(target)
	for i := range predClass {
		if predClass[i] == targetClass[i] {
			a.correct++
		}
		a.total++
	}
}

func (a *AccuracyMetric) result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *AccuracyMetric) name() string {
	return "accuracy"
}

// Sink receives named training series as they are produced: per-batch loss
// terms and per-epoch evaluation results.
type Sink interface {
	Observe(name string, value float64, step int)
}

// NoopSink discards all observations.
type NoopSink struct{}

func (NoopSink) Observe(string, float64, int) {}

// PrometheusSink exports observations as gauges labeled by series name and
// run, keeping only the latest value per series for scraping.
type PrometheusSink struct {
	run    string
	gauges *prometheus.GaugeVec
}

func NewPrometheusSink(run string, reg prometheus.Registerer) (*PrometheusSink, error) {
	if run == "" {
		return nil, configErrorf("PrometheusSink", "run", "run name is required")
	}
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "advflow",
		Name:      "training_series",
		Help:      "Latest value of each training series, labeled by name and run.",
	}, []string{"series", "run"})
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(gauges); err != nil {
		return nil, errorf("register training series collector: %v", err)
	}
	return &PrometheusSink{run: run, gauges: gauges}, nil
}

func (s *PrometheusSink) Observe(name string, value float64, _ int) {
	s.gauges.WithLabelValues(name, s.run).Set(value)
}
