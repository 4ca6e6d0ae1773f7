// Package classify turns completed windows into class predictions and hands
// them to the configured sinks.
package classify

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/metrics"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

type Result struct {
	Class  int
	Scores []float64
}

type Classifier interface {
	Classify(w processing.Window) (Result, error)
}

type Prediction struct {
	Window      int       `json:"window"`
	Class       int       `json:"class"`
	Scores      []float64 `json:"scores,omitempty"`
	GroundTruth *int      `json:"ground_truth,omitempty"`
	At          time.Time `json:"at"`
}

type Sink interface {
	Publish(p Prediction) error
}

type Runner struct {
	classifier Classifier
	in         *processing.Queue[processing.Window]
	sinks      []Sink
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewRunner(classifier Classifier, in *processing.Queue[processing.Window], logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Runner {
	return &Runner{
		classifier: classifier,
		in:         in,
		sinks:      sinks,
		logger:     logger,
		metrics:    m,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	return processing.Consume(ctx, r.in, r.logger, r.handle)
}

func (r *Runner) handle(w processing.Window) {
	result, err := r.classifier.Classify(w)
	if err != nil {
		r.logger.Warn("[classifier] could not classify window", zap.Int("window", w.Index), zap.Error(err))
		return
	}

	p := Prediction{
		Window: w.Index,
		Class:  result.Class,
		Scores: result.Scores,
		At:     time.Now(),
	}
	if w.Labeled {
		truth := w.Label.GroundTruth
		p.GroundTruth = &truth
	}
	r.metrics.Prediction(strconv.Itoa(p.Class))

	for _, sink := range r.sinks {
		if err := sink.Publish(p); err != nil {
			r.logger.Warn("[classifier] error publishing prediction", zap.Int("window", w.Index), zap.Error(err))
		}
	}
}

// LogSink writes every prediction to the log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(p Prediction) error {
	fields := []zap.Field{zap.Int("window", p.Window), zap.Int("class", p.Class)}
	if p.GroundTruth != nil {
		fields = append(fields, zap.Int("groundTruth", *p.GroundTruth))
	}
	s.logger.Info("[classifier] prediction", fields...)
	return nil
}
