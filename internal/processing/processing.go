package processing

import (
	"context"
	"slices"

	"go.uber.org/zap"

	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
)

// Label is what the presentation driver attaches to samples while labeling.
type Label struct {
	Class       int
	GroundTruth int
}

// Sample is one decoded, possibly daisy merged and filtered, reading of every
// channel. Samples are never mutated after the assembler returns them.
type Sample struct {
	ID       uint8
	Channels []float64
	Aux      [rserial.AuxPerPacket]float64
	Label    Label
	Labeled  bool

	syncSignal bool
}

func (s Sample) Clone() Sample {
	s.Channels = slices.Clone(s.Channels)
	return s
}

// IsSyncSignal reports whether every channel of the source packet(s) was zero.
func (s Sample) IsSyncSignal() bool {
	return s.syncSignal
}

func (s Sample) WithLabel(l Label) Sample {
	s.Label = l
	s.Labeled = true
	return s
}

// Window is a run of consecutive samples, labeled after its last sample.
type Window struct {
	Index   int
	Samples []Sample
	Label   Label
	Labeled bool
}

func (w Window) Clone() Window {
	samples := make([]Sample, len(w.Samples))
	for i, s := range w.Samples {
		samples[i] = s.Clone()
	}
	w.Samples = samples
	return w
}

// Consume hands every item of q to fn until ctx is cancelled.
func Consume[T any](ctx context.Context, q *Queue[T], logger *zap.Logger, fn func(T)) error {
	for {
		select {
		case <-q.Ready():
			q.Drain(fn)
		case <-ctx.Done():
			logger.Info("[processor] received shutdown signal", zap.String("queue", q.Name()))
			return nil
		}
	}
}
