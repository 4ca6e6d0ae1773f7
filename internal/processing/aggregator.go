package processing

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/metrics"
)

// WindowAggregator cuts the sample stream into windows of W samples that
// advance by S samples.
type WindowAggregator struct {
	in         *Queue[Sample]
	out        *Fanout[Window]
	settings   *config.SettingsStore
	sampleRate int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	buf           []Sample
	windowCounter int
	length, step  int
	buffered      atomic.Int64
	resetRequests chan chan struct{}
}

func NewWindowAggregator(in *Queue[Sample], out *Fanout[Window], settings *config.SettingsStore, sampleRate int, logger *zap.Logger, m *metrics.Metrics) *WindowAggregator {
	return &WindowAggregator{
		in:            in,
		out:           out,
		settings:      settings,
		sampleRate:    sampleRate,
		logger:        logger,
		metrics:       m,
		resetRequests: make(chan chan struct{}),
	}
}

// Buffered is the number of samples waiting for the next window.
func (a *WindowAggregator) Buffered() int {
	return int(a.buffered.Load())
}

func (a *WindowAggregator) windowSize() (int, int) {
	length, step, err := a.settings.Load().WindowSamples(a.sampleRate)
	if err != nil {
		// settings are validated before they are stored, keep the last good size
		if a.length == 0 {
			a.logger.Error("[aggregator] no usable window size", zap.Error(err))
		}
		return a.length, a.step
	}
	a.length, a.step = length, step
	return length, step
}

// Push appends s and returns the windows it completed.
func (a *WindowAggregator) Push(s Sample) []Window {
	a.buf = append(a.buf, s)
	length, step := a.windowSize()

	var windows []Window
	for length > 0 && len(a.buf) >= length {
		samples := make([]Sample, length)
		copy(samples, a.buf[:length])
		last := samples[length-1]
		windows = append(windows, Window{
			Index:   a.windowCounter,
			Samples: samples,
			Label:   last.Label,
			Labeled: last.Labeled,
		})
		a.windowCounter++
		a.buf = append(a.buf[:0], a.buf[step:]...)
	}

	a.buffered.Store(int64(len(a.buf)))
	return windows
}

func (a *WindowAggregator) clear() {
	a.buf = a.buf[:0]
	a.windowCounter = 0
	a.buffered.Store(0)
}

func (a *WindowAggregator) drain() {
	a.in.Drain(func(s Sample) {
		for _, w := range a.Push(s) {
			a.logger.Debug("[aggregator] created window", zap.Int("window", w.Index))
			a.metrics.WindowEmitted()
			a.out.Publish(w)
		}
	})
}

func (a *WindowAggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-a.in.Ready():
			a.drain()
		case ack := <-a.resetRequests:
			a.drain()
			dropped := len(a.buf)
			a.clear()
			a.logger.Info("[aggregator] window buffer reset", zap.Int("discardedSamples", dropped))
			close(ack)
		case <-ctx.Done():
			a.logger.Info("[aggregator] received shutdown signal")
			return nil
		}
	}
}

// Reset finishes whatever is already queued and then empties the buffer, so
// no partial window survives a stop/start boundary. It requires Run.
func (a *WindowAggregator) Reset(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case a.resetRequests <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
