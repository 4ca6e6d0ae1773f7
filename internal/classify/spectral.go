package classify

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

// DefaultMinPeakRatio is how much the best stimulus must beat the runner-up
// before a window is classified.
const DefaultMinPeakRatio = 1.5

var ErrEmptyWindow = errors.New("window has no samples")

// SpectralPeak picks the stimulus frequency whose fundamental and harmonics
// carry the most power, summed over the configured channels.
type SpectralPeak struct {
	stimulusHz   []float64
	channels     []int
	harmonics    int
	sampleRate   int
	unknownCode  int
	minPeakRatio float64

	ffts map[int]*fourier.FFT
}

func NewSpectralPeak(cfg config.ClassifierConfig, sampleRate int) (*SpectralPeak, error) {
	if len(cfg.StimulusHz) == 0 {
		return nil, errors.New("no stimulus frequencies configured")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("no classifier channels configured")
	}
	harmonics := max(cfg.Harmonics, 1)
	nyquist := float64(sampleRate) / 2
	for _, f := range cfg.StimulusHz {
		if f <= 0 || f >= nyquist {
			return nil, fmt.Errorf("stimulus frequency %g Hz outside (0, %g)", f, nyquist)
		}
	}

	return &SpectralPeak{
		stimulusHz:   cfg.StimulusHz,
		channels:     cfg.Channels,
		harmonics:    harmonics,
		sampleRate:   sampleRate,
		unknownCode:  cfg.UnknownCode,
		minPeakRatio: DefaultMinPeakRatio,
		ffts:         make(map[int]*fourier.FFT),
	}, nil
}

func (c *SpectralPeak) fft(n int) *fourier.FFT {
	f, ok := c.ffts[n]
	if !ok {
		f = fourier.NewFFT(n)
		c.ffts[n] = f
	}
	return f
}

// spectrum is the power spectrum of every configured channel, summed.
func (c *SpectralPeak) spectrum(w processing.Window) ([]float64, error) {
	n := len(w.Samples)
	fft := c.fft(n)
	taper := window.Hann(n)
	series := make([]float64, n)
	var coeffs []complex128
	power := make([]float64, n/2+1)

	for _, ch := range c.channels {
		var mean float64
		for i, s := range w.Samples {
			if ch < 1 || ch > len(s.Channels) {
				return nil, fmt.Errorf("channel %d not in a %d channel sample", ch, len(s.Channels))
			}
			series[i] = s.Channels[ch-1]
			mean += series[i]
		}
		mean /= float64(n)
		for i := range series {
			series[i] = (series[i] - mean) * taper[i]
		}

		coeffs = fft.Coefficients(coeffs, series)
		for i, v := range coeffs {
			power[i] += math.Pow(cmplx.Abs(v), 2)
		}
	}
	return power, nil
}

// Classify returns the index of the winning stimulus frequency, or the
// unknown code when no stimulus stands out.
func (c *SpectralPeak) Classify(w processing.Window) (Result, error) {
	n := len(w.Samples)
	if n == 0 {
		return Result{}, ErrEmptyWindow
	}
	power, err := c.spectrum(w)
	if err != nil {
		return Result{}, err
	}

	binHz := float64(c.sampleRate) / float64(n)
	scores := make([]float64, len(c.stimulusHz))
	for i, f := range c.stimulusHz {
		for h := 1; h <= c.harmonics; h++ {
			scores[i] += peakNear(power, f*float64(h)/binHz)
		}
	}

	best, runnerUp := -1, -1
	for i, s := range scores {
		switch {
		case best < 0 || s > scores[best]:
			best, runnerUp = i, best
		case runnerUp < 0 || s > scores[runnerUp]:
			runnerUp = i
		}
	}

	result := Result{Class: c.unknownCode, Scores: scores}
	if scores[best] <= 0 {
		return result, nil
	}
	if runnerUp >= 0 && scores[best] < c.minPeakRatio*scores[runnerUp] {
		return result, nil
	}
	result.Class = best
	return result, nil
}

// peakNear is the largest power within one bin of the fractional bin.
func peakNear(power []float64, bin float64) float64 {
	center := int(math.Round(bin))
	var peak float64
	for i := center - 1; i <= center+1; i++ {
		if i >= 0 && i < len(power) && power[i] > peak {
			peak = power[i]
		}
	}
	return peak
}
