// Package filter implements streaming Butterworth band-pass filters built from
// a high-pass and a low-pass cascade of biquad sections.
package filter

import (
	"fmt"
	"math"
)

const DefaultOrder = 4

type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

func newBiquad(highPass bool, cutoff, sampleRate, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha

	var b0, b1, b2 float64
	if highPass {
		b0, b1, b2 = (1+cos)/2, -(1 + cos), (1+cos)/2
	} else {
		b0, b1, b2 = (1-cos)/2, 1-cos, (1-cos)/2
	}

	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

// butterworthQ returns the section quality factors of an even order filter.
func butterworthQ(order int) []float64 {
	qs := make([]float64, order/2)
	for k := range qs {
		qs[k] = 1 / (2 * math.Sin(float64(2*k+1)*math.Pi/float64(2*order)))
	}
	return qs
}

// BandPass filters one channel. It keeps state between calls.
type BandPass struct {
	sections []biquad
}

func NewBandPass(low, high float64, sampleRate int, order int) (*BandPass, error) {
	nyquist := float64(sampleRate) / 2
	if low <= 0 || high <= low || high >= nyquist {
		return nil, fmt.Errorf("[filter] invalid band %g-%g Hz for %d Hz sample rate", low, high, sampleRate)
	}
	if order < 2 || order%2 != 0 {
		return nil, fmt.Errorf("[filter] order must be even and >= 2, got %d", order)
	}

	bp := &BandPass{}
	for _, q := range butterworthQ(order) {
		bp.sections = append(bp.sections, newBiquad(true, low, float64(sampleRate), q))
	}
	for _, q := range butterworthQ(order) {
		bp.sections = append(bp.sections, newBiquad(false, high, float64(sampleRate), q))
	}
	return bp, nil
}

func (bp *BandPass) Process(x float64) float64 {
	for i := range bp.sections {
		x = bp.sections[i].process(x)
	}
	return x
}

func (bp *BandPass) Reset() {
	for i := range bp.sections {
		bp.sections[i].z1, bp.sections[i].z2 = 0, 0
	}
}

// Bank holds one BandPass per channel.
type Bank struct {
	filters    []*BandPass
	low, high  float64
	sampleRate int
}

func NewBank(channels int, low, high float64, sampleRate int) (*Bank, error) {
	bank := &Bank{low: low, high: high, sampleRate: sampleRate}
	for i := 0; i < channels; i++ {
		bp, err := NewBandPass(low, high, sampleRate, DefaultOrder)
		if err != nil {
			return nil, err
		}
		bank.filters = append(bank.filters, bp)
	}
	return bank, nil
}

// Matches reports whether the bank was built for these parameters.
func (b *Bank) Matches(channels int, low, high float64, sampleRate int) bool {
	return b != nil && len(b.filters) == channels && b.low == low && b.high == high && b.sampleRate == sampleRate
}

// Apply filters values in place, one value per channel.
func (b *Bank) Apply(values []float64) {
	for i := range values {
		if i < len(b.filters) {
			values[i] = b.filters[i].Process(values[i])
		}
	}
}

func (b *Bank) Reset() {
	for _, f := range b.filters {
		f.Reset()
	}
}
