package processing

import (
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/filter"
	"sleepywoodpecker/cyton-acquisition/internal/metrics"
	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
)

// SampleAssembler turns packets into Samples. In daisy mode an even id packet
// (daisy half) waits for the next odd id packet (main board half) and the
// pair becomes one 16 channel sample.
type SampleAssembler struct {
	settings     *config.SettingsStore
	daisy        bool
	sampleRate   int
	channelCount int
	logger       *zap.Logger
	metrics      *metrics.Metrics

	pending    rserial.RawPacket
	hasPending bool

	bank          *filter.Bank
	badBandLogged bool
}

func NewSampleAssembler(settings *config.SettingsStore, daisy bool, logger *zap.Logger, m *metrics.Metrics) *SampleAssembler {
	a := &SampleAssembler{
		settings:     settings,
		daisy:        daisy,
		sampleRate:   config.SampleRateCyton,
		channelCount: config.ChannelsCyton,
		logger:       logger,
		metrics:      m,
	}
	if daisy {
		a.sampleRate = config.SampleRateDaisy
		a.channelCount = config.ChannelsDaisy
	}
	return a
}

func (a *SampleAssembler) SampleRate() int   { return a.sampleRate }
func (a *SampleAssembler) ChannelCount() int { return a.channelCount }

// Reset forgets a buffered daisy half and the filter history.
func (a *SampleAssembler) Reset() {
	a.hasPending = false
	if a.bank != nil {
		a.bank.Reset()
	}
}

// Assemble returns false while a daisy pair is incomplete or when a pair
// could not be matched.
func (a *SampleAssembler) Assemble(p rserial.RawPacket) (Sample, bool) {
	settings := a.settings.Load()

	var sample Sample
	if !a.daisy {
		sample = a.convert(settings, p)
	} else {
		merged, ok := a.merge(settings, p)
		if !ok {
			return Sample{}, false
		}
		sample = merged
	}

	if settings.Filtering {
		a.filter(settings, sample.Channels)
	}
	return sample, true
}

func (a *SampleAssembler) merge(settings config.BoardSettings, p rserial.RawPacket) (Sample, bool) {
	if p.ID%2 == 0 {
		if a.hasPending {
			a.dropPending(p.ID)
		}
		a.pending = p
		a.hasPending = true
		return Sample{}, false
	}

	// ids are mod 256 so 0 - 1 wraps to 255, which is odd and never buffered
	if !a.hasPending || p.ID-1 != a.pending.ID {
		if a.hasPending {
			a.dropPending(p.ID)
		}
		return Sample{}, false
	}
	a.hasPending = false

	odd := a.convert(settings, p)
	even := a.convert(settings, a.pending)

	merged := Sample{
		ID:         p.ID,
		Channels:   append(odd.Channels, even.Channels...),
		syncSignal: odd.syncSignal && even.syncSignal,
	}
	for i := range merged.Aux {
		merged.Aux[i] = (odd.Aux[i] + even.Aux[i]) / 2
	}
	return merged, true
}

func (a *SampleAssembler) dropPending(nextID uint8) {
	a.logger.Debug("[assembler] dropping unmatched daisy half", zap.Uint8("bufferedID", a.pending.ID), zap.Uint8("nextID", nextID))
	a.metrics.DaisyHalfDropped()
	a.hasPending = false
}

func (a *SampleAssembler) convert(settings config.BoardSettings, p rserial.RawPacket) Sample {
	s := Sample{
		ID:         p.ID,
		Channels:   make([]float64, len(p.Channels), a.channelCount),
		syncSignal: true,
	}
	for i, v := range p.Channels {
		if v != 0 {
			s.syncSignal = false
		}
		s.Channels[i] = float64(v)
		if settings.Scaling {
			s.Channels[i] *= rserial.ScaleMicroVoltsPerCount
		}
	}
	for i, v := range p.Aux {
		s.Aux[i] = float64(v)
		if settings.Scaling {
			s.Aux[i] *= rserial.ScaleAccelGPerCount
		}
	}
	return s
}

func (a *SampleAssembler) filter(settings config.BoardSettings, channels []float64) {
	if !a.bank.Matches(len(channels), settings.LowerBand, settings.UpperBand, a.sampleRate) {
		bank, err := filter.NewBank(len(channels), settings.LowerBand, settings.UpperBand, a.sampleRate)
		if err != nil {
			if !a.badBandLogged {
				a.logger.Warn("[assembler] filtering disabled, invalid band", zap.Error(err))
				a.badBandLogged = true
			}
			return
		}
		a.logger.Info("[assembler] band-pass filter configured",
			zap.Float64("lowerBand", settings.LowerBand),
			zap.Float64("upperBand", settings.UpperBand),
			zap.Int("sampleRate", a.sampleRate),
		)
		a.bank = bank
		a.badBandLogged = false
	}
	a.bank.Apply(channels)
}
