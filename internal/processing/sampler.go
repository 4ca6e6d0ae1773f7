package processing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const SamplingChannelName = "eeg"

// Sampler forwards a snapshot of the newest sample to telegraf at a fixed
// rate, independent of the board sample rate.
type Sampler struct {
	samplingFrequency time.Duration
	conn              io.Writer
	in                *Queue[Sample]
	latest            Latest[Sample]
	lastSent          time.Time
	logger            *zap.Logger
}

func NewSampler(samplingFrequency time.Duration, conn io.Writer, in *Queue[Sample], logger *zap.Logger) *Sampler {
	return &Sampler{
		samplingFrequency: samplingFrequency,
		conn:              conn,
		in:                in,
		logger:            logger,
	}
}

// InfluxLine formats s in influx line protocol.
func InfluxLine(s Sample, at time.Time) string {
	var b strings.Builder
	b.WriteString(SamplingChannelName)
	b.WriteString(" ")
	for idx, v := range s.Channels {
		if idx > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "ch%d=%.4f", idx+1, v)
	}
	for idx, v := range s.Aux {
		fmt.Fprintf(&b, ",aux%d=%.4f", idx+1, v)
	}
	fmt.Fprintf(&b, ",id=%di %d\n", s.ID, at.UnixNano())
	return b.String()
}

func (s *Sampler) SampleAndLog() {
	sample, ok := s.latest.Get()
	if !ok || !s.latest.Updated().After(s.lastSent) {
		return
	}
	s.lastSent = time.Now()

	line := InfluxLine(sample, s.lastSent)
	if err := s.sendToConn(line); err != nil {
		s.logger.Warn("[sampler] error writing data to telemetry connection", zap.Error(err))
		return
	}
	s.logger.Debug("[sampler] collected sample", zap.String("influxString", line))
}

func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-s.in.Ready():
			s.in.Drain(s.latest.Update)
		case <-ticker.C:
			s.SampleAndLog()
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return nil
		}
	}
}

func (s *Sampler) sendToConn(formattedData string) error {
	data := []byte(formattedData)
	totalWritten := 0
	for totalWritten < len(data) {
		n, err := s.conn.Write(data[totalWritten:])
		if err != nil {
			return err
		}
		totalWritten += n
	}
	return nil
}
