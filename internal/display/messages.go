package display

import (
	"fmt"

	"sleepywoodpecker/cyton-acquisition/internal/acquisition"
	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

type sampleMessage struct {
	ID       uint8      `json:"id"`
	Channels []float64  `json:"channels"`
	Aux      [3]float64 `json:"aux"`
	Class    *int       `json:"class,omitempty"`
}

func newSampleMessage(s processing.Sample) sampleMessage {
	msg := sampleMessage{ID: s.ID, Channels: s.Channels, Aux: s.Aux}
	if s.Labeled {
		class := s.Label.Class
		msg.Class = &class
	}
	return msg
}

type outgoing struct {
	Type    string               `json:"type"`
	State   string               `json:"state,omitempty"`
	Samples []sampleMessage      `json:"samples,omitempty"`
	Status  *acquisition.Message `json:"status,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type stateMessage struct {
	State    string          `json:"state"`
	Settings settingsMessage `json:"settings"`
}

// settingsMessage is a partial settings update. Absent fields keep their
// current value.
type settingsMessage struct {
	LowerBand       *float64 `json:"lower_band,omitempty"`
	UpperBand       *float64 `json:"upper_band,omitempty"`
	Filtering       *bool    `json:"filtering,omitempty"`
	Scaling         *bool    `json:"scaling,omitempty"`
	WindowSeconds   *float64 `json:"window_seconds,omitempty"`
	StepSeconds     *float64 `json:"step_seconds,omitempty"`
	EnabledChannels []int    `json:"enabled_channels,omitempty"`
	Electrode       *string  `json:"electrode,omitempty"`
	WaitForSync     *bool    `json:"wait_for_sync,omitempty"`
}

func newSettingsMessage(s config.BoardSettings) settingsMessage {
	electrode := s.Electrode.String()
	return settingsMessage{
		LowerBand:       &s.LowerBand,
		UpperBand:       &s.UpperBand,
		Filtering:       &s.Filtering,
		Scaling:         &s.Scaling,
		WindowSeconds:   &s.WindowSeconds,
		StepSeconds:     &s.StepSeconds,
		EnabledChannels: s.EnabledChannels,
		Electrode:       &electrode,
		WaitForSync:     &s.WaitForSync,
	}
}

func (m settingsMessage) apply(s config.BoardSettings) (config.BoardSettings, error) {
	if m.LowerBand != nil {
		s.LowerBand = *m.LowerBand
	}
	if m.UpperBand != nil {
		s.UpperBand = *m.UpperBand
	}
	if m.Filtering != nil {
		s.Filtering = *m.Filtering
	}
	if m.Scaling != nil {
		s.Scaling = *m.Scaling
	}
	if m.WindowSeconds != nil {
		s.WindowSeconds = *m.WindowSeconds
	}
	if m.StepSeconds != nil {
		s.StepSeconds = *m.StepSeconds
	}
	if m.EnabledChannels != nil {
		s.EnabledChannels = append([]int(nil), m.EnabledChannels...)
	}
	if m.Electrode != nil {
		switch *m.Electrode {
		case config.ElectrodeDry.String():
			s.Electrode = config.ElectrodeDry
		case config.ElectrodeWet.String():
			s.Electrode = config.ElectrodeWet
		default:
			return s, fmt.Errorf("unknown electrode type %q", *m.Electrode)
		}
	}
	if m.WaitForSync != nil {
		s.WaitForSync = *m.WaitForSync
	}
	return s, nil
}

type command struct {
	Command  string           `json:"command"`
	Settings *settingsMessage `json:"settings,omitempty"`
	Labeling *bool            `json:"labeling,omitempty"`
	Signal   *int             `json:"signal,omitempty"`
}
