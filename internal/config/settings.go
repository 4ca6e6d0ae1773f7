package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

type ElectrodeType int

const (
	ElectrodeDry ElectrodeType = iota
	ElectrodeWet
)

func (e ElectrodeType) String() string {
	switch e {
	case ElectrodeDry:
		return "dry"
	case ElectrodeWet:
		return "wet"
	}
	return "unknown"
}

func (e *ElectrodeType) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "dry", "":
		*e = ElectrodeDry
	case "wet":
		*e = ElectrodeWet
	default:
		return fmt.Errorf("unknown electrode type %q", node.Value)
	}
	return nil
}

func (e ElectrodeType) MarshalYAML() (interface{}, error) {
	return e.String(), nil
}

var (
	ErrNonIntegerWindow = errors.New("window length is not an integer number of samples")
	ErrNonIntegerStep   = errors.New("window step is not an integer number of samples")
	ErrInvalidBand      = errors.New("band-pass bounds are invalid")
)

// BoardSettings are the operator-tunable acquisition parameters. Values are
// always handed around by copy; see SettingsStore.
type BoardSettings struct {
	LowerBand       float64       `yaml:"lower_band"`
	UpperBand       float64       `yaml:"upper_band"`
	Filtering       bool          `yaml:"filtering"`
	Scaling         bool          `yaml:"scaling"`
	WindowSeconds   float64       `yaml:"window_seconds"`
	StepSeconds     float64       `yaml:"step_seconds"`
	EnabledChannels []int         `yaml:"enabled_channels"`
	Electrode       ElectrodeType `yaml:"electrode"`
	WaitForSync     bool          `yaml:"wait_for_sync"`
}

func DefaultBoardSettings() BoardSettings {
	return BoardSettings{
		LowerBand:       4,
		UpperBand:       40,
		Filtering:       true,
		Scaling:         true,
		WindowSeconds:   3,
		StepSeconds:     0.5,
		EnabledChannels: []int{1, 2, 3},
		Electrode:       ElectrodeDry,
		WaitForSync:     true,
	}
}

func (s BoardSettings) Clone() BoardSettings {
	s.EnabledChannels = slices.Clone(s.EnabledChannels)
	return s
}

func samplesFor(sampleRate int, seconds float64) (int, bool) {
	n := float64(sampleRate) * seconds
	rounded := math.Round(n)
	if math.Abs(n-rounded) > 1e-9 {
		return 0, false
	}
	return int(rounded), true
}

// WindowSamples converts the window and step durations to sample counts.
func (s BoardSettings) WindowSamples(sampleRate int) (length int, step int, err error) {
	length, ok := samplesFor(sampleRate, s.WindowSeconds)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %g s at %d Hz", ErrNonIntegerWindow, s.WindowSeconds, sampleRate)
	}
	step, ok = samplesFor(sampleRate, s.StepSeconds)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %g s at %d Hz", ErrNonIntegerStep, s.StepSeconds, sampleRate)
	}
	if length <= 0 {
		return 0, 0, fmt.Errorf("%w: window must hold at least one sample", ErrNonIntegerWindow)
	}
	if step <= 0 || step > length {
		return 0, 0, fmt.Errorf("%w: step %d must be in [1, %d]", ErrNonIntegerStep, step, length)
	}
	return length, step, nil
}

// Validate checks the settings against a board sample rate and channel count.
func (s BoardSettings) Validate(sampleRate int, channelCount int) error {
	if _, _, err := s.WindowSamples(sampleRate); err != nil {
		return err
	}
	if err := s.ValidateBand(sampleRate); err != nil {
		return err
	}
	for _, ch := range s.EnabledChannels {
		if ch < 1 || ch > channelCount {
			return fmt.Errorf("enabled channel %d outside 1..%d", ch, channelCount)
		}
	}
	return nil
}

func (s BoardSettings) ValidateBand(sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	if s.LowerBand <= 0 || s.UpperBand <= s.LowerBand || s.UpperBand >= nyquist {
		return fmt.Errorf("%w: %g-%g Hz at %d Hz", ErrInvalidBand, s.LowerBand, s.UpperBand, sampleRate)
	}
	return nil
}

// KeyValues flattens the settings for the session file dump.
func (s BoardSettings) KeyValues() map[string]string {
	channels := make([]string, len(s.EnabledChannels))
	for i, ch := range s.EnabledChannels {
		channels[i] = strconv.Itoa(ch)
	}
	return map[string]string{
		"lower_band":       strconv.FormatFloat(s.LowerBand, 'g', -1, 64),
		"upper_band":       strconv.FormatFloat(s.UpperBand, 'g', -1, 64),
		"filtering":        strconv.FormatBool(s.Filtering),
		"scaling":          strconv.FormatBool(s.Scaling),
		"window_seconds":   strconv.FormatFloat(s.WindowSeconds, 'g', -1, 64),
		"step_seconds":     strconv.FormatFloat(s.StepSeconds, 'g', -1, 64),
		"enabled_channels": strings.Join(channels, ","),
		"electrode":        s.Electrode.String(),
		"wait_for_sync":    strconv.FormatBool(s.WaitForSync),
	}
}

// SettingsStore holds the live BoardSettings. Writers replace the whole value,
// readers get a private copy.
type SettingsStore struct {
	current atomic.Pointer[BoardSettings]
}

func NewSettingsStore(initial BoardSettings) *SettingsStore {
	s := &SettingsStore{}
	s.Store(initial)
	return s
}

func (s *SettingsStore) Load() BoardSettings {
	return s.current.Load().Clone()
}

func (s *SettingsStore) Store(settings BoardSettings) {
	c := settings.Clone()
	s.current.Store(&c)
}
