package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaudrate       = 115200
	SampleRateCyton       = 250
	SampleRateDaisy       = 125
	ChannelsCyton         = 8
	ChannelsDaisy         = 16
	DefaultQueueSize      = 2500
	DefaultRawQueueSize   = DefaultQueueSize * 100
	DefaultDropsThreshold = 10
)

// Config is the process configuration file.
type Config struct {
	Board        BoardConfig        `yaml:"board"`
	Settings     BoardSettings      `yaml:"settings"`
	Queues       QueueConfig        `yaml:"queues"`
	Logging      LoggingConfig      `yaml:"logging"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Display      DisplayConfig      `yaml:"display"`
	Presentation PresentationConfig `yaml:"presentation"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
}

type BoardConfig struct {
	Port             string        `yaml:"port"` // empty = probe every candidate port
	Baudrate         int           `yaml:"baudrate"`
	Daisy            bool          `yaml:"daisy"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxDroppedInRow  int           `yaml:"max_dropped_in_row"`
}

func (b BoardConfig) SampleRate() int {
	if b.Daisy {
		return SampleRateDaisy
	}
	return SampleRateCyton
}

func (b BoardConfig) ChannelCount() int {
	if b.Daisy {
		return ChannelsDaisy
	}
	return ChannelsCyton
}

type QueueConfig struct {
	Raw     int `yaml:"raw"`
	Window  int `yaml:"window"`
	Display int `yaml:"display"`
}

type LoggingConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type PersistenceConfig struct {
	Directory string `yaml:"directory"`
}

type DisplayConfig struct {
	Listen string `yaml:"listen"` // empty disables the GUI bridge and /metrics
}

type PresentationConfig struct {
	Listen string `yaml:"listen"` // empty disables the label bridge
	Mode   string `yaml:"mode"`   // training or online
}

type TelemetryConfig struct {
	TelegrafAddr string        `yaml:"telegraf_addr"` // empty disables telemetry
	Interval     time.Duration `yaml:"interval"`
}

type ClassifierConfig struct {
	Enabled     bool      `yaml:"enabled"`
	StimulusHz  []float64 `yaml:"stimulus_hz"`
	Channels    []int     `yaml:"channels"`
	Harmonics   int       `yaml:"harmonics"`
	UnknownCode int       `yaml:"unknown_code"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func Default() *Config {
	return &Config{
		Board: BoardConfig{
			Baudrate:         DefaultBaudrate,
			ReadTimeout:      2 * time.Second,
			HandshakeTimeout: 3 * time.Second,
			MaxDroppedInRow:  DefaultDropsThreshold,
		},
		Settings: DefaultBoardSettings(),
		Queues: QueueConfig{
			Raw:     DefaultRawQueueSize,
			Window:  DefaultQueueSize,
			Display: DefaultQueueSize,
		},
		Logging:      LoggingConfig{File: "cyton.logs", Level: "info"},
		Persistence:  PersistenceConfig{Directory: "streamData"},
		Presentation: PresentationConfig{Mode: "training"},
		Telemetry:    TelemetryConfig{Interval: 100 * time.Millisecond},
		Classifier: ClassifierConfig{
			// checkerboard stimuli flicker at twice the pattern rate
			StimulusHz:  []float64{6, 7.5, 6.67, 8.57},
			Channels:    []int{1, 2, 3, 4},
			Harmonics:   2,
			UnknownCode: 200,
		},
		MQTT: MQTTConfig{Topic: "cyton/predictions"},
	}
}

// Load reads filename on top of Default and validates the result.
func Load(filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Board.Baudrate <= 0 {
		return fmt.Errorf("board.baudrate must be positive")
	}
	if c.Board.ReadTimeout <= 0 {
		return fmt.Errorf("board.read_timeout must be positive")
	}
	if c.Queues.Raw <= 0 || c.Queues.Window <= 0 || c.Queues.Display <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if err := c.Settings.Validate(c.Board.SampleRate(), c.Board.ChannelCount()); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if c.Presentation.Mode != "training" && c.Presentation.Mode != "online" {
		return fmt.Errorf("presentation.mode must be training or online, got %q", c.Presentation.Mode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
