// Package config loads and validates the experiment configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/scheduler"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10ms"
// or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the top-level experiment configuration.
type Config struct {
	ExperimentName  string  `yaml:"experiment_name"`
	OutputFolder    string  `yaml:"output_folder"`
	NumberOfSamples int     `yaml:"number_of_samples"`
	TotalRuns       *int    `yaml:"total_runs,omitempty"`       // nil = unbounded
	IntervalMinutes float64 `yaml:"interval_minutes"`
	IntervalMode    string  `yaml:"interval_calculation_mode,omitempty"` // default constant_interval
	PowerCycle      *bool   `yaml:"turn_off_cameras_between_runs,omitempty"`

	Cameras  CameraSettings  `yaml:"camera_settings"`
	Arduino  ArduinoSettings `yaml:"arduino_settings"`
	Runboard RunboardConfig  `yaml:"runboard,omitempty"`
}

// CameraSettings configures the camera fleet.
type CameraSettings struct {
	Count          int      `yaml:"count"`
	Backend        string   `yaml:"backend,omitempty"` // default "sim"
	Width          int      `yaml:"width,omitempty"`
	Height         int      `yaml:"height,omitempty"`
	ExposureMode   string   `yaml:"exposure_mode"`
	ExposureMicros float64  `yaml:"exposure_time,omitempty"` // microseconds, Manual mode only
	GrabTimeout    Duration `yaml:"grab_timeout,omitempty"`
}

// ArduinoSettings configures the serial digital-I/O bridge.
type ArduinoSettings struct {
	AutoDetectPort        bool           `yaml:"auto_detect_port"`
	Port                  string         `yaml:"port,omitempty"`
	BaudRate              int            `yaml:"baud_rate,omitempty"`
	PollInterval          Duration       `yaml:"poll_interval,omitempty"`
	IOTimeout             Duration       `yaml:"io_timeout,omitempty"`
	CaptureRequestCeiling Duration       `yaml:"capture_request_ceiling,omitempty"`
	RunCompleteCeiling    Duration       `yaml:"run_complete_ceiling,omitempty"`
	AckTimeout            Duration       `yaml:"ack_timeout,omitempty"`
	InputPins             map[string]int `yaml:"input_pins"`
	OutputPins            map[string]int `yaml:"output_pins"`
}

// RunboardConfig enables remote experiment monitoring through Redis.
type RunboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RedisURL string `yaml:"redis_url,omitempty"`
}

// Defaults applied by Load before validation.
const (
	DefaultBackend               = "sim"
	DefaultGrabTimeout           = 5 * time.Second
	DefaultPollInterval          = 10 * time.Millisecond
	DefaultIOTimeout             = 100 * time.Millisecond
	DefaultCaptureRequestCeiling = 10 * time.Minute
	DefaultRunCompleteCeiling    = 10 * time.Minute
	DefaultAckTimeout            = 5 * time.Second
)

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IntervalMode == "" {
		c.IntervalMode = "constant_interval"
	}
	if c.Cameras.Backend == "" {
		c.Cameras.Backend = DefaultBackend
	}
	if c.Cameras.GrabTimeout == 0 {
		c.Cameras.GrabTimeout = Duration(DefaultGrabTimeout)
	}
	if c.Arduino.BaudRate == 0 {
		c.Arduino.BaudRate = bridge.DefaultBaudRate
	}
	if c.Arduino.PollInterval == 0 {
		c.Arduino.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Arduino.IOTimeout == 0 {
		c.Arduino.IOTimeout = Duration(DefaultIOTimeout)
	}
	if c.Arduino.CaptureRequestCeiling == 0 {
		c.Arduino.CaptureRequestCeiling = Duration(DefaultCaptureRequestCeiling)
	}
	if c.Arduino.RunCompleteCeiling == 0 {
		c.Arduino.RunCompleteCeiling = Duration(DefaultRunCompleteCeiling)
	}
	if c.Arduino.AckTimeout == 0 {
		c.Arduino.AckTimeout = Duration(DefaultAckTimeout)
	}
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.ExperimentName == "" {
		return fmt.Errorf("experiment_name is required")
	}
	if c.OutputFolder == "" {
		return fmt.Errorf("output_folder is required")
	}
	if c.NumberOfSamples < 1 {
		return fmt.Errorf("number_of_samples must be at least 1 (got %d)", c.NumberOfSamples)
	}
	if c.TotalRuns != nil && *c.TotalRuns < -1 {
		return fmt.Errorf("total_runs must be -1 (unbounded) or >= 0 (got %d)", *c.TotalRuns)
	}
	if c.IntervalMinutes < 0 {
		return fmt.Errorf("interval_minutes must not be negative (got %g)", c.IntervalMinutes)
	}
	if _, err := scheduler.ParseIntervalMode(c.IntervalMode); err != nil {
		return err
	}
	if err := c.Cameras.validate(); err != nil {
		return err
	}
	if err := c.Arduino.validate(); err != nil {
		return err
	}
	if c.Runboard.Enabled && c.Runboard.RedisURL == "" {
		return fmt.Errorf("runboard.redis_url is required when runboard is enabled")
	}
	return nil
}

func (s *CameraSettings) validate() error {
	if s.Count < 1 {
		return fmt.Errorf("camera_settings.count must be at least 1 (got %d)", s.Count)
	}
	mode, err := camera.ParseExposureMode(s.ExposureMode)
	if err != nil {
		return err
	}
	if mode == camera.Manual && s.ExposureMicros <= 0 {
		return fmt.Errorf("camera_settings.exposure_time must be positive in Manual mode")
	}
	if s.GrabTimeout <= 0 {
		return fmt.Errorf("camera_settings.grab_timeout must be positive")
	}
	return nil
}

func (s *ArduinoSettings) validate() error {
	if !s.AutoDetectPort && s.Port == "" {
		return fmt.Errorf("arduino_settings.port is required when auto_detect_port is false")
	}
	if s.BaudRate <= 0 {
		return fmt.Errorf("arduino_settings.baud_rate must be positive (got %d)", s.BaudRate)
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"poll_interval", s.PollInterval},
		{"io_timeout", s.IOTimeout},
		{"capture_request_ceiling", s.CaptureRequestCeiling},
		{"run_complete_ceiling", s.RunCompleteCeiling},
		{"ack_timeout", s.AckTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("arduino_settings.%s must be positive", d.name)
		}
	}

	for _, name := range []string{bridge.SignalCapture, bridge.SignalRunComplete} {
		if _, ok := s.InputPins[name]; !ok {
			return fmt.Errorf("arduino_settings.input_pins is missing %s", name)
		}
	}
	for _, name := range []string{bridge.SignalRun, bridge.SignalCaptureComplete} {
		if _, ok := s.OutputPins[name]; !ok {
			return fmt.Errorf("arduino_settings.output_pins is missing %s", name)
		}
	}
	return nil
}

// Runs returns the run budget: -1 when unbounded.
func (c *Config) Runs() int {
	if c.TotalRuns == nil {
		return -1
	}
	return *c.TotalRuns
}

// Interval returns the configured run spacing as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes * float64(time.Minute))
}

// PowerCycleCameras reports the between-run power policy; on by default.
func (c *Config) PowerCycleCameras() bool {
	if c.PowerCycle == nil {
		return true
	}
	return *c.PowerCycle
}

// ExposureMode returns the parsed exposure mode. Call after Validate.
func (c *Config) ExposureMode() camera.ExposureMode {
	mode, _ := camera.ParseExposureMode(c.Cameras.ExposureMode)
	return mode
}

// SchedulerMode returns the parsed interval mode. Call after Validate.
func (c *Config) SchedulerMode() scheduler.IntervalMode {
	mode, _ := scheduler.ParseIntervalMode(c.IntervalMode)
	return mode
}

// PinMap builds the bridge pin map from the configured assignments.
func (c *Config) PinMap() (*bridge.PinMap, error) {
	return bridge.NewPinMap(c.Arduino.InputPins, c.Arduino.OutputPins)
}
