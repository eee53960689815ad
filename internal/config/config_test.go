package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/scheduler"
)

const validYAML = `
experiment_name: myco-growth-7
output_folder: /data/experiments
number_of_samples: 6
total_runs: 48
interval_minutes: 30
interval_calculation_mode: constant_interval
turn_off_cameras_between_runs: true

camera_settings:
  count: 2
  exposure_mode: SetOnce
  grab_timeout: 5s

arduino_settings:
  auto_detect_port: true
  poll_interval: 10ms
  capture_request_ceiling: 10m
  run_complete_ceiling: 10m
  ack_timeout: 5s
  input_pins:
    DO_CAPTURE: 6
    DO_RUN_COMPLETE: 7
  output_pins:
    DI_RUN: 2
    DI_CAPTURE_COMPLETE: 3

runboard:
  enabled: true
  redis_url: redis://localhost:6379
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "myco-growth-7", cfg.ExperimentName)
	assert.Equal(t, 6, cfg.NumberOfSamples)
	assert.Equal(t, 48, cfg.Runs())
	assert.Equal(t, 30*time.Minute, cfg.Interval())
	assert.Equal(t, scheduler.ConstantInterval, cfg.SchedulerMode())
	assert.True(t, cfg.PowerCycleCameras())
	assert.Equal(t, camera.SetOnce, cfg.ExposureMode())
	assert.Equal(t, 5*time.Second, cfg.Cameras.GrabTimeout.Std())
	assert.Equal(t, 10*time.Millisecond, cfg.Arduino.PollInterval.Std())
	assert.True(t, cfg.Runboard.Enabled)

	pins, err := cfg.PinMap()
	require.NoError(t, err)
	require.NotNil(t, pins)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
experiment_name: defaults
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Continuous
arduino_settings:
  auto_detect_port: true
  input_pins:
    DO_CAPTURE: 6
    DO_RUN_COMPLETE: 7
  output_pins:
    DI_RUN: 2
    DI_CAPTURE_COMPLETE: 3
`))
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.Runs(), "total_runs defaults to unbounded")
	assert.Equal(t, scheduler.ConstantInterval, cfg.SchedulerMode())
	assert.True(t, cfg.PowerCycleCameras())
	assert.Equal(t, DefaultBackend, cfg.Cameras.Backend)
	assert.Equal(t, DefaultGrabTimeout, cfg.Cameras.GrabTimeout.Std())
	assert.Equal(t, 57600, cfg.Arduino.BaudRate)
	assert.Equal(t, DefaultPollInterval, cfg.Arduino.PollInterval.Std())
	assert.Equal(t, DefaultCaptureRequestCeiling, cfg.Arduino.CaptureRequestCeiling.Std())
	assert.Equal(t, DefaultAckTimeout, cfg.Arduino.AckTimeout.Std())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing experiment name",
			mutate:  func(c *Config) { c.ExperimentName = "" },
			wantErr: "experiment_name is required",
		},
		{
			name:    "zero samples",
			mutate:  func(c *Config) { c.NumberOfSamples = 0 },
			wantErr: "number_of_samples",
		},
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.IntervalMinutes = -5 },
			wantErr: "interval_minutes",
		},
		{
			name:    "unknown interval mode",
			mutate:  func(c *Config) { c.IntervalMode = "sometimes" },
			wantErr: "unknown interval calculation mode",
		},
		{
			name: "bad total runs",
			mutate: func(c *Config) {
				runs := -3
				c.TotalRuns = &runs
			},
			wantErr: "total_runs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCameraValidation(t *testing.T) {
	t.Run("manual mode requires exposure time", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Manual
arduino_settings:
  auto_detect_port: true
  input_pins: {DO_CAPTURE: 6, DO_RUN_COMPLETE: 7}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exposure_time")
	})

	t.Run("unknown exposure mode", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Sometimes
arduino_settings:
  auto_detect_port: true
  input_pins: {DO_CAPTURE: 6, DO_RUN_COMPLETE: 7}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown exposure mode")
	})
}

func TestArduinoValidation(t *testing.T) {
	t.Run("port required without auto detect", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Continuous
arduino_settings:
  auto_detect_port: false
  input_pins: {DO_CAPTURE: 6, DO_RUN_COMPLETE: 7}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port is required")
	})

	t.Run("missing input pin", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Continuous
arduino_settings:
  auto_detect_port: true
  input_pins: {DO_CAPTURE: 6}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DO_RUN_COMPLETE")
	})
}

func TestRunboardValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Continuous
arduino_settings:
  auto_detect_port: true
  input_pins: {DO_CAPTURE: 6, DO_RUN_COMPLETE: 7}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
runboard:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_url")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestDurationRejectsBareNumbers(t *testing.T) {
	_, err := Load(writeConfig(t, `
experiment_name: e
output_folder: /data
number_of_samples: 1
camera_settings:
  count: 1
  exposure_mode: Continuous
arduino_settings:
  auto_detect_port: true
  poll_interval: 10
  input_pins: {DO_CAPTURE: 6, DO_RUN_COMPLETE: 7}
  output_pins: {DI_RUN: 2, DI_CAPTURE_COMPLETE: 3}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}
