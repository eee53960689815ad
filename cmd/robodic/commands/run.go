package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/capture"
	"github.com/formatlab/robodic/internal/config"
	"github.com/formatlab/robodic/internal/handshake"
	"github.com/formatlab/robodic/internal/printer"
	"github.com/formatlab/robodic/internal/report"
	"github.com/formatlab/robodic/internal/robotsim"
	"github.com/formatlab/robodic/internal/scheduler"
	"github.com/formatlab/robodic/internal/store"
)

var (
	runConfigPath string
	runSimulate   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured acquisition experiment",
	Long: `Run executes the full experiment: repeated capture runs on the
configured cadence, one image per camera per sample, until the run budget
is spent or the process is interrupted.

With --simulate, a simulated robot replaces the serial bridge so the whole
pipeline can be exercised without hardware.`,
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "config.yaml", "path to the experiment config file")
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "use a simulated robot instead of the serial bridge")
	rootCmd.AddCommand(runCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return printer.Error("Invalid configuration", err.Error(), []string{
			fmt.Sprintf("Check %s against the documented settings", runConfigPath),
		})
	}

	pins, err := cfg.PinMap()
	if err != nil {
		return printer.Error("Invalid pin assignment", err.Error(), nil)
	}

	// Serial bridge or simulated robot.
	transport, robot, err := openTransport(cfg, pins)
	if err != nil {
		return err
	}

	b, err := bridge.New(transport, pins)
	if err != nil {
		transport.Close()
		return printer.Error("Bridge initialization failed", err.Error(), []string{
			"Check the wiring and the configured pin numbers",
		})
	}
	defer b.Close()
	if robot != nil {
		defer robot.Close()
	}

	cameras, err := buildCameras(cfg)
	if err != nil {
		return err
	}

	images, err := store.NewDirStore(cfg.OutputFolder, cfg.ExperimentName, time.Now(), cfg.NumberOfSamples)
	if err != nil {
		return printer.Error("Cannot create output folders", err.Error(), []string{
			fmt.Sprintf("Check that %s exists and is writable", cfg.OutputFolder),
		})
	}
	captureLog, err := store.NewCaptureLog(filepath.Join(images.BaseDir(), "capture_log.csv"))
	if err != nil {
		return printer.Error("Cannot create capture log", err.Error(), nil)
	}
	defer captureLog.Close()

	controller := capture.NewController(cameras, images, captureLog,
		cfg.ExposureMode(), cfg.Cameras.ExposureMicros, cfg.Cameras.GrabTimeout.Std())
	defer func() {
		if err := controller.PowerDown(); err != nil {
			log.Printf("[Run] Camera power down on exit: %v", err)
		}
	}()

	// Optional remote monitoring.
	var monitor *runboardMonitor
	if cfg.Runboard.Enabled {
		monitor, err = newRunboardMonitor(cfg, images.BaseDir())
		if err != nil {
			return err
		}
		defer monitor.Close()
	}
	var machineObserver handshake.Observer
	var schedulerObserver scheduler.Observer
	if monitor != nil {
		machineObserver = monitor
		schedulerObserver = monitor
	}

	machine := handshake.NewMachine(b, controller, handshake.Config{
		NumSamples:            cfg.NumberOfSamples,
		PollInterval:          cfg.Arduino.PollInterval.Std(),
		CaptureRequestCeiling: cfg.Arduino.CaptureRequestCeiling.Std(),
		RunCompleteCeiling:    cfg.Arduino.RunCompleteCeiling.Std(),
		AckTimeout:            cfg.Arduino.AckTimeout.Std(),
	}, machineObserver)

	sched := scheduler.New(machine, controller, scheduler.Config{
		TotalRuns:         cfg.Runs(),
		Interval:          cfg.Interval(),
		Mode:              cfg.SchedulerMode(),
		PowerCycleCameras: cfg.PowerCycleCameras(),
	}, schedulerObserver)

	printer.Success("Experiment '%s' starting: %d camera(s), %d sample(s) per run\n",
		cfg.ExperimentName, len(cameras), cfg.NumberOfSamples)
	printer.Info("Images will be written under %s\n", images.BaseDir())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	type outcome struct {
		summary *scheduler.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := sched.Run(ctx)
		done <- outcome{summary, err}
	}()

	var result outcome
	select {
	case sig := <-sigCh:
		printer.Warning("Received %v, finishing the current handshake and shutting down...\n", sig)
		cancel()
		result = <-done
	case result = <-done:
	}

	if result.summary != nil {
		printer.Println()
		report.WriteSummary(os.Stdout, report.Experiment{
			Name:        cfg.ExperimentName,
			OutputDir:   images.BaseDir(),
			Summary:     result.summary,
			VisitCounts: images.VisitCounts(),
		})
	}
	if result.err != nil {
		return printer.Error("Experiment stopped", result.err.Error(), []string{
			"Check the serial connection to the bridge",
		})
	}
	if result.summary != nil && result.summary.Cancelled {
		return printer.Error("Experiment cancelled", "The experiment was interrupted before the run budget was spent", nil)
	}
	printer.Success("Experiment finished: %d run(s) completed, %d aborted\n",
		result.summary.CompletedRuns(), result.summary.AbortedRuns())
	return nil
}

// openTransport returns the serial transport, or a simulated robot acting
// as one. The robot is non-nil only under --simulate.
func openTransport(cfg *config.Config, pins *bridge.PinMap) (bridge.Transport, *robotsim.Robot, error) {
	if runSimulate {
		robot := robotsim.New(robotsim.Pins{
			Run:             cfg.Arduino.OutputPins[bridge.SignalRun],
			CaptureComplete: cfg.Arduino.OutputPins[bridge.SignalCaptureComplete],
			Capture:         cfg.Arduino.InputPins[bridge.SignalCapture],
			RunComplete:     cfg.Arduino.InputPins[bridge.SignalRunComplete],
		}, robotsim.Behavior{
			Samples:   cfg.NumberOfSamples,
			MoveDelay: 500 * time.Millisecond,
			AckDelay:  20 * time.Millisecond,
		})
		robot.Start()
		printer.Step("Using simulated robot\n")
		return robot, robot, nil
	}

	portName := cfg.Arduino.Port
	if cfg.Arduino.AutoDetectPort {
		printer.Step("Probing serial ports for the bridge...\n")
		detected, err := bridge.DetectPort(cfg.Arduino.BaudRate, cfg.Arduino.IOTimeout.Std(), 2*time.Second)
		if err != nil {
			return nil, nil, printer.Error("Bridge not found", err.Error(), []string{
				"Check the USB cable",
				"Set arduino_settings.port explicitly and disable auto_detect_port",
			})
		}
		portName = detected
	}

	transport, err := bridge.OpenFirmata(portName, cfg.Arduino.BaudRate, cfg.Arduino.IOTimeout.Std())
	if err != nil {
		return nil, nil, printer.Error("Cannot open serial port", err.Error(), []string{
			fmt.Sprintf("Check that %s exists and is not in use", portName),
		})
	}
	printer.Step("Bridge connected on %s\n", portName)
	return transport, nil, nil
}

func buildCameras(cfg *config.Config) ([]camera.Camera, error) {
	switch cfg.Cameras.Backend {
	case "sim":
		width, height := cfg.Cameras.Width, cfg.Cameras.Height
		if width == 0 {
			width = 640
		}
		if height == 0 {
			height = 480
		}
		cams := make([]camera.Camera, cfg.Cameras.Count)
		for i := range cams {
			cams[i] = camera.NewSimCamera(i+1, camera.SimConfig{
				Width:             width,
				Height:            height,
				ConvergedExposure: 10000,
			})
		}
		return cams, nil
	default:
		return nil, printer.Error("Unknown camera backend",
			fmt.Sprintf("camera_settings.backend %q is not supported", cfg.Cameras.Backend),
			[]string{"Use \"sim\""})
	}
}
