package commands

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formatlab/robodic/internal/capture"
	"github.com/formatlab/robodic/internal/config"
	"github.com/formatlab/robodic/internal/handshake"
	"github.com/formatlab/robodic/internal/printer"
	"github.com/formatlab/robodic/pkg/runboard"
)

// runboardMonitor mirrors run and sample lifecycle into Redis. Publish
// failures are logged and dropped: acquisition never blocks on monitoring.
type runboardMonitor struct {
	client *runboard.Client
}

func newRunboardMonitor(cfg *config.Config, outputDir string) (*runboardMonitor, error) {
	opts, err := redis.ParseURL(cfg.Runboard.RedisURL)
	if err != nil {
		return nil, printer.Error("Invalid runboard Redis URL", err.Error(), nil)
	}
	client, err := runboard.NewClient(opts, cfg.ExperimentName)
	if err != nil {
		return nil, printer.Error("Runboard setup failed", err.Error(), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.Error("Runboard Redis not reachable", err.Error(), []string{
			"Check runboard.redis_url",
			"Disable the runboard to run without monitoring",
		})
	}
	if err := client.RecordExperiment(ctx, outputDir, cfg.Runs(), cfg.NumberOfSamples); err != nil {
		log.Printf("[Runboard] Failed to record experiment metadata: %v", err)
	}

	printer.Step("Runboard publishing as experiment %s\n", client.ExperimentID())
	return &runboardMonitor{client: client}, nil
}

func (m *runboardMonitor) Close() error {
	return m.client.Close()
}

func (m *runboardMonitor) RunStarted(runIndex int, startedAt time.Time) {
	if err := m.client.RecordRunStart(context.Background(), runIndex, startedAt); err != nil {
		log.Printf("[Runboard] Failed to record run %d start: %v", runIndex, err)
	}
}

func (m *runboardMonitor) RunFinished(result *handshake.RunResult) {
	err := m.client.RecordRunEnd(context.Background(),
		result.RunIndex, result.Completed, string(result.AbortReason), result.EndedAt)
	if err != nil {
		log.Printf("[Runboard] Failed to record run %d end: %v", result.RunIndex, err)
	}
}

func (m *runboardMonitor) SampleCaptured(result *capture.SampleResult) {
	err := m.client.RecordSample(context.Background(),
		result.RunIndex, result.SampleIndex, result.SuccessCount())
	if err != nil {
		log.Printf("[Runboard] Failed to record sample %d/%d: %v", result.RunIndex, result.SampleIndex, err)
	}
}
