package runboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Run status values stored in the run hash.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Event types published on the run events channel.
const (
	EventRunStarted     = "run_started"
	EventSampleCaptured = "sample_captured"
	EventRunFinished    = "run_finished"
)

// RunState is the mirrored state of one run.
type RunState struct {
	ExperimentID    string    `json:"experiment_id"`
	RunIndex        int       `json:"run_index"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	AbortReason     string    `json:"abort_reason,omitempty"`
	SamplesCaptured int       `json:"samples_captured"`
}

// Event is one entry on the run events channel.
type Event struct {
	Type         string    `json:"type"`
	ExperimentID string    `json:"experiment_id"`
	RunIndex     int       `json:"run_index"`
	SampleIndex  int       `json:"sample_index,omitempty"`
	CamerasOK    int       `json:"cameras_ok,omitempty"`
	AbortReason  string    `json:"abort_reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Client provides experiment-scoped Redis operations for the runboard.
// All keys and channels are automatically namespaced with the experiment
// name. The client is safe for concurrent use.
type Client struct {
	rdb            *redis.Client
	experimentName string
	experimentID   string
}

// NewClient creates a runboard client for the named experiment. A fresh
// experiment ID is generated so restarts of the same experiment are
// distinguishable. Returns an error if experimentName is empty.
func NewClient(redisOpts *redis.Options, experimentName string) (*Client, error) {
	if experimentName == "" {
		return nil, fmt.Errorf("experiment name cannot be empty")
	}
	return &Client{
		rdb:            redis.NewClient(redisOpts),
		experimentName: experimentName,
		experimentID:   uuid.New().String(),
	}, nil
}

// ExperimentID returns the generated ID for this client's session.
func (c *Client) ExperimentID() string {
	return c.experimentID
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RecordExperiment writes the experiment metadata hash.
func (c *Client) RecordExperiment(ctx context.Context, outputDir string, totalRuns, numSamples int) error {
	key := ExperimentKey(c.experimentName)
	err := c.rdb.HSet(ctx, key, map[string]interface{}{
		"experiment_id":     c.experimentID,
		"output_dir":        outputDir,
		"total_runs":        strconv.Itoa(totalRuns),
		"number_of_samples": strconv.Itoa(numSamples),
		"started_at":        time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to write experiment metadata: %w", err)
	}
	return nil
}

// RecordRunStart writes the run hash in the running state and publishes a
// run_started event.
func (c *Client) RecordRunStart(ctx context.Context, runIndex int, startedAt time.Time) error {
	key := RunKey(c.experimentName, runIndex)
	err := c.rdb.HSet(ctx, key, map[string]interface{}{
		"experiment_id":    c.experimentID,
		"run_index":        strconv.Itoa(runIndex),
		"status":           StatusRunning,
		"started_at":       startedAt.UTC().Format(time.RFC3339),
		"samples_captured": "0",
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return c.publish(ctx, Event{
		Type:         EventRunStarted,
		ExperimentID: c.experimentID,
		RunIndex:     runIndex,
		Timestamp:    time.Now().UTC(),
	})
}

// RecordSample increments the run's sample counter and publishes a
// sample_captured event carrying how many cameras succeeded.
func (c *Client) RecordSample(ctx context.Context, runIndex, sampleIndex, camerasOK int) error {
	key := RunKey(c.experimentName, runIndex)
	if err := c.rdb.HIncrBy(ctx, key, "samples_captured", 1).Err(); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return c.publish(ctx, Event{
		Type:         EventSampleCaptured,
		ExperimentID: c.experimentID,
		RunIndex:     runIndex,
		SampleIndex:  sampleIndex,
		CamerasOK:    camerasOK,
		Timestamp:    time.Now().UTC(),
	})
}

// RecordRunEnd finalizes the run hash and publishes a run_finished event.
// abortReason is empty for completed runs.
func (c *Client) RecordRunEnd(ctx context.Context, runIndex int, completed bool, abortReason string, endedAt time.Time) error {
	status := StatusCompleted
	if !completed {
		status = StatusAborted
	}
	key := RunKey(c.experimentName, runIndex)
	fields := map[string]interface{}{
		"status":   status,
		"ended_at": endedAt.UTC().Format(time.RFC3339),
	}
	if abortReason != "" {
		fields["abort_reason"] = abortReason
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return c.publish(ctx, Event{
		Type:         EventRunFinished,
		ExperimentID: c.experimentID,
		RunIndex:     runIndex,
		AbortReason:  abortReason,
		Timestamp:    time.Now().UTC(),
	})
}

// GetRun retrieves a run's mirrored state. Returns (nil, redis.Nil) when
// the run has not been recorded.
func (c *Client) GetRun(ctx context.Context, runIndex int) (*RunState, error) {
	key := RunKey(c.experimentName, runIndex)
	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return hashToRunState(hash)
}

// publish emits an event on the run events channel after the state write.
func (c *Client) publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	channel := RunEventsChannel(c.experimentName)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

func hashToRunState(hash map[string]string) (*RunState, error) {
	state := &RunState{
		ExperimentID: hash["experiment_id"],
		Status:       hash["status"],
		AbortReason:  hash["abort_reason"],
	}
	var err error
	if state.RunIndex, err = strconv.Atoi(hash["run_index"]); err != nil {
		return nil, fmt.Errorf("invalid run_index: %w", err)
	}
	if state.SamplesCaptured, err = strconv.Atoi(hash["samples_captured"]); err != nil {
		return nil, fmt.Errorf("invalid samples_captured: %w", err)
	}
	if state.StartedAt, err = time.Parse(time.RFC3339, hash["started_at"]); err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	if raw, ok := hash["ended_at"]; ok {
		if state.EndedAt, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("invalid ended_at: %w", err)
		}
	}
	return state, nil
}

// IsNotFound checks whether err means the requested run was never recorded.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
