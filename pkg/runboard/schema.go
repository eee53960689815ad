package runboard

import "fmt"

// Redis key pattern helpers
//
// All keys and Pub/Sub channels are namespaced by experiment name so that
// multiple rigs can share a single Redis server.
//
// Key pattern: robodic:{experiment_name}:{entity}:{id}
// Channel pattern: robodic:{experiment_name}:run_events

// RunKey returns the Redis key for a run's state hash.
// Pattern: robodic:{experiment_name}:run:{run_index}
func RunKey(experimentName string, runIndex int) string {
	return fmt.Sprintf("robodic:%s:run:%d", experimentName, runIndex)
}

// ExperimentKey returns the Redis key for the experiment metadata hash.
// Pattern: robodic:{experiment_name}:experiment
func ExperimentKey(experimentName string) string {
	return fmt.Sprintf("robodic:%s:experiment", experimentName)
}

// RunEventsChannel returns the Pub/Sub channel for run and sample events.
// Pattern: robodic:{experiment_name}:run_events
func RunEventsChannel(experimentName string) string {
	return fmt.Sprintf("robodic:%s:run_events", experimentName)
}
