// Package runboard publishes live experiment state to Redis so long-running
// unattended acquisitions can be watched remotely.
//
// # Overview
//
// A time-series experiment runs for days with nobody in the lab. The
// runboard mirrors each run's lifecycle into Redis: a hash per run holding
// its latest state, and a Pub/Sub channel carrying run and sample events as
// they happen. A dashboard or a shell one-liner subscribed to the channel
// sees captures in real time; the hashes answer "how far along is it" after
// the fact.
//
// # Multi-Experiment Support
//
// All keys and channels are namespaced by experiment name, so several rigs
// can share one Redis server without interference. Each client additionally
// carries a generated experiment ID that distinguishes restarts of the same
// named experiment.
//
// The runboard is strictly an observer: acquisition never blocks on it, and
// a failed publish is logged and dropped rather than surfaced to the
// scheduler.
package runboard
