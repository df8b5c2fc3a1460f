package failuredetector

import "time"

// Config tunes one Detector instance. Field names mirror
// config.Settings' gossip_* / suspect_duration / gcs_wait_duration
// entries (spec §4.6); cmd/logdeviced maps the process-wide Settings into
// this narrower struct rather than sharing its type.
type Config struct {
	// GossipInterval is how often this node broadcasts its gossip list.
	GossipInterval time.Duration
	// FailureThreshold is the number of consecutive missed gossip rounds
	// from a peer before it is moved from ALIVE to SUSPECT.
	FailureThreshold int
	// SuspectDuration is how long a peer may stay SUSPECT before being
	// declared DEAD.
	SuspectDuration time.Duration
	// GCSWaitDuration is carried over from Settings.GCSWaitDuration but is
	// not read by the Detector: it has no bootstrap cluster-state fetch and
	// starts every run with an empty view.
	GCSWaitDuration time.Duration
	// FanOut is how many peers receive this node's gossip list per round
	// (original_source's RandomSelector picks a fixed-size random subset
	// rather than broadcasting to every node every round).
	FanOut int
}

// DefaultConfig returns reasonable single-process tuning.
func DefaultConfig() Config {
	return Config{
		GossipInterval:   100 * time.Millisecond,
		FailureThreshold: 3,
		SuspectDuration:  1 * time.Second,
		GCSWaitDuration:  2 * time.Second,
		FanOut:           2,
	}
}
