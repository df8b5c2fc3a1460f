// Package config holds the runtime settings surface named in spec §6.5.
// The configuration loader and plugin registry proper are out of scope
// (spec §1); this package only defines the settings struct, its defaults,
// and a thin yaml.v3 file loader, mirroring the flat per-component Config
// structs the teacher uses (manager.Config, worker.Config).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration surface for one logdevice
// process (sequencer + storage node + rebuilding + transport all run in a
// single daemon per SPEC_FULL.md §0).
type Settings struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`

	NumWorkers                  int `yaml:"num_workers"`
	PerWorkerStorageTaskQueueSize int `yaml:"per_worker_storage_task_queue_size"`
	MaxInflightStorageTasks     int `yaml:"max_inflight_storage_tasks"`

	WriteBatchSize  int `yaml:"write_batch_size"`
	WriteBatchBytes int `yaml:"write_batch_bytes"`

	OutbufsMBMaxPerThread int `yaml:"outbufs_mb_max_per_thread"`
	OutbufOverflowKB      int `yaml:"outbuf_overflow_kb"`

	GossipInterval       time.Duration `yaml:"gossip_interval"`
	GossipFailureThreshold int         `yaml:"gossip_failure_threshold"`
	SuspectDuration      time.Duration `yaml:"suspect_duration"`
	GCSWaitDuration      time.Duration `yaml:"gcs_wait_duration"`

	ConnectTimeout               time.Duration `yaml:"connect_timeout"`
	ConnectTimeoutRetryMultiplier float64      `yaml:"connect_timeout_retry_multiplier"`
	ConnectionRetries             int          `yaml:"connection_retries"`
	HandshakeTimeout              time.Duration `yaml:"handshake_timeout"`

	RebuildingRestartsGracePeriod time.Duration `yaml:"rebuilding_restarts_grace_period"`
	GlobalWindow                  int64        `yaml:"global_window"`
	MaxBatchBytes                 int          `yaml:"max_batch_bytes"`
	MaxBatchTime                  time.Duration `yaml:"max_batch_time"`
	MaxMalformedRecordsToTolerate int          `yaml:"max_malformed_records_to_tolerate"`

	PartitionDuration            time.Duration `yaml:"partition_duration"`
	PartitionSizeLimit           int64        `yaml:"partition_size_limit"`
	PartitionFileLimit           int          `yaml:"partition_file_limit"`
	PartitionTimestampGranularity time.Duration `yaml:"partition_timestamp_granularity"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the settings a fresh single-node daemon boots with.
func Default() *Settings {
	return &Settings{
		NumWorkers:                    4,
		PerWorkerStorageTaskQueueSize: 1000,
		MaxInflightStorageTasks:       1 << 20,

		WriteBatchSize:  256,
		WriteBatchBytes: 1 << 20,

		OutbufsMBMaxPerThread: 512,
		OutbufOverflowKB:      1024,

		GossipInterval:         100 * time.Millisecond,
		GossipFailureThreshold: 3,
		SuspectDuration:        1 * time.Second,
		GCSWaitDuration:        2 * time.Second,

		ConnectTimeout:                500 * time.Millisecond,
		ConnectTimeoutRetryMultiplier: 2.0,
		ConnectionRetries:             3,
		HandshakeTimeout:              1 * time.Second,

		RebuildingRestartsGracePeriod: 5 * time.Second,
		GlobalWindow:                  10 * 60 * 1000, // 10 minutes, in ms
		MaxBatchBytes:                 1 << 20,
		MaxBatchTime:                  1 * time.Second,
		MaxMalformedRecordsToTolerate: 100,

		PartitionDuration:            15 * time.Minute,
		PartitionSizeLimit:           2 << 30, // 2 GiB
		PartitionFileLimit:           200,
		PartitionTimestampGranularity: 1 * time.Second,

		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads yaml settings from path, applying them on top of Default().
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return s, nil
}
