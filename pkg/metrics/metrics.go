// Package metrics exposes logdevice's write-path counters, gauges and
// histograms via the Prometheus client library — the concrete form of the
// spec's "stats.increment" sink contract. Collectors are package-level
// vars registered once at init, the same shape the teacher uses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sequencer metrics.
	SequencerActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_sequencer_activations_total",
			Help: "Total sequencer activation attempts by outcome.",
		},
		[]string{"result"},
	)

	SequencerActivationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logdevice_sequencer_activation_duration_seconds",
			Help:    "Time from startActivation to ACTIVE or terminal failure.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SequencerRecoveriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_sequencer_recoveries_scheduled_total",
			Help: "Total epoch recoveries scheduled after activation.",
		},
	)

	SequencersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logdevice_sequencers_by_state",
			Help: "Number of sequencers currently in each state.",
		},
		[]string{"state"},
	)

	// Append / STORE metrics.
	AppendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logdevice_append_latency_seconds",
			Help:    "End-to-end append latency as observed by the sequencer.",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logdevice_store_latency_seconds",
			Help:    "Time to execute a single STORE write task.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"durability"},
	)

	// Storage-thread pool metrics.
	StorageTaskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logdevice_storage_task_queue_depth",
			Help: "Number of tasks currently queued by thread class and priority.",
		},
		[]string{"class", "priority"},
	)

	StorageTasksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_storage_tasks_dropped_total",
			Help: "Total storage tasks dropped due to overload or shutdown.",
		},
		[]string{"class"},
	)

	StorageTasksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_storage_tasks_executed_total",
			Help: "Total storage tasks executed by class.",
		},
		[]string{"class"},
	)

	PrioritizedQueueCantFindOnce = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_prioritized_queue_cant_find_once_total",
			Help: "Times the reverse priority scan needed exactly one extra pass.",
		},
	)

	PrioritizedQueueCantFindTwiceOrMore = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_prioritized_queue_cant_find_twice_or_more_total",
			Help: "Times the reverse priority scan needed two or more extra passes.",
		},
	)

	// LogsDB metrics.
	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logdevice_logsdb_partitions_total",
			Help: "Current number of LogsDB partitions.",
		},
	)

	PartitionsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_logsdb_partitions_dropped_total",
			Help: "Total partitions dropped by retention.",
		},
	)

	OrphanRecordsHiddenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_logsdb_orphan_records_hidden_total",
			Help: "Total records hidden from iterators for exceeding directory max_lsn.",
		},
	)

	// Transport / flow-control metrics.
	SocketsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logdevice_sockets_open",
			Help: "Currently open sockets by kind (server/client).",
		},
		[]string{"kind"},
	)

	SocketClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_socket_closed_total",
			Help: "Total sockets closed by reason.",
		},
		[]string{"reason"},
	)

	FlowGroupQueueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logdevice_flow_group_queue_latency_seconds",
			Help:    "Time a message spent queued in a flow group before draining.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	RunFlowGroupsDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logdevice_run_flow_groups_duration_seconds",
			Help:    "Wall-clock time spent in one runFlowGroups invocation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	BytesPendingPerWorker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logdevice_bytes_pending_per_worker",
			Help: "Total outgoing bytes pending across all sockets on this worker.",
		},
	)

	FlowControlDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_flow_control_deferred_total",
			Help: "Total envelopes that could not be released by a flow group on first try.",
		},
		[]string{"priority"},
	)

	// Rebuilding metrics.
	RebuildingBytesReplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logdevice_rebuilding_bytes_replicated_total",
			Help: "Total bytes re-replicated by rebuilding, by shard.",
		},
		[]string{"shard"},
	)

	RebuildingRecordsMalformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_rebuilding_records_malformed_total",
			Help: "Total malformed records skipped during rebuilding.",
		},
	)

	RebuildingShardsInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logdevice_rebuilding_shards_in_progress",
			Help: "Number of shards currently being rebuilt locally.",
		},
	)

	RebuildingRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logdevice_rebuilding_restarts_total",
			Help: "Total rebuilding restarts triggered by event-log deltas.",
		},
	)

	// Failure detector / gossip metrics.
	GossipRoundLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logdevice_gossip_round_latency_seconds",
			Help:    "Time to complete one gossip broadcast round.",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logdevice_nodes_alive",
			Help: "Number of nodes currently considered alive by this node's failure detector.",
		},
	)

	NodesSuspect = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logdevice_nodes_suspect",
			Help: "Number of nodes currently in SUSPECT state.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SequencerActivationsTotal,
		SequencerActivationDuration,
		SequencerRecoveriesScheduled,
		SequencersByState,
		AppendLatency,
		StoreLatency,
		StorageTaskQueueDepth,
		StorageTasksDroppedTotal,
		StorageTasksExecutedTotal,
		PrioritizedQueueCantFindOnce,
		PrioritizedQueueCantFindTwiceOrMore,
		PartitionsTotal,
		PartitionsDroppedTotal,
		OrphanRecordsHiddenTotal,
		SocketsOpen,
		SocketClosedTotal,
		FlowGroupQueueLatency,
		RunFlowGroupsDuration,
		BytesPendingPerWorker,
		FlowControlDeferred,
		RebuildingBytesReplicated,
		RebuildingRecordsMalformedTotal,
		RebuildingShardsInProgress,
		RebuildingRestartsTotal,
		GossipRoundLatency,
		NodesAlive,
		NodesSuspect,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on completion.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
