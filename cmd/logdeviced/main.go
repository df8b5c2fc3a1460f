// Command logdeviced is the single daemon binary a logdevice cluster node
// runs: one process combines the sequencer, storage node, rebuilding
// coordinator, failure detector, and epoch-store RPC surface, mirroring
// the teacher's single cmd/warren binary. The client append/read API and
// any administrative CLI beyond this entrypoint are out of scope.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/logdevice/logdevice/pkg/config"
	"github.com/logdevice/logdevice/pkg/epochrpc"
	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/failuredetector"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/metrics"
	"github.com/logdevice/logdevice/pkg/rebuilding"
	"github.com/logdevice/logdevice/pkg/sequencer"
	"github.com/logdevice/logdevice/pkg/storagepool"
	"github.com/logdevice/logdevice/pkg/transport"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build, same convention the
// teacher's cmd/warren uses.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "logdeviced",
	Short:   "logdeviced - distributed append-only log storage daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("logdeviced version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.String("config", "", "path to a YAML settings file (see pkg/config.Settings)")
	flags.String("node-id", "n1", "raft server id for the epoch store and event log")
	flags.Uint16("node-index", 1, "this node's NodeIndex within the cluster's shard/transport addressing")
	flags.String("bind-addr", "127.0.0.1:4440", "address the transport Sender listens on for peer sockets")
	flags.String("epochstore-raft-addr", "127.0.0.1:4442", "address the epoch store's raft transport listens on")
	flags.String("eventlog-raft-addr", "127.0.0.1:4443", "address the event log's raft transport listens on")
	flags.String("epoch-rpc-addr", "127.0.0.1:4441", "address the epoch-store gRPC surface listens on")
	flags.String("metrics-addr", "127.0.0.1:9090", "address the Prometheus /metrics endpoint listens on")
	flags.String("data-dir", "./data", "base directory for raft state and logsdb")
	flags.StringSlice("peer", nil, "other cluster nodes as node_index=addr, repeatable")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		jsonOut, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})
}

type peerAddr struct {
	index types.NodeIndex
	addr  string
}

func parsePeers(raw []string) ([]peerAddr, error) {
	peers := make([]peerAddr, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --peer %q, want node_index=addr", p)
		}
		idx, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("malformed --peer node index %q: %w", parts[0], err)
		}
		peers = append(peers, peerAddr{index: types.NodeIndex(idx), addr: parts[1]})
	}
	return peers, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	nodeID, _ := flags.GetString("node-id")
	nodeIndex, _ := flags.GetUint16("node-index")
	bindAddr, _ := flags.GetString("bind-addr")
	epochStoreRaftAddr, _ := flags.GetString("epochstore-raft-addr")
	eventLogRaftAddr, _ := flags.GetString("eventlog-raft-addr")
	epochRPCAddr, _ := flags.GetString("epoch-rpc-addr")
	metricsAddr, _ := flags.GetString("metrics-addr")
	dataDir, _ := flags.GetString("data-dir")
	rawPeers, _ := flags.GetStringSlice("peer")

	settings := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		settings = loaded
	}
	settings.NodeID = nodeID
	settings.BindAddr = bindAddr
	settings.DataDir = dataDir

	peers, err := parsePeers(rawPeers)
	if err != nil {
		return err
	}

	self := types.NodeIndex(nodeIndex)
	logger := log.WithComponent("logdeviced")
	logger.Info().Str("node_id", nodeID).Uint16("node_index", nodeIndex).Str("bind_addr", bindAddr).Msg("starting logdeviced")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// Epoch store: single-node-bootstrapped Raft group (spec §6.2).
	epochStoreDir := dataDir + "/epochstore"
	if err := os.MkdirAll(epochStoreDir, 0o755); err != nil {
		return fmt.Errorf("creating epoch store dir: %w", err)
	}
	store, err := epochstore.Bootstrap(epochstore.Config{NodeID: nodeID, BindAddr: epochStoreRaftAddr, DataDir: epochStoreDir})
	if err != nil {
		return fmt.Errorf("bootstrapping epoch store: %w", err)
	}
	defer store.Shutdown()

	// Event log: second Raft group driving the rebuilding coordinator's
	// SHARD_* state machine (spec §6.3).
	eventLogDir := dataDir + "/eventlog"
	if err := os.MkdirAll(eventLogDir, 0o755); err != nil {
		return fmt.Errorf("creating event log dir: %w", err)
	}
	eventLogStore, err := rebuilding.BootstrapEventLogStore(rebuilding.EventLogStoreConfig{NodeID: nodeID, BindAddr: eventLogRaftAddr, DataDir: eventLogDir})
	if err != nil {
		return fmt.Errorf("bootstrapping event log: %w", err)
	}
	defer eventLogStore.Shutdown()

	// LogsDB: the storage node's write engine (spec §4.4).
	db, err := logsdb.Open(dataDir+"/logsdb", settings)
	if err != nil {
		return fmt.Errorf("opening logsdb: %w", err)
	}
	defer db.Close()

	selfShard := types.ShardID{Node: self, Shard: 0}
	pool := storagepool.New(selfShard.Shard, storagepool.DefaultConfig())
	defer func() { pool.ShutDown(false); pool.Join() }()

	// Rebuilding coordinator (spec §4.5): one shard per node in this
	// single-shard-per-node daemon layout.
	nodeset := make([]types.ShardID, 0, len(peers)+1)
	nodeset = append(nodeset, selfShard)
	for _, p := range peers {
		nodeset = append(nodeset, types.ShardID{Node: p.index, Shard: 0})
	}

	// Transport: accepts peer sockets and dispatches STORE/GOSSIP by type.
	flowGroups := [transport.NumPriorities]*transport.FlowGroup{}
	for i := range flowGroups {
		flowGroups[i] = transport.NewFlowGroup(transport.Priority(i), int64(settings.OutbufsMBMaxPerThread)<<20, 10*time.Millisecond)
	}

	h := &daemonHandler{self: self, store: db}
	sender := transport.NewSender(nodeID, flowGroups, h.handle, transport.TLSConfig{})
	h.sender = sender

	detector := failuredetector.NewDetector(self, types.ServerInstanceID(time.Now().UnixNano()), nodeIndices(nodeset), sender, failuredetector.Config{
		GossipInterval:   settings.GossipInterval,
		FailureThreshold: settings.GossipFailureThreshold,
		SuspectDuration:  settings.SuspectDuration,
		GCSWaitDuration:  settings.GCSWaitDuration,
		FanOut:           2,
	})
	h.detector = detector

	replicator := &transportReplicator{self: self, store: db, sender: sender}
	coord := rebuilding.NewCoordinator(selfShard, nodeset, eventLogStore, db, pool, replicator, rebuilding.DefaultConfig())
	coord.Start()
	defer coord.Stop()

	detector.Start()
	defer detector.Stop()

	for _, p := range peers {
		if _, err := sender.Connect(p.index, p.addr); err != nil {
			logger.Warn().Err(err).Str("addr", p.addr).Msg("initial connect to peer failed, will not retry automatically")
		}
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", bindAddr, err)
	}
	defer listener.Close()
	go acceptLoop(listener, sender, logger)

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			sender.RunFlowGroups()
		}
	}()

	// Sequencer registry (spec §4.3), backed directly by the co-located
	// epoch store since this daemon always runs both roles together;
	// *epochrpc.Client (dialed against a remote node's --epoch-rpc-addr)
	// satisfies the same sequencer.EpochStore interface for callers that
	// are not co-located with the Raft leader.
	policy := sequencer.PlacementPolicy{NodeSet: nodeset, ReplicationProperty: types.ReplicationProperty{types.ScopeNode: 1}, WriteNodeID: self}
	_ = sequencer.NewAllSequencers(store, policy, 5*time.Second)

	epochServer := epochrpc.NewServer(store)
	go func() {
		if err := epochServer.Serve(epochRPCAddr); err != nil {
			logger.Error().Err(err).Msg("epoch-store RPC server stopped")
		}
	}()
	defer epochServer.Stop()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Str("epoch_rpc_addr", epochRPCAddr).Str("metrics_addr", metricsAddr).Msg("logdeviced ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, draining")
	return nil
}

func nodeIndices(shards []types.ShardID) []types.NodeIndex {
	out := make([]types.NodeIndex, 0, len(shards))
	for _, s := range shards {
		out = append(out, s.Node)
	}
	return out
}

// acceptLoop accepts inbound peer connections and completes each one's
// HELLO/ACK handshake; the handshake itself blocks on the conn, so each
// accepted socket gets its own goroutine rather than serializing behind it.
func acceptLoop(listener net.Listener, sender *transport.Sender, logger zerolog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("accept failed, stopping accept loop")
			return
		}
		go func() {
			if _, err := sender.Accept(conn); err != nil {
				logger.Debug().Err(err).Msg("inbound handshake failed")
			}
		}()
	}
}
