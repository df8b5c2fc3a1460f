package rebuilding

import (
	"sync"
	"time"

	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/storagepool"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes one Coordinator instance.
type Config struct {
	// WindowSizeMS is the global window width added to the minimum donor
	// next-timestamp (spec §4.5 step 6).
	WindowSizeMS int64
	// GracePeriod collapses bursts of event-log deltas that would
	// otherwise each trigger their own restart (spec §4.5 "Restart on
	// change").
	GracePeriod time.Duration
	// NonAuthoritativeTimeout is how long a non-authoritative shard may
	// stay rebuilding before being marked unrecoverable (spec §4.5
	// "Authoritativeness").
	NonAuthoritativeTimeout time.Duration
	// ChunkSize bounds records processed per storage-pool dispatch.
	ChunkSize int
	// MaxMalformedRecords is the tolerated-malformed-count threshold
	// before a ShardRebuilding raises a permanent error.
	MaxMalformedRecords int
	// MinCopysetSize is the smallest copyset width replication tolerates;
	// used for the authoritativeness check.
	MinCopysetSize int
}

// DefaultConfig returns reasonable single-process tuning.
func DefaultConfig() Config {
	return Config{
		WindowSizeMS:            10 * 60 * 1000,
		GracePeriod:             3 * time.Second,
		NonAuthoritativeTimeout: 10 * time.Minute,
		ChunkSize:               256,
		MaxMalformedRecords:     100,
		MinCopysetSize:          1,
	}
}

// shardState is the per-shard bookkeeping spec §4.5 names: "{ version,
// restartVersion, rebuildingSet, globalWindowEnd, participating,
// isAuthoritative, planner?, shardRebuilding?, logsWithPlan,
// recoverableShards, rebuildingSetContainsMyself }" — collapsed to the
// fields this coordinator actually threads through, since logsWithPlan and
// recoverableShards require a full logs config this module does not have.
type shardState struct {
	shard          types.ShardID
	restartVersion uint64
	participating  bool
	authoritative  bool
	nonAuthSince   time.Time
	rebuilding     *ShardRebuilding
	restartTimer   *time.Timer
}

// Coordinator implements spec §4.5's rebuilding coordinator: it subscribes
// to the event log, maintains one shardState per dirty shard, and drives
// donor-side ShardRebuilding instances through a storagepool.Pool.
// Grounded on the teacher's reconciler.Reconciler for the
// mutex-guarded-single-pass-over-a-ticker control-loop idiom.
type Coordinator struct {
	self    types.ShardID
	// nodeset is the write-path nodeset authoritativeness is checked
	// against — a fixed substitute for a full logs config, the same
	// simplification pkg/sequencer's PlacementPolicy makes.
	nodeset    []types.ShardID
	eventLog   *EventLogStore
	store      *logsdb.Store
	pool       *storagepool.Pool
	replicator Replicator
	cfg        Config
	logger     zerolog.Logger

	mu       sync.Mutex
	shards   map[types.ShardID]*shardState
	nextVers uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator constructs a Coordinator for this node's shard self.
// nodeset is the full write-path nodeset used for the authoritativeness
// check (spec §4.5); pass the same nodeset the log's PlacementPolicy
// names.
func NewCoordinator(self types.ShardID, nodeset []types.ShardID, eventLog *EventLogStore, store *logsdb.Store, pool *storagepool.Pool, replicator Replicator, cfg Config) *Coordinator {
	return &Coordinator{
		self:       self,
		nodeset:    nodeset,
		eventLog:   eventLog,
		store:      store,
		pool:       pool,
		replicator: replicator,
		cfg:        cfg,
		logger:     log.WithComponent("rebuilding"),
		shards:     make(map[types.ShardID]*shardState),
		stopCh:     make(chan struct{}),
	}
}

// Start subscribes to the event log and begins the control loop.
func (c *Coordinator) Start() {
	sub := c.eventLog.FSM().Subscribe()
	c.wg.Add(2)
	go c.consumeUpdates(sub)
	go c.tick()
}

// Stop halts the control loop and unsubscribes.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) consumeUpdates(sub eventlog.Subscriber) {
	defer c.wg.Done()
	defer c.eventLog.FSM().Unsubscribe(sub)
	for {
		select {
		case update, ok := <-sub:
			if !ok {
				return
			}
			c.onDelta(update)
		case <-c.stopCh:
			return
		}
	}
}

// onDelta implements spec §4.5's "Restart on change": any delta that may
// change a shard's rebuilding set schedules a (grace-period-collapsed)
// restart rather than reacting to every individual delta.
func (c *Coordinator) onDelta(update eventlog.Update) {
	switch update.Delta.Type {
	case eventlog.ShardAbortRebuild, eventlog.ShardAckRebuilt:
		c.mu.Lock()
		st, ok := c.shards[update.Delta.ShardID]
		c.mu.Unlock()
		if ok {
			c.stopShard(st)
		}
		return
	case eventlog.ShardDonorProgress, eventlog.ShardIsRebuilt:
		// Progress and completion reports leave the shard's set entry
		// unchanged (see eventlog's fold), so they do not restart it.
		return
	}

	c.scheduleRestart(update.Delta.ShardID, update.Set)
}

// scheduleRestart debounces a shard's restart behind cfg.GracePeriod,
// collapsing bursts of deltas into a single restart with a strictly
// monotonic restartVersion (spec §4.5).
func (c *Coordinator) scheduleRestart(shard types.ShardID, set eventlog.RebuildingSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.shards[shard]
	if !ok {
		st = &shardState{shard: shard}
		c.shards[shard] = st
	}
	if st.restartTimer != nil {
		st.restartTimer.Stop()
	}
	st.restartTimer = time.AfterFunc(c.cfg.GracePeriod, func() {
		c.restartShard(shard, set)
	})
}

func (c *Coordinator) restartShard(shard types.ShardID, set eventlog.RebuildingSet) {
	c.mu.Lock()
	st, ok := c.shards[shard]
	if !ok {
		c.mu.Unlock()
		return
	}
	if st.rebuilding != nil {
		st.rebuilding.Close()
	}
	c.nextVers++
	st.restartVersion = c.nextVers
	c.mu.Unlock()

	planner := NewRebuildingPlanner(set)
	rebuilding := NewShardRebuilding(
		planner, st.restartVersion, c.cfg.ChunkSize, c.cfg.MaxMalformedRecords, c.replicator,
		c.windowGate, func(ts int64) { c.onShardProgress(shard, st.restartVersion, ts) },
		func(err error) { c.onShardComplete(shard, st.restartVersion, err) },
	)

	c.mu.Lock()
	st.rebuilding = rebuilding
	st.participating = true
	c.mu.Unlock()

	if err := rebuilding.Start(c.pool, c.store); err != nil {
		c.logger.Error().Err(err).Str("shard", shard.String()).Msg("failed to start shard rebuilding")
		return
	}
	c.logger.Info().Str("shard", shard.String()).Uint64("restart_version", st.restartVersion).Msg("rebuilding restarted")
}

func (c *Coordinator) stopShard(st *shardState) {
	c.mu.Lock()
	delete(c.shards, st.shard)
	if st.restartTimer != nil {
		st.restartTimer.Stop()
	}
	r := st.rebuilding
	c.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// windowGate implements spec §4.5 step 6: the global window is
// min(donor next_ts) + WindowSizeMS across every currently-participating
// shard; a shard with no peers yet is ungated.
func (c *Coordinator) windowGate(ts int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var minNext int64 = -1
	for _, st := range c.shards {
		if !st.participating || st.rebuilding == nil {
			continue
		}
		next := st.rebuilding.NextTimestamp()
		if minNext == -1 || next < minNext {
			minNext = next
		}
	}
	if minNext == -1 {
		return true
	}
	return ts <= minNext+c.cfg.WindowSizeMS
}

func (c *Coordinator) onShardProgress(shard types.ShardID, restartVersion uint64, ts int64) {
	_, err := c.eventLog.Propose(eventlog.Delta{
		Type:           eventlog.ShardDonorProgress,
		ShardID:        shard,
		RestartVersion: restartVersion,
		NextTimestamp:  ts,
	}, 5*time.Second)
	if err != nil {
		c.logger.Debug().Err(err).Str("shard", shard.String()).Msg("donor progress propose failed")
	}
}

func (c *Coordinator) onShardComplete(shard types.ShardID, restartVersion uint64, err error) {
	if err != nil {
		c.logger.Error().Err(err).Str("shard", shard.String()).Msg("shard rebuilding aborted with a permanent error")
		return
	}
	_, proposeErr := c.eventLog.Propose(eventlog.Delta{
		Type:           eventlog.ShardIsRebuilt,
		ShardID:        shard,
		RestartVersion: restartVersion,
	}, 5*time.Second)
	if proposeErr != nil {
		c.logger.Warn().Err(proposeErr).Str("shard", shard.String()).Msg("SHARD_IS_REBUILT propose failed")
	}
}

// tick runs the periodic housekeeping pass: sliding the global window
// (resuming blocked shards), and the authoritativeness timer, grounded on
// reconciler.Reconciler's 10s ticker loop.
func (c *Coordinator) tick() {
	defer c.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reconcile()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) reconcile() {
	c.mu.Lock()
	states := make([]*shardState, 0, len(c.shards))
	for _, st := range c.shards {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		if st.rebuilding != nil {
			st.rebuilding.Resume(c.pool)
		}
		c.checkAuthoritativeness(st)
	}
}

// checkAuthoritativeness implements spec §4.5's "such shards may be marked
// unrecoverable after a policy timer, which unblocks readers at the cost
// of visible data loss".
func (c *Coordinator) checkAuthoritativeness(st *shardState) {
	c.mu.Lock()
	rebuilding := st.rebuilding
	c.mu.Unlock()
	if rebuilding == nil {
		return
	}

	authoritative := rebuilding.planner.Authoritative(c.nodeset, c.cfg.MinCopysetSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if authoritative {
		st.authoritative = true
		st.nonAuthSince = time.Time{}
		return
	}
	st.authoritative = false
	if st.nonAuthSince.IsZero() {
		st.nonAuthSince = time.Now()
		return
	}
	if time.Since(st.nonAuthSince) < c.cfg.NonAuthoritativeTimeout {
		return
	}

	c.logger.Warn().Str("shard", st.shard.String()).Msg("marking shard unrecoverable after non-authoritative timeout")
	go func(shard types.ShardID, restartVersion uint64) {
		if _, err := c.eventLog.Propose(eventlog.Delta{
			Type:           eventlog.ShardUnrecoverable,
			ShardID:        shard,
			RestartVersion: restartVersion,
		}, 5*time.Second); err != nil {
			c.logger.Error().Err(err).Str("shard", shard.String()).Msg("SHARD_UNRECOVERABLE propose failed")
		}
	}(st.shard, st.restartVersion)
	st.nonAuthSince = time.Time{}
}
