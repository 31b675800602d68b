package ha

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
	"github.com/google/uuid"
)

const leaderKey = "pm:leader"

// State is the coordinator's per-instance state machine position.
type State int

const (
	StateStarting State = iota
	StateFollower
	StateLeader
)

// Coordinator implements leader election, heartbeat-with-db-sync, and
// split-brain detection. No pack repo models leader election; this is
// new orchestration code written in the teacher's small-struct-plus-
// methods-plus-sync.Mutex idiom (domain.CircuitBreaker's self-contained
// mutation methods; live.Engine's single dedicated mutex per concern).
type Coordinator struct {
	cache       ports.Cache
	store       ports.Persistence
	clock       ports.Clock
	instanceID  string
	hostname    string
	ttl         time.Duration
	splitBrainEvery int

	mu              sync.Mutex
	state           State
	leaderAcquiredAt time.Time
	heartbeatCount  int
	metrics         domain.HAMetrics
	recovering      bool
}

// New constructs a Coordinator. persistedUUID should be stable across
// restarts of the same logical instance (e.g. read from a local file);
// the process id is appended to form the composite instance id.
func New(cache ports.Cache, store ports.Persistence, clock ports.Clock, persistedUUID string, ttl time.Duration, splitBrainEvery int) *Coordinator {
	if persistedUUID == "" {
		persistedUUID = uuid.NewString()
	}
	hostname, _ := os.Hostname()
	return &Coordinator{
		cache:      cache,
		store:      store,
		clock:      clock,
		instanceID: domain.InstanceID(persistedUUID, os.Getpid()),
		hostname:   hostname,
		ttl:        ttl,
		splitBrainEvery: splitBrainEvery,
		state:      StateStarting,
	}
}

func (c *Coordinator) InstanceID() string { return c.instanceID }

// SetRecovering flags whether this instance is still replaying
// persisted state at startup, surfaced by GET /coordinator/leader.
func (c *Coordinator) SetRecovering(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recovering = v
}

func (c *Coordinator) IsRecovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovering
}

func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLeader
}

// TryBecomeLeader attempts the atomic SET NX EX acquisition.
func (c *Coordinator) TryBecomeLeader(ctx context.Context) (bool, error) {
	ok, err := c.cache.TrySetNX(ctx, leaderKey, c.instanceID, c.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		c.promote()
	}
	return ok, nil
}

// RenewLeadership extends the lease; on failure it demotes to Follower.
func (c *Coordinator) RenewLeadership(ctx context.Context) error {
	ok, err := c.cache.Renew(ctx, leaderKey, c.instanceID, c.ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.demote("renew_failed")
	}
	return nil
}

// ReleaseLeadership performs a scripted compare-and-delete, for graceful
// shutdown.
func (c *Coordinator) ReleaseLeadership(ctx context.Context) error {
	_, err := c.cache.Release(ctx, leaderKey, c.instanceID)
	if err != nil {
		return err
	}
	c.demote("released")
	return nil
}

func (c *Coordinator) promote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLeader {
		return
	}
	c.state = StateLeader
	c.leaderAcquiredAt = c.clock.Now()
	c.metrics.LeadershipChanges++
	slog.Error("🚨 leader acquired", "instance_id", c.instanceID)
}

func (c *Coordinator) demote(reason string) {
	c.mu.Lock()
	wasLeader := c.state == StateLeader
	c.state = StateFollower
	acquiredAt := c.leaderAcquiredAt
	c.mu.Unlock()

	if wasLeader {
		slog.Error("🚨 leader lost", "instance_id", c.instanceID, "reason", reason)
		now := c.clock.Now()
		_ = c.store.AppendLeadershipHistory(context.Background(), domain.LeadershipHistory{
			InstanceID: c.instanceID, BecameLeaderAt: acquiredAt, ReleasedLeaderAt: &now,
			Duration: now.Sub(acquiredAt), Hostname: c.hostname,
		})
	}
}

// Heartbeat runs one iteration of the scheduling contract: attempt
// renewal if leader, else attempt acquisition; upsert InstanceMetadata;
// every splitBrainEvery'th iteration, run DetectSplitBrain.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	start := c.clock.Now()

	var err error
	if c.IsLeader() {
		err = c.RenewLeadership(ctx)
	} else {
		_, err = c.TryBecomeLeader(ctx)
	}

	syncErr := c.syncInstanceMetadata(ctx)
	latency := c.clock.Now().Sub(start)

	c.mu.Lock()
	c.metrics.RecordSync(syncErr == nil, latency)
	c.heartbeatCount++
	due := c.heartbeatCount%c.splitBrainEvery == 0
	c.mu.Unlock()

	if due {
		if sbErr := c.DetectSplitBrain(ctx); sbErr != nil {
			slog.Error("ha: split-brain detection failed", "err", sbErr)
		}
	}

	if err != nil {
		return err
	}
	return syncErr
}

func (c *Coordinator) syncInstanceMetadata(ctx context.Context) error {
	now := c.clock.Now()
	c.mu.Lock()
	isLeader := c.state == StateLeader
	var acquiredAt *time.Time
	if isLeader {
		a := c.leaderAcquiredAt
		acquiredAt = &a
	}
	c.metrics.LastHeartbeat = now
	c.mu.Unlock()

	return c.store.UpsertInstanceMetadata(ctx, domain.InstanceMetadata{
		InstanceID: c.instanceID, StartedAt: now, LastHeartbeat: now,
		IsLeader: isLeader, LeaderAcquiredAt: acquiredAt, Hostname: c.hostname,
	})
}

// DetectSplitBrain reads the cache-side and database-side leader and
// auto-demotes this instance when the cache lock names this instance
// while the database's recent leader is a different instance. It does
// nothing when either side has no leader recorded. Ordering is load-bearing: release the
// cache lock before clearing the in-memory flag, so a racing renewal
// from this same instance cannot win the compare-and-swap against a
// flag that says "not leader" while the lock is still actually held.
func (c *Coordinator) DetectSplitBrain(ctx context.Context) error {
	cacheLeader, err := c.cache.Get(ctx, leaderKey)
	if err != nil {
		return err
	}
	dbLeader, found, err := c.store.GetDatabaseLeader(ctx, 30*time.Second)
	if err != nil {
		return err
	}

	if !found || cacheLeader == "" {
		return nil
	}

	if cacheLeader != dbLeader.InstanceID && dbLeader.InstanceID != c.instanceID && cacheLeader == c.instanceID {
		slog.Error("🚨 split brain detected", "cache_leader", cacheLeader, "db_leader", dbLeader.InstanceID, "this_instance", c.instanceID)
		if _, relErr := c.cache.Release(ctx, leaderKey, c.instanceID); relErr != nil {
			return relErr
		}
		c.demote("split_brain_self_demote")
	}
	return nil
}

// Snapshot returns a read-only view of the coordinator's metrics and
// state, for GET /coordinator/leader.
func (c *Coordinator) Snapshot() (state State, metrics domain.HAMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.metrics
}

// Run drives the heartbeat loop until ctx is cancelled, at the interval
// the scheduling contract specifies (LEADER_TTL/2).
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				slog.Warn("ha: heartbeat error", "err", err)
			}
		}
	}
}
