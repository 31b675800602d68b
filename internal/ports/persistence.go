package ports

import (
	"context"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
)

// Persistence is the interface the engine holds, matching the operation
// list in the component design exactly. Implementations own transaction
// boundaries, optimistic-concurrency version checks (a stale version is
// reported as domain.ErrStaleVersion and the caller retries), and the
// write-through cache.
type Persistence interface {
	SavePosition(ctx context.Context, p domain.Position) error
	UpdatePosition(ctx context.Context, p domain.Position, expectedVersion int) error

	SavePortfolioAggregate(ctx context.Context, agg domain.PortfolioAggregate, expectedVersion int) error
	GetPortfolioAggregate(ctx context.Context) (domain.PortfolioAggregate, error)

	SavePyramidState(ctx context.Context, instrument string, state domain.PyramidState) error
	DeletePyramidState(ctx context.Context, instrument string) error
	GetPyramidStates(ctx context.Context) (map[string]domain.PyramidState, error)

	LogSignal(ctx context.Context, entry domain.SignalLogEntry) error
	IsDuplicateFingerprint(ctx context.Context, fingerprint string, withinWindow time.Duration) (bool, error)

	GetOpenPositions(ctx context.Context) (map[string]domain.Position, error)
	GetPosition(ctx context.Context, id string) (domain.Position, bool, error)

	// HA-specific rows; owned by HACoordinator but persisted through the
	// same store.
	UpsertInstanceMetadata(ctx context.Context, m domain.InstanceMetadata) error
	GetInstanceMetadata(ctx context.Context, instanceID string) (domain.InstanceMetadata, error)
	GetDatabaseLeader(ctx context.Context, freshWithin time.Duration) (domain.InstanceMetadata, bool, error)
	AppendLeadershipHistory(ctx context.Context, h domain.LeadershipHistory) error

	// Ping is used by GET /ready.
	Ping(ctx context.Context) error

	Close() error
}
