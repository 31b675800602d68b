// Package storage implements the Persistence port against a relational
// store reached through database/sql. sql.go is the production adapter:
// pure-Go SQLite via modernc.org/sqlite, in the same open/schema/upsert
// idiom the teacher's SQLiteStorage uses, generalized to the six-table
// layout, optimistic-concurrency retry, and write-through cache this
// design requires.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	instrument       TEXT NOT NULL,
	slot             TEXT NOT NULL,
	is_base_position INTEGER NOT NULL DEFAULT 0,
	entry_price      REAL NOT NULL,
	initial_stop     REAL NOT NULL,
	current_stop     REAL NOT NULL,
	highest_close    REAL NOT NULL DEFAULT 0,
	lots             INTEGER NOT NULL,
	atr_at_entry     REAL NOT NULL DEFAULT 0,
	pe_entry         REAL,
	ce_entry         REAL,
	status           TEXT NOT NULL,
	open_at          DATETIME NOT NULL,
	close_at         DATETIME,
	realized_pnl     REAL NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_instrument_ts ON positions(instrument, open_at);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS portfolio_aggregate (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	initial_capital   REAL NOT NULL,
	closed_equity     REAL NOT NULL DEFAULT 0,
	total_risk_amount REAL NOT NULL DEFAULT 0,
	total_vol_amount  REAL NOT NULL DEFAULT 0,
	margin_used       REAL NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pyramid_state (
	instrument         TEXT PRIMARY KEY,
	last_pyramid_price REAL NOT NULL,
	base_position_id   TEXT,
	pyramid_count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signal_log (
	fingerprint              TEXT PRIMARY KEY,
	payload                  BLOB,
	received_at              DATETIME NOT NULL,
	processed_by_instance_id TEXT,
	status                   TEXT NOT NULL,
	result_summary           TEXT,
	validation_bypassed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_signal_log_fingerprint ON signal_log(fingerprint);

CREATE TABLE IF NOT EXISTS instance_metadata (
	instance_id        TEXT PRIMARY KEY,
	started_at         DATETIME NOT NULL,
	last_heartbeat     DATETIME NOT NULL,
	is_leader          INTEGER NOT NULL DEFAULT 0,
	leader_acquired_at DATETIME,
	hostname           TEXT
);
CREATE INDEX IF NOT EXISTS idx_instance_heartbeat ON instance_metadata(last_heartbeat DESC, is_leader) WHERE is_leader;

CREATE TABLE IF NOT EXISTS leadership_history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id        TEXT NOT NULL,
	became_leader_at   DATETIME NOT NULL,
	released_leader_at DATETIME,
	duration_ns        INTEGER NOT NULL DEFAULT 0,
	hostname           TEXT
);
`

var acquireBackoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrStaleVersion is returned internally when an optimistic-concurrency
// write loses the race; callers retry from reload, matching the
// teacher's defer tx.Rollback()-on-error idiom at every write path. It
// is the same sentinel domain.ErrStaleVersion so engine-level retry
// loops can errors.Is against one value regardless of which adapter
// implements Persistence.
var ErrStaleVersion = domain.ErrStaleVersion

// SQLStore implements ports.Persistence.
type SQLStore struct {
	db *sql.DB

	mu          sync.Mutex
	posCache    map[string]domain.Position // write-through cache, keyed by position id
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := openWithBackoff(dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}

	return &SQLStore{db: db, posCache: make(map[string]domain.Position)}, nil
}

func openWithBackoff(dsn string) (*sql.DB, error) {
	var lastErr error
	for attempt, delay := range append([]time.Duration{0}, acquireBackoffSchedule...) {
		if attempt > 0 {
			time.Sleep(delay)
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			lastErr = err
			continue
		}
		if pingErr := db.Ping(); pingErr != nil {
			lastErr = pingErr
			db.Close()
			continue
		}
		return db, nil
	}
	return nil, fmt.Errorf("storage.Open: acquire connection for %q: %w", dsn, lastErr)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SavePosition inserts a brand-new position (version starts at 0).
func (s *SQLStore) SavePosition(ctx context.Context, p domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SavePosition: begin tx: %w", err)
	}
	defer tx.Rollback()

	var pe, ce sql.NullFloat64
	if p.OptionLegs != nil {
		pe = sql.NullFloat64{Float64: p.OptionLegs.PE, Valid: true}
		ce = sql.NullFloat64{Float64: p.OptionLegs.CE, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions
			(id, instrument, slot, is_base_position, entry_price, initial_stop,
			 current_stop, highest_close, lots, atr_at_entry, pe_entry, ce_entry,
			 status, open_at, close_at, realized_pnl, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		p.ID, p.Instrument, p.Slot, boolToInt(p.IsBasePosition), p.EntryPrice, p.InitialStop,
		p.CurrentStop, p.HighestClose, p.Lots, p.ATRAtEntry, pe, ce,
		string(p.Status), p.OpenAt, p.CloseAt, p.RealizedPnL,
	); err != nil {
		return fmt.Errorf("storage.SavePosition: insert %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SavePosition: commit: %w", err)
	}

	s.mu.Lock()
	p.Version = 0
	s.posCache[p.ID] = p
	s.mu.Unlock()
	return nil
}

// UpdatePosition applies an optimistic-concurrency update: the write only
// applies if the stored version still equals expectedVersion. A stale
// version is retried from reload a bounded number of times by the caller
// (the engine), per the persistence contract; this method itself reports
// the staleness rather than looping, so the caller controls the retry
// policy and reload source.
func (s *SQLStore) UpdatePosition(ctx context.Context, p domain.Position, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.UpdatePosition: begin tx: %w", err)
	}
	defer tx.Rollback()

	var pe, ce sql.NullFloat64
	if p.OptionLegs != nil {
		pe = sql.NullFloat64{Float64: p.OptionLegs.PE, Valid: true}
		ce = sql.NullFloat64{Float64: p.OptionLegs.CE, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			current_stop = ?, highest_close = ?, lots = ?, pe_entry = ?, ce_entry = ?,
			status = ?, close_at = ?, realized_pnl = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, p.CurrentStop, p.HighestClose, p.Lots, pe, ce, string(p.Status), p.CloseAt, p.RealizedPnL,
		p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdatePosition: update %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.UpdatePosition: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage.UpdatePosition: %s: %w", p.ID, ErrStaleVersion)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.UpdatePosition: commit: %w", err)
	}

	s.mu.Lock()
	p.Version = expectedVersion + 1
	s.posCache[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) SavePortfolioAggregate(ctx context.Context, agg domain.PortfolioAggregate, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SavePortfolioAggregate: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_aggregate (id, initial_capital, closed_equity, total_risk_amount, total_vol_amount, margin_used, version)
		VALUES (1, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			closed_equity     = excluded.closed_equity,
			total_risk_amount = excluded.total_risk_amount,
			total_vol_amount  = excluded.total_vol_amount,
			margin_used       = excluded.margin_used,
			version           = portfolio_aggregate.version + 1
		WHERE portfolio_aggregate.version = ?
	`, agg.InitialCapital, agg.ClosedEquity, agg.TotalRiskAmount, agg.TotalVolAmount, agg.MarginUsed, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage.SavePortfolioAggregate: upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.SavePortfolioAggregate: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage.SavePortfolioAggregate: %w", ErrStaleVersion)
	}

	return tx.Commit()
}

func (s *SQLStore) GetPortfolioAggregate(ctx context.Context) (domain.PortfolioAggregate, error) {
	var agg domain.PortfolioAggregate
	row := s.db.QueryRowContext(ctx, `SELECT initial_capital, closed_equity, total_risk_amount, total_vol_amount, margin_used, version FROM portfolio_aggregate WHERE id = 1`)
	err := row.Scan(&agg.InitialCapital, &agg.ClosedEquity, &agg.TotalRiskAmount, &agg.TotalVolAmount, &agg.MarginUsed, &agg.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PortfolioAggregate{}, nil
	}
	if err != nil {
		return domain.PortfolioAggregate{}, fmt.Errorf("storage.GetPortfolioAggregate: scan: %w", err)
	}
	return agg, nil
}

func (s *SQLStore) SavePyramidState(ctx context.Context, instrument string, state domain.PyramidState) error {
	var baseID sql.NullString
	if state.BasePositionID != nil {
		baseID = sql.NullString{String: *state.BasePositionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pyramid_state (instrument, last_pyramid_price, base_position_id, pyramid_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
			last_pyramid_price = excluded.last_pyramid_price,
			base_position_id   = excluded.base_position_id,
			pyramid_count      = excluded.pyramid_count
	`, instrument, state.LastPyramidPrice, baseID, state.PyramidCount)
	if err != nil {
		return fmt.Errorf("storage.SavePyramidState: upsert %s: %w", instrument, err)
	}
	return nil
}

func (s *SQLStore) DeletePyramidState(ctx context.Context, instrument string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pyramid_state WHERE instrument = ?`, instrument)
	if err != nil {
		return fmt.Errorf("storage.DeletePyramidState: delete %s: %w", instrument, err)
	}
	return nil
}

func (s *SQLStore) GetPyramidStates(ctx context.Context) (map[string]domain.PyramidState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instrument, last_pyramid_price, base_position_id, pyramid_count FROM pyramid_state`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPyramidStates: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.PyramidState)
	for rows.Next() {
		var st domain.PyramidState
		var baseID sql.NullString
		if err := rows.Scan(&st.Instrument, &st.LastPyramidPrice, &baseID, &st.PyramidCount); err != nil {
			return nil, fmt.Errorf("storage.GetPyramidStates: scan: %w", err)
		}
		if baseID.Valid {
			v := baseID.String
			st.BasePositionID = &v
		}
		out[st.Instrument] = st
	}
	return out, rows.Err()
}

func (s *SQLStore) LogSignal(ctx context.Context, entry domain.SignalLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_log (fingerprint, payload, received_at, processed_by_instance_id, status, result_summary, validation_bypassed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			status              = excluded.status,
			result_summary      = excluded.result_summary,
			validation_bypassed = excluded.validation_bypassed
	`, entry.Fingerprint, entry.Payload, entry.ReceivedAt, entry.ProcessedByInstanceID,
		string(entry.Status), entry.ResultSummary, boolToInt(entry.ValidationBypassed))
	if err != nil {
		return fmt.Errorf("storage.LogSignal: upsert %s: %w", entry.Fingerprint, err)
	}
	return nil
}

func (s *SQLStore) IsDuplicateFingerprint(ctx context.Context, fingerprint string, withinWindow time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-withinWindow)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM signal_log WHERE fingerprint = ? AND received_at >= ?`,
		fingerprint, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage.IsDuplicateFingerprint: query: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) GetOpenPositions(ctx context.Context) (map[string]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument, slot, is_base_position, entry_price, initial_stop, current_stop,
		       highest_close, lots, atr_at_entry, pe_entry, ce_entry, status, open_at, close_at,
		       realized_pnl, version
		FROM positions WHERE status = 'open'
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpenPositions: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Position)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.GetOpenPositions: %w", err)
		}
		out[p.ID] = p
	}

	s.mu.Lock()
	for id, p := range out {
		s.posCache[id] = p
	}
	s.mu.Unlock()

	return out, rows.Err()
}

// GetPosition serves from the write-through cache when present, falling
// back to the database on a cache miss (e.g. a position saved by another
// instance). The row, once read, is cached for subsequent lookups.
func (s *SQLStore) GetPosition(ctx context.Context, id string) (domain.Position, bool, error) {
	s.mu.Lock()
	if p, ok := s.posCache[id]; ok {
		s.mu.Unlock()
		return p, true, nil
	}
	s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, instrument, slot, is_base_position, entry_price, initial_stop, current_stop,
		       highest_close, lots, atr_at_entry, pe_entry, ce_entry, status, open_at, close_at,
		       realized_pnl, version
		FROM positions WHERE id = ?
	`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("storage.GetPosition: %w", err)
	}

	s.mu.Lock()
	s.posCache[id] = p
	s.mu.Unlock()
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	var isBase int
	var pe, ce sql.NullFloat64
	var status string
	var closeAt sql.NullTime

	if err := row.Scan(&p.ID, &p.Instrument, &p.Slot, &isBase, &p.EntryPrice, &p.InitialStop,
		&p.CurrentStop, &p.HighestClose, &p.Lots, &p.ATRAtEntry, &pe, &ce, &status,
		&p.OpenAt, &closeAt, &p.RealizedPnL, &p.Version); err != nil {
		return domain.Position{}, fmt.Errorf("scan position: %w", err)
	}
	p.IsBasePosition = isBase != 0
	p.Status = domain.PositionStatus(status)
	if closeAt.Valid {
		t := closeAt.Time
		p.CloseAt = &t
	}
	if pe.Valid && ce.Valid {
		p.OptionLegs = &domain.OptionLegs{PE: pe.Float64, CE: ce.Float64}
	}
	return p, nil
}

func (s *SQLStore) UpsertInstanceMetadata(ctx context.Context, m domain.InstanceMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_metadata (instance_id, started_at, last_heartbeat, is_leader, leader_acquired_at, hostname)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			last_heartbeat     = excluded.last_heartbeat,
			is_leader          = excluded.is_leader,
			leader_acquired_at = excluded.leader_acquired_at
	`, m.InstanceID, m.StartedAt, m.LastHeartbeat, boolToInt(m.IsLeader), m.LeaderAcquiredAt, m.Hostname)
	if err != nil {
		return fmt.Errorf("storage.UpsertInstanceMetadata: upsert %s: %w", m.InstanceID, err)
	}
	return nil
}

func (s *SQLStore) GetInstanceMetadata(ctx context.Context, instanceID string) (domain.InstanceMetadata, error) {
	var m domain.InstanceMetadata
	var isLeader int
	var leaderAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, started_at, last_heartbeat, is_leader, leader_acquired_at, hostname FROM instance_metadata WHERE instance_id = ?`,
		instanceID,
	).Scan(&m.InstanceID, &m.StartedAt, &m.LastHeartbeat, &isLeader, &leaderAt, &m.Hostname)
	if err != nil {
		return domain.InstanceMetadata{}, fmt.Errorf("storage.GetInstanceMetadata: scan: %w", err)
	}
	m.IsLeader = isLeader != 0
	if leaderAt.Valid {
		t := leaderAt.Time
		m.LeaderAcquiredAt = &t
	}
	return m, nil
}

func (s *SQLStore) GetDatabaseLeader(ctx context.Context, freshWithin time.Duration) (domain.InstanceMetadata, bool, error) {
	cutoff := time.Now().UTC().Add(-freshWithin)
	var m domain.InstanceMetadata
	var isLeader int
	var leaderAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, started_at, last_heartbeat, is_leader, leader_acquired_at, hostname
		FROM instance_metadata WHERE is_leader = 1 AND last_heartbeat >= ?
		ORDER BY last_heartbeat DESC LIMIT 1
	`, cutoff).Scan(&m.InstanceID, &m.StartedAt, &m.LastHeartbeat, &isLeader, &leaderAt, &m.Hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InstanceMetadata{}, false, nil
	}
	if err != nil {
		return domain.InstanceMetadata{}, false, fmt.Errorf("storage.GetDatabaseLeader: scan: %w", err)
	}
	m.IsLeader = isLeader != 0
	if leaderAt.Valid {
		t := leaderAt.Time
		m.LeaderAcquiredAt = &t
	}
	return m, true, nil
}

func (s *SQLStore) AppendLeadershipHistory(ctx context.Context, h domain.LeadershipHistory) error {
	var releasedAt sql.NullTime
	if h.ReleasedLeaderAt != nil {
		releasedAt = sql.NullTime{Time: *h.ReleasedLeaderAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leadership_history (instance_id, became_leader_at, released_leader_at, duration_ns, hostname)
		VALUES (?, ?, ?, ?, ?)
	`, h.InstanceID, h.BecameLeaderAt, releasedAt, h.Duration.Nanoseconds(), h.Hostname)
	if err != nil {
		return fmt.Errorf("storage.AppendLeadershipHistory: insert: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ports.Persistence = (*SQLStore)(nil)
