// Package sqlite provides a SQLite-backed implementation of store.Store.
//
// WAL mode is enabled on Open so the admin surface can read while the
// connection manager writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"

	// Pure-Go driver, no CGO.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup. One row per connection; the
// version column is the compare-and-swap guard.
const schema = `
CREATE TABLE IF NOT EXISTS connections (
    connection_id          TEXT    PRIMARY KEY,
    correlation_id         TEXT    NOT NULL DEFAULT '',
    global_reservation_id  TEXT    NOT NULL DEFAULT '',
    description            TEXT    NOT NULL DEFAULT '',
    protocol_version       TEXT    NOT NULL DEFAULT '',
    requester_nsa          TEXT    NOT NULL DEFAULT '',
    provider_nsa           TEXT    NOT NULL DEFAULT '',
    reply_to               TEXT    NOT NULL DEFAULT '',

    -- JSON encoded model.Criteria.
    criteria               TEXT    NOT NULL,
    -- JSON encoded model.Criteria of a pending modify, NULL when none.
    held                   TEXT,
    committed              INTEGER NOT NULL DEFAULT 0,
    hold_expiry            TEXT,

    version                INTEGER NOT NULL,
    reservation_state      TEXT    NOT NULL,
    provision_state        TEXT    NOT NULL,
    lifecycle_state        TEXT    NOT NULL,
    data_plane_active      INTEGER NOT NULL DEFAULT 0,
    data_plane_error       INTEGER NOT NULL DEFAULT 0,

    -- JSON object of job kind to generation.
    generations            TEXT    NOT NULL DEFAULT '{}',

    created_at             TEXT    NOT NULL,
    updated_at             TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_gri ON connections(global_reservation_id);
CREATE INDEX IF NOT EXISTS idx_connections_lifecycle ON connections(lifecycle_state);
`

const columns = `connection_id, correlation_id, global_reservation_id, description, protocol_version,
	requester_nsa, provider_nsa, reply_to, criteria, held, committed, hold_expiry,
	version, reservation_state, provision_state, lifecycle_state, data_plane_active, data_plane_error,
	generations, created_at, updated_at`

// Repository is the SQLite implementation of store.Store.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./supa.db", nil)
func Open(path string, now func() time.Time) (*Repository, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer; the version check in Update relies on serialized writes.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, now: now}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Load(ctx context.Context, connectionID string) (*model.Connection, error) {
	q := `SELECT ` + columns + ` FROM connections WHERE connection_id = ?`
	c, err := scanConnection(r.db.QueryRowContext(ctx, q, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %q: %w", connectionID, err)
	}
	return c, nil
}

func (r *Repository) Create(ctx context.Context, c *model.Connection) (*model.Connection, error) {
	rec := c.Clone()
	rec.ConnectionID = uuid.NewString()
	rec.Version = 0
	now := r.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	args, err := rowArgs(rec)
	if err != nil {
		return nil, err
	}
	q := `INSERT INTO connections (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("sqlite: create connection: %w", err)
	}
	return rec, nil
}

func (r *Repository) Update(ctx context.Context, c *model.Connection, expectedVersion int64) (*model.Connection, error) {
	rec := c.Clone()
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = r.now().UTC()

	held, err := encodeHeld(rec.Held)
	if err != nil {
		return nil, err
	}
	criteria, err := json.Marshal(rec.Criteria)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode criteria: %w", err)
	}
	generations, err := json.Marshal(rec.Generations)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode generations: %w", err)
	}

	const q = `
		UPDATE connections SET
			correlation_id = ?, global_reservation_id = ?, description = ?, protocol_version = ?,
			requester_nsa = ?, provider_nsa = ?, reply_to = ?, criteria = ?, held = ?,
			committed = ?, hold_expiry = ?, version = ?, reservation_state = ?,
			provision_state = ?, lifecycle_state = ?, data_plane_active = ?, data_plane_error = ?,
			generations = ?, updated_at = ?
		WHERE connection_id = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, q,
		rec.CorrelationID, rec.GlobalReservationID, rec.Description, rec.ProtocolVersion,
		rec.RequesterNSA, rec.ProviderNSA, rec.ReplyTo, string(criteria), held,
		rec.Committed, nullableTime(rec.HoldExpiry), rec.Version, string(rec.States.Reservation),
		string(rec.States.Provision), string(rec.States.Lifecycle), rec.States.DataPlane.Active, rec.States.DataPlane.Error,
		string(generations), formatTime(rec.UpdatedAt),
		rec.ConnectionID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update %q: %w", rec.ConnectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: update %q: %w", rec.ConnectionID, err)
	}
	if n == 1 {
		// rec is exactly what this call wrote; a reload could see a later writer.
		return rec, nil
	}

	// Nothing matched: tell missing rows apart from a stale version.
	var version int64
	err = r.db.QueryRowContext(ctx, `SELECT version FROM connections WHERE connection_id = ?`, rec.ConnectionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, rec.ConnectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: update %q: %w", rec.ConnectionID, err)
	}
	return nil, fmt.Errorf("%w: %s at version %d, expected %d", store.ErrVersionConflict, rec.ConnectionID, version, expectedVersion)
}

func (r *Repository) List(ctx context.Context, f store.Filter) ([]*model.Connection, error) {
	var (
		where []string
		args  []any
	)
	if f.ActiveOnly {
		where = append(where, "lifecycle_state != ?")
		args = append(args, string(core.Terminated))
	}
	var ids []string
	if len(f.ConnectionIDs) > 0 {
		ids = append(ids, "connection_id IN ("+placeholders(len(f.ConnectionIDs))+")")
		for _, id := range f.ConnectionIDs {
			args = append(args, id)
		}
	}
	if len(f.GlobalReservationIDs) > 0 {
		ids = append(ids, "global_reservation_id IN ("+placeholders(len(f.GlobalReservationIDs))+")")
		for _, id := range f.GlobalReservationIDs {
			args = append(args, id)
		}
	}
	if len(ids) > 0 {
		where = append(where, "("+strings.Join(ids, " OR ")+")")
	}

	q := `SELECT ` + columns + ` FROM connections`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, connection_id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list connections: %w", err)
	}
	defer rows.Close()

	var out []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list connections: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list connections: %w", err)
	}
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, connectionID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM connections WHERE connection_id = ? AND lifecycle_state = ?`,
		connectionID, string(core.Terminated))
	if err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", connectionID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", connectionID, err)
	} else if n == 1 {
		return nil
	}

	var lifecycle string
	err = r.db.QueryRowContext(ctx, `SELECT lifecycle_state FROM connections WHERE connection_id = ?`, connectionID).Scan(&lifecycle)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, connectionID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", connectionID, err)
	}
	return fmt.Errorf("%w: %s is %s", store.ErrNotTerminated, connectionID, lifecycle)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(s scanner) (*model.Connection, error) {
	var (
		c                                 model.Connection
		criteria, generations             string
		held, holdExpiry                  sql.NullString
		reservation, provision, lifecycle string
		createdAt, updatedAt              string
	)
	err := s.Scan(
		&c.ConnectionID, &c.CorrelationID, &c.GlobalReservationID, &c.Description, &c.ProtocolVersion,
		&c.RequesterNSA, &c.ProviderNSA, &c.ReplyTo, &criteria, &held, &c.Committed, &holdExpiry,
		&c.Version, &reservation, &provision, &lifecycle, &c.States.DataPlane.Active, &c.States.DataPlane.Error,
		&generations, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.States.Reservation = core.ReservationState(reservation)
	c.States.Provision = core.ProvisionState(provision)
	c.States.Lifecycle = core.LifecycleState(lifecycle)
	if !c.States.Valid() {
		return nil, fmt.Errorf("sqlite: connection %q has undefined states %s", c.ConnectionID, c.States)
	}

	if err := json.Unmarshal([]byte(criteria), &c.Criteria); err != nil {
		return nil, fmt.Errorf("sqlite: decode criteria: %w", err)
	}
	if held.Valid && held.String != "" {
		var h model.Criteria
		if err := json.Unmarshal([]byte(held.String), &h); err != nil {
			return nil, fmt.Errorf("sqlite: decode held criteria: %w", err)
		}
		c.Held = &h
	}
	c.Generations = make(map[model.JobKind]int64)
	if err := json.Unmarshal([]byte(generations), &c.Generations); err != nil {
		return nil, fmt.Errorf("sqlite: decode generations: %w", err)
	}
	if c.HoldExpiry, err = parseNullableTime(holdExpiry); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func rowArgs(c *model.Connection) ([]any, error) {
	criteria, err := json.Marshal(c.Criteria)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode criteria: %w", err)
	}
	held, err := encodeHeld(c.Held)
	if err != nil {
		return nil, err
	}
	generations, err := json.Marshal(c.Generations)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode generations: %w", err)
	}
	return []any{
		c.ConnectionID, c.CorrelationID, c.GlobalReservationID, c.Description, c.ProtocolVersion,
		c.RequesterNSA, c.ProviderNSA, c.ReplyTo, string(criteria), held, c.Committed, nullableTime(c.HoldExpiry),
		c.Version, string(c.States.Reservation), string(c.States.Provision), string(c.States.Lifecycle),
		c.States.DataPlane.Active, c.States.DataPlane.Error,
		string(generations), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	}, nil
}

func encodeHeld(h *model.Criteria) (any, error) {
	if h == nil {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode held criteria: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}
