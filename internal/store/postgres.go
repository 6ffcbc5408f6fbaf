package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// Schema the subsystem bootstraps at startup. The users table is shared with
// the platform's CRUD services; in a full deployment it already exists and
// CREATE IF NOT EXISTS is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_lat DOUBLE PRECISION,
	last_lon DOUBLE PRECISION,
	last_position_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS location_pings (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL,
	user_id TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	accuracy DOUBLE PRECISION,
	speed DOUBLE PRECISION,
	heading DOUBLE PRECISION,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_pings_user_seq ON location_pings (user_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pings_active ON location_pings (user_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_pings_recorded_at ON location_pings (recorded_at);
`

// EnsureSchema creates the tracking tables and indexes if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

const pingColumns = `seq, id, user_id, latitude, longitude, recorded_at, accuracy, speed, heading, is_active, metadata`

// PostgresLocationStore is the durable LocationStore over database/sql.
// Statements are prepared once at construction.
type PostgresLocationStore struct {
	db         *sql.DB
	deactivate *sql.Stmt
	insert     *sql.Stmt
	active     *sql.Stmt
	history    *sql.Stmt
	purge      *sql.Stmt
}

var _ LocationStore = (*PostgresLocationStore)(nil)

func NewPostgresLocationStore(db *sql.DB) (*PostgresLocationStore, error) {
	s := &PostgresLocationStore{db: db}

	var err error
	s.deactivate, err = db.Prepare(
		`UPDATE location_pings SET is_active = FALSE WHERE user_id = $1 AND is_active`)
	if err != nil {
		return nil, fmt.Errorf("prepare deactivate: %w", err)
	}
	s.insert, err = db.Prepare(
		`INSERT INTO location_pings (id, user_id, latitude, longitude, recorded_at, accuracy, speed, heading, is_active, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		 RETURNING seq`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	s.active, err = db.Prepare(
		`SELECT ` + pingColumns + ` FROM location_pings WHERE is_active ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("prepare active: %w", err)
	}
	s.history, err = db.Prepare(
		`SELECT ` + pingColumns + ` FROM location_pings
		 WHERE user_id = $1
		   AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		   AND ($3::timestamptz IS NULL OR recorded_at <= $3)
		 ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("prepare history: %w", err)
	}
	s.purge, err = db.Prepare(
		`DELETE FROM location_pings WHERE recorded_at < $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare purge: %w", err)
	}

	return s, nil
}

func (s *PostgresLocationStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.deactivate, s.insert, s.active, s.history, s.purge} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

func (s *PostgresLocationStore) Append(ctx context.Context, ping *track.LocationPing) error {
	var metadata any
	if len(ping.Metadata) > 0 {
		raw, err := json.Marshal(ping.Metadata)
		if err != nil {
			return &track.StorageError{Op: "append", Err: err}
		}
		metadata = raw
	}

	// Deactivate-prior and insert run in one transaction. Under READ
	// COMMITTED two concurrent appends for one user can both see zero
	// active rows; the unique partial index on (user_id) WHERE is_active
	// then fails the losing insert, and the caller's retry lands it.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &track.StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.deactivate).ExecContext(ctx, ping.UserID); err != nil {
		return &track.StorageError{Op: "append", Err: err}
	}
	err = tx.StmtContext(ctx, s.insert).QueryRowContext(ctx,
		ping.ID, ping.UserID, ping.Latitude, ping.Longitude, ping.Timestamp,
		ping.Accuracy, ping.Speed, ping.Heading, metadata,
	).Scan(&ping.Seq)
	if err != nil {
		return &track.StorageError{Op: "append", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &track.StorageError{Op: "append", Err: err}
	}
	ping.IsActive = true
	return nil
}

func (s *PostgresLocationStore) Deactivate(ctx context.Context, userID string) error {
	if _, err := s.deactivate.ExecContext(ctx, userID); err != nil {
		return &track.StorageError{Op: "deactivate", Err: err}
	}
	return nil
}

func (s *PostgresLocationStore) ActiveLocations(ctx context.Context) ([]track.LocationPing, error) {
	rows, err := s.active.QueryContext(ctx)
	if err != nil {
		return nil, &track.StorageError{Op: "active", Err: err}
	}
	defer rows.Close()
	return scanPings(rows)
}

func (s *PostgresLocationStore) History(ctx context.Context, userID string, from, to time.Time) ([]track.LocationPing, error) {
	rows, err := s.history.QueryContext(ctx, userID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, &track.StorageError{Op: "history", Err: err}
	}
	defer rows.Close()
	return scanPings(rows)
}

func (s *PostgresLocationStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.purge.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, &track.StorageError{Op: "purge", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &track.StorageError{Op: "purge", Err: err}
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func scanPings(rows *sql.Rows) ([]track.LocationPing, error) {
	var out []track.LocationPing
	for rows.Next() {
		var (
			p                    track.LocationPing
			accuracy, speed, hdg sql.NullFloat64
			metadata             sql.NullString
		)
		if err := rows.Scan(&p.Seq, &p.ID, &p.UserID, &p.Latitude, &p.Longitude, &p.Timestamp,
			&accuracy, &speed, &hdg, &p.IsActive, &metadata); err != nil {
			return nil, &track.StorageError{Op: "scan", Err: err}
		}
		if accuracy.Valid {
			p.Accuracy = &accuracy.Float64
		}
		if speed.Valid {
			p.Speed = &speed.Float64
		}
		if hdg.Valid {
			p.Heading = &hdg.Float64
		}
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &p.Metadata)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &track.StorageError{Op: "scan", Err: err}
	}
	return out, nil
}
