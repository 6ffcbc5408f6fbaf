package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// PostgresUserStore reads and writes the tracking slice of the shared users
// table. User creation belongs to the platform's CRUD services; an unknown
// user here is ErrNotFound.
type PostgresUserStore struct {
	db      *sql.DB
	get     *sql.Stmt
	setPos  *sql.Stmt
	exists  *sql.Stmt
	actives *sql.Stmt
}

var _ UserStore = (*PostgresUserStore)(nil)

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	s := &PostgresUserStore{db: db}

	var err error
	s.get, err = db.Prepare(
		`SELECT id, is_active, last_lat, last_lon, last_position_at FROM users WHERE id = $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare get: %w", err)
	}
	// The guard on last_position_at keeps updatedAt monotonic per user in
	// the write path itself.
	s.setPos, err = db.Prepare(
		`UPDATE users SET last_lat = $2, last_lon = $3, last_position_at = $4
		 WHERE id = $1 AND (last_position_at IS NULL OR last_position_at <= $4)`)
	if err != nil {
		return nil, fmt.Errorf("prepare set position: %w", err)
	}
	s.exists, err = db.Prepare(`SELECT 1 FROM users WHERE id = $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare exists: %w", err)
	}
	s.actives, err = db.Prepare(
		`SELECT id, last_lat, last_lon, last_position_at FROM users
		 WHERE is_active AND last_lat IS NOT NULL AND last_lon IS NOT NULL AND last_position_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("prepare active positions: %w", err)
	}

	return s, nil
}

func (s *PostgresUserStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.get, s.setPos, s.exists, s.actives} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

func (s *PostgresUserStore) Get(ctx context.Context, userID string) (*track.User, error) {
	var (
		u        track.User
		lat, lon sql.NullFloat64
		at       sql.NullTime
	)
	err := s.get.QueryRowContext(ctx, userID).Scan(&u.ID, &u.Active, &lat, &lon, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, &track.StorageError{Op: "get user", Err: err}
	}
	if lat.Valid && lon.Valid && at.Valid {
		u.LastKnownPosition = &track.LastKnownPosition{
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
			UpdatedAt: at.Time,
		}
	}
	return &u, nil
}

func (s *PostgresUserStore) SetLastKnownPosition(ctx context.Context, userID string, lat, lon float64, at time.Time) error {
	res, err := s.setPos.ExecContext(ctx, userID, lat, lon, at)
	if err != nil {
		return &track.StorageError{Op: "set position", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &track.StorageError{Op: "set position", Err: err}
	}
	if n > 0 {
		return nil
	}
	// Zero rows: either the user does not exist or the write was stale.
	// A stale write is a silent no-op.
	var one int
	err = s.exists.QueryRowContext(ctx, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return track.ErrNotFound
	}
	if err != nil {
		return &track.StorageError{Op: "set position", Err: err}
	}
	return nil
}

func (s *PostgresUserStore) ActivePositions(ctx context.Context) ([]Position, error) {
	rows, err := s.actives.QueryContext(ctx)
	if err != nil {
		return nil, &track.StorageError{Op: "active positions", Err: err}
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.UserID, &p.Latitude, &p.Longitude, &p.UpdatedAt); err != nil {
			return nil, &track.StorageError{Op: "active positions", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &track.StorageError{Op: "active positions", Err: err}
	}
	return out, nil
}
