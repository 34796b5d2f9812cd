// Package store persists feature lists as versioned snapshots in sqlite.
// Every successful save produces a new snapshot row and advances the map's
// version pointer; the pointer update carries the optimistic check that
// serializes concurrent writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when the requested map or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by SaveMerged when another writer advanced the map's
// version since baseVersion was read. Callers re-read latest and retry.
var ErrStale = errors.New("map version is stale")

// SnapshotInfo is one entry of a map's lineage.
type SnapshotInfo struct {
	Version  int64
	Features []json.RawMessage
}

type Store struct {
	database *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS maps (
    	id text not null primary key,
        version integer not null
		)`,
	); err != nil {
		return err
	}
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
    	map_id text not null,
    	version integer not null,
    	features text not null,
    	primary key (map_id, version)
		)`,
	); err != nil {
		return err
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

// Create registers a map with an empty version-0 snapshot. Creating a map
// that already exists is a no-op.
func (s *Store) Create(ctx context.Context, mapID string) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	if _, err := tx.ExecContext(
		ctx, `INSERT OR IGNORE INTO maps(id, version) VALUES (?, 0)`, mapID,
	); err != nil {
		return fmt.Errorf("failed to insert map: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx, `INSERT OR IGNORE INTO snapshots(map_id, version, features) VALUES (?, 0, '[]')`, mapID,
	); err != nil {
		return fmt.Errorf("failed to insert initial snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Latest returns the features and version currently pointed at by the map.
func (s *Store) Latest(ctx context.Context, mapID string) ([]json.RawMessage, int64, error) {
	var version int64
	var rawFeatures string
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT m.version, sn.features FROM maps m
		 INNER JOIN snapshots sn ON sn.map_id = m.id AND sn.version = m.version
		 WHERE m.id = ?`,
		mapID,
	).Scan(&version, &rawFeatures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to query: %w", err)
	}
	features, err := decodeFeatures(rawFeatures)
	if err != nil {
		return nil, 0, err
	}
	return features, version, nil
}

// Snapshot returns the features stored at an exact version of the map.
func (s *Store) Snapshot(ctx context.Context, mapID string, version int64) ([]json.RawMessage, error) {
	var rawFeatures string
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT features FROM snapshots WHERE map_id = ? AND version = ?`,
		mapID, version,
	).Scan(&rawFeatures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return decodeFeatures(rawFeatures)
}

// SaveMerged writes a new snapshot on top of baseVersion and advances the
// map pointer. The pointer update only succeeds if the map is still at
// baseVersion; otherwise nothing is written and ErrStale is returned.
func (s *Store) SaveMerged(ctx context.Context, mapID string, baseVersion int64, features []json.RawMessage) (int64, error) {
	encoded, err := json.Marshal(features)
	if err != nil {
		return 0, fmt.Errorf("failed to encode features: %w", err)
	}

	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	newVersion := baseVersion + 1
	if res, err := tx.ExecContext(
		ctx, `UPDATE maps SET version = ? WHERE id = ? AND version = ?`,
		newVersion, mapID, baseVersion,
	); err != nil {
		return 0, fmt.Errorf("failed to advance version: %w", err)
	} else if r, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to count rows affected by version update: %w", err)
	} else if r == 0 {
		// either the map is unknown or another writer got there first
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM maps WHERE id = ?`, mapID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to query: %w", err)
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrStale
	}

	if _, err := tx.ExecContext(
		ctx, `INSERT INTO snapshots(map_id, version, features) VALUES (?, ?, ?)`,
		mapID, newVersion, string(encoded),
	); err != nil {
		return 0, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newVersion, nil
}

// Lineage returns every snapshot of the map in version order.
func (s *Store) Lineage(ctx context.Context, mapID string) ([]SnapshotInfo, error) {
	res, err := s.database.QueryContext(
		ctx, `SELECT version, features FROM snapshots WHERE map_id = ? ORDER BY version ASC`, mapID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)

	var out []SnapshotInfo
	for res.Next() {
		var info SnapshotInfo
		var rawFeatures string
		if err := res.Scan(&info.Version, &rawFeatures); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if info.Features, err = decodeFeatures(rawFeatures); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func decodeFeatures(raw string) ([]json.RawMessage, error) {
	var features []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return nil, fmt.Errorf("failed to decode stored features: %w", err)
	}
	return features, nil
}
