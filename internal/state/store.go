// Package state tracks what is known about every host: platform facts,
// the latest data point per monitor, and the aggregated criticality. The
// in-memory cache is the single source of truth; an optional sqlite store
// persists it across restarts so hosts can show initial values immediately.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// Store persists host facts and monitor points in a sqlite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS host_facts (
	host_id    TEXT PRIMARY KEY,
	facts_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS monitor_points (
	host_id    TEXT NOT NULL,
	monitor_id TEXT NOT NULL,
	point_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (host_id, monitor_id)
);
`

// OpenStore opens (creating if needed) the cache database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close shuts the database down.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveFacts upserts the platform facts for a host.
func (s *Store) SaveFacts(ctx context.Context, hostID string, facts platform.Facts) error {
	data, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO host_facts(host_id, facts_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(host_id) DO UPDATE SET
	facts_json=excluded.facts_json,
	updated_at=excluded.updated_at
`, hostID, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert facts: %w", err)
	}
	return nil
}

// LoadFacts returns the persisted facts for a host, if any.
func (s *Store) LoadFacts(ctx context.Context, hostID string) (platform.Facts, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT facts_json FROM host_facts WHERE host_id = ?`, hostID).Scan(&data)
	if err == sql.ErrNoRows {
		return platform.Facts{}, false, nil
	}
	if err != nil {
		return platform.Facts{}, false, fmt.Errorf("load facts: %w", err)
	}
	var facts platform.Facts
	if err := json.Unmarshal([]byte(data), &facts); err != nil {
		return platform.Facts{}, false, fmt.Errorf("decode facts: %w", err)
	}
	return facts, true, nil
}

// SavePoint upserts the latest data point for one monitor.
func (s *Store) SavePoint(ctx context.Context, hostID, monitorID string, point modules.DataPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO monitor_points(host_id, monitor_id, point_json, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(host_id, monitor_id) DO UPDATE SET
	point_json=excluded.point_json,
	updated_at=excluded.updated_at
`, hostID, monitorID, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// LoadPoints returns every persisted point for a host that is newer than
// maxAge. maxAge <= 0 disables the age filter.
func (s *Store) LoadPoints(ctx context.Context, hostID string, maxAge time.Duration) (map[string]modules.DataPoint, error) {
	query := `SELECT monitor_id, point_json FROM monitor_points WHERE host_id = ?`
	args := []any{hostID}
	if maxAge > 0 {
		query += ` AND updated_at >= ?`
		args = append(args, time.Now().UTC().Add(-maxAge).Unix())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load points: %w", err)
	}
	defer rows.Close()

	points := make(map[string]modules.DataPoint)
	for rows.Next() {
		var monitorID, data string
		if err := rows.Scan(&monitorID, &data); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		var point modules.DataPoint
		if err := json.Unmarshal([]byte(data), &point); err != nil {
			// Skip entries written by an incompatible build.
			continue
		}
		points[monitorID] = point
	}
	return points, rows.Err()
}

// Prune deletes points older than maxAge.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_points WHERE updated_at < ?`,
		time.Now().UTC().Add(-maxAge).Unix())
	if err != nil {
		return fmt.Errorf("prune points: %w", err)
	}
	return nil
}
