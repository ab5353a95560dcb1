package place

import (
	"context"
	"database/sql"
	"fmt"

	"quad.social/location"
)

// VisitStore records which places a user has visited, plus per-counter
// visit statistics.
type VisitStore interface {
	Visited(ctx context.Context, userID, placeID string) (bool, error)
	// RecordVisit atomically records the membership and increments the
	// given counters. It returns false when the pair was already recorded,
	// in which case nothing is incremented.
	RecordVisit(ctx context.Context, userID, placeID string, counters []string) (bool, error)
	Counter(ctx context.Context, userID, counter string) (int, error)
}

// SQLVisits persists the visited set in sqlite. The (user_id, place_id)
// primary key is the uniqueness constraint that makes a visit count exactly
// once under concurrent pings.
type SQLVisits struct {
	db *sql.DB
}

func NewSQLVisits(db *sql.DB) (*SQLVisits, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS visits (
		user_id    TEXT NOT NULL,
		place_id   TEXT NOT NULL,
		visited_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
		PRIMARY KEY (user_id, place_id)
	);
	CREATE TABLE IF NOT EXISTS visit_stats (
		user_id TEXT NOT NULL,
		counter TEXT NOT NULL,
		count   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, counter)
	);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create visits schema: %w", err)
	}
	return &SQLVisits{db: db}, nil
}

func (v *SQLVisits) Visited(ctx context.Context, userID, placeID string) (bool, error) {
	var one int
	err := v.db.QueryRowContext(ctx,
		`SELECT 1 FROM visits WHERE user_id = ? AND place_id = ?`, userID, placeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query visit: %v", location.ErrUnavailable, err)
	}
	return true, nil
}

func (v *SQLVisits) RecordVisit(ctx context.Context, userID, placeID string, counters []string) (bool, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin visit tx: %v", location.ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO visits (user_id, place_id) VALUES (?, ?)`, userID, placeID)
	if err != nil {
		return false, fmt.Errorf("%w: record visit: %v", location.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: record visit: %v", location.ErrUnavailable, err)
	}
	if n == 0 {
		// lost the race to a concurrent ping, or simply revisited
		return false, nil
	}

	for _, counter := range counters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO visit_stats (user_id, counter, count) VALUES (?, ?, 1)
			 ON CONFLICT(user_id, counter) DO UPDATE SET count = count + 1`,
			userID, counter); err != nil {
			return false, fmt.Errorf("%w: increment %s: %v", location.ErrUnavailable, counter, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit visit: %v", location.ErrUnavailable, err)
	}
	return true, nil
}

func (v *SQLVisits) Counter(ctx context.Context, userID, counter string) (int, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		`SELECT count FROM visit_stats WHERE user_id = ? AND counter = ?`, userID, counter).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query counter: %v", location.ErrUnavailable, err)
	}
	return count, nil
}
