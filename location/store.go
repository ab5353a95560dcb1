package location

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Position is one user's location reading with retention expiry.
type Position struct {
	OwnerID        string
	Lat            float64
	Lng            float64
	AccuracyMeters float64
	Shared         bool
	RecordedAt     time.Time
	ExpiresAt      time.Time
}

// Store persists position records. Writes are append-only; the logical
// "current position" is the most recent non-expired row per user. Expired
// rows become unreadable immediately and are deleted by a background sweep.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id    TEXT NOT NULL,
		lat         REAL NOT NULL,
		lng         REAL NOT NULL,
		accuracy    REAL NOT NULL,
		shared      INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner_id, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_positions_expiry ON positions(expires_at);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create positions schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "location.store").Logger()}, nil
}

// Upsert writes a new position record superseding the previous one.
func (s *Store) Upsert(ctx context.Context, userID string, r Resolved, ttl time.Duration) (Position, error) {
	now := time.Now()
	pos := Position{
		OwnerID:        userID,
		Lat:            r.Lat,
		Lng:            r.Lng,
		AccuracyMeters: r.Accuracy,
		Shared:         r.Shared,
		RecordedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (owner_id, lat, lng, accuracy, shared, recorded_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pos.OwnerID, pos.Lat, pos.Lng, pos.AccuracyMeters, boolInt(pos.Shared),
		pos.RecordedAt.Unix(), pos.ExpiresAt.Unix())
	if err != nil {
		return Position{}, fmt.Errorf("%w: insert position: %v", ErrUnavailable, err)
	}
	return pos, nil
}

// CurrentOf returns the most recent non-expired shared position of a user,
// or nil when the user has none.
func (s *Store) CurrentOf(ctx context.Context, userID string) (*Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, lat, lng, accuracy, shared, recorded_at, expires_at
		 FROM positions
		 WHERE owner_id = ? AND shared = 1 AND expires_at > ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT 1`,
		userID, time.Now().Unix())

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query position: %v", ErrUnavailable, err)
	}
	return pos, nil
}

// CurrentOfMany returns, for each id, the most recent shared position
// recorded within the freshness window. The freshness window is tighter
// than the retention TTL; it is what "friends nearby" queries use.
func (s *Store) CurrentOfMany(ctx context.Context, ids []string, freshness time.Duration) (map[string]Position, error) {
	if len(ids) == 0 {
		return map[string]Position{}, nil
	}

	now := time.Now()
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, now.Add(-freshness).Unix(), now.Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, lat, lng, accuracy, shared, recorded_at, expires_at
		 FROM positions
		 WHERE shared = 1 AND recorded_at >= ? AND expires_at > ?
		   AND owner_id IN (`+placeholders+`)
		 ORDER BY recorded_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query positions: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	// later rows overwrite earlier ones, leaving the newest per owner
	out := make(map[string]Position)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ErrUnavailable, err)
		}
		out[pos.OwnerID] = *pos
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate positions: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep positions: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartSweeper runs Sweep on an interval until the returned stop func is
// called.
func (s *Store) StartSweeper(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n, err := s.Sweep(context.Background())
				if err != nil {
					s.log.Warn().Err(err).Msg("position sweep failed")
					continue
				}
				if n > 0 {
					s.log.Debug().Int("removed", n).Msg("swept expired positions")
				}
			}
		}
	}()
	return func() { close(done) }
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var pos Position
	var shared int
	var recorded, expires int64
	if err := row.Scan(&pos.OwnerID, &pos.Lat, &pos.Lng, &pos.AccuracyMeters, &shared, &recorded, &expires); err != nil {
		return nil, err
	}
	pos.Shared = shared != 0
	pos.RecordedAt = time.Unix(recorded, 0)
	pos.ExpiresAt = time.Unix(expires, 0)
	return &pos, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
