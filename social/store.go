// Package social is the gateway's read-side view of the user and
// friendship aggregates. Profiles and friend requests are mutated by the
// profile and friendship services; this store only answers lookups, with a
// short-lived cache in front of the hot ones.
package social

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"quad.social/location"
)

const (
	cacheTTLSeconds = 30
	cacheSizeBytes  = 1 << 20
)

// User is a campus user profile as the gateway sees it.
type User struct {
	ID           string
	Name         string
	Privacy      location.Policy
	LastActiveAt time.Time
}

// Store reads users, privacy settings, connections and auth tokens from
// sqlite. Privacy and connection lookups happen on every ping, so both go
// through a freecache read-through with a short TTL.
type Store struct {
	db    *sql.DB
	cache *freecache.Cache
	log   zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		sharing          TEXT NOT NULL DEFAULT 'off',
		precision_meters REAL NOT NULL DEFAULT 100,
		last_active_at   INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS connections (
		user_id        TEXT NOT NULL,
		friend_id      TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		share_location INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, friend_id)
	);
	CREATE TABLE IF NOT EXISTS tokens (
		token   TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create social schema: %w", err)
	}
	return &Store{
		db:    db,
		cache: freecache.NewCache(cacheSizeBytes),
		log:   log.With().Str("component", "social.store").Logger(),
	}, nil
}

// GetUser returns a user profile or location.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var sharing string
	var lastActive int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, sharing, precision_meters, last_active_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &sharing, &u.Privacy.PrecisionMeters, &lastActive)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", location.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query user: %v", location.ErrUnavailable, err)
	}
	u.Privacy.Sharing = location.Sharing(sharing)
	u.LastActiveAt = time.Unix(lastActive, 0)
	return &u, nil
}

// PolicyOf returns the user's sharing policy, cached.
func (s *Store) PolicyOf(ctx context.Context, userID string) (location.Policy, error) {
	key := []byte("policy:" + userID)
	if raw, err := s.cache.Get(key); err == nil {
		var p location.Policy
		if err := json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	}

	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return location.Policy{}, err
	}
	if raw, err := json.Marshal(u.Privacy); err == nil {
		_ = s.cache.Set(key, raw, cacheTTLSeconds)
	}
	return u.Privacy, nil
}

// TouchLastActive refreshes the user's liveness timestamp.
func (s *Store) TouchLastActive(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active_at = ? WHERE id = ?`, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("%w: touch last active: %v", location.ErrUnavailable, err)
	}
	return nil
}

// AcceptedConnections returns the user's accepted connections, read from
// the user's perspective: SharingEnabled means the friend's location is
// visible to this user.
func (s *Store) AcceptedConnections(ctx context.Context, userID string) ([]location.Connection, error) {
	key := []byte("conns:" + userID)
	if raw, err := s.cache.Get(key); err == nil {
		var conns []location.Connection
		if err := json.Unmarshal(raw, &conns); err == nil {
			return conns, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT friend_id, status, share_location FROM connections
		 WHERE user_id = ? AND status = ?`, userID, location.ConnectionAccepted)
	if err != nil {
		return nil, fmt.Errorf("%w: query connections: %v", location.ErrUnavailable, err)
	}
	defer rows.Close()

	var conns []location.Connection
	for rows.Next() {
		var c location.Connection
		var share int
		if err := rows.Scan(&c.OtherUserID, &c.Status, &share); err != nil {
			return nil, fmt.Errorf("%w: scan connection: %v", location.ErrUnavailable, err)
		}
		c.SharingEnabled = share != 0
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate connections: %v", location.ErrUnavailable, err)
	}

	if raw, err := json.Marshal(conns); err == nil {
		_ = s.cache.Set(key, raw, cacheTTLSeconds)
	}
	return conns, nil
}

// FindConnection returns the viewer's edge towards otherID, or nil when
// none exists.
func (s *Store) FindConnection(ctx context.Context, viewerID, otherID string) (*location.Connection, error) {
	var c location.Connection
	var share int
	err := s.db.QueryRowContext(ctx,
		`SELECT friend_id, status, share_location FROM connections
		 WHERE user_id = ? AND friend_id = ?`, viewerID, otherID).
		Scan(&c.OtherUserID, &c.Status, &share)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query connection: %v", location.ErrUnavailable, err)
	}
	c.SharingEnabled = share != 0
	return &c, nil
}

// VerifyToken resolves a bearer token to a user id, or
// location.ErrUnauthorized. Token issuance stays with the auth service.
func (s *Store) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", location.ErrUnauthorized)
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM tokens WHERE token = ?`, token).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: invalid token", location.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("%w: query token: %v", location.ErrUnavailable, err)
	}
	return userID, nil
}
