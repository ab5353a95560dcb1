// Package achievement accumulates gateway-emitted events and hands out
// awards when a rule's threshold is crossed. The badge catalog proper
// lives with the badge service; the rules here cover the visit-driven
// awards the gateway can trigger on its own.
package achievement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quad.social/location"
)

// Rule awards an achievement once the summed value of an event type
// reaches the threshold.
type Rule struct {
	ID        string
	Name      string
	EventType string
	Threshold int
}

// DefaultRules are the built-in visit awards.
var DefaultRules = []Rule{
	{ID: "first-steps", Name: "First Steps", EventType: "poi:visit", Threshold: 1},
	{ID: "explorer", Name: "Explorer", EventType: "poi:visit", Threshold: 10},
	{ID: "cartographer", Name: "Campus Cartographer", EventType: "poi:visit", Threshold: 50},
	{ID: "bookworm", Name: "Bookworm", EventType: "poi:visit:library", Threshold: 5},
	{ID: "regular", Name: "Regular", EventType: "poi:visit:cafe", Threshold: 10},
	{ID: "taste-tester", Name: "Taste Tester", EventType: "poi:visit:restaurant", Threshold: 10},
}

// Dispatcher persists achievement events and awards.
type Dispatcher struct {
	db    *sql.DB
	rules []Rule
	log   zerolog.Logger
}

func NewDispatcher(db *sql.DB, rules []Rule, log zerolog.Logger) (*Dispatcher, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS achievement_events (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		value      INTEGER NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_achievement_events_user
		ON achievement_events(user_id, event_type);
	CREATE TABLE IF NOT EXISTS achievement_awards (
		user_id        TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		awarded_at     INTEGER NOT NULL,
		PRIMARY KEY (user_id, achievement_id)
	);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create achievement schema: %w", err)
	}
	if rules == nil {
		rules = DefaultRules
	}
	return &Dispatcher{
		db:    db,
		rules: rules,
		log:   log.With().Str("component", "achievement.dispatcher").Logger(),
	}, nil
}

// Emit records an event and returns any achievements it newly awarded.
// The (user, achievement) primary key makes each award hand out once.
func (d *Dispatcher) Emit(ctx context.Context, userID, eventType string, value int, meta map[string]string) ([]location.Achievement, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin award tx: %v", location.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO achievement_events (id, user_id, event_type, value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, eventType, value, string(metaJSON), time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("%w: record event: %v", location.ErrUnavailable, err)
	}

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(value), 0) FROM achievement_events
		 WHERE user_id = ? AND event_type = ?`, userID, eventType).Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: sum events: %v", location.ErrUnavailable, err)
	}

	now := time.Now().Unix()
	var awarded []location.Achievement
	for _, rule := range d.rules {
		if rule.EventType != eventType || total < rule.Threshold {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO achievement_awards (user_id, achievement_id, awarded_at)
			 VALUES (?, ?, ?)`, userID, rule.ID, now)
		if err != nil {
			return nil, fmt.Errorf("%w: record award: %v", location.ErrUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			awarded = append(awarded, location.Achievement{ID: rule.ID, Name: rule.Name})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit award tx: %v", location.ErrUnavailable, err)
	}

	for _, a := range awarded {
		d.log.Info().Str("user", userID).Str("achievement", a.ID).Msg("achievement awarded")
	}
	return awarded, nil
}
