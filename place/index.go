package place

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"quad.social/location"
)

// Place is a pinned point of interest a user can be detected as visiting.
type Place struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Category string  `json:"category"`
	Subtype  string  `json:"subtype"`
	Curated  bool    `json:"curated"`
}

// Index finds places near a coordinate. SearchNear returns every match
// within the radius, never a paginated subset - dropping candidates by
// ranking order makes nearby visits miss non-deterministically.
type Index interface {
	SearchNear(ctx context.Context, lat, lng, radiusMeters float64) ([]Place, error)
}

// SQLIndex is a sqlite-backed place index. Candidates come from a
// bounding-box scan over the coordinate indexes; the exact great-circle
// distance filter runs in process.
type SQLIndex struct {
	db *sql.DB
}

func NewSQLIndex(db *sql.DB) (*SQLIndex, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS places (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		lat      REAL NOT NULL,
		lng      REAL NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		subtype  TEXT NOT NULL DEFAULT '',
		curated  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_places_lat ON places(lat);
	CREATE INDEX IF NOT EXISTS idx_places_lng ON places(lng);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create places schema: %w", err)
	}
	return &SQLIndex{db: db}, nil
}

func (ix *SQLIndex) SearchNear(ctx context.Context, lat, lng, radiusMeters float64) ([]Place, error) {
	latDeg := radiusMeters / 111000.0
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01 // near the poles every longitude is close
	}
	lngDeg := latDeg / cosLat

	// no LIMIT: every candidate in the box must be considered
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, name, lat, lng, category, subtype, curated
		 FROM places
		 WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`,
		lat-latDeg, lat+latDeg, lng-lngDeg, lng+lngDeg)
	if err != nil {
		return nil, fmt.Errorf("%w: search places: %v", location.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Place
	for rows.Next() {
		var p Place
		var curated int
		if err := rows.Scan(&p.ID, &p.Name, &p.Lat, &p.Lng, &p.Category, &p.Subtype, &curated); err != nil {
			return nil, fmt.Errorf("%w: scan place: %v", location.ErrUnavailable, err)
		}
		p.Curated = curated != 0
		if haversineMeters(lat, lng, p.Lat, p.Lng) <= radiusMeters {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate places: %v", location.ErrUnavailable, err)
	}
	return out, nil
}

// Upsert inserts or replaces a place.
func (ix *SQLIndex) Upsert(ctx context.Context, p Place) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO places (id, name, lat, lng, category, subtype, curated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, lat = excluded.lat, lng = excluded.lng,
		   category = excluded.category, subtype = excluded.subtype,
		   curated = excluded.curated`,
		p.ID, p.Name, p.Lat, p.Lng, p.Category, p.Subtype, boolInt(p.Curated))
	if err != nil {
		return fmt.Errorf("upsert place %s: %w", p.ID, err)
	}
	return nil
}

// SeedFromFile loads curated places from a JSON array file.
func (ix *SQLIndex) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var places []Place
	if err := json.Unmarshal(data, &places); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	for i := range places {
		places[i].Curated = true
		if err := ix.Upsert(ctx, places[i]); err != nil {
			return i, err
		}
	}
	return len(places), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
