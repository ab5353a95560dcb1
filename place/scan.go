package place

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"quad.social/location"
)

// Visit event types emitted to the achievement collaborator.
const (
	EventVisit       = "poi:visit"
	eventVisitPrefix = "poi:visit:"
)

// CounterGeneral counts every recorded visit; category counters only
// apply to curated places.
const CounterGeneral = "poi"

// Emitter dispatches achievement events and returns any awards they
// triggered.
type Emitter interface {
	Emit(ctx context.Context, userID, eventType string, value int, meta map[string]string) ([]location.Achievement, error)
}

// ScannerConfig carries the proximity radii.
type ScannerConfig struct {
	// SearchRadiusMeters is the coarse candidate radius.
	SearchRadiusMeters float64
	// VisitThresholdMeters is the exact distance under which a candidate
	// counts as visited.
	VisitThresholdMeters float64
}

// Scanner detects first-time visits to nearby places. It always works on
// raw reporter coordinates and original place coordinates; privacy
// approximation never enters distance math, or detection silently breaks
// for approximate-sharing users.
type Scanner struct {
	cfg     ScannerConfig
	index   Index
	visits  VisitStore
	emitter Emitter
	log     zerolog.Logger
}

func NewScanner(cfg ScannerConfig, index Index, visits VisitStore, emitter Emitter, log zerolog.Logger) *Scanner {
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = 100
	}
	if cfg.VisitThresholdMeters <= 0 {
		cfg.VisitThresholdMeters = 50
	}
	return &Scanner{
		cfg:     cfg,
		index:   index,
		visits:  visits,
		emitter: emitter,
		log:     log.With().Str("component", "place.scanner").Logger(),
	}
}

// Scan records a visit for every place within the visit threshold that the
// user has not yet visited, increments the relevant counters exactly once
// per (user, place) pair, and dispatches achievement events. Achievement
// dispatch is best effort and never fails the scan.
func (s *Scanner) Scan(ctx context.Context, userID string, lat, lng float64) ([]location.VisitEvent, error) {
	candidates, err := s.index.SearchNear(ctx, lat, lng, s.cfg.SearchRadiusMeters)
	if err != nil {
		return nil, fmt.Errorf("search near: %w", err)
	}

	var events []location.VisitEvent
	for _, p := range candidates {
		if haversineMeters(lat, lng, p.Lat, p.Lng) > s.cfg.VisitThresholdMeters {
			continue
		}

		visited, err := s.visits.Visited(ctx, userID, p.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("place", p.ID).Msg("visited check failed")
			continue
		}
		if visited {
			continue
		}

		counters := []string{CounterGeneral}
		category := categoryCounter(p)
		if category != "" {
			counters = append(counters, category)
		}

		recorded, err := s.visits.RecordVisit(ctx, userID, p.ID, counters)
		if err != nil {
			s.log.Warn().Err(err).Str("place", p.ID).Msg("record visit failed")
			continue
		}
		if !recorded {
			continue
		}

		event := location.VisitEvent{PointID: p.ID, PointName: p.Name}
		event.Achievements = s.dispatch(ctx, userID, p, category)
		events = append(events, event)
	}
	return events, nil
}

func (s *Scanner) dispatch(ctx context.Context, userID string, p Place, category string) []location.Achievement {
	if s.emitter == nil {
		return nil
	}
	meta := map[string]string{
		"place_id": p.ID,
		"category": p.Category,
		"subtype":  p.Subtype,
	}

	awards, err := s.emitter.Emit(ctx, userID, EventVisit, 1, meta)
	if err != nil {
		s.log.Warn().Err(err).Str("place", p.ID).Msg("achievement dispatch failed")
		awards = nil
	}

	if category != "" {
		more, err := s.emitter.Emit(ctx, userID, eventVisitPrefix+category, 1, meta)
		if err != nil {
			s.log.Warn().Err(err).Str("place", p.ID).Msg("category achievement dispatch failed")
		} else {
			awards = append(awards, more...)
		}
	}
	return awards
}

// categoryCounter picks the category-specific counter for a place, chosen
// by its category and free-form subtype. Only curated places feed the
// category counters.
func categoryCounter(p Place) string {
	if !p.Curated {
		return ""
	}
	sub := strings.ToLower(p.Subtype)
	switch {
	case strings.Contains(sub, "library"):
		return "library"
	case strings.Contains(sub, "cafe"), strings.Contains(sub, "coffee"):
		return "cafe"
	case strings.Contains(sub, "restaurant"), strings.Contains(sub, "food"):
		return "restaurant"
	}
	switch strings.ToLower(p.Category) {
	case "study":
		return "library"
	case "food":
		return "restaurant"
	}
	return ""
}
