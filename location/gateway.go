package location

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Directory looks up user profiles. Profile mutation stays with the
// user-profile collaborator; the gateway only reads.
type Directory interface {
	PolicyOf(ctx context.Context, userID string) (Policy, error)
	TouchLastActive(ctx context.Context, userID string) error
}

// Connection is a social edge read from the viewer's perspective:
// SharingEnabled means the other user's location is visible to the viewer.
type Connection struct {
	OtherUserID    string
	Status         string
	SharingEnabled bool
}

const ConnectionAccepted = "accepted"

// Graph answers social connection queries.
type Graph interface {
	AcceptedConnections(ctx context.Context, userID string) ([]Connection, error)
	FindConnection(ctx context.Context, viewerID, otherID string) (*Connection, error)
}

// Scanner detects point-of-interest visits from raw, unobscured
// coordinates.
type Scanner interface {
	Scan(ctx context.Context, userID string, lat, lng float64) ([]VisitEvent, error)
}

// Notifier delivers an event to every live connection of a user. Delivery
// is best effort: a user with no connections is a cheap no-op.
type Notifier interface {
	Push(userID, event string, payload interface{})
}

// Metrics observes gateway activity.
type Metrics interface {
	PingRecorded(shared bool)
	UpdateDelivered()
	VisitRecorded()
}

// NoopMetrics is used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) PingRecorded(bool) {}
func (NoopMetrics) UpdateDelivered()  {}
func (NoopMetrics) VisitRecorded()    {}

// GatewayConfig carries the gateway's timing knobs.
type GatewayConfig struct {
	// TTL governs raw retention for personal use, e.g. 30 days.
	TTL time.Duration
	// Freshness bounds how old a position may be for friend queries.
	Freshness time.Duration
	// MaxTrackDuration caps a single track subscription.
	MaxTrackDuration time.Duration
}

// ReportResult is the outcome of a position ingestion.
type ReportResult struct {
	Shared    bool      `json:"shared"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Gateway orchestrates position ingestion, privacy transformation, live
// subscriptions and fan-out.
type Gateway struct {
	cfg      GatewayConfig
	store    *Store
	registry *Registry
	dir      Directory
	graph    Graph
	scanner  Scanner
	notifier Notifier
	metrics  Metrics
	log      zerolog.Logger

	// last observed shared state per user, drives friend:started:sharing
	mu      sync.Mutex
	sharing map[string]bool
}

func NewGateway(cfg GatewayConfig, store *Store, registry *Registry, dir Directory, graph Graph, scanner Scanner, notifier Notifier, metrics Metrics, log zerolog.Logger) *Gateway {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Gateway{
		cfg:      cfg,
		store:    store,
		registry: registry,
		dir:      dir,
		graph:    graph,
		scanner:  scanner,
		notifier: notifier,
		metrics:  metrics,
		log:      log.With().Str("component", "location.gateway").Logger(),
		sharing:  make(map[string]bool),
	}
}

// ReportLocation ingests a raw position. The privacy policy decides what is
// persisted and shared; the proximity scan always runs on the raw
// coordinate since visiting is a personal feature independent of sharing.
func (g *Gateway) ReportLocation(ctx context.Context, userID string, lat, lng, accuracy float64) (*ReportResult, error) {
	if err := validateCoordinate(lat, lng, accuracy); err != nil {
		return nil, err
	}

	policy, err := g.dir.PolicyOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	resolved := policy.Apply(lat, lng, accuracy)
	pos, err := g.store.Upsert(ctx, userID, resolved, g.cfg.TTL)
	if err != nil {
		return nil, err
	}
	g.metrics.PingRecorded(resolved.Shared)

	// Side paths after the committed write. Each is individually fault
	// isolated so an auxiliary failure never blocks the primary update.
	if err := g.dir.TouchLastActive(ctx, userID); err != nil {
		g.log.Warn().Err(err).Str("user", userID).Msg("touch last active failed")
	}
	g.scanVisits(ctx, userID, lat, lng)

	if resolved.Shared {
		g.broadcast(pos)
		g.notifyStartedSharing(ctx, pos)
	} else {
		g.setSharing(userID, false)
	}

	return &ReportResult{Shared: resolved.Shared, ExpiresAt: pos.ExpiresAt}, nil
}

func (g *Gateway) scanVisits(ctx context.Context, userID string, lat, lng float64) {
	if g.scanner == nil {
		return
	}
	visits, err := g.scanner.Scan(ctx, userID, lat, lng)
	if err != nil {
		g.log.Warn().Err(err).Str("user", userID).Msg("proximity scan failed")
		return
	}
	for _, v := range visits {
		g.metrics.VisitRecorded()
		if len(v.Achievements) == 0 || g.notifier == nil {
			continue
		}
		g.notifier.Push(userID, EventAchievementEarned, AchievementEarned{
			Achievements: v.Achievements,
			Trigger:      "visit",
			PointName:    v.PointName,
		})
	}
}

// broadcast pushes a shared position to every current watcher.
func (g *Gateway) broadcast(pos Position) {
	if g.notifier == nil {
		return
	}
	update := updateFrom(pos)
	g.registry.ForEachWatcher(pos.OwnerID, func(watcherID string) {
		g.notifier.Push(watcherID, EventLocationUpdate, update)
		g.metrics.UpdateDelivered()
	})
}

// notifyStartedSharing tells every accepted connection, not just active
// watchers, that the user's sharing came on, so clients without a
// subscription can choose to subscribe. The announcement carries no
// coordinate access of its own; actually tracking still goes through
// Track and its checks.
func (g *Gateway) notifyStartedSharing(ctx context.Context, pos Position) {
	if g.setSharing(pos.OwnerID, true) {
		return // already sharing, nothing new to announce
	}
	if g.notifier == nil {
		return
	}
	conns, err := g.graph.AcceptedConnections(ctx, pos.OwnerID)
	if err != nil {
		g.log.Warn().Err(err).Str("user", pos.OwnerID).Msg("started-sharing fan-out failed")
		return
	}
	update := updateFrom(pos)
	for _, c := range conns {
		g.notifier.Push(c.OtherUserID, EventFriendStartedSharing, update)
	}
}

// setSharing records the latest shared state and returns the previous one.
// Only currently-sharing users hold an entry, so the map stays bounded by
// the sharing population.
func (g *Gateway) setSharing(userID string, shared bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.sharing[userID]
	if shared {
		g.sharing[userID] = true
	} else {
		delete(g.sharing, userID)
	}
	return was
}

// Track subscribes watcherID to friendID's live position for the given
// duration. It requires an accepted, sharing-enabled connection and that
// the friend's own policy is not off.
func (g *Gateway) Track(ctx context.Context, watcherID, friendID string, duration time.Duration) error {
	if duration <= 0 || duration > g.cfg.MaxTrackDuration {
		duration = g.cfg.MaxTrackDuration
	}

	conn, err := g.graph.FindConnection(ctx, watcherID, friendID)
	if err != nil {
		return err
	}
	if conn == nil || conn.Status != ConnectionAccepted || !conn.SharingEnabled {
		return fmt.Errorf("%w: no sharing-enabled connection to %s", ErrUnauthorized, friendID)
	}

	policy, err := g.dir.PolicyOf(ctx, friendID)
	if err != nil {
		return err
	}
	if !policy.Shares() {
		return fmt.Errorf("%w: %s is not sharing their location", ErrUnauthorized, friendID)
	}

	g.registry.Track(watcherID, friendID, duration)

	// deliver the latest known position right away, if there is one
	if g.notifier != nil {
		pos, err := g.store.CurrentOf(ctx, friendID)
		if err != nil {
			g.log.Warn().Err(err).Str("friend", friendID).Msg("initial track delivery failed")
		} else if pos != nil {
			g.notifier.Push(watcherID, EventLocationUpdate, updateFrom(*pos))
			g.metrics.UpdateDelivered()
		}
	}
	return nil
}

// Untrack removes a subscription early. It never fails.
func (g *Gateway) Untrack(watcherID, friendID string) {
	g.registry.Untrack(watcherID, friendID)
}

// FriendsLocations returns the fresh shared positions of the caller's
// accepted, sharing-enabled connections. A friend whose own policy is off
// is never included, whatever the connection record says.
func (g *Gateway) FriendsLocations(ctx context.Context, userID string) ([]Update, error) {
	conns, err := g.graph.AcceptedConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, c := range conns {
		if !c.SharingEnabled {
			continue
		}
		policy, err := g.dir.PolicyOf(ctx, c.OtherUserID)
		if errors.Is(err, ErrNotFound) {
			continue // profile gone, nothing to show
		}
		if err != nil {
			// a transient lookup failure must surface, never read as
			// "no location"
			return nil, err
		}
		if !policy.Shares() {
			continue
		}
		ids = append(ids, c.OtherUserID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	current, err := g.store.CurrentOfMany(ctx, ids, g.cfg.Freshness)
	if err != nil {
		return nil, err
	}

	updates := make([]Update, 0, len(current))
	for _, pos := range current {
		updates = append(updates, updateFrom(pos))
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].FriendID < updates[j].FriendID })
	return updates, nil
}
