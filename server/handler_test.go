package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quad.social/location"
)

type fakeAuth struct {
	tokens map[string]string
}

func (a *fakeAuth) VerifyToken(_ context.Context, token string) (string, error) {
	userID, ok := a.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: invalid token", location.ErrUnauthorized)
	}
	return userID, nil
}

type fakeDirectory struct {
	policies map[string]location.Policy
}

func (d *fakeDirectory) PolicyOf(_ context.Context, userID string) (location.Policy, error) {
	p, ok := d.policies[userID]
	if !ok {
		return location.Policy{}, fmt.Errorf("%w: user %s", location.ErrNotFound, userID)
	}
	return p, nil
}

func (d *fakeDirectory) TouchLastActive(context.Context, string) error { return nil }

type fakeGraph struct {
	conns map[string][]location.Connection
}

func (g *fakeGraph) AcceptedConnections(_ context.Context, userID string) ([]location.Connection, error) {
	return g.conns[userID], nil
}

func (g *fakeGraph) FindConnection(_ context.Context, viewerID, otherID string) (*location.Connection, error) {
	for _, c := range g.conns[viewerID] {
		if c.OtherUserID == otherID {
			conn := c
			return &conn, nil
		}
	}
	return nil, nil
}

type serverFixture struct {
	handler http.Handler
	auth    *fakeAuth
	dir     *fakeDirectory
	graph   *fakeGraph
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := location.NewStore(db, zerolog.Nop())
	require.NoError(t, err)

	registry := location.NewRegistry()
	metrics := NewMetrics(false, registry)
	hub := NewHub(nil, registry, metrics, time.Minute, zerolog.Nop())

	dir := &fakeDirectory{policies: map[string]location.Policy{
		"u1": {Sharing: location.SharingLive},
	}}
	graph := &fakeGraph{conns: map[string][]location.Connection{}}

	gateway := location.NewGateway(location.GatewayConfig{
		TTL:              time.Hour,
		Freshness:        10 * time.Minute,
		MaxTrackDuration: time.Hour,
	}, store, registry, dir, graph, nil, hub, metrics, zerolog.Nop())

	auth := &fakeAuth{tokens: map[string]string{"tok-1": "u1"}}
	srv := New(gateway, hub, auth, metrics, false, zerolog.Nop())
	return &serverFixture{handler: srv.Routes(), auth: auth, dir: dir, graph: graph}
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandleLocation_OK(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-1",
		`{"lat": 49.26, "lng": -123.24, "accuracy": 5}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var res location.ReportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Shared)
	assert.True(t, res.ExpiresAt.After(time.Now()))
}

func TestHandleLocation_MissingToken(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "",
		`{"lat": 0, "lng": 0, "accuracy": 5}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "message")
}

func TestHandleLocation_BadToken(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "bogus",
		`{"lat": 0, "lng": 0, "accuracy": 5}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLocation_ValidationError(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-1",
		`{"lat": 91, "lng": 0, "accuracy": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLocation_MalformedBody(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-1", `{"lat": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLocation_MethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPost, "/api/location", "tok-1", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleLocation_UnknownUser(t *testing.T) {
	f := newServerFixture(t)
	// valid token, profile since deleted
	delete(f.dir.policies, "u1")
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-1",
		`{"lat": 0, "lng": 0, "accuracy": 5}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFriendsLocations_Empty(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/api/friends/locations", "tok-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"locations": []}`, w.Body.String())
}

func TestHandleFriendsLocations_ReturnsSharedFriends(t *testing.T) {
	f := newServerFixture(t)
	f.auth.tokens["tok-2"] = "friend"
	f.dir.policies["friend"] = location.Policy{Sharing: location.SharingLive}
	f.graph.conns["u1"] = []location.Connection{
		{OtherUserID: "friend", Status: location.ConnectionAccepted, SharingEnabled: true},
	}

	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-2",
		`{"lat": 49.26, "lng": -123.24, "accuracy": 5}`)
	require.Equal(t, http.StatusOK, w.Code)

	res := doRequest(t, f.handler, http.MethodGet, "/api/friends/locations", "tok-1", "")
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		Locations []location.Update `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Len(t, body.Locations, 1)
	assert.Equal(t, "friend", body.Locations[0].FriendID)
	assert.Equal(t, 49.26, body.Locations[0].Lat)
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/health", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestErrorBodyShape(t *testing.T) {
	f := newServerFixture(t)
	w := doRequest(t, f.handler, http.MethodPut, "/api/location", "tok-1",
		`{"lat": 91, "lng": 0, "accuracy": 5}`)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "message")
	assert.Len(t, body, 1)
}
