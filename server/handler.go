// Package server exposes the location gateway over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"quad.social/location"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Server wires the gateway, session hub and auth onto HTTP routes.
type Server struct {
	gateway        *location.Gateway
	hub            *Hub
	auth           TokenVerifier
	metrics        Metrics
	metricsEnabled bool
	log            zerolog.Logger
}

func New(gateway *location.Gateway, hub *Hub, auth TokenVerifier, metrics Metrics, metricsEnabled bool, log zerolog.Logger) *Server {
	return &Server{
		gateway:        gateway,
		hub:            hub,
		auth:           auth,
		metrics:        metrics,
		metricsEnabled: metricsEnabled,
		log:            log.With().Str("component", "server").Logger(),
	}
}

// Routes builds the full handler: instrumented API routes plus the
// infrastructure endpoints.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/location", s.handleLocation)
	api.HandleFunc("/api/friends/locations", s.handleFriendsLocations)
	instrumented := MetricsMiddleware(s.metrics, api)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.HandleWS)
	if s.metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Handle("/", instrumented)
	return mux
}

type locationBody struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

// handleLocation is the request/response ingestion path: PUT /api/location.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	result, err := s.gateway.ReportLocation(r.Context(), userID, body.Lat, body.Lng, body.Accuracy)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFriendsLocations is GET /api/friends/locations.
func (s *Server) handleFriendsLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	updates, err := s.gateway.FriendsLocations(r.Context(), userID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if updates == nil {
		updates = []location.Update{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": updates})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
	})
}

// authenticate resolves the bearer token, or writes a 401 and reports
// false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.auth.VerifyToken(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return "", false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// writeGatewayError maps the gateway error taxonomy to statuses. Transient
// failures come back 503 so clients know to retry.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, location.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, location.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, location.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, location.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Msg("gateway error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// NewHTTPServer wraps the routes with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
