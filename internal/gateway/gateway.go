// Package gateway exposes the coordination engine over a local HTTP API.
// Every mutation is authorized against the caller's role, rate limited, and
// recorded in the audit log before the response is sent; an audit append
// failure fails the request.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/otel"
	"github.com/basket/cmdcenter/internal/policy"
	"github.com/basket/cmdcenter/internal/ratelimit"
	"github.com/basket/cmdcenter/internal/store"
)

// Config holds the gateway's dependencies.
type Config struct {
	Store   *store.Store
	Audit   *audit.Logger
	Bus     *bus.Bus           // nil disables event long-polling
	Limiter *ratelimit.Limiter // nil disables rate limiting
	Metrics *otel.Metrics
	Tracer  trace.Tracer // nil disables request tracing
	Logger  *slog.Logger

	Auth *AuthMiddleware

	// ConfigFingerprint is the active config hash exposed in /healthz.
	ConfigFingerprint string
}

// Server handles the HTTP API.
type Server struct {
	cfg Config
}

// New creates a gateway server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubpath)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentSubpath)
	mux.HandleFunc("/api/audit", s.handleAuditQuery)
	mux.HandleFunc("/api/audit/verify", s.handleAuditVerify)

	var h http.Handler = mux
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	}
	rl := NewRateLimitMiddleware(s.cfg.Limiter, s.cfg.Store, s.cfg.Audit, s.cfg.Metrics, s.cfg.Logger)
	h = rl.Wrap(h)
	h = MetricsMiddleware(s.cfg.Metrics)(h)
	h = TracingMiddleware(s.cfg.Tracer)(h)
	h = RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.Stats(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksRead) {
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "task stats", err)
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		s.internalError(w, r, "list agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": stats, "agent_count": len(agents)})
}

// require checks the caller's permission, writing a 403 and an audit denial
// when the role does not hold it.
func (s *Server) require(w http.ResponseWriter, r *http.Request, perm policy.Permission) bool {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return false
	}
	if policy.Allowed(identity.Role, perm) {
		return true
	}

	if s.cfg.Audit != nil {
		if _, err := s.cfg.Audit.Append(r.Context(), audit.Entry{
			ActorType: actorTypeFor(identity.Role),
			ActorID:   identity.Name,
			ActorIP:   clientIP(r),
			Action:    audit.ActionAuthDenied,
			RequestID: RequestIDFromContext(r.Context()),
			Channel:   audit.ChannelAPI,
			Status:    audit.StatusDenied,
			Error:     "permission denied",
			Metadata:  map[string]any{"path": r.URL.Path, "permission": string(perm)},
		}); err != nil {
			s.cfg.Logger.Error("audit permission denial", "error", err)
		}
	}
	http.Error(w, `{"error":"permission denied"}`, http.StatusForbidden)
	return false
}

// recordMutation appends the audit entry for a successful state change. A
// failed append fails the whole request: a mutation without an audit record
// must not be acknowledged.
func (s *Server) recordMutation(r *http.Request, action, resourceType, resourceID string, metadata map[string]any) error {
	if s.cfg.Audit == nil {
		return nil
	}
	identity, _ := IdentityFromContext(r.Context())
	_, err := s.cfg.Audit.Append(r.Context(), audit.Entry{
		ActorType:    actorTypeFor(identity.Role),
		ActorID:      identity.Name,
		ActorIP:      clientIP(r),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    RequestIDFromContext(r.Context()),
		Channel:      audit.ChannelAPI,
		Metadata:     metadata,
	})
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AuditAppends.Add(r.Context(), 1)
	}
	return nil
}

func actorTypeFor(role policy.Role) string {
	if role == policy.RoleAgent {
		return audit.ActorAgent
	}
	return audit.ActorUser
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.cfg.Logger.Error(op, "error", err, "request_id", RequestIDFromContext(r.Context()))
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

// storeError maps the store's error taxonomy onto HTTP status codes.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "terminal": true})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		s.internalError(w, r, op, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
