package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/policy"
	"github.com/basket/cmdcenter/internal/store"
)

type registerAgentRequest struct {
	Project  string `json:"project"`
	Provider string `json:"provider"`
	Config   string `json:"config"`
}

type agentStatusRequest struct {
	Status string `json:"status"`
}

// handleAgents serves GET /api/agents (list).
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermAgentsRead) {
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		s.internalError(w, r, "list agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

// handleAgentSubpath routes /api/agents/register and
// /api/agents/{project}/(heartbeat|status).
func (s *Server) handleAgentSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if rest == "register" {
		s.registerAgent(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	project := parts[0]
	if project == "" || len(parts) == 1 {
		http.Error(w, `{"error":"unknown agent operation"}`, http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "heartbeat":
		s.agentHeartbeat(w, r, project)
	case "status":
		s.agentStatus(w, r, project)
	default:
		http.Error(w, `{"error":"unknown agent operation"}`, http.StatusNotFound)
	}
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermAgentsRegister) {
		return
	}
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.cfg.Store.RegisterAgent(r.Context(), req.Project, req.Provider, req.Config); err != nil {
		s.storeError(w, r, "register agent", err)
		return
	}
	if err := s.recordMutation(r, audit.ActionAgentRegistered, "agent", req.Project, map[string]any{
		"provider": req.Provider,
	}); err != nil {
		s.internalError(w, r, "audit agent registration", err)
		return
	}

	agent, err := s.cfg.Store.GetAgent(r.Context(), req.Project)
	if err != nil {
		s.internalError(w, r, "load registered agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// agentHeartbeat refreshes the agent's liveness timestamp. Heartbeats are
// high-frequency and carry no state change worth auditing.
func (s *Server) agentHeartbeat(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermAgentsHeartbeat) {
		return
	}
	if err := s.cfg.Store.Heartbeat(r.Context(), project); err != nil {
		s.storeError(w, r, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermAgentsHeartbeat) {
		return
	}
	var req agentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.cfg.Store.SetAgentStatus(r.Context(), project, store.AgentStatus(req.Status)); err != nil {
		s.storeError(w, r, "set agent status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
