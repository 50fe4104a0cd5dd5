package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/basket/cmdcenter/internal/policy"
	"github.com/basket/cmdcenter/internal/store"
)

// maxLongPollWait caps the ?wait= parameter so a poller cannot pin a
// connection indefinitely.
const maxLongPollWait = 30 * time.Second

type publishEventRequest struct {
	Type    string         `json:"type"`
	Project string         `json:"project"`
	Agent   string         `json:"agent"`
	TaskID  string         `json:"task_id"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data"`
}

// handleEvents serves GET /api/events (cursor poll) and POST /api/events
// (publish).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.pollEvents(w, r)
	case http.MethodPost:
		s.publishEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// pollEvents returns events after the caller's cursor, oldest first, plus the
// latest id so clients can detect how far behind they are. With ?wait=N the
// request long-polls: an empty result blocks until the bus signals a new
// event, N seconds pass, or the caller goes away, then re-reads the durable
// log.
func (s *Server) pollEvents(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, policy.PermEventsRead) {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "wait must be a non-negative integer (seconds)"})
			return
		}
		wait = time.Duration(n) * time.Second
		if wait > maxLongPollWait {
			wait = maxLongPollWait
		}
	}

	events, err := s.cfg.Store.PollEvents(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, r, "poll events", err)
		return
	}
	if len(events) == 0 && wait > 0 && s.cfg.Bus != nil {
		events, err = s.waitForEvents(r, since, limit, wait)
		if err != nil {
			s.internalError(w, r, "poll events", err)
			return
		}
	}
	latest, err := s.cfg.Store.LatestEventID(r.Context())
	if err != nil {
		s.internalError(w, r, "latest event id", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"count":     len(events),
		"latest_id": latest,
	})
}

// waitForEvents blocks until the bus fans out a publish, the wait budget is
// spent, or the request context ends, then re-reads the durable log. The DB
// row lands before the bus publish, so a wake always finds its event.
func (s *Server) waitForEvents(r *http.Request, since int64, limit int, wait time.Duration) ([]store.Event, error) {
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	// An event may have landed between the empty read and the subscription.
	events, err := s.cfg.Store.PollEvents(r.Context(), since, limit)
	if err != nil || len(events) > 0 {
		return events, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.Context().Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-sub.Ch():
		return s.cfg.Store.PollEvents(r.Context(), since, limit)
	}
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, policy.PermEventsWrite) {
		return
	}
	var req publishEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := s.cfg.Store.PublishEvent(r.Context(), store.Event{
		Type:    req.Type,
		Project: req.Project,
		Agent:   req.Agent,
		TaskID:  req.TaskID,
		Level:   store.EventLevel(req.Level),
		Data:    req.Data,
	})
	if err != nil {
		s.storeError(w, r, "publish event", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsPublished.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}
