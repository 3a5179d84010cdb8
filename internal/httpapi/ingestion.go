package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fustor-io/fustor/internal/fusionpipe"
	"github.com/fustor-io/fustor/internal/middleware"
	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/session"
	"github.com/fustor-io/fustor/internal/transport"
)

func (s *Server) registerIngestionRoutes(r *mux.Router) {
	r.HandleFunc("/session/", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/session/", s.handleResolveView).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	r.HandleFunc("/{session_id}/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/consistency/audit/start", s.handleAuditStart).Methods(http.MethodPost)
	r.HandleFunc("/consistency/audit/end", s.handleAuditEnd).Methods(http.MethodPost)
	r.HandleFunc("/consistency/sentinel/tasks", s.handleSentinelTasks).Methods(http.MethodGet)
	r.HandleFunc("/consistency/sentinel/feedback", s.handleSentinelFeedback).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSessionObsolete(w http.ResponseWriter) {
	writeJSON(w, transport.StatusSessionObsolete, map[string]string{"error": "session obsolete"})
}

// handleCreateSession implements POST /api/v1/pipe/session/. The
// request's task_id doubles as the fusion pipe id a session is
// registered against — the agent-side task_id and the fusion-side
// pipe_id name the same logical observation task (Open Question
// decision, see DESIGN.md).
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())

	var req transport.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess := s.Sessions.Create(viewID, req.TaskID, req.AgentID, req.TaskID, req.SessionTimeoutSeconds)

	writeJSON(w, http.StatusCreated, transport.CreateSessionResponse{
		SessionID:             sess.ID,
		Role:                  sess.Role,
		SessionTimeoutSeconds: sess.TimeoutSeconds,
		ViewIDs:               []string{viewID},
	})
}

// handleResolveView implements GET /api/v1/pipe/session/: resolve
// view_id from the caller's API key alone.
func (s *Server) handleResolveView(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"view_id": viewID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	var req transport.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	role, commands, timeout, err := s.Sessions.Heartbeat(viewID, sessionID)
	if err != nil {
		writeSessionObsolete(w)
		return
	}
	if commands == nil {
		commands = []model.Command{}
	}
	writeJSON(w, http.StatusOK, transport.HeartbeatResponse{
		Role:                  role,
		Commands:              commands,
		SessionTimeoutSeconds: timeout,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	if err := s.Sessions.Close(viewID, sessionID); err != nil {
		if err == session.ErrSessionNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	var req transport.EventBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	pipe := s.anyPipe(viewID)
	if pipe == nil {
		writeSessionObsolete(w)
		return
	}

	sess, ok := s.Sessions.Get(viewID, sessionID)
	if !ok {
		writeSessionObsolete(w)
		return
	}

	err := pipe.ProcessEvents(sessionID, req.Events, fusionpipe.BatchContext{
		AgentID:         sess.AgentID,
		PipeID:          sess.PipeID,
		SourceURI:       "",
		IsFinalSnapshot: req.IsFinalSnapshot,
	})
	if err == fusionpipe.ErrSessionObsolete {
		writeSessionObsolete(w)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, transport.EventBatchResponse{Accepted: true})
}

func (s *Server) handleAuditStart(w http.ResponseWriter, r *http.Request) {
	var req transport.AuditBoundaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	pipe := s.anyPipe(req.ViewID)
	if pipe == nil {
		writeSessionObsolete(w)
		return
	}
	if err := pipe.ProcessAuditStart(req.SessionID); err != nil {
		writeSessionObsolete(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditEnd(w http.ResponseWriter, r *http.Request) {
	var req transport.AuditBoundaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	pipe := s.anyPipe(req.ViewID)
	if pipe == nil {
		writeSessionObsolete(w)
		return
	}
	if err := pipe.ProcessAuditEnd(req.SessionID); err != nil {
		writeSessionObsolete(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSentinelTasks implements GET /consistency/sentinel/tasks: the
// suspect paths due for a re-stat in the one view this API key resolves
// to.
func (s *Server) handleSentinelTasks(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusOK, []transport.SentinelTask{})
		return
	}

	now := s.MonotonicNow()
	var tasks []transport.SentinelTask
	for _, entry := range vs.View.Suspects.Due(now) {
		tasks = append(tasks, transport.SentinelTask{Path: entry.Path})
	}
	if tasks == nil {
		tasks = []transport.SentinelTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSentinelFeedback(w http.ResponseWriter, r *http.Request) {
	viewID, _ := middleware.ViewIDFromContext(r.Context())
	vs := s.viewSet(viewID)
	if vs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req transport.SentinelFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	for _, u := range req.Updates {
		switch u.Status {
		case transport.SentinelStatusStable:
			vs.View.Suspects.Remove(u.Path)
		case transport.SentinelStatusMissing, transport.SentinelStatusChanged:
			// Leave armed; the next sweep or agent observation resolves it.
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
