package httpapi

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fustor-io/fustor/internal/model"
	"github.com/fustor-io/fustor/internal/transport"
	"github.com/fustor-io/fustor/internal/tree"
)

func (s *Server) registerQueryRoutes(r *mux.Router) {
	r.HandleFunc("/tree", s.handleTree).Methods(http.MethodGet)
	r.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/blind-spots", s.handleBlindSpots).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
}

// nodeDTO is the wire shape of one tree node in query responses.
type nodeDTO struct {
	Path             string     `json:"path"`
	IsDirectory      bool       `json:"is_directory"`
	ModifiedTime     int64      `json:"modified_time"`
	Size             int64      `json:"size"`
	IntegritySuspect bool       `json:"integrity_suspect"`
	AuditSkipped     bool       `json:"audit_skipped,omitempty"`
	Children         []nodeDTO  `json:"children,omitempty"`
}

func toNodeDTO(n *tree.Node, recursive bool, depth, maxDepth int) nodeDTO {
	dto := nodeDTO{
		Path:             n.Path,
		IsDirectory:      n.IsDirectory,
		ModifiedTime:     n.ModifiedTime,
		Size:             n.Size,
		IntegritySuspect: n.IntegritySuspect,
		AuditSkipped:     n.AuditSkipped,
	}
	if !recursive || n.Children == nil {
		return dto
	}
	if maxDepth > 0 && depth >= maxDepth {
		return dto
	}
	for _, child := range n.Children {
		dto.Children = append(dto.Children, toNodeDTO(child, recursive, depth+1, maxDepth))
	}
	return dto
}

// handleTree implements GET /api/v1/views/{view_id}/tree (spec.md §6.1).
// force_real_time=true against an unknown path queues a scan command for
// the view's current leader session and returns scan_pending=true
// instead of blocking (SPEC_FULL.md §12's force_real_time escalation).
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}

	q := r.URL.Query()
	queryPath := q.Get("path")
	if queryPath == "" {
		queryPath = "/"
	}
	recursive := q.Get("recursive") == "true"
	forceRealTime := q.Get("force_real_time") == "true"
	onlyPath := q.Get("only_path") == "true"
	maxDepth := 0
	if v := q.Get("max_depth"); v != "" {
		maxDepth, _ = strconv.Atoi(v)
	}

	var (
		found   bool
		pathVal string
		dto     nodeDTO
	)
	vs.View.WithReadLock(func() {
		node := vs.View.Tree.Get(queryPath)
		if node == nil {
			return
		}
		found = true
		if onlyPath {
			pathVal = node.Path
			return
		}
		dto = toNodeDTO(node, recursive, 0, maxDepth)
	})

	if !found {
		scanPending := false
		if forceRealTime {
			if leaderID := s.leaderSessionID(viewID); leaderID != "" {
				_ = s.Sessions.EnqueueCommand(viewID, leaderID, model.Command{
					Type: model.CommandScan,
					Path: queryPath,
				})
				scanPending = true
			}
		}
		writeJSON(w, http.StatusOK, transport.TreeResponseEnvelope{
			Data:        nil,
			ScanPending: scanPending,
		})
		return
	}

	if onlyPath {
		writeJSON(w, http.StatusOK, transport.TreeResponseEnvelope{Data: pathVal})
		return
	}

	writeJSON(w, http.StatusOK, transport.TreeResponseEnvelope{Data: dto})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}
	queryPath := r.URL.Query().Get("path")

	var (
		found bool
		dto   nodeDTO
	)
	vs.View.WithReadLock(func() {
		node := vs.View.Tree.Get(queryPath)
		if node == nil {
			return
		}
		found = true
		dto = toNodeDTO(node, false, 0, 0)
	})
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// handleSearch implements GET .../search?query=: a glob match over every
// node's base name within the queried subtree (default the whole tree).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}
	pattern := r.URL.Query().Get("query")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	var matches []nodeDTO
	vs.View.Walk("/", func(n *tree.Node) bool {
		base := n.Path
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if ok, _ := path.Match(pattern, base); ok {
			matches = append(matches, toNodeDTO(n, false, 0, 0))
		}
		return true
	})
	if matches == nil {
		matches = []nodeDTO{}
	}
	writeJSON(w, http.StatusOK, transport.TreeResponseEnvelope{Data: matches})
}

// statsDTO is the wire shape of GET .../stats.
type statsDTO struct {
	FileCount        int   `json:"file_count"`
	DirCount         int   `json:"dir_count"`
	TotalSize        int64 `json:"total_size"`
	LatestMtime      int64 `json:"latest_mtime"`
	SuspectCount     int   `json:"suspect_count"`
	HasBlindSpot     bool  `json:"has_blind_spot"`
	StalenessSeconds int64 `json:"staleness_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}

	var stats statsDTO
	vs.View.WithReadLock(func() {
		vs.View.Tree.Walk("/", func(n *tree.Node) bool {
			if n.IsDirectory {
				stats.DirCount++
			} else {
				stats.FileCount++
				stats.TotalSize += n.Size
			}
			if n.ModifiedTime > stats.LatestMtime {
				stats.LatestMtime = n.ModifiedTime
			}
			return true
		})
		stats.SuspectCount = vs.View.Suspects.Len()
		stats.HasBlindSpot = vs.View.BlindSpots.HasAny()
	})
	stats.StalenessSeconds = 0

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBlindSpots(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	vs := s.viewSet(viewID)
	if vs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}
	additions, deletions, _ := vs.View.BlindSpotSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"additions": additions,
		"deletions": deletions,
	})
}

type sessionDTO struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	PipeID    string `json:"pipe_id"`
	Role      string `json:"role"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view_id"]
	sessions := s.Sessions.Sessions(viewID)
	out := make([]sessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionDTO{
			SessionID: sess.ID,
			AgentID:   sess.AgentID,
			PipeID:    sess.PipeID,
			Role:      string(sess.Role),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// leaderSessionID returns the currently active leader session id for a
// view, or "" if none holds the lock.
func (s *Server) leaderSessionID(viewID string) string {
	for _, sess := range s.Sessions.Sessions(viewID) {
		if sess.Role == model.Leader {
			return sess.ID
		}
	}
	return ""
}
