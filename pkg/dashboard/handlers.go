package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/supervisor"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type errorResponse struct {
	Error string `json:"error"`
}

type taskResponse struct {
	Changed bool              `json:"changed"`
	Status  supervisor.Status `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// queryInt reads a positive integer parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": logger.Version,
	})
}

func (s *Server) followersQuery(r *http.Request) (ledger.ListQuery, error) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		return ledger.ListQuery{}, err
	}
	perPage, err := queryInt(r, "per_page", s.pageSize)
	if err != nil {
		return ledger.ListQuery{}, err
	}
	return ledger.ListQuery{
		Target:   s.target,
		Filter:   r.URL.Query().Get("username_filter"),
		Page:     page,
		PageSize: perPage,
	}, nil
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	q, err := s.followersQuery(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page, err := s.ledger.ListActive(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("List followers failed")
		s.sendError(w, http.StatusInternalServerError, "failed to list followers")
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultScanLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	limit = min(limit, maxScanLimit)

	scans, err := s.ledger.RecentScans(r.Context(), s.target, limit)
	if err != nil {
		s.logger.WithError(err).Error("List scans failed")
		s.sendError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	if scans == nil {
		scans = []ledger.Scan{}
	}
	s.writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context(), s.target)
	if err != nil {
		s.logger.WithError(err).Error("Stats failed")
		s.sendError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tasks.Statuses())
}

func (s *Server) taskKey(w http.ResponseWriter, r *http.Request) (supervisor.Key, bool) {
	kind, err := supervisor.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendError(w, http.StatusNotFound, "%v", err)
		return supervisor.Key{}, false
	}
	return supervisor.Key{Target: s.target, Kind: kind}, true
}

func (s *Server) statusOf(key supervisor.Key) supervisor.Status {
	for _, st := range s.tasks.Statuses() {
		if st.Target == key.Target && st.Kind == key.Kind {
			return st
		}
	}
	return supervisor.Status{Target: key.Target, Kind: key.Kind}
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	key, ok := s.taskKey(w, r)
	if !ok {
		return
	}
	changed, err := s.tasks.Start(key)
	s.taskResult(w, key, changed, err)
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	key, ok := s.taskKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	changed, err := s.tasks.Stop(ctx, key)
	s.taskResult(w, key, changed, err)
}

// handleTaskToggle starts a stopped task and stops a running one.
func (s *Server) handleTaskToggle(w http.ResponseWriter, r *http.Request) {
	key, ok := s.taskKey(w, r)
	if !ok {
		return
	}
	if s.statusOf(key).Running {
		s.handleTaskStop(w, r)
		return
	}
	s.handleTaskStart(w, r)
}

func (s *Server) taskResult(w http.ResponseWriter, key supervisor.Key, changed bool, err error) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownTask):
		s.sendError(w, http.StatusNotFound, "%v", err)
	case err != nil:
		s.logger.WithError(err).WithField("task", key.String()).Error("Task control failed")
		s.sendError(w, http.StatusInternalServerError, "%v", err)
	default:
		s.writeJSON(w, http.StatusOK, taskResponse{Changed: changed, Status: s.statusOf(key)})
	}
}

type indexData struct {
	Target         string
	Page           *ledger.Page
	Scans          []ledger.Scan
	Tasks          []supervisor.Status
	UsernameFilter string
	PrevPage       int
	NextPage       int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	q, err := s.followersQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := s.ledger.ListActive(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("List followers failed")
		http.Error(w, "failed to list followers", http.StatusInternalServerError)
		return
	}
	scans, err := s.ledger.RecentScans(r.Context(), s.target, defaultScanLimit)
	if err != nil {
		s.logger.WithError(err).Error("List scans failed")
		http.Error(w, "failed to list scans", http.StatusInternalServerError)
		return
	}

	data := indexData{
		Target:         s.target,
		Page:           page,
		Scans:          scans,
		Tasks:          s.tasks.Statuses(),
		UsernameFilter: q.Filter,
	}
	if page.Page > 1 {
		data.PrevPage = page.Page - 1
	}
	if page.Page < page.TotalPages {
		data.NextPage = page.Page + 1
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Warn("Failed to render index")
	}
}
