// Package dashboard serves the local web view of the ledger and the task
// controls for the crawler and the sync worker.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"rosterwatch/pkg/config"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/supervisor"
)

// Ledger is the read side of the follower ledger
type Ledger interface {
	ListActive(ctx context.Context, q ledger.ListQuery) (*ledger.Page, error)
	RecentScans(ctx context.Context, target string, limit int) ([]ledger.Scan, error)
	Stats(ctx context.Context, target string) (ledger.Stats, error)
}

// Tasks controls background tasks
type Tasks interface {
	Start(key supervisor.Key) (bool, error)
	Stop(ctx context.Context, key supervisor.Key) (bool, error)
	Statuses() []supervisor.Status
}

var (
	_ Ledger = (*ledger.Store)(nil)
	_ Tasks  = (*supervisor.Registry)(nil)
)

const (
	defaultScanLimit = 10
	maxScanLimit     = 100
	stopTimeout      = 30 * time.Second
)

// Server is the dashboard HTTP server
type Server struct {
	ledger     Ledger
	tasks      Tasks
	target     string
	pageSize   int
	logger     logger.Logger
	httpServer *http.Server
}

// New creates a dashboard for target backed by store and tasks
func New(cfg config.DashboardConfig, target string, store Ledger, tasks Tasks, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = ledger.DefaultPageSize
	}

	s := &Server{
		ledger:   store,
		tasks:    tasks,
		target:   target,
		pageSize: pageSize,
		logger:   log.WithField("component", "dashboard"),
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, wrapped with request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/followers", s.handleFollowers)
	mux.HandleFunc("GET /api/scans", s.handleScans)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("POST /api/tasks/{kind}/start", s.handleTaskStart)
	mux.HandleFunc("POST /api/tasks/{kind}/stop", s.handleTaskStop)
	mux.HandleFunc("POST /api/tasks/{kind}/toggle", s.handleTaskToggle)
	return s.logRequests(mux)
}

// Addr is the configured listen address
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.LogComponentStart(s.logger, "dashboard", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	logger.LogComponentStop(s.logger, "dashboard", "shutdown")
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugWithFields("Dashboard request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		})
	})
}
