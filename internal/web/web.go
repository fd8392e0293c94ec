// Package web serves the operational HTTP endpoints: liveness, Prometheus
// metrics and a manual account sync trigger.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/task"
)

// Server provides the ops HTTP surface.
type Server struct {
	cfg      *config.Config
	mux      *http.ServeMux
	gatherer prometheus.Gatherer
	accounts store.Accounts
	sched    task.Scheduler
}

// NewServer constructs a new Server. gatherer may be nil, in which case
// /metrics is not registered.
func NewServer(cfg *config.Config, gatherer prometheus.Gatherer, accounts store.Accounts, sched task.Scheduler) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		gatherer: gatherer,
		accounts: accounts,
		sched:    sched,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type syncRequest struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
}

type syncResponse struct {
	Scheduled []string `json:"scheduled"`
}

// handleSync schedules a state refresh and a full resync of one account.
// Virtual accounts get a virtual calendar export instead.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and account_id are required")
		return
	}

	ctx := r.Context()
	acct, err := s.accounts.Get(ctx, req.TenantID, req.AccountID)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		appLog.Error("load account for sync", err, "tenant_id", req.TenantID, "account_id", req.AccountID)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	var tasks []task.Task
	if acct.Virtual {
		tasks = []task.Task{task.ExportVirtualCalendars{TenantID: acct.TenantID}}
	} else {
		tasks = []task.Task{
			task.RefreshSyncState{TenantID: acct.TenantID, AccountID: acct.ID},
			task.SyncAccount{TenantID: acct.TenantID, AccountID: acct.ID},
		}
	}
	resp := syncResponse{Scheduled: make([]string, 0, len(tasks))}
	for _, t := range tasks {
		if err := s.sched.Schedule(ctx, t); err != nil {
			appLog.Error("schedule sync task", err, "kind", t.Kind(), "account_id", acct.ID)
			writeError(w, http.StatusServiceUnavailable, "failed to schedule sync")
			return
		}
		resp.Scheduled = append(resp.Scheduled, string(t.Kind()))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
