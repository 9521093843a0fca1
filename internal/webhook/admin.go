package webhook

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"forwardctl/internal/models"
	"forwardctl/internal/quota"
	"forwardctl/internal/storage"
	"forwardctl/internal/syncer"
)

const manualSyncPriority = 9

// requireAdmin checks the bearer token. Without a configured token the admin
// API is closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminKey == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type syncRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Priority: manualSyncPriority}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Priority == 0 {
		req.Priority = manualSyncPriority
	}
	res := s.deps.Syncs.RequestSync(r.Context(), models.TriggerManualForce, true, req.Priority)
	status := http.StatusOK
	if res.Outcome == syncer.OutcomeFailure {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

type loopStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Runs    int64  `json:"runs"`
}

type engineStatus struct {
	Healthy *bool `json:"healthy,omitempty"`
}

type quotaStatus struct {
	Enabled    bool `json:"enabled"`
	Violations int  `json:"violations"`
}

type statusResponse struct {
	SimpleMode bool          `json:"simple_mode"`
	Sync       syncer.Status `json:"sync"`
	Quota      quotaStatus   `json:"quota"`
	Engine     engineStatus  `json:"engine"`
	Loops      []loopStatus  `json:"loops"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		SimpleMode: s.SimpleMode(),
		Sync:       s.deps.Syncs.Status(),
		Quota: quotaStatus{
			Enabled:    s.deps.Enforcer.Enabled(),
			Violations: s.deps.Enforcer.Violations().Total(),
		},
		Loops: make([]loopStatus, 0, len(s.deps.Loops)),
	}
	if s.deps.Engine.Healthy != nil {
		healthy := s.deps.Engine.Healthy()
		resp.Engine.Healthy = &healthy
	}
	for _, l := range s.deps.Loops {
		resp.Loops = append(resp.Loops, loopStatus{Name: l.Name(), Enabled: l.Enabled(), Runs: l.Runs()})
	}
	writeJSON(w, http.StatusOK, resp)
}

type simpleModeRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSimpleMode(w http.ResponseWriter, r *http.Request) {
	var req simpleModeRequest
	if err := decodeBody(w, r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": bool}`)
		return
	}
	s.SetSimpleMode(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"simple_mode": s.SimpleMode()})
}

func accountParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := s.deps.Enforcer.ResetUsage(r.Context(), s.deps.Resetter, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		serverLogger().Error("reset usage failed", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if _, err := s.deps.Accounts.GetAccount(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	list := s.deps.Enforcer.Violations().List(id)
	if list == nil {
		list = []quota.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "violations": list})
}

func (s *Server) handleEngineLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine.Logs == nil {
		writeError(w, http.StatusNotFound, "engine is not managed by this process")
		return
	}
	tail, err := strconv.Atoi(r.URL.Query().Get("tail"))
	if err != nil || tail < 0 {
		tail = 0
	}
	lines := s.deps.Engine.Logs(tail)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}
