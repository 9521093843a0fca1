package webhook

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"forwardctl/internal/auth"
	"forwardctl/internal/quota"
	"forwardctl/internal/storage"
	"forwardctl/internal/traffic"
)

// Unthrottled is the limiter answer for an allowed client. Anything between
// zero and this value would be a partial rate, which is never handed out.
const Unthrottled int64 = 1 << 40

type okResponse struct {
	OK bool `json:"ok"`
}

// handleObserver always answers ok: a failing observer makes the engine
// retry the same report, which is worse than losing it.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	var report traffic.Report
	if err := decodeBody(w, r, &report); err != nil {
		serverLogger().Debug("discarding malformed observer report", "error", err)
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}
	sum := s.deps.Reports.HandleReport(r.Context(), report)
	if sum.Events > 0 {
		serverLogger().Debug("observer report processed", "events", sum.Events, "bytes", sum.Bytes, "results", sum.Results)
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Client   string `json:"client"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
}

type authResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

// handleAuth identifies the account behind a connection: by the service port
// it arrived on, or failing that by username and derived password.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusOK, authResponse{OK: false})
		return
	}
	ctx := r.Context()
	logger := serverLogger().With("client", req.Client, "username", req.Username)

	if port := req.port(); port > 0 {
		owner, ok, err := s.deps.Ports.Lookup(ctx, port)
		if err != nil {
			logger.Warn("port lookup failed", "port", port, "error", err)
		}
		if ok {
			allowed := s.allowed(r, owner.AccountID)
			writeJSON(w, http.StatusOK, authResponse{OK: allowed, ID: idIf(allowed, owner.AccountID)})
			return
		}
	}

	if req.Username == "" {
		writeJSON(w, http.StatusOK, authResponse{OK: false})
		return
	}
	acc, err := s.deps.Accounts.GetAccountByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("account lookup failed", "error", err)
		}
		writeJSON(w, http.StatusOK, authResponse{OK: false})
		return
	}
	if !auth.Verify(req.Password, acc.Key, s.deps.AuthAlgo) {
		logger.Info("credential mismatch")
		writeJSON(w, http.StatusOK, authResponse{OK: false})
		return
	}
	allowed := s.allowed(r, acc.ID)
	writeJSON(w, http.StatusOK, authResponse{OK: allowed, ID: idIf(allowed, acc.ID)})
}

func (req authRequest) port() int {
	if req.Port > 0 {
		return req.Port
	}
	if _, p, err := net.SplitHostPort(req.Host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}

func idIf(ok bool, id int64) string {
	if !ok {
		return ""
	}
	return auth.ClientID(id)
}

func (s *Server) allowed(r *http.Request, accountID int64) bool {
	d, err := s.deps.Enforcer.Check(r.Context(), accountID, false, quota.SourceWebhook)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			serverLogger().Warn("quota check failed", "account_id", accountID, "error", err)
		}
		return false
	}
	return d.Allowed
}

type limiterRequest struct {
	Client string `json:"client"`
	Scope  string `json:"scope"`
}

type limiterResponse struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// handleLimiter answers all or nothing. Connections without an
// authenticated client are not ours to limit.
func (s *Server) handleLimiter(w http.ResponseWriter, r *http.Request) {
	var req limiterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusOK, limiterResponse{In: Unthrottled, Out: Unthrottled})
		return
	}
	if req.Client == "" {
		writeJSON(w, http.StatusOK, limiterResponse{In: Unthrottled, Out: Unthrottled})
		return
	}
	id, ok := auth.ParseClientID(req.Client)
	if !ok || !s.allowed(r, id) {
		writeJSON(w, http.StatusOK, limiterResponse{})
		return
	}
	writeJSON(w, http.StatusOK, limiterResponse{In: Unthrottled, Out: Unthrottled})
}
