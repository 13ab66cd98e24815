package server

import (
	"net/http"

	"github.com/storyscan-io/storyscan/proxypool"
)

// addProxyRequest accepts either a single proxy or a list under "proxies".
type addProxyRequest struct {
	Host     string              `json:"host"`
	Port     int                 `json:"port"`
	Username string              `json:"username"`
	Password string              `json:"password"`
	Proxies  []proxypool.AddEntry `json:"proxies"`
}

type proxyIDsRequest struct {
	IDs []string `json:"ids"`
}

type sessionRequest struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// HandleProxies handles /api/proxies
// GET: list the pool
// POST: add one proxy, or many with per-entry results
func (s *Server) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{"proxies": s.pool.List()})
		return
	}

	var req addProxyRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if len(req.Proxies) > 0 {
		results := s.pool.AddMany(req.Proxies)
		s.logger.Infow("Bulk proxy add", "count", len(req.Proxies))
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
		return
	}

	proxy, err := s.pool.Add(req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Proxy added",
		"proxy_id", shortID(proxy.ID),
		"host", proxy.Host,
		"port", proxy.Port)
	writeJSON(w, http.StatusCreated, proxy)
}

// HandleProxyAction handles /api/proxies/{...}
// POST /api/proxies/delete with {ids}
// GET  /api/proxies/{id}
// POST /api/proxies/{id}/test
// POST /api/proxies/{id}/health
// POST /api/proxies/{id}/sessions                       (create)
// POST /api/proxies/{id}/sessions/{sid}/update          (status/token)
// POST /api/proxies/{id}/sessions/{sid}/remove
func (s *Server) HandleProxyAction(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/proxies/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing proxy id or action")
		return
	}

	if parts[0] == "delete" {
		s.handleProxyDelete(w, r)
		return
	}

	proxyID := parts[0]
	if len(parts) == 1 {
		s.handleGetProxy(w, r, proxyID)
		return
	}

	switch parts[1] {
	case "test":
		s.handleProxyTest(w, r, proxyID)
	case "health":
		s.handleProxyHealth(w, r, proxyID)
	case "sessions":
		s.handleProxySessions(w, r, proxyID, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "Unknown proxy action")
	}
}

func (s *Server) handleProxyDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req proxyIDsRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "Missing proxy ids")
		return
	}

	if err := s.pool.Remove(req.IDs); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Proxies removed", "count", len(req.IDs))
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": req.IDs})
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request, proxyID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	proxy, err := s.pool.Get(proxyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleProxyTest(w http.ResponseWriter, r *http.Request, proxyID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	result, err := s.tester.Test(r.Context(), proxyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Proxy tested",
		"proxy_id", shortID(proxyID),
		"success", result.Success,
		"latency_ms", result.LatencyMs)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProxyHealth(w http.ResponseWriter, r *http.Request, proxyID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var h proxypool.Health
	if err := readJSON(w, r, &h); err != nil {
		return
	}

	if err := s.pool.RecordHealth(proxyID, h); err != nil {
		writeDomainError(w, err)
		return
	}

	proxy, err := s.pool.Get(proxyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleProxySessions(w http.ResponseWriter, r *http.Request, proxyID string, rest []string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	// /sessions create
	if len(rest) == 0 || rest[0] == "" {
		var req sessionRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		sessionID, err := s.pool.AddSession(proxyID, req.Token)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
		return
	}

	sessionID := rest[0]
	if len(rest) < 2 {
		writeError(w, http.StatusBadRequest, "Missing session action")
		return
	}

	switch rest[1] {
	case "update":
		var req sessionRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		err := s.pool.UpdateSession(proxyID, sessionID, proxypool.SessionStatus(req.Status), req.Token)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
	case "remove":
		if err := s.pool.RemoveSession(proxyID, sessionID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
	default:
		writeError(w, http.StatusNotFound, "Unknown session action")
	}
}
