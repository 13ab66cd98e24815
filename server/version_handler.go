package server

import (
	"net/http"

	"github.com/storyscan-io/storyscan/version"
)

// HandleVersion handles GET /api/version
func (s *Server) HandleVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, version.Get())
}
