package web

import (
	"net/http"

	"ble-ota-flasher/internal/script"
)

type runScriptRequest struct {
	Args []string `json:"args"`
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil || s.scripts.Manager() == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scripts not available"})
		return
	}
	list, err := s.scripts.Manager().List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if list == nil {
		list = []*script.Script{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleAPIRunScript runs a script synchronously. Long scripts should be
// driven from the CLI instead.
func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scripts not available"})
		return
	}
	var req runScriptRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if s.busy() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "update session already in progress"})
		return
	}

	result := s.scripts.RunScript(r.Context(), r.PathValue("id"), req.Args...)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}
