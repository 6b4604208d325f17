package routes

import (
	"net/http"

	"mediaforge/logger"
)

// CancelJobHandler cancels a running job by key
func (s *Server) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Cancel job request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if !allowMethods(w, r, http.MethodDelete) {
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		logger.Warn("Missing key parameter in cancel request")
		http.Error(w, "Missing key parameter", http.StatusBadRequest)
		return
	}

	logger.Infof("Attempting to cancel job: %s", key)
	if err := s.opts.Runner.Cancel(key); err != nil {
		logger.Warnf("Failed to cancel job %s: %v", key, err)
		writeError(w, err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
