package routes

import (
	"net/http"

	"mediaforge/logger"
	"mediaforge/models"
	"mediaforge/progress"
)

// ProgressResponse is the latest snapshot of one job key.
type ProgressResponse struct {
	Key string `json:"key"`
	progress.Snapshot
	Job *models.ConversionJob `json:"job,omitempty"`
}

// ProgressHandler returns the progress of a job key. Unknown keys answer
// 200 with the "unknown" sentinel.
func (s *Server) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Progress request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		logger.Warn("Missing key parameter in progress request")
		http.Error(w, "Missing key parameter", http.StatusBadRequest)
		return
	}

	resp := ProgressResponse{Key: key, Snapshot: s.opts.Runner.Progress(key)}
	if j, ok := s.opts.Runner.Job(key); ok {
		resp.Job = &j
	}
	logger.Debugf("Progress for %s: status=%s, percent=%.1f", key, resp.Status, resp.Percent)
	writeJSON(w, http.StatusOK, resp)
}

// JobsHandler lists tracked jobs; ?active=true leaves out terminal ones.
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	var jobs []models.ConversionJob
	if r.URL.Query().Get("active") == "true" {
		jobs = s.opts.Runner.Active()
	} else {
		jobs = s.opts.Runner.Jobs()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
