package routes

import (
	"net/http"
	"runtime"
	"time"

	"mediaforge/logger"
)

// Build information, set with -ldflags "-X mediaforge/routes.version=...".
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var startedAt = time.Now()

// HealthResponse reports liveness plus a glance at the pipeline.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	GoVersion     string    `json:"go_version"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	ActiveJobs    int       `json:"active_jobs"`
	Subscribers   int       `json:"subscribers"`
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	now := time.Now()
	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now,
		Version:       version,
		GoVersion:     runtime.Version(),
		StartedAt:     startedAt,
		UptimeSeconds: int64(now.Sub(startedAt).Seconds()),
	}
	if s.opts.Runner != nil {
		resp.ActiveJobs = len(s.opts.Runner.Active())
	}
	if s.opts.Events != nil {
		resp.Subscribers = s.opts.Events.Count()
	}
	logger.Debugf("health: %d active jobs, %d subscribers", resp.ActiveJobs, resp.Subscribers)
	writeJSON(w, http.StatusOK, resp)
}
