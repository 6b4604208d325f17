// Package routes is the HTTP surface over the conversion pipeline. Handlers
// stay thin: they parse the request, call one component and encode the
// answer.
package routes

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mediaforge/events"
	"mediaforge/job"
	"mediaforge/library"
	"mediaforge/logger"
	"mediaforge/metrics"
	"mediaforge/models"
	"mediaforge/serial"
	"mediaforge/utils"
)

// CredentialStore persists mirror credentials under a key.
type CredentialStore interface {
	Put(key string, creds map[string]string) error
}

// Options wires the server to the pipeline. Events and Credentials are
// optional; their routes answer 503 when unset. An empty Auth.SecretKey
// leaves mutating routes open.
type Options struct {
	Allocator   *serial.Allocator
	Runner      *job.Runner
	Library     *library.Library
	Events      *events.Broadcaster
	Credentials CredentialStore
	Auth        utils.TokenConfig
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Handler returns the mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(path string, h http.HandlerFunc) {
		mux.Handle(path, instrument(path, h))
	}

	handle("/health", s.HealthHandler)
	handle("/version", VersionHandler)
	mux.Handle("/metrics", metrics.Handler())

	handle("/serial", s.guard("serial", s.SerialHandler))
	handle("/serial/allocate", s.guard("serial", s.AllocateSerialHandler))

	handle("/convert", s.guard("convert", s.ConvertHandler))
	handle("/convert/all", s.guard("convert", s.ConvertAllHandler))
	handle("/progress", s.ProgressHandler)
	handle("/cancel", s.guard("convert", s.CancelJobHandler))
	handle("/jobs", s.JobsHandler)

	handle("/originals", s.guard("delete", s.OriginalsHandler))
	handle("/originals/all", s.guard("delete", s.DeleteAllOriginalsHandler))
	handle("/outputs", s.OutputsHandler)

	handle("/credentials", s.guard("credentials", s.RegisterCredentialsHandler))

	// The websocket upgrade needs the raw ResponseWriter.
	if s.opts.Events != nil {
		mux.Handle("/events", events.ServeWS(s.opts.Events))
	}
	return mux
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.RecordAPIRequest(r.Method, endpoint, rec.status, time.Since(start))
	})
}

// guard requires a bearer token granting scope when a secret is configured.
// Safe methods pass through so GET routes sharing a path stay public.
func (s *Server) guard(scope string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.opts.Auth.SecretKey) == 0 || r.Method == http.MethodGet {
			h(w, r)
			return
		}
		claims, err := s.verify(r)
		if err != nil {
			logger.Warnf("Rejected %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, err)
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		if !claims.Allows(scope) {
			http.Error(w, fmt.Sprintf("Token lacks scope %q", scope), http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func (s *Server) verify(r *http.Request) (*models.AccessClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return nil, fmt.Errorf("invalid authorization header format")
	}
	return utils.VerifyToken(token, s.opts.Auth)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	logger.Warnf("Invalid method for %s: %s", r.URL.Path, r.Method)
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string                `json:"error"`
	Type  string                `json:"type"`
	Job   *models.ConversionJob `json:"job,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch models.ErrorType(err) {
	case "invalid_request":
		return http.StatusBadRequest
	case "source_not_found", "job_not_found":
		return http.StatusNotFound
	case "job_active", "not_cancellable":
		return http.StatusConflict
	case "invalid_media":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, j *models.ConversionJob) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Type: models.ErrorType(err), Job: j})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func kindParam(r *http.Request) (models.Kind, error) {
	return models.ParseKind(r.URL.Query().Get("kind"))
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: what + " is not configured", Type: "unavailable"})
}
