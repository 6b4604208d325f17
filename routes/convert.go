package routes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"mediaforge/job"
	"mediaforge/logger"
	"mediaforge/models"
)

// ConvertRequest is the body of POST /convert. Filename names an original
// in the kind's originals directory.
type ConvertRequest struct {
	Kind         string `json:"kind"`
	Filename     string `json:"filename"`
	Target       string `json:"target,omitempty"`
	DeleteSource bool   `json:"delete_source,omitempty"`
	Wait         bool   `json:"wait,omitempty"`
}

// ConvertHandler starts a conversion. With wait set it answers once the job
// is terminal; otherwise it answers 202 with the pending job.
func (s *Server) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Convert request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	var body ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Filename == "" {
		writeError(w, fmt.Errorf("%w: filename is required", models.ErrInvalidName), nil)
		return
	}

	req := job.Request{
		Kind:         models.Kind(body.Kind),
		Source:       body.Filename,
		Target:       body.Target,
		DeleteSource: body.DeleteSource,
	}

	if !body.Wait {
		j, err := s.opts.Runner.Start(r.Context(), req)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		logger.Infof("Accepted %s conversion of %s as job %s", j.Kind, j.Source, j.ID)
		writeJSON(w, http.StatusAccepted, j)
		return
	}

	// A client hanging up must not abort the conversion.
	res, err := s.opts.Runner.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var j *models.ConversionJob
		if res.Job.ID != "" {
			j = &res.Job
		}
		writeError(w, err, j)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConvertAllHandler drives the batch conversion of a kind's originals.
// POST ?kind=&delete_source= starts one, GET reports the latest and DELETE
// stops the running batch after its current file.
func (s *Server) ConvertAllHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		st, ok := s.opts.Runner.Batch(kind)
		if !ok {
			writeError(w, fmt.Errorf("%w: no %s batch", models.ErrJobNotFound, kind), nil)
			return
		}
		writeJSON(w, http.StatusOK, st)

	case http.MethodPost:
		deleteSource := false
		if v := r.URL.Query().Get("delete_source"); v != "" {
			if deleteSource, err = strconv.ParseBool(v); err != nil {
				http.Error(w, "delete_source must be a boolean", http.StatusBadRequest)
				return
			}
		}
		st, err := s.opts.Runner.StartAll(r.Context(), kind, deleteSource)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		logger.Infof("Accepted batch %s of %d %s originals", st.ID, len(st.Files), kind)
		writeJSON(w, http.StatusAccepted, st)

	case http.MethodDelete:
		st, err := s.opts.Runner.StopAll(kind)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, st)
	}
}
