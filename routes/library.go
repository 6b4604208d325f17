package routes

import (
	"net/http"

	"mediaforge/library"
	"mediaforge/logger"
	"mediaforge/models"
)

// ListResponse lists the files of one kind.
type ListResponse struct {
	Kind  models.Kind     `json:"kind"`
	Files []library.Entry `json:"files"`
	Count int             `json:"count"`
}

// OriginalsHandler lists originals (GET) or deletes one by name (DELETE).
func (s *Server) OriginalsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	if r.Method == http.MethodDelete {
		name := r.URL.Query().Get("name")
		if err := s.opts.Library.DeleteOriginal(kind, name); err != nil {
			writeError(w, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	entries, err := s.opts.Library.ListOriginals(kind)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Kind: kind, Files: entries, Count: len(entries)})
}

// DeleteAllOriginalsHandler removes every original of a kind and reports
// each file's outcome.
func (s *Server) DeleteAllOriginalsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodDelete) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	res, err := s.opts.Library.DeleteAllOriginals(kind)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if res.Failed > 0 {
		logger.Warnf("Bulk delete of %s originals left %d files", kind, res.Failed)
	}
	writeJSON(w, http.StatusOK, res)
}

// OutputsHandler lists converted outputs with their thumbnails.
func (s *Server) OutputsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	entries, err := s.opts.Library.ListOutputs(kind)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Kind: kind, Files: entries, Count: len(entries)})
}
