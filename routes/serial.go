package routes

import (
	"net/http"

	"mediaforge/logger"
	"mediaforge/models"
)

// SerialResponse reports a counter value.
type SerialResponse struct {
	Kind   models.Kind `json:"kind"`
	Serial string      `json:"serial"`
	Next   string      `json:"next,omitempty"`
}

// SerialHandler reads (GET) or overwrites (PUT ?value=) the counter of a kind.
func (s *Server) SerialHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Serial request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	if r.Method == http.MethodPut {
		value := r.URL.Query().Get("value")
		if err := s.opts.Allocator.Write(kind, value); err != nil {
			writeError(w, err, nil)
			return
		}
		logger.Infof("%s serial set to %s", kind, value)
		writeJSON(w, http.StatusOK, SerialResponse{Kind: kind, Serial: value})
		return
	}

	cur, err := s.opts.Allocator.Read(kind)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	// 999999 has no successor; Next is then left empty.
	next, _ := s.opts.Allocator.Next(kind)
	writeJSON(w, http.StatusOK, SerialResponse{Kind: kind, Serial: cur, Next: next})
}

// AllocateSerialHandler hands out the current serial and advances the counter.
func (s *Server) AllocateSerialHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	sn, err := s.opts.Allocator.Allocate(kind)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, SerialResponse{Kind: kind, Serial: sn})
}
