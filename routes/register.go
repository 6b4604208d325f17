package routes

import (
	"net/http"

	"github.com/goccy/go-json"

	"mediaforge/logger"
	"mediaforge/utils"
)

// RegisterCredentialsHandler stores a mirror credentials map under a fresh
// random key and returns that key. Mirrors refer to it as credentials_key.
func (s *Server) RegisterCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.opts.Credentials == nil {
		unavailable(w, "credentials store")
		return
	}

	credsBody := make(map[string]string)
	if err := json.NewDecoder(r.Body).Decode(&credsBody); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(credsBody) == 0 {
		http.Error(w, "Empty credentials", http.StatusBadRequest)
		return
	}

	keyString, err := utils.GenerateRandomHex(16)
	if err != nil {
		http.Error(w, "Failed to generate key", http.StatusInternalServerError)
		return
	}

	if err := s.opts.Credentials.Put(keyString, credsBody); err != nil {
		logger.Errorf("Failed to store credentials: %v", err)
		http.Error(w, "Failed to store credentials", http.StatusInternalServerError)
		return
	}

	logger.Infof("Stored credentials under %s", keyString)
	writeJSON(w, http.StatusCreated, map[string]string{"access_key": keyString})
}
