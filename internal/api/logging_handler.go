package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/elemta-core/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, LogLevelResponse{CurrentLevel: logging.Level().String()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		http.Error(w, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR", http.StatusBadRequest)
		return
	}
	logging.SetLevel(level)
	s.logger.Info("Log level changed", "level", level.String())

	writeJSON(w, LogLevelResponse{
		CurrentLevel: level.String(),
		Message:      "Log level updated successfully",
	})
}
