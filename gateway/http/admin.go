package http

import (
	"net/http"
	"time"

	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/governor"
	"github.com/c360/mesgateway/health"
)

type securityFlags struct {
	APIKey      bool `json:"apiKey"`
	Signature   bool `json:"signature"`
	IPWhitelist bool `json:"ipWhitelist"`
}

type statisticsResponse struct {
	Success           bool                       `json:"success"`
	Statistics        gateway.StatsSnapshot      `json:"statistics"`
	Connections       []gateway.ClientConnection `json:"connections"`
	Governor          governor.Stats             `json:"governor"`
	Security          securityFlags              `json:"security"`
	SupportedServices []string                   `json:"supportedServices"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report(r.Context(), "mesgateway")
	status := http.StatusOK
	if report.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	apiKey, signature, whitelist := s.validator.Flags()
	writeJSON(w, http.StatusOK, statisticsResponse{
		Success:           true,
		Statistics:        s.stats.Snapshot(s.registry.Count()),
		Connections:       s.registry.List(),
		Governor:          s.governor.Stats(),
		Security:          securityFlags{APIKey: apiKey, Signature: signature, IPWhitelist: whitelist},
		SupportedServices: s.dispatcher.Supported(),
	})
}

// handleRestart answers first and restarts once the response is flushed.
// It passes the same checks as envelope requests.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	_, release, ok := s.admit(w, r)
	release()
	if !ok {
		return
	}
	if !s.Running() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "server is not running",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "restart scheduled",
	})
	go func() {
		if err := s.Restart(5 * time.Second); err != nil {
			s.logger.Error("restart failed", "error", err)
			s.health.Update("restart", health.FromError("restart", err))
		}
	}()
}
