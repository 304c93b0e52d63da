package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHeartbeatStatus(c *gin.Context) {
	if s.svc.Heartbeat == nil {
		writeError(c, errUnavailable)
		return
	}
	c.JSON(http.StatusOK, s.svc.Heartbeat.Snapshot())
}

// handleHeartbeatTrigger runs one forced turn. A failed turn still answers
// 200 with the outcome; only a turn that never fired is an error.
func (s *Server) handleHeartbeatTrigger(c *gin.Context) {
	if s.svc.Heartbeat == nil {
		writeError(c, errUnavailable)
		return
	}
	out, err := s.svc.Heartbeat.Trigger(c.Request.Context())
	if err != nil && !out.Fired {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
