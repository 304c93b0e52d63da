package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/session"
)

var errUnavailable = errors.New("service not configured")

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errUnavailable), errors.Is(err, orchestrator.ErrStopped), errors.Is(err, cron.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

// bindJSON decodes the body and reports malformed input as a validation error.
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return session.Invalid("body: %v", err)
	}
	return nil
}
