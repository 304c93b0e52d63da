package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
)

// addJobRequest accepts either a structured schedule or ScheduleText in any
// form schedule.Parse understands ("every 5m", "in 30m", "0 9 * * 1-5").
type addJobRequest struct {
	cron.AddRequest
	ScheduleText string `json:"scheduleText"`
}

func (s *Server) cronSvc(c *gin.Context) *cron.Service {
	if s.svc.Cron == nil {
		writeError(c, errUnavailable)
		return nil
	}
	return s.svc.Cron
}

func (s *Server) handleCronStatus(c *gin.Context) {
	if cs := s.cronSvc(c); cs != nil {
		c.JSON(http.StatusOK, cs.Status())
	}
}

func (s *Server) handleListJobs(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	f := cron.Filter{
		IncludeDisabled: c.Query("all") == "true" || c.Query("all") == "1",
		SessionTarget:   cron.SessionTarget(c.Query("target")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, session.Invalid("limit: %v", err))
			return
		}
		f.Limit = n
	}
	jobs := cs.List(f)
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleAddJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	var req addJobRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if req.ScheduleText != "" {
		sch, err := schedule.Parse(req.ScheduleText, time.Now(), s.svc.Timezone)
		if err != nil {
			writeError(c, err)
			return
		}
		req.Schedule = sch
	}
	j, err := cs.Add(c.Request.Context(), req.AddRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) handleGetJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	j, ok := cs.Get(c.Param("id"))
	if !ok {
		writeError(c, session.NotFound("job", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleUpdateJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	var req cron.UpdateRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	j, err := cs.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleRemoveJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	ok, err := cs.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

func (s *Server) handleRunJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	mode, err := cron.ParseRunMode(c.Query("mode"))
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := cs.Run(c.Request.Context(), c.Param("id"), mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleEnableJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	j, err := cs.Enable(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleDisableJob(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	j, err := cs.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleJobHistory(c *gin.Context) {
	cs := s.cronSvc(c)
	if cs == nil {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, session.Invalid("limit: %v", err))
			return
		}
		limit = n
	}
	runs, err := cs.History(c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
