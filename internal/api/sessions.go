package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/session"
)

type spawnRequest struct {
	Task           string                  `json:"task"`
	Label          string                  `json:"label"`
	Type           session.Type            `json:"type"`
	Tags           []string                `json:"tags"`
	ParentID       string                  `json:"parentId"`
	Priority       session.Priority        `json:"priority"`
	Timeout        string                  `json:"timeout"`
	Model          string                  `json:"model"`
	TradingContext *session.TradingContext `json:"tradingContext"`
	Metadata       map[string]any          `json:"metadata"`
	// Wait blocks until the session is terminal.
	Wait bool `json:"wait"`
}

func (s *Server) orch(c *gin.Context) *orchestrator.Service {
	if s.svc.Orchestrator == nil {
		writeError(c, errUnavailable)
		return nil
	}
	return s.svc.Orchestrator
}

func (s *Server) handleSpawn(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	var req spawnRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	typ, err := session.ParseType(string(req.Type))
	if err != nil {
		writeError(c, err)
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil {
			writeError(c, session.Invalid("timeout: %v", err))
			return
		}
	}
	ctx := c.Request.Context()
	sess, err := o.Spawn(ctx, orchestrator.SpawnOptions{
		Task:           req.Task,
		Label:          req.Label,
		Type:           typ,
		Tags:           req.Tags,
		ParentID:       req.ParentID,
		Priority:       req.Priority,
		Timeout:        timeout,
		Model:          req.Model,
		TradingContext: req.TradingContext,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Wait {
		if done, err := o.Wait(ctx, sess.ID); err == nil {
			sess = done
		}
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	f := session.Filter{Status: session.Status(c.Query("status")), Tags: c.QueryArray("tag")}
	if v := c.Query("type"); v != "" {
		typ, err := session.ParseType(v)
		if err != nil {
			writeError(c, err)
			return
		}
		f.Type = typ
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, session.Invalid("limit: %v", err))
			return
		}
		f.Limit = n
	}
	list := o.List(f)
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	sess, ok := o.Get(c.Param("id"))
	if !ok {
		writeError(c, session.NotFound("session", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleWaitSession waits up to ?timeout (default 30s) and returns the
// session as it is then.
func (s *Server) handleWaitSession(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	timeout := 30 * time.Second
	if v := c.Query("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(c, session.Invalid("timeout: %v", err))
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	sess, err := o.Wait(ctx, c.Param("id"))
	if err != nil && sess.ID == "" {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSend(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := o.Send(c.Param("id"), req.Message); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCancel(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	ok, err := o.Cancel(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

func (s *Server) handleSpawnStrategies(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	var req struct {
		Strategies []orchestrator.StrategySpec `json:"strategies"`
		Tag        string                      `json:"tag"`
	}
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	b, err := o.SpawnStrategies(c.Request.Context(), req.Strategies, req.Tag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleSpawnAnalysis(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	var req struct {
		Symbols      []string `json:"symbols"`
		Timeframe    string   `json:"timeframe"`
		AnalysisType string   `json:"analysisType"`
	}
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	b, err := o.SpawnMultiSymbolAnalysis(c.Request.Context(), req.Symbols, req.Timeframe, req.AnalysisType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleResults(c *gin.Context) {
	o := s.orch(c)
	if o == nil {
		return
	}
	c.JSON(http.StatusOK, o.AggregateByTag(c.Param("tag")))
}
