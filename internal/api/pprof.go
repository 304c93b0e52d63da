package api

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

const pprofPrefix = "/debug/pprof"

// mountPprof serves the runtime profiles behind the API auth.
func (s *Server) mountPprof(router *gin.Engine) {
	applyRuntimeRates(s.cfg)

	g := router.Group(pprofPrefix, s.auth())
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, block, mutex, allocs, threadcreate).
	g.GET("/:profile", func(c *gin.Context) {
		name := strings.TrimSpace(c.Param("profile"))
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	})
	router.GET(pprofPrefix, func(c *gin.Context) {
		c.Redirect(http.StatusPermanentRedirect, pprofPrefix+"/")
	})
}

// applyRuntimeRates sets the sampling rates for the block and mutex
// profiles; zero leaves the runtime default (off).
func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}
