package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter wires the handler routes and serves metrics from gatherer.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/connections", h.ListConnections)
		api.GET("/connections/stats", h.Stats)
		api.POST("/connections/cleanup", h.Cleanup)
		api.GET("/connections/:identity", h.GetConnection)
		api.POST("/connections/:identity", h.Connect)
		api.DELETE("/connections/:identity", h.Disconnect)
		api.GET("/audit/verify", h.VerifyAudit)
	}
	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
