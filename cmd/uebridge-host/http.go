package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"uebridge/server"
	"uebridge/transport"
)

// newRouter serves the host's HTTP side: prometheus metrics, a health probe and
// the WebSocket endpoint carrying the framed protocol.
func newRouter(svr *server.Server, wsPath string, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"objects": svr.Model().Len(),
		})
	})
	if wsPath != "" {
		router.GET(wsPath, gin.WrapH(transport.WebSocketHandler(svr.ServeConn, logger)))
	}
	return router
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
