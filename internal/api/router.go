// Package api serves the engine's UI call contract as JSON over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service registers its routes on a router group.
type Service interface {
	Register(r gin.IRouter)
}

// NewRouter builds the engine with middleware, /metrics and every service
// mounted under /v1.
func NewRouter(logger *zap.Logger, services ...Service) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(RequestLogger(logger), Recovery(logger))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	for _, s := range services {
		s.Register(v1)
	}
	return r
}
