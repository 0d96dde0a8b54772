package app

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/api/middleware"
	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/pkg/logger"
)

// defaultAllowedOrigins are the local operator consoles.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))

	server.RegisterHealthRoutes(router)
	server.RegisterRoutes(router.Group("/api/v1"))

	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/log/level", gin.WrapH(logger.HTTPHandler()))
	router.PUT("/log/level", gin.WrapH(logger.HTTPHandler()))
	return router
}

// buildCORSConfig strips "*" from the allowlist unless the unsafe flag is
// set. Allowing every origin disables credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Location", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}

	wildcard := false
	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		origins = append(origins, o)
	}

	if wildcard && cfg.Server.UnsafeAllowAllOrigins {
		cc.AllowAllOrigins = true
		cc.AllowCredentials = false
		return cc
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	cc.AllowOrigins = origins
	cc.AllowCredentials = cfg.Server.AllowCredentials
	return cc
}
