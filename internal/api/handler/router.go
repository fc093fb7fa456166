package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig wires the HTTP surface of ledgerd.
type RouterConfig struct {
	Audit          *AuditHandler
	CORSOrigins    []string
	AllowAnyOrigin bool
	RateLimitRPS   int
	// Integrity, if set, reports whether the last chain check passed; it
	// feeds /healthz.
	Integrity func() (checked bool, healthy bool)
	Logger    *zap.Logger
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(ctx context.Context, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition", RequestIDHeader},
			AllowCredentials: !cfg.AllowAnyOrigin,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(SecurityHeaders())
	router.Use(BodyLimit(1 << 20))

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	if cfg.Logger != nil {
		router.Use(RequestLogger(cfg.Logger))
	}

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": "ledgerd"}
		if cfg.Integrity != nil {
			checked, healthy := cfg.Integrity()
			switch {
			case !checked:
				body["chain"] = "unchecked"
			case healthy:
				body["chain"] = "intact"
			default:
				body["chain"] = "failed"
				body["status"] = "degraded"
			}
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	cfg.Audit.Register(v1)
	return router
}
