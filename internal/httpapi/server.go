package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxReadHeaderTimeout = 5 * time.Second
	maxReadTimeout       = 10 * time.Second
	// A synchronous /sandbox/execute holds the response open for the whole
	// playbook run, so the write timeout must comfortably exceed any
	// exercise time limit.
	maxWriteTimeout = 10 * time.Minute
	idleTimeout     = 120 * time.Second
)

// NewServer builds the gin engine and wraps it in an *http.Server:
// gin.Recovery(), permissive CORS for the student-facing SPA, a request
// logging middleware, and generous server timeouts so a long-running
// `/sandbox/execute` call isn't cut off by the HTTP layer itself — the
// executor's own timeout is what actually bounds it.
func NewServer(ctx context.Context, store *APIStore, log *zap.Logger, port int) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-User-Id", "X-Async"}
	r.Use(cors.New(corsConfig))

	store.RegisterRoutes(r)

	return &http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		ReadHeaderTimeout: maxReadHeaderTimeout,
		ReadTimeout:       maxReadTimeout,
		WriteTimeout:      maxWriteTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// loggingMiddleware logs one structured line per request.
func loggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
