// Package statushttp serves the read-only status API: per-key last stored
// bar and completeness, backed by the engine's status queries.
package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"indicore/internal/engine"
	"indicore/internal/logger"
)

type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig carries the status API dependencies.
type ServerConfig struct {
	Addr         string
	Engine       *engine.Engine
	Computations []engine.Computation
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("status http server requires an engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r := &statusRouter{engine: cfg.Engine, computations: cfg.Computations}
	r.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type statusRouter struct {
	engine       *engine.Engine
	computations []engine.Computation
}

func (r *statusRouter) register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:symbol/:timeframe/:indicator", r.handleStatusKey)
}

func (r *statusRouter) handleStatusAll(c *gin.Context) {
	out := make([]engine.Status, 0, len(r.computations))
	for _, comp := range r.computations {
		st, err := r.engine.Status(c.Request.Context(), comp)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

func (r *statusRouter) handleStatusKey(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	timeframe := strings.TrimSpace(c.Param("timeframe"))
	indicator := strings.TrimSpace(c.Param("indicator"))
	for _, comp := range r.computations {
		key := comp.Key()
		if key.Symbol != symbol || key.Timeframe != timeframe || key.Indicator != indicator {
			continue
		}
		st, err := r.engine.Status(c.Request.Context(), comp)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown computation key"})
}
