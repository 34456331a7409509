// Package server exposes retrieval, indexing and sessions over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Napageneral/fincontext/internal/contextbuilder"
	"github.com/Napageneral/fincontext/internal/embedding"
	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/retrieval"
	"github.com/Napageneral/fincontext/internal/session"
	"github.com/Napageneral/fincontext/internal/vector"
)

const shutdownTimeout = 5 * time.Second

// Retriever answers retrieval requests.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope, cfg retrieval.Config) (contextbuilder.RetrievalContext, error)
}

// RecordIndexer applies record writes to the indexes.
type RecordIndexer interface {
	IndexRecord(ctx context.Context, r ingest.FinancialRecord) error
	Deindex(ctx context.Context, entityType vector.EntityType, entityID int64) error
}

// Deps are the components the server delegates to.
type Deps struct {
	Retriever Retriever
	Indexer   RecordIndexer
	Sessions  session.Store
	// Recency backs the fallback listing. Optional.
	Recency retrieval.RecencySource
	// Stats lists per-type index statistics. Optional.
	Stats []vector.StatsReporter
	// Usage reports embedding provider usage since startup. Optional.
	Usage  func() (embedding.Usage, bool)
	Logger *slog.Logger
}

// Server is the HTTP front end. The retrieval tuning can be swapped while serving.
type Server struct {
	deps   Deps
	cfg    atomic.Pointer[retrieval.Config]
	logger *slog.Logger
}

// New creates a Server with the given retrieval tuning.
func New(deps Deps, cfg retrieval.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the retrieval tuning used by subsequent requests.
func (s *Server) SetConfig(cfg retrieval.Config) {
	s.cfg.Store(&cfg)
}

func (s *Server) config() retrieval.Config { return *s.cfg.Load() }

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/healthz", s.health)

	v1 := router.Group("/v1")
	{
		v1.POST("/retrieve", s.retrieve)
		v1.GET("/stats", s.stats)

		v1.PUT("/index/:type/:id", s.indexRecord)
		v1.DELETE("/index/:type/:id", s.deindexRecord)

		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions/:id", s.getSession)
		v1.DELETE("/sessions/:id", s.expireSession)
		v1.POST("/sessions/:id/context", s.sessionContext)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
