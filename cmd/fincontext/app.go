package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Napageneral/fincontext/internal/bus"
	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/db"
	"github.com/Napageneral/fincontext/internal/embedding"
	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/logging"
	"github.com/Napageneral/fincontext/internal/retrieval"
	"github.com/Napageneral/fincontext/internal/session"
	"github.com/Napageneral/fincontext/internal/vector"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	// queries embeds search text; documents embeds the records being indexed.
	queries   *embedding.Generator
	documents *embedding.Generator
	indexes   []vector.Index
	// database is the sqlite store. It also holds the event log and
	// reindex bookkeeping; nil for the other drivers.
	database *sql.DB
	closers  []func() error
}

// loadApp reads configuration and opens the configured index backend.
func loadApp(ctx context.Context) (*app, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Configure(cfg.Log.Level, os.Stderr)

	query, document, err := embedding.NewProviders(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	opts := embedding.Options{
		MaxAttempts:    cfg.Embedding.MaxAttempts,
		InitialBackoff: cfg.Embedding.InitialBackoff,
		Logger:         logger,
	}
	a := &app{
		cfg:       cfg,
		logger:    logger,
		queries:   embedding.NewGenerator(query, opts),
		documents: embedding.NewGenerator(document, opts),
	}

	types, err := entityTypes(cfg.Retrieval.EntityTypes)
	if err != nil {
		return nil, err
	}
	if err := a.openIndexes(ctx, types); err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("components ready",
		"provider", a.queries.ProviderName(), "store", cfg.Store.Driver,
		"dimension", cfg.Embedding.Dimension, "types", types)
	return a, nil
}

func entityTypes(names []string) ([]vector.EntityType, error) {
	if len(names) == 0 {
		return []vector.EntityType{vector.EntityExpense, vector.EntityIncome}, nil
	}
	var out []vector.EntityType
	for _, n := range names {
		et := vector.EntityType(strings.ToLower(strings.TrimSpace(n)))
		if et == "" || et == vector.ScopeAll {
			return nil, fmt.Errorf("invalid entity type %q in config", n)
		}
		out = append(out, et)
	}
	return out, nil
}

func (a *app) openIndexes(ctx context.Context, types []vector.EntityType) error {
	dim := a.cfg.Embedding.Dimension
	switch a.cfg.Store.Driver {
	case "memory":
		for _, et := range types {
			a.indexes = append(a.indexes, vector.NewMemoryIndex(et, dim))
		}
	case "postgres":
		pg, err := vector.OpenPostgres(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if err := vector.EnsurePGSchema(ctx, pg, dim); err != nil {
			return err
		}
		for _, et := range types {
			a.indexes = append(a.indexes, vector.NewPGVectorIndex(pg, et, dim))
		}
	default:
		if err := db.Init(); err != nil {
			return err
		}
		database, err := db.Open()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, database.Close)
		a.database = database
		for _, et := range types {
			a.indexes = append(a.indexes, vector.NewSQLiteIndex(database, et, dim))
		}
	}
	return nil
}

func (a *app) orchestrator() *retrieval.Orchestrator {
	return retrieval.New(a.queries, a.indexes, a.logger)
}

func (a *app) indexer() *ingest.Indexer {
	ix := ingest.NewIndexer(a.documents, a.indexes, a.logger)
	if a.database != nil {
		ix.SetEvents(bus.NewLog(a.database))
	}
	return ix
}

func (a *app) statsReporters() []vector.StatsReporter {
	var out []vector.StatsReporter
	for _, idx := range a.indexes {
		if r, ok := idx.(vector.StatsReporter); ok {
			out = append(out, r)
		}
	}
	return out
}

func (a *app) sessionStore(ctx context.Context) (session.Store, error) {
	switch a.cfg.Session.Backend {
	case "redis":
		client, err := session.DialRedis(ctx, a.cfg.Session.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return session.NewRedisStore(client, a.cfg.Session.TTL), nil
	default:
		return session.NewMemoryStore(a.cfg.Session.TTL), nil
	}
}

// Close records provider usage and releases every opened resource, most recent first.
func (a *app) Close() {
	a.recordUsage()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
