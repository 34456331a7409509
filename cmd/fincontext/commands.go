package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/fincontext/internal/bus"
	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/embedding"
	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/logging"
	"github.com/Napageneral/fincontext/internal/retrieval"
	"github.com/Napageneral/fincontext/internal/server"
	"github.com/Napageneral/fincontext/internal/session"
	"github.com/Napageneral/fincontext/internal/state"
	"github.com/Napageneral/fincontext/internal/vector"
)

const sessionSweepInterval = time.Minute

// lastReindex is the bookkeeping stored after every reindex run.
type lastReindex struct {
	ingest.ReindexReport
	Records    int       `json:"records"`
	Path       string    `json:"path"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

func indexCmd() *cobra.Command {
	var rec ingest.FinancialRecord
	var entityType string
	var amount float64

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed and store one expense or income record",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			rec.EntityType = vector.EntityType(strings.ToLower(entityType))
			if cmd.Flags().Changed("amount") {
				rec.Amount = &amount
			}

			a := mustLoadApp(ctx)
			defer a.Close()

			if err := a.indexer().IndexRecord(ctx, rec); err != nil {
				fail("Failed to index %s %d: %v", rec.EntityType, rec.ID, err)
			}

			text := ingest.BuildText(rec)
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "entity_type": rec.EntityType, "entity_id": rec.ID, "text": text})
			} else {
				fmt.Printf("✓ Indexed %s %d\n  %s\n", rec.EntityType, rec.ID, text)
			}
		},
	}
	cmd.Flags().StringVar(&entityType, "type", string(vector.EntityExpense), "Entity type (expense, income)")
	cmd.Flags().Int64Var(&rec.ID, "id", 0, "Record id")
	cmd.Flags().StringVar(&rec.Description, "description", "", "Description")
	cmd.Flags().StringVar(&rec.Category, "category", "", "Category")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Amount")
	cmd.Flags().StringVar(&rec.Currency, "currency", "", "Currency code (e.g. USD)")
	cmd.Flags().StringVar(&rec.Date, "date", "", "Date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&rec.Notes, "notes", "", "Free-form notes")
	cmd.Flags().StringVar(&rec.PaymentMethod, "method", "", "Payment method (expenses)")
	cmd.Flags().StringVar(&rec.Source, "source", "", "Source (income)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func deindexCmd() *cobra.Command {
	var entityType string
	var id int64

	cmd := &cobra.Command{
		Use:   "deindex",
		Short: "Remove a record's embedding",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := mustLoadApp(ctx)
			defer a.Close()

			et := vector.EntityType(strings.ToLower(entityType))
			if err := a.indexer().Deindex(ctx, et, id); err != nil {
				fail("Failed to remove %s %d: %v", et, id, err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "entity_type": et, "entity_id": id})
			} else {
				fmt.Printf("✓ Removed %s %d\n", et, id)
			}
		},
	}
	cmd.Flags().StringVar(&entityType, "type", string(vector.EntityExpense), "Entity type (expense, income)")
	cmd.Flags().Int64Var(&id, "id", 0, "Record id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func reindexCmd() *cobra.Command {
	var opts ingest.ReindexOptions

	cmd := &cobra.Command{
		Use:   "reindex <records.jsonl>",
		Short: "Bulk (re)embed records from a JSON lines file",
		Long: `Reads one JSON record per line, for example:
  {"entity_type":"expense","id":1,"description":"Supermarket","category":"Food","amount":150,"currency":"USD","date":"2025-11-12"}
Records whose text is unchanged since the last run are skipped unless --force is given.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			records, err := readRecords(args[0])
			if err != nil {
				fail("%v", err)
			}

			a := mustLoadApp(ctx)
			defer a.Close()
			a.documents = a.documents.WithBatchWorkers(opts.Workers)

			report, err := a.indexer().Reindex(ctx, records, opts)
			a.saveReindex(lastReindex{
				ReindexReport: report,
				Records:       len(records),
				Path:          args[0],
				FinishedAt:    time.Now().UTC(),
				Error:         errString(err),
			})
			if err != nil {
				if jsonOutput {
					printJSON(map[string]any{"ok": false, "message": err.Error(), "report": report})
				} else {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "report": report})
			} else {
				fmt.Printf("✓ Reindexed %d records in %s\n", len(records), report.Duration.Round(time.Millisecond))
				fmt.Printf("  Indexed: %d\n  Skipped: %d\n  Failed:  %d\n", report.Indexed, report.Skipped, report.Failed)
			}
		},
	}
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "Concurrent embedding workers")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Re-embed records whose text is unchanged")
	return cmd
}

func (a *app) saveReindex(run lastReindex) {
	if a.database == nil {
		return
	}
	if err := state.SetJSON(context.Background(), a.database, state.ScopeReindex, state.KeyLastRun, run); err != nil {
		a.logger.Warn("failed to record reindex run", "error", err)
	}
}

func (a *app) loadReindex(ctx context.Context) (*lastReindex, error) {
	if a.database == nil {
		return nil, nil
	}
	var run lastReindex
	ok, err := state.GetJSON(ctx, a.database, state.ScopeReindex, state.KeyLastRun, &run)
	if err != nil || !ok {
		return nil, err
	}
	return &run, nil
}

// recordUsage adds this process's provider usage to the stored totals.
func (a *app) recordUsage() {
	if a.database == nil || a.queries == nil {
		return
	}
	// Query and document providers share one metered client.
	u, ok := a.queries.Usage()
	if !ok || u.Calls+u.FailedCalls == 0 {
		return
	}
	ctx := context.Background()
	total, err := a.loadUsage(ctx)
	if err != nil {
		a.logger.Warn("failed to read embedding usage", "error", err)
		return
	}
	if err := state.SetJSON(ctx, a.database, state.ScopeUsage, state.KeyTotals, total.Add(u)); err != nil {
		a.logger.Warn("failed to record embedding usage", "error", err)
	}
}

func (a *app) loadUsage(ctx context.Context) (embedding.Usage, error) {
	var u embedding.Usage
	if a.database == nil {
		return u, nil
	}
	_, err := state.GetJSON(ctx, a.database, state.ScopeUsage, state.KeyTotals, &u)
	return u, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func readRecords(path string) ([]ingest.FinancialRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var records []ingest.FinancialRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var rec ingest.FinancialRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rec.EntityType = vector.EntityType(strings.ToLower(string(rec.EntityType)))
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return records, nil
}

func retrieveCmd() *cobra.Command {
	var (
		types     []string
		filter    vector.Filter
		dateFrom  string
		dateTo    string
		minAmount float64
		maxAmount float64
		maxTokens int
	)

	cmd := &cobra.Command{
		Use:   "retrieve <question>",
		Short: "Build the financial context for a question",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			var err error
			if filter.DateFrom, err = ingest.ParseDate(dateFrom); err != nil {
				fail("%v", err)
			}
			if filter.DateTo, err = ingest.ParseDate(dateTo); err != nil {
				fail("%v", err)
			}
			if cmd.Flags().Changed("min-amount") {
				filter.AmountMin = &minAmount
			}
			if cmd.Flags().Changed("max-amount") {
				filter.AmountMax = &maxAmount
			}

			a := mustLoadApp(ctx)
			defer a.Close()

			cfg := retrieval.ConfigFrom(a.cfg.Retrieval)
			if maxTokens > 0 {
				cfg.MaxTokens = maxTokens
			}
			scope := retrieval.Scope{Filter: filter, Recency: retrieval.NewIndexRecency(a.indexes)}
			for _, t := range types {
				scope.EntityTypes = append(scope.EntityTypes, vector.EntityType(t))
			}

			out, err := a.orchestrator().Retrieve(ctx, strings.Join(args, " "), scope, cfg)
			if err != nil {
				fail("%v", err)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			fmt.Println(out.Text)
			fmt.Fprintf(os.Stderr, "\n(%d results, ~%d tokens, truncated=%v, fallback=%v)\n",
				out.ResultCount, out.EstimatedTokens, out.Truncated, out.Fallback)
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Entity types to search (expense, income, all)")
	cmd.Flags().StringVar(&filter.Category, "category", "", "Only this category")
	cmd.Flags().StringVar(&filter.Currency, "currency", "", "Only this currency")
	cmd.Flags().StringVar(&dateFrom, "from", "", "Earliest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "to", "", "Latest date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&minAmount, "min-amount", 0, "Minimum amount")
	cmd.Flags().Float64Var(&maxAmount, "max-amount", 0, "Maximum amount")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget (default from config)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index coverage",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := mustLoadApp(ctx)
			defer a.Close()

			var stats []vector.Stats
			for _, r := range a.statsReporters() {
				st, err := r.Stats(ctx)
				if err != nil {
					fail("Failed to read stats: %v", err)
				}
				stats = append(stats, st)
			}
			last, err := a.loadReindex(ctx)
			if err != nil {
				fail("Failed to read reindex history: %v", err)
			}
			usage, err := a.loadUsage(ctx)
			if err != nil {
				fail("Failed to read embedding usage: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{
					"provider":     a.queries.ProviderName(),
					"dimension":    a.cfg.Embedding.Dimension,
					"store":        a.cfg.Store.Driver,
					"indexes":      stats,
					"last_reindex": last,
					"usage":        usage,
				})
				return
			}
			fmt.Printf("Provider:  %s (%d dims)\n", a.queries.ProviderName(), a.cfg.Embedding.Dimension)
			fmt.Printf("Store:     %s\n\n", a.cfg.Store.Driver)
			for _, st := range stats {
				fmt.Printf("%-8s %6d records", st.EntityType, st.Count)
				if st.Count > 0 {
					fmt.Printf("  (updated %s)", st.Newest.Local().Format("2006-01-02 15:04"))
				}
				fmt.Println()
			}
			if last != nil {
				fmt.Printf("\nLast reindex: %s (%d records: %d indexed, %d skipped, %d failed)\n",
					last.FinishedAt.Local().Format("2006-01-02 15:04"), last.Records, last.Indexed, last.Skipped, last.Failed)
				if last.Error != "" {
					fmt.Printf("  %s\n", last.Error)
				}
			}
			if usage.Calls > 0 {
				fmt.Printf("\nEmbedding usage: %d calls, %d chars, %d failed (~$%.4f)\n",
					usage.Calls, usage.Chars, usage.FailedCalls, usage.EstimatedCostUSD)
			}
		},
	}
}

func eventsCmd() *cobra.Command {
	var after int64
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List index changes (sqlite store only)",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := mustLoadApp(ctx)
			defer a.Close()

			if a.database == nil {
				fail("The event log needs the sqlite store (store.driver is %q)", a.cfg.Store.Driver)
			}
			events, err := bus.List(ctx, a.database, after, limit)
			if err != nil {
				fail("Failed to list events: %v", err)
			}
			if jsonOutput {
				printJSON(events)
				return
			}
			if len(events) == 0 {
				fmt.Println("No events.")
				return
			}
			for _, e := range events {
				fmt.Printf("%6d  %s  %-16s", e.Seq, time.Unix(e.CreatedAt, 0).Local().Format("2006-01-02 15:04:05"), e.Type)
				if e.EntityType != nil && e.EntityID != nil {
					fmt.Printf("  %s %d", *e.EntityType, *e.EntityID)
				}
				if e.Payload != nil && e.EntityType == nil {
					fmt.Printf("  %s", *e.Payload)
				}
				fmt.Println()
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to show")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve retrieval, indexing and sessions over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := mustLoadApp(ctx)
			defer a.Close()

			sessions, err := a.sessionStore(ctx)
			if err != nil {
				fail("Failed to open session store: %v", err)
			}
			if mem, ok := sessions.(*session.MemoryStore); ok {
				go sweepSessions(ctx, mem)
			}

			srv := server.New(server.Deps{
				Retriever: a.orchestrator(),
				Indexer:   a.indexer(),
				Sessions:  sessions,
				Recency:   retrieval.NewIndexRecency(a.indexes),
				Stats:     a.statsReporters(),
				Usage:     a.queries.Usage,
				Logger:    a.logger,
			}, retrieval.ConfigFrom(a.cfg.Retrieval))

			go watchConfig(ctx, a, srv)

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if err := srv.Run(ctx, addr); err != nil {
				fail("Server stopped: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

// watchConfig applies retrieval tuning and log level changes without a restart.
// Provider and store changes still need one.
func watchConfig(ctx context.Context, a *app, srv *server.Server) {
	path, err := config.GetPath()
	if err != nil {
		a.logger.Warn("config watch disabled", "error", err)
		return
	}
	err = config.Watch(ctx, path, a.logger, func(cfg *config.Config) {
		srv.SetConfig(retrieval.ConfigFrom(cfg.Retrieval))
		logging.SetLevel(cfg.Log.Level)
		a.logger.Info("config reloaded", "path", path)
	})
	if err != nil {
		a.logger.Warn("config watch stopped", "error", err)
	}
}

func sweepSessions(ctx context.Context, store *session.MemoryStore) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep()
		}
	}
}
