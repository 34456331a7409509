package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Napageneral/fincontext/internal/embedding"
	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/logging"
	"github.com/Napageneral/fincontext/internal/testutil"
	"github.com/Napageneral/fincontext/internal/vector"
)

func TestReadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	content := `# exported 2025-11-30
{"entity_type":"Expense","id":1,"description":"Supermarket","category":"Food","amount":150,"currency":"USD","date":"2025-11-12"}

{"entity_type":"income","id":2,"description":"Salary","amount":2000,"currency":"USD","source":"Employer"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, err := readRecords(path)
	if err != nil {
		t.Fatalf("readRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].EntityType != vector.EntityExpense || records[0].Amount == nil || *records[0].Amount != 150 {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Source != "Employer" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestReadRecordsReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":1}\n{oops\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := readRecords(path)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if want := path + ":2:"; len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Fatalf("error should name the line, got %v", err)
	}
}

func TestEntityTypes(t *testing.T) {
	got, err := entityTypes([]string{" Expense ", "income"})
	if err != nil {
		t.Fatalf("entityTypes: %v", err)
	}
	if len(got) != 2 || got[0] != vector.EntityExpense || got[1] != vector.EntityIncome {
		t.Fatalf("unexpected types: %v", got)
	}

	defaults, err := entityTypes(nil)
	if err != nil || len(defaults) != 2 {
		t.Fatalf("expected default types, got %v (%v)", defaults, err)
	}

	if _, err := entityTypes([]string{"all"}); err == nil {
		t.Fatalf("expected \"all\" to be rejected in config")
	}
}

func TestReindexBookkeeping(t *testing.T) {
	ctx := context.Background()
	a := &app{logger: logging.Discard()}
	a.saveReindex(lastReindex{Records: 1})
	if last, err := a.loadReindex(ctx); err != nil || last != nil {
		t.Fatalf("without a database nothing is kept, got %+v (%v)", last, err)
	}

	a.database = testutil.OpenTestDB(t)
	defer a.database.Close()

	if last, err := a.loadReindex(ctx); err != nil || last != nil {
		t.Fatalf("expected no history, got %+v (%v)", last, err)
	}
	finished := time.Date(2025, 11, 30, 9, 0, 0, 0, time.UTC)
	a.saveReindex(lastReindex{
		ReindexReport: ingest.ReindexReport{Indexed: 3, Skipped: 2, Failed: 1},
		Records:       6,
		Path:          "records.jsonl",
		FinishedAt:    finished,
		Error:         errString(errors.New("reindex aborted: context canceled")),
	})

	last, err := a.loadReindex(ctx)
	if err != nil || last == nil {
		t.Fatalf("load: %+v (%v)", last, err)
	}
	if last.Indexed != 3 || last.Skipped != 2 || last.Failed != 1 || last.Records != 6 {
		t.Fatalf("unexpected counts: %+v", last)
	}
	if !last.FinishedAt.Equal(finished) || last.Error == "" {
		t.Fatalf("unexpected run: %+v", last)
	}
	if errString(nil) != "" {
		t.Fatalf("nil error should be empty")
	}
}

type meteredProvider struct {
	*embedding.LocalProvider
	usage embedding.Usage
}

func (p meteredProvider) Usage() embedding.Usage { return p.usage }

func TestUsageAccumulatesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	defer db.Close()

	run := func(u embedding.Usage) {
		p := meteredProvider{LocalProvider: embedding.NewLocalProvider(8, 0), usage: u}
		a := &app{
			logger:   logging.Discard(),
			queries:  embedding.NewGenerator(p, embedding.Options{Logger: logging.Discard()}),
			database: db,
		}
		a.recordUsage()
	}

	run(embedding.Usage{Calls: 2, Chars: 40, EstimatedCostUSD: 0.5})
	run(embedding.Usage{})
	run(embedding.Usage{Calls: 1, Chars: 10, FailedCalls: 1, EstimatedCostUSD: 0.25})

	a := &app{logger: logging.Discard(), database: db}
	total, err := a.loadUsage(ctx)
	if err != nil {
		t.Fatalf("load usage: %v", err)
	}
	want := embedding.Usage{Calls: 3, Chars: 50, FailedCalls: 1, EstimatedCostUSD: 0.75}
	if total != want {
		t.Fatalf("usage = %+v, want %+v", total, want)
	}

	unmetered := &app{
		logger:   logging.Discard(),
		queries:  embedding.NewGenerator(embedding.NewLocalProvider(8, 0), embedding.Options{Logger: logging.Discard()}),
		database: db,
	}
	unmetered.recordUsage()
	if total, _ := a.loadUsage(ctx); total != want {
		t.Fatalf("an unmetered provider changed the totals: %+v", total)
	}
}
