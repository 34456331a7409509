package state

import (
	"context"
	"testing"

	"github.com/Napageneral/fincontext/internal/testutil"
)

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	defer db.Close()

	if _, ok, err := Get(ctx, db, "reindex", "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := Set(ctx, db, "reindex", "cursor", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := Set(ctx, db, "reindex", "cursor", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := Get(ctx, db, "reindex", "cursor")
	if err != nil || !ok || v != "2" {
		t.Fatalf("expected 2, got %q ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := Get(ctx, db, "other", "cursor"); ok {
		t.Fatalf("scopes should not share keys")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	defer db.Close()

	type report struct {
		Indexed int `json:"indexed"`
		Failed  int `json:"failed"`
	}
	var got report
	ok, err := GetJSON(ctx, db, ScopeReindex, KeyLastRun, &got)
	if err != nil || ok {
		t.Fatalf("expected no report yet, got ok=%v err=%v", ok, err)
	}
	if err := SetJSON(ctx, db, ScopeReindex, KeyLastRun, report{Indexed: 4, Failed: 1}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	ok, err = GetJSON(ctx, db, ScopeReindex, KeyLastRun, &got)
	if err != nil || !ok {
		t.Fatalf("get json: ok=%v err=%v", ok, err)
	}
	if got.Indexed != 4 || got.Failed != 1 {
		t.Fatalf("unexpected report: %+v", got)
	}

	if err := Set(ctx, db, ScopeReindex, KeyLastRun, "{broken"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := GetJSON(ctx, db, ScopeReindex, KeyLastRun, &got); err == nil {
		t.Fatalf("expected decode error")
	}
}
