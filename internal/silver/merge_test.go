package silver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/clean"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMerger(extra ...string) (*Merger, *lake.Store) {
	store := lake.NewStore(lake.NewMemoryBackend(), quietLogger())
	return NewMerger(store, constants.SilverTable, extra, quietLogger()), store
}

func mustClean(t *testing.T, rows []lake.Record) clean.Batch {
	t.Helper()
	b, err := clean.Clean(rows)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	return b
}

func scenarioBatch() []lake.Record {
	return []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Payment", "amount": -100, "numeric_col": 1.0},
		{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": nil, "numeric_col": nil},
	}
}

func TestMergeTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()

	first, err := m.Merge(ctx, mustClean(t, scenarioBatch()), constants.WriteModeMerge)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if !first.Rebuilt || first.Inserted != 2 {
		t.Fatalf("first merge should create the table with 2 rows: %+v", first)
	}
	after1, _ := store.Read(ctx, constants.SilverTable)

	second, err := m.Merge(ctx, mustClean(t, scenarioBatch()), constants.WriteModeMerge)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if second.Rebuilt || second.Inserted != 0 || second.Skipped != 2 {
		t.Fatalf("second merge should insert nothing: %+v", second)
	}
	after2, _ := store.Read(ctx, constants.SilverTable)
	if diff := cmp.Diff(after1.Rows, after2.Rows); diff != "" {
		t.Fatalf("silver changed on re-merge (-first +second):\n%s", diff)
	}
	if len(after2.Rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(after2.Rows))
	}
}

func TestMergeNeverUpdatesExistingRows(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()
	if _, err := m.Merge(ctx, mustClean(t, scenarioBatch()), constants.WriteModeMerge); err != nil {
		t.Fatal(err)
	}
	changed := scenarioBatch()
	changed[0]["amount"] = 999
	res, err := m.Merge(ctx, mustClean(t, changed), constants.WriteModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 {
		t.Fatalf("matched rows must be dropped: %+v", res)
	}
	snap, _ := store.Read(ctx, constants.SilverTable)
	if snap.Rows[0]["amount"] != -100.0 {
		t.Fatalf("existing row was modified: %v", snap.Rows[0])
	}
}

func TestMergeOverwriteRebuilds(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()
	if _, err := m.Merge(ctx, mustClean(t, scenarioBatch()), constants.WriteModeMerge); err != nil {
		t.Fatal(err)
	}
	only := []lake.Record{{"email": "c@b.com", "request_id": "r3", "date": "2023-02-01", "description": "Rent", "amount": -900}}
	res, err := m.Merge(ctx, mustClean(t, only), constants.WriteModeOverwrite)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rebuilt || res.Inserted != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	snap, _ := store.Read(ctx, constants.SilverTable)
	if len(snap.Rows) != 1 || snap.Rows[0]["email"] != "c@b.com" {
		t.Fatalf("overwrite did not replace contents: %v", snap.Rows)
	}
	if _, ok := snap.Schema.Lookup("numeric_col"); ok {
		t.Fatal("overwrite must replace the schema too")
	}
}

func TestSameDayDuplicatesCollapseUnlessKeyWidened(t *testing.T) {
	ctx := context.Background()
	rows := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Netflix", "amount": -15},
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Netflix", "amount": -20},
	}

	narrow, _ := newMerger()
	res, err := narrow.Merge(ctx, mustClean(t, rows), constants.WriteModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Fatalf("default key collapses same-day rows, got %+v", res)
	}

	wide, _ := newMerger("Amount")
	if diff := cmp.Diff(append(NaturalKey, "amount"), wide.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	res, err = wide.Merge(ctx, mustClean(t, rows), constants.WriteModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 {
		t.Fatalf("widened key keeps both rows, got %+v", res)
	}
}

func TestRowsForApplication(t *testing.T) {
	ctx := context.Background()
	m, _ := newMerger()
	got, err := m.Rows(ctx, "a@b.com", "r1")
	if err != nil || got != nil {
		t.Fatalf("missing table should yield no rows, got %v %v", got, err)
	}
	if _, err := m.Merge(ctx, mustClean(t, scenarioBatch()), constants.WriteModeMerge); err != nil {
		t.Fatal(err)
	}
	got, err = m.Rows(ctx, "b@b.com", "r2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["description"] != "Deposit" {
		t.Fatalf("unexpected rows: %v", got)
	}
}

func TestOverwriteKeepsOneRowPerKey(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()
	rows := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Netflix", "amount": -15},
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Netflix", "amount": -20},
	}
	res, err := m.Merge(ctx, mustClean(t, rows), constants.WriteModeOverwrite)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Skipped != 1 {
		t.Fatalf("rebuild must keep the first row per key, got %+v", res)
	}
	snap, _ := store.Read(ctx, constants.SilverTable)
	if len(snap.Rows) != 1 || snap.Rows[0]["amount"] != -15.0 {
		t.Fatalf("unexpected rows: %v", snap.Rows)
	}
}

func TestAllNullColumnTakesTableType(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()
	first := []lake.Record{{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Payment", "amount": -100}}
	if _, err := m.Merge(ctx, mustClean(t, first), constants.WriteModeMerge); err != nil {
		t.Fatal(err)
	}

	nulls := mustClean(t, []lake.Record{{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": nil}})
	if diff := cmp.Diff([]string{"amount"}, nulls.Untyped); diff != "" {
		t.Fatalf("untyped (-want +got):\n%s", diff)
	}
	res, err := m.Merge(ctx, nulls, constants.WriteModeMerge)
	if err != nil {
		t.Fatalf("merging an all-null column: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	snap, _ := store.Read(ctx, constants.SilverTable)
	if c, _ := snap.Schema.Lookup("amount"); c.Type != lake.Numeric {
		t.Fatalf("amount retyped to %s", c.Type)
	}
	want := []any{-100.0, 0.0}
	var got []any
	for _, r := range snap.Rows {
		got = append(got, r["amount"])
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("amounts (-want +got):\n%s", diff)
	}
}

func TestBlankTextColumnPromotedByLaterNumbers(t *testing.T) {
	ctx := context.Background()
	m, store := newMerger()
	first := []lake.Record{{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Payment", "amount": nil}}
	if _, err := m.Merge(ctx, mustClean(t, first), constants.WriteModeMerge); err != nil {
		t.Fatal(err)
	}
	second := []lake.Record{{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": 250}}
	if _, err := m.Merge(ctx, mustClean(t, second), constants.WriteModeMerge); err != nil {
		t.Fatalf("numbers after an all-null column: %v", err)
	}
	snap, _ := store.Read(ctx, constants.SilverTable)
	if c, _ := snap.Schema.Lookup("amount"); c.Type != lake.Numeric {
		t.Fatalf("amount typed %s", c.Type)
	}
	if snap.Rows[0]["amount"] != 0.0 || snap.Rows[1]["amount"] != 250.0 {
		t.Fatalf("unexpected rows: %v", snap.Rows)
	}
}
