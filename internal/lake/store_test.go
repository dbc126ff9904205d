package lake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var txSchema = NewSchema(
	Column{Name: "email", Type: Text},
	Column{Name: "request_id", Type: Text},
	Column{Name: "date", Type: Text},
	Column{Name: "description", Type: Text},
	Column{Name: "amount", Type: Numeric},
)

func txRow(email, date, desc string, amount float64) Record {
	return Record{"email": email, "request_id": "r1", "date": date, "description": desc, "amount": amount}
}

var txKeys = []string{"email", "request_id", "date", "description"}

// backends returns a fresh instance of every backend implementation.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "lake.db"), quietLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func newTestStore(b Backend, opts ...Option) *Store {
	opts = append([]Option{WithRetryDelays(time.Millisecond, 2*time.Millisecond)}, opts...)
	return NewStore(b, quietLogger(), opts...)
}

func TestOverwriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	schema := NewSchema(
		Column{Name: "email", Type: Text},
		Column{Name: "score", Type: Numeric},
		Column{Name: "sent_timestamp", Type: Timestamp},
	)
	rows := []Record{
		{"email": "a@b.com", "score": 0.75, "sent_timestamp": when},
		{"email": "b@b.com", "score": nil, "sent_timestamp": nil},
	}

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(b)
			res, err := s.Write(ctx, "t", schema, rows, WriteOptions{Mode: ModeOverwrite})
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			if res.Version != 1 || res.Written != 2 {
				t.Fatalf("unexpected result: %+v", res)
			}
			snap, err := s.Read(ctx, "t")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if diff := cmp.Diff(rows, snap.Rows); diff != "" {
				t.Fatalf("rows (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(schema, snap.Schema); diff != "" {
				t.Fatalf("schema (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadMissingTable(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newTestStore(b).Read(context.Background(), "nope")
			if !errors.Is(err, common.ErrStoreNotFound) {
				t.Fatalf("got %v, want ErrStoreNotFound", err)
			}
		})
	}
}

func TestMergeInsertsOnlyUnmatched(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(b)
			seed := []Record{
				txRow("a@b.com", "2023-01-15", "Payment", -100),
				txRow("a@b.com", "2023-01-16", "Deposit", 50),
			}
			if _, err := s.Write(ctx, "silver", txSchema, seed, WriteOptions{Mode: ModeOverwrite}); err != nil {
				t.Fatalf("seed: %v", err)
			}

			incoming := []Record{
				txRow("a@b.com", "2023-01-15", "Payment", -999), // matches, must not update
				txRow("a@b.com", "2023-01-17", "Coffee", -4),
				txRow("a@b.com", "2023-01-17", "Coffee", -4), // repeat inside the batch
			}
			res, err := s.Write(ctx, "silver", txSchema, incoming, WriteOptions{Mode: ModeMerge, Keys: txKeys})
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if res.Written != 1 || res.Skipped != 2 || res.Mode != ModeMerge {
				t.Fatalf("unexpected result: %+v", res)
			}

			snap, err := s.Read(ctx, "silver")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			want := append(seed, txRow("a@b.com", "2023-01-17", "Coffee", -4))
			if diff := cmp.Diff(want, snap.Rows); diff != "" {
				t.Fatalf("rows (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeIntoMissingTableOverwrites(t *testing.T) {
	s := newTestStore(NewMemoryBackend())
	res, err := s.Write(context.Background(), "silver", txSchema,
		[]Record{txRow("a@b.com", "2023-01-15", "Payment", 1)},
		WriteOptions{Mode: ModeMerge, Keys: txKeys})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Mode != ModeOverwrite || res.Version != 1 || res.Written != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMergeIntoMissingTableStillDedups(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(b)
			res, err := s.Write(ctx, "silver", txSchema, []Record{
				txRow("a@b.com", "2023-01-15", "Netflix", -15),
				txRow("a@b.com", "2023-01-15", "Netflix", -20),
			}, WriteOptions{Mode: ModeMerge, Keys: txKeys})
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if res.Mode != ModeOverwrite || res.Written != 1 || res.Skipped != 1 {
				t.Fatalf("unexpected result: %+v", res)
			}
			snap, err := s.Read(ctx, "silver")
			if err != nil {
				t.Fatal(err)
			}
			if len(snap.Rows) != 1 || snap.Rows[0]["amount"] != -15.0 {
				t.Fatalf("first row per key must win, got %v", snap.Rows)
			}
		})
	}
}

func TestUntypedColumnAdoptsTableType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryBackend())
	if _, err := s.Write(ctx, "silver", txSchema, []Record{txRow("a@b.com", "2023-01-15", "Payment", -100)}, WriteOptions{Mode: ModeOverwrite}); err != nil {
		t.Fatal(err)
	}
	textAmount := NewSchema(append(append([]Column(nil), txSchema.Columns[:4]...), Column{Name: "amount", Type: Text})...)
	row := Record{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": ""}

	if _, err := s.Write(ctx, "silver", textAmount, []Record{row}, WriteOptions{Mode: ModeMerge, Keys: txKeys}); !errors.Is(err, common.ErrMalformedSchema) {
		t.Fatalf("a typed text column must still conflict, got %v", err)
	}
	res, err := s.Write(ctx, "silver", textAmount, []Record{row}, WriteOptions{Mode: ModeMerge, Keys: txKeys, Untyped: []string{"amount"}})
	if err != nil {
		t.Fatalf("untyped merge: %v", err)
	}
	if res.Written != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if row["amount"] != "" {
		t.Fatal("caller rows must not be modified")
	}
	snap, _ := s.Read(ctx, "silver")
	if snap.Rows[1]["amount"] != 0.0 {
		t.Fatalf("untyped value not filled: %v", snap.Rows[1])
	}
}

func TestAppendUnionsSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryBackend())
	first := NewSchema(Column{Name: "email", Type: Text})
	if _, err := s.Write(ctx, "bronze", first, []Record{{"email": "a"}}, WriteOptions{Mode: ModeAppend}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	second := NewSchema(Column{Name: "email", Type: Text}, Column{Name: "amount", Type: Numeric})
	if _, err := s.Write(ctx, "bronze", second, []Record{{"email": "a", "amount": 3}}, WriteOptions{Mode: ModeAppend}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	snap, err := s.Read(ctx, "bronze")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []Record{
		{"email": "a", "amount": nil},
		{"email": "a", "amount": 3.0},
	}
	if diff := cmp.Diff(want, snap.Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"email", "amount"}, snap.Schema.Names()); diff != "" {
		t.Fatalf("schema (-want +got):\n%s", diff)
	}
}

func TestMalformedSchemaIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryBackend())
	if _, err := s.Write(ctx, "silver", txSchema, []Record{txRow("a", "d", "x", 1)}, WriteOptions{Mode: ModeOverwrite}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	textAmount := NewSchema(
		Column{Name: "email", Type: Text},
		Column{Name: "request_id", Type: Text},
		Column{Name: "date", Type: Text},
		Column{Name: "description", Type: Text},
		Column{Name: "amount", Type: Text},
	)
	res, err := s.Write(ctx, "silver", textAmount,
		[]Record{{"email": "a", "request_id": "r1", "date": "d", "description": "y", "amount": "1"}},
		WriteOptions{Mode: ModeMerge, Keys: txKeys})
	if !errors.Is(err, common.ErrMalformedSchema) {
		t.Fatalf("got %v, want ErrMalformedSchema", err)
	}
	if res.Attempts != 1 {
		t.Fatalf("malformed schema retried %d times", res.Attempts)
	}
}

func TestUnknownColumnRejected(t *testing.T) {
	s := newTestStore(NewMemoryBackend())
	_, err := s.Write(context.Background(), "t", NewSchema(Column{Name: "a", Type: Text}),
		[]Record{{"a": "x", "b": "y"}}, WriteOptions{Mode: ModeOverwrite})
	if !errors.Is(err, common.ErrMalformedSchema) {
		t.Fatalf("got %v, want ErrMalformedSchema", err)
	}
}

// racingBackend lets another writer commit right before the first commit attempt.
type racingBackend struct {
	Backend
	once sync.Once
	race func()
}

func (r *racingBackend) Commit(ctx context.Context, table string, expected int64, schema Schema, rows []Record) (int64, error) {
	r.once.Do(r.race)
	return r.Backend.Commit(ctx, table, expected, schema, rows)
}

func TestConflictRecomputesAgainstFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	for name, inner := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed := txRow("a@b.com", "2023-01-15", "Payment", -100)
			if _, err := newTestStore(inner).Write(ctx, "silver", txSchema, []Record{seed}, WriteOptions{Mode: ModeOverwrite}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			racer := txRow("b@b.com", "2023-01-16", "Deposit", 10)
			rb := &racingBackend{Backend: inner}
			rb.race = func() {
				other := newTestStore(inner)
				if _, err := other.Write(ctx, "silver", txSchema, []Record{racer}, WriteOptions{Mode: ModeMerge, Keys: txKeys}); err != nil {
					t.Errorf("racing write: %v", err)
				}
			}

			mine := txRow("c@b.com", "2023-01-17", "Coffee", -4)
			res, err := newTestStore(rb).Write(ctx, "silver", txSchema, []Record{mine}, WriteOptions{Mode: ModeMerge, Keys: txKeys})
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if res.Attempts != 2 || res.Version != 3 {
				t.Fatalf("expected one retry landing on version 3, got %+v", res)
			}
			snap, err := inner.Load(ctx, "silver")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if diff := cmp.Diff([]Record{seed, racer, mine}, snap.Rows); diff != "" {
				t.Fatalf("rows (-want +got):\n%s", diff)
			}
		})
	}
}

// conflictingBackend loses every commit race.
type conflictingBackend struct {
	Backend
	commits int
}

func (c *conflictingBackend) Commit(context.Context, string, int64, Schema, []Record) (int64, error) {
	c.commits++
	return 0, ErrCommitConflict
}

func TestConflictRetriesAreBounded(t *testing.T) {
	cb := &conflictingBackend{Backend: NewMemoryBackend()}
	s := newTestStore(cb, WithMaxRetries(2))
	res, err := s.Write(context.Background(), "silver", txSchema, []Record{txRow("a", "d", "x", 1)}, WriteOptions{Mode: ModeOverwrite})
	if !errors.Is(err, common.ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}
	if cb.commits != 3 || res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got commits=%d attempts=%d", cb.commits, res.Attempts)
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(b)
			schema := NewSchema(Column{Name: "k", Type: Text}, Column{Name: "n", Type: Numeric})
			inc := func(snap Snapshot) (Schema, []Record, error) {
				if snap.Version == 0 {
					return schema, []Record{{"k": "x", "n": 1.0}}, nil
				}
				rows := snap.Rows
				rows[0]["n"] = rows[0]["n"].(float64) + 1
				return schema, rows, nil
			}
			for i := 0; i < 3; i++ {
				if _, err := s.Update(ctx, "counter", inc); err != nil {
					t.Fatalf("update %d: %v", i, err)
				}
			}
			snap, err := s.Read(ctx, "counter")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if snap.Version != 3 || snap.Rows[0]["n"] != 3.0 {
				t.Fatalf("got version %d rows %v", snap.Version, snap.Rows)
			}
		})
	}
}

func TestTablesListing(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(b)
			if _, err := s.Write(ctx, "b", txSchema, []Record{txRow("a", "d", "x", 1)}, WriteOptions{Mode: ModeOverwrite}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Write(ctx, "a", txSchema, nil, WriteOptions{Mode: ModeOverwrite}); err != nil {
				t.Fatal(err)
			}
			infos, err := s.Tables(ctx)
			if err != nil {
				t.Fatalf("tables: %v", err)
			}
			if len(infos) != 2 || infos[0].Name != "a" || infos[1].Rows != 1 || infos[1].Columns != 5 {
				t.Fatalf("unexpected listing: %+v", infos)
			}
		})
	}
}
