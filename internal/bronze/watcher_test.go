package bronze

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchEmitsInitialAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "old.csv", "email,request_id\n")
	writeFile(t, dir, "skip.txt", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, _, err := Watch(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case p := <-events:
		if p != existing {
			t.Fatalf("initial scan emitted %s", p)
		}
	case <-ctx.Done():
		t.Fatal("no initial event")
	}

	created := filepath.Join(dir, "new.json")
	if err := os.WriteFile(created, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-events:
		if p != created {
			t.Fatalf("emitted %s, want %s", p, created)
		}
	case <-ctx.Done():
		t.Fatal("no event for new file")
	}

	cancel()
	for range events {
	}
}

func TestWatchRequiresRoots(t *testing.T) {
	if _, _, err := Watch(context.Background(), WatchConfig{}); err == nil {
		t.Fatal("want error without roots")
	}
}
