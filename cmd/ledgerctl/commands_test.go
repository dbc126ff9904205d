package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
)

func TestWriteTable(t *testing.T) {
	sent := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	score, limit := 0.25, 10000.0
	entries := []ledger.Entry{
		{Email: "a@b.com", RequestID: "r1", Status: constants.LedgerStatusScored, SentAt: &sent, ScoredAt: &sent, Score: &score, Limit: &limit},
		{Email: "b@b.com", RequestID: "r2", Status: constants.LedgerStatusPending},
	}

	var buf bytes.Buffer
	if err := writeTable(&buf, entries); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"REQUEST ID", "a@b.com", "SCORED", "2024-03-01T12:00:00Z", "0.25", "10000", "PENDING"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := writeTable(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "(no entries)" {
		t.Fatalf("empty table: %q", buf.String())
	}
}
