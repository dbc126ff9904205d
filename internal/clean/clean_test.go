package clean

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

func TestCleanFillsNullsByColumnType(t *testing.T) {
	batch := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Payment", "amount": -100, "numeric_col": 1.0},
		{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": nil, "numeric_col": nil},
	}
	got, err := Clean(batch)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	want := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "2023-01-15", "description": "Payment", "amount": -100.0, "numeric_col": 1.0},
		{"email": "b@b.com", "request_id": "r2", "date": "2023-01-16", "description": "Deposit", "amount": 0.0, "numeric_col": 0.0},
	}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	if c, _ := got.Schema.Lookup("amount"); c.Type != lake.Numeric {
		t.Fatalf("amount typed %s", c.Type)
	}
	if got.Filled["amount"] != 1 || got.Filled["numeric_col"] != 1 {
		t.Fatalf("fill counts: %v", got.Filled)
	}
}

func TestCleanInfersTypesFromStrings(t *testing.T) {
	batch := []lake.Record{
		{"Email": "a@b.com", "Request ID": "r1", "Amount": "12.50", "Category": "food", "Mixed": "abc", "Balance": ""},
		{"Email": "a@b.com", "Request ID": "r1", "Amount": "", "Category": nil, "Mixed": 3, "Balance": "  "},
	}
	got, err := Clean(batch)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	want := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "date": "", "description": "", "amount": 12.5, "balance": "", "category": "food", "mixed": "abc"},
		{"email": "a@b.com", "request_id": "r1", "date": "", "description": "", "amount": 0.0, "balance": "", "category": "", "mixed": "3"},
	}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	wantCols := []lake.Column{
		{Name: "email", Type: lake.Text},
		{Name: "request_id", Type: lake.Text},
		{Name: "date", Type: lake.Text},
		{Name: "description", Type: lake.Text},
		{Name: "amount", Type: lake.Numeric},
		{Name: "balance", Type: lake.Text},
		{Name: "category", Type: lake.Text},
		{Name: "mixed", Type: lake.Text},
	}
	if diff := cmp.Diff(wantCols, got.Schema.Columns); diff != "" {
		t.Fatalf("schema (-want +got):\n%s", diff)
	}
}

func TestCleanKeepsKeyColumnsText(t *testing.T) {
	got, err := Clean([]lake.Record{{"email": "a@b.com", "request_id": 123, "date": "2023-01-01", "description": 42}})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if got.Rows[0]["request_id"] != "123" || got.Rows[0]["description"] != "42" {
		t.Fatalf("key columns not rendered as text: %v", got.Rows[0])
	}
}

func TestCleanRejectsMissingKeyColumns(t *testing.T) {
	cases := map[string][]lake.Record{
		"column absent": {
			{"email": "a@b.com", "date": "2023-01-15"},
		},
		"null on one row": {
			{"email": "a@b.com", "request_id": "r1"},
			{"email": "b@b.com", "request_id": nil},
		},
		"blank email": {
			{"email": " ", "request_id": "r1"},
		},
	}
	for name, batch := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Clean(batch)
			if !errors.Is(err, common.ErrValidation) {
				t.Fatalf("got %v, want validation error", err)
			}
			var ve common.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected a ValidationError, got %T", err)
			}
		})
	}
}

func TestCleanIsStable(t *testing.T) {
	batch := []lake.Record{
		{"email": "a@b.com", "request_id": "r1", "amount": "7", "note": nil},
	}
	first, err := Clean(batch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Clean(first.Rows)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first.Rows, second.Rows); diff != "" {
		t.Fatalf("cleaning twice changed rows (-first +second):\n%s", diff)
	}
}

func TestNormalizeKeepsNulls(t *testing.T) {
	b := Normalize([]lake.Record{
		{"Email": "a@b.com", "Request ID": "r1", "Amount": "5"},
		{"Email": "a@b.com", "Request ID": "r1", "Amount": nil},
	})
	if b.Rows[1]["amount"] != nil || b.Rows[0]["amount"] != 5.0 {
		t.Fatalf("unexpected rows: %v", b.Rows)
	}
}

func TestNormalizeColumn(t *testing.T) {
	cases := map[string]string{
		"Request ID":  "request_id",
		" Date/Time ": "date_time",
		"EMAIL":       "email",
		"amount":      "amount",
	}
	for in, want := range cases {
		if got := NormalizeColumn(in); got != want {
			t.Errorf("NormalizeColumn(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRawRendersEverythingAsText(t *testing.T) {
	b := Raw([]lake.Record{
		{"Email": "a@b.com", "Request ID": "r1", "Amount": -100, "Balance": nil, "Note": " "},
	})
	want := []lake.Record{{"email": "a@b.com", "request_id": "r1", "amount": "-100", "balance": nil, "note": nil}}
	if diff := cmp.Diff(want, b.Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	for _, c := range b.Schema.Columns {
		if c.Type != lake.Text {
			t.Fatalf("column %s typed %s", c.Name, c.Type)
		}
	}
}

func TestCleanReportsUntypedColumns(t *testing.T) {
	got, err := Clean([]lake.Record{
		{"email": "a@b.com", "request_id": "r1", "amount": nil, "balance": "  ", "note": "x"},
		{"email": "a@b.com", "request_id": "r1", "amount": nil, "balance": nil, "note": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"amount", "balance"}, got.Untyped); diff != "" {
		t.Fatalf("untyped (-want +got):\n%s", diff)
	}
}
