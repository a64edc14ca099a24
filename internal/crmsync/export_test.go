package crmsync

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"
)

func TestBuildExportCSVShape(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "r2", ExternalID: "ext_b", Email: "b@x.com", FirstName: "Bea",
			CreatedAt: created, UpdatedAt: created.Add(time.Hour)},
		{ID: "r1", ExternalID: "ext_a", Email: "a@x.com", Phone: "555-0101",
			Organization: "Acme", CreatedAt: created, UpdatedAt: created},
	}
	content, err := buildExportCSV(records)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	rows, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	wantHeader := []string{"id", "external_id", "email", "first_name", "last_name",
		"phone", "organization", "created_at", "updated_at"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Fatalf("header column %d = %q, want %q", i, rows[0][i], col)
		}
	}
	// Rows are sorted by external id.
	if rows[1][1] != "ext_a" || rows[2][1] != "ext_b" {
		t.Fatalf("rows not sorted by external id: %v / %v", rows[1], rows[2])
	}
	if rows[1][5] != "555-0101" || rows[1][6] != "Acme" {
		t.Fatalf("field columns misplaced: %v", rows[1])
	}
	if rows[1][7] != "2026-08-01T12:00:00Z" {
		t.Fatalf("timestamps must be RFC3339 UTC, got %q", rows[1][7])
	}
	if rows[2][8] != "2026-08-01T13:00:00Z" {
		t.Fatalf("updated_at wrong: %q", rows[2][8])
	}
}

func TestBuildExportCSVEmpty(t *testing.T) {
	content, err := buildExportCSV(nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid csv: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}
