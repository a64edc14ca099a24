package crmsync

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// exportColumns is the stable header of the export artifact.
var exportColumns = []string{
	"id", "external_id", "email", "first_name", "last_name",
	"phone", "organization", "created_at", "updated_at",
}

// exportScope builds the CSV artifact from every surviving record and
// stores it at a retrievable path, optionally mirrored to disk. Failure
// here is fatal to the finish sequence.
func (e *Engine) exportScope(scope Scope) error {
	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return &NotFoundError{Kind: "scope", ID: scope.Key()}
	}
	records := make([]Record, 0, len(st.Records))
	for _, record := range st.Records {
		records = append(records, record)
	}
	e.mu.RUnlock()

	content, err := buildExportCSV(records)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	artifact := ExportArtifact{
		Path: fmt.Sprintf("exports/%s/%s/records-%s.csv",
			scope.OwnerID, scope.ConnectionKey, now.Format("20060102T150405Z")),
		Content:   content,
		RowCount:  len(records),
		CreatedAt: now,
	}

	if e.exportDir != "" {
		target := filepath.Join(e.exportDir, filepath.FromSlash(artifact.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.lookupScopeLocked(scope); ok {
		st.Export = &artifact
		_ = e.saveLocked()
	}
	return nil
}

func buildExportCSV(records []Record) ([]byte, error) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].ExternalID == records[j].ExternalID {
			return records[i].ID < records[j].ID
		}
		return records[i].ExternalID < records[j].ExternalID
	})
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportColumns); err != nil {
		return nil, err
	}
	for _, record := range records {
		row := []string{
			record.ID,
			record.ExternalID,
			record.Email,
			record.FirstName,
			record.LastName,
			record.Phone,
			record.Organization,
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
