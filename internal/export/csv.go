package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"annotator/api/internal/store"
)

// codesCSV renders the per-task code export. Multi-value code sets and
// reply-mapping targets are pipe-joined inside their cell.
func codesCSV(taskName string, rows []store.CodeExportRow) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"username", "thread_id", "post_id", "values", "targets", "comment", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.Username,
			row.ThreadID,
			row.PostID,
			strings.Join(row.Values, "|"),
			strings.Join(row.Targets, "|"),
			row.Comment,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(taskName) + "-codes.csv",
		MimeType: "text/csv",
	}, nil
}
