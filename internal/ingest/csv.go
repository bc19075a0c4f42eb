// Package ingest reads tabular transaction exports into raw rows.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// ErrNoHeader is returned when the input has no header line.
var ErrNoHeader = errors.New("csv header is missing")

// ReadCSV reads a header line followed by data rows. Row indexes start at 0
// with the first data row. Short rows leave the trailing columns empty, so
// the orchestrator reports them as skipped instead of failing the upload.
func ReadCSV(r io.Reader) ([]domain.TransactionRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []domain.TransactionRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(rows), err)
		}

		fields := make(map[string]string, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(record) {
				fields[name] = record[i]
			} else {
				fields[name] = ""
			}
		}
		rows = append(rows, domain.TransactionRow{Index: len(rows), Fields: fields})
	}

	return rows, nil
}

// ContentTypeCSV is the media type accepted for CSV uploads.
const ContentTypeCSV = "text/csv"
