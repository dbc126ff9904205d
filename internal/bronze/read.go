// Package bronze loads raw statement batches from files, an inbox directory
// or the statement API, before any cleaning.
package bronze

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("no rows found in file")
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// ReadFile parses a bronze batch file by extension.
func ReadFile(path string) ([]lake.Record, error) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(ext, payload)
}

// Parse decodes payload in the given format (csv, xlsx or json).
func Parse(ext string, payload []byte) ([]lake.Record, error) {
	switch constants.NormalizeExt(ext) {
	case "csv":
		return parseCSV(payload)
	case "xlsx":
		return parseExcel(payload)
	case "json":
		return parseJSON(bytes.NewReader(payload))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) ([]lake.Record, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	rows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return tableRecords(rows)
}

func parseExcel(payload []byte) ([]lake.Record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return tableRecords(rows)
}

// parseJSON accepts an array of objects. Numbers stay json.Number so the
// cleaning stage decides their type.
func parseJSON(r io.Reader) ([]lake.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	out := make([]lake.Record, len(raw))
	for i, m := range raw {
		out[i] = lake.Record(m)
	}
	return out, nil
}

// tableRecords uses the first non-blank row as the header. Short rows are
// padded with nulls, blank rows dropped.
func tableRecords(rows [][]string) ([]lake.Record, error) {
	var header []string
	var out []lake.Record
	for _, row := range rows {
		if blank(row) {
			continue
		}
		if header == nil {
			header = make([]string, len(row))
			for i, h := range row {
				header[i] = strings.TrimSpace(h)
			}
			continue
		}
		rec := make(lake.Record, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			if i < len(row) {
				rec[h] = row[i]
			} else {
				rec[h] = nil
			}
		}
		out = append(out, rec)
	}
	if header == nil {
		return nil, ErrEmptyFile
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
