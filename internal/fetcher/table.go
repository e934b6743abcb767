package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a header row plus data rows read from a tabular file.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the position of the named column, matched case-insensitively,
// or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// ReadTable reads a CSV or XLSX file whose first row is a header. The format
// is chosen by extension.
func ReadTable(ctx context.Context, path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err := ReadXLSX(path, XLSXOptions{})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, eris.Errorf("fetcher: %s has no header row", path)
		}
		return &Table{Header: rows[0], Rows: rows[1:]}, nil
	case ".csv", ".txt", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		defer f.Close() //nolint:errcheck

		t, err := ReadCSV(ctx, f, CSVOptions{})
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s", path)
		}
		return t, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported table format %q", filepath.Ext(path))
	}
}
