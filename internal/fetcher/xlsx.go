package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the worksheet to read.
type XLSXOptions struct {
	SheetIndex int
	// SheetName overrides SheetIndex when set.
	SheetName string
}

// ReadXLSX reads one worksheet as trimmed string rows. Blank rows are
// skipped and trailing empty cells dropped.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}

	var sheet *xlsx.Sheet
	switch {
	case opts.SheetName != "":
		s, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		sheet = s
	case opts.SheetIndex < 0 || opts.SheetIndex >= len(f.Sheets):
		return nil, eris.Errorf("xlsx: sheet index %d out of range (%d sheets)", opts.SheetIndex, len(f.Sheets))
	default:
		sheet = f.Sheets[opts.SheetIndex]
	}

	var rows [][]string
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, 0, len(row.Cells))
		last := -1
		for j, cell := range row.Cells {
			v := strings.TrimSpace(cell.String())
			cells = append(cells, v)
			if v != "" {
				last = j
			}
		}
		if last < 0 {
			continue
		}
		rows = append(rows, cells[:last+1])
	}
	return rows, nil
}
