package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	// Delimiter is sniffed from the header line when zero.
	Delimiter rune
	Comment   rune
}

// sniffDelimiter picks the candidate that splits the header line into the
// most fields. Spreadsheet exports in many locales use ';'.
func sniffDelimiter(header []byte) rune {
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(header, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// ReadCSV reads a delimited table whose first row is the header. A UTF-8 BOM
// is dropped and every field is trimmed. Rows may be ragged.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	delim := opts.Delimiter
	if delim == 0 {
		line, err := br.Peek(br.Size())
		if err != nil && err != io.EOF {
			return nil, eris.Wrap(err, "csv: peek header")
		}
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		delim = sniffDelimiter(line)
	}

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.Comment = opts.Comment
	reader.FieldsPerRecord = -1

	t := &Table{}
	for n := 0; ; n++ {
		if n%1024 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		if t.Header == nil {
			t.Header = record
			continue
		}
		t.Rows = append(t.Rows, record)
	}
	if t.Header == nil {
		return nil, eris.New("csv: no header row")
	}
	return t, nil
}
