package csvio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyFile      = errors.New("csv file is empty")
	ErrMissingColumns = errors.New("csv is missing required columns")
)

// Row is one data record keyed by trimmed header name.
type Row struct {
	Line   int
	Values map[string]string
}

// Get returns the trimmed value of a column, or "" when the column is absent.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r.Values[key])
}

// First returns the first non-empty value among interchangeable columns.
func (r Row) First(keys ...string) string {
	for _, key := range keys {
		if v := r.Get(key); v != "" {
			return v
		}
	}
	return ""
}

type Table struct {
	Header []string
	Rows   []Row
}

func (t Table) Has(column string) bool {
	for _, h := range t.Header {
		if h == column {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one of the columns is present.
func (t Table) HasAny(columns ...string) bool {
	for _, c := range columns {
		if t.Has(c) {
			return true
		}
	}
	return false
}

// Require returns ErrMissingColumns naming every group with no present column.
// Each group lists interchangeable column names.
func (t Table) Require(groups ...[]string) error {
	var missing []string
	for _, group := range groups {
		if !t.HasAny(group...) {
			missing = append(missing, strings.Join(group, "|"))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

// ReadRows parses a CSV document with a header row. Blank lines are skipped.
// A file with no header or with a header and no data rows is ErrEmptyFile.
func ReadRows(in io.Reader) (Table, error) {
	br := stripUTF8BOM(bufio.NewReader(in))
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, ErrEmptyFile
		}
		return Table{}, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if !utf8.ValidString(header[i]) {
			return Table{}, fmt.Errorf("invalid header encoding in column %d", i+1)
		}
	}

	table := Table{Header: header}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read row: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := r.FieldPos(0)
		values := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) && name != "" {
				values[name] = record[i]
			}
		}
		table.Rows = append(table.Rows, Row{Line: line, Values: values})
	}
	if len(table.Rows) == 0 {
		return Table{}, ErrEmptyFile
	}
	return table, nil
}

func stripUTF8BOM(r *bufio.Reader) *bufio.Reader {
	b, err := r.Peek(3)
	if err == nil && len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
	return r
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
