package table

import (
	"strconv"
	"strings"

	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/merge"
)

// fieldSep is the table's wire-format column separator (spec.md §6). Values
// and keys may not contain it or a newline; callers are responsible for
// rejecting such input before it reaches the table layer.
const fieldSep = "|"

// ParseRows parses pipe-delimited CSV content: the first line is the
// header, the first column of every row is its key.
func ParseRows(content []byte) (header []string, rows []merge.Row, err error) {
	text := strings.TrimRight(string(content), "\n")
	if text == "" {
		return nil, nil, nil
	}
	lines := strings.Split(text, "\n")
	header = strings.Split(lines[0], fieldSep)
	if len(header) == 0 {
		return nil, nil, &engineerrors.ValidationError{Field: "header", Reason: "empty header row"}
	}

	rows = make([]merge.Row, 0, len(lines)-1)
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		cols := strings.Split(line, fieldSep)
		if len(cols) != len(header) {
			return nil, nil, &engineerrors.ValidationError{
				Field:  "row",
				Reason: lineMismatch(i+2, len(header), len(cols)),
			}
		}
		rows = append(rows, merge.Row{Key: cols[0], Values: cols[1:]})
	}
	return header, rows, nil
}

func lineMismatch(line, want, got int) string {
	return "line " + strconv.Itoa(line) + ": expected " + strconv.Itoa(want) + " columns, got " + strconv.Itoa(got)
}

// EncodeRows renders header and rows as pipe-delimited CSV bytes, writing
// the rows in the order given; it does not sort them.
func EncodeRows(header []string, rows []merge.Row) []byte {
	var b strings.Builder
	b.WriteString(strings.Join(header, fieldSep))
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(r.Key)
		for _, v := range r.Values {
			b.WriteString(fieldSep)
			b.WriteString(v)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
