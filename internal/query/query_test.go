package query

import (
	"errors"
	"testing"

	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/merge"
)

func TestParseSelectWithWhereOrderLimit(t *testing.T) {
	q, err := Parse("SELECT key, name FROM t WHERE key = 'b' ORDER BY name DESC LIMIT 5 OFFSET 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Kind != StatementSelect || q.Table != "t" {
		t.Fatalf("unexpected parse: %+v", q)
	}
	if len(q.Conditions) != 1 || q.Conditions[0].Value != "b" {
		t.Fatalf("unexpected conditions: %+v", q.Conditions)
	}
	if q.OrderBy == nil || q.OrderBy.Column != "name" || q.OrderBy.Direction != Descending {
		t.Fatalf("unexpected order by: %+v", q.OrderBy)
	}
	if !q.HasLimit || q.Limit != 5 || q.Offset != 1 {
		t.Fatalf("unexpected limit/offset: limit=%d offset=%d", q.Limit, q.Offset)
	}
}

func TestParseInsert(t *testing.T) {
	q, err := Parse("INSERT INTO t (key, name) VALUES ('x', 'X')")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Kind != StatementInsert || q.Table != "t" {
		t.Fatalf("unexpected: %+v", q)
	}
	if len(q.InsertColumns) != 2 || len(q.InsertValues) != 2 || q.InsertValues[0] != "x" {
		t.Fatalf("unexpected insert fields: %+v", q)
	}
}

func TestParseErrorHasPosition(t *testing.T) {
	_, err := Parse("SELEC * FROM t")
	if err == nil {
		t.Fatal("expected parse error")
	}
	var pe *engineerrors.ParseError
	if !errors.As(err, &pe) || pe.Position != 0 {
		t.Fatalf("expected ParseError at position 0, got %v", err)
	}
}

func TestAnalysePointLookup(t *testing.T) {
	q, err := Parse("SELECT * FROM t WHERE key = 'b'")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	if aq.Pattern != PointLookup || aq.Column != "key" || aq.Value != "b" {
		t.Fatalf("unexpected analysis: %+v", aq)
	}
}

func TestAnalyseRangeScan(t *testing.T) {
	q, err := Parse("SELECT * FROM t WHERE key >= 'a' AND key < 'c'")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	if aq.Pattern != RangeScan || aq.Lo != "a" || aq.Hi != "c" || !aq.InclLo || aq.InclHi {
		t.Fatalf("unexpected range analysis: %+v", aq)
	}
}

func TestAnalysePrefixScan(t *testing.T) {
	q, err := Parse("SELECT * FROM t WHERE key LIKE 'ab%'")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	if aq.Pattern != PrefixScan || aq.Value != "ab" {
		t.Fatalf("unexpected prefix analysis: %+v", aq)
	}
}

func TestAnalyseDefaultsToFullScan(t *testing.T) {
	q, err := Parse("SELECT * FROM t WHERE key = 'a' AND name = 'b'")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	if aq.Pattern != FullScan {
		t.Fatalf("expected FullScan for multi-predicate query, got %v", aq.Pattern)
	}
}

func TestMatchLike(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"ab%", "abcdef", true},
		{"ab%", "xabc", false},
		{"a_c", "abc", true},
		{"a_c", "ac", false},
		{"%c", "abc", true},
	}
	for _, c := range cases {
		if got := MatchLike(c.pattern, c.value); got != c.want {
			t.Fatalf("MatchLike(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestExecuteFullScanWithOrderAndLimit(t *testing.T) {
	header := []string{"key", "name"}
	rows := []merge.Row{
		{Key: "c", Values: []string{"C"}},
		{Key: "a", Values: []string{"A"}},
		{Key: "b", Values: []string{"B"}},
	}
	q, err := Parse("SELECT * FROM t ORDER BY key ASC LIMIT 2")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	result := Execute(header, rows, nil, "t", aq)
	if len(result.Rows) != 2 || result.Rows[0].Key != "a" || result.Rows[1].Key != "b" {
		t.Fatalf("unexpected result: %+v", result.Rows)
	}
}

func TestExecuteCountAggregate(t *testing.T) {
	header := []string{"key", "name"}
	rows := []merge.Row{
		{Key: "a", Values: []string{"A"}},
		{Key: "b", Values: []string{"B"}},
	}
	q, err := Parse("SELECT COUNT(key) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	aq := Analyse(q)
	result := Execute(header, rows, nil, "t", aq)
	if len(result.Rows) != 1 || result.Rows[0].Key != "2" {
		t.Fatalf("unexpected count result: %+v", result.Rows)
	}
}
