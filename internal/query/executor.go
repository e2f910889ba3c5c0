package query

import (
	"sort"
	"strconv"

	"github.com/reedbase/reedbase/internal/index"
	"github.com/reedbase/reedbase/internal/merge"
)

// Plan names which physical strategy the executor chose for a query.
type Plan int

const (
	PlanFullScan Plan = iota
	PlanPointLookupIndex
	PlanRangeScanIndex
	PlanPrefixScanIndex
)

// Result is the materialised outcome of a SELECT.
type Result struct {
	Header []string
	Rows   []merge.Row
	Plan   Plan
}

// columnIndex returns header's position for column, or -1.
func columnIndex(header []string, column string) int {
	for i, h := range header {
		if h == column {
			return i
		}
	}
	return -1
}

func rowValue(header []string, row merge.Row, column string) (string, bool) {
	if column == header[0] {
		return row.Key, true
	}
	i := columnIndex(header, column)
	if i <= 0 || i-1 >= len(row.Values) {
		return "", false
	}
	return row.Values[i-1], true
}

// EvaluatePredicate reports whether row satisfies every condition
// (conjunction only, per spec.md §4.9).
func EvaluatePredicate(header []string, row merge.Row, conds []Condition) bool {
	for _, c := range conds {
		v, ok := rowValue(header, row, c.Column)
		if !ok {
			return false
		}
		if !evalOne(v, c) {
			return false
		}
	}
	return true
}

func evalOne(v string, c Condition) bool {
	switch c.Operator {
	case OpEquals:
		return v == c.Value
	case OpNotEquals:
		return v != c.Value
	case OpLessThan:
		return v < c.Value
	case OpGreaterThan:
		return v > c.Value
	case OpLessEquals:
		return v <= c.Value
	case OpGreaterEqual:
		return v >= c.Value
	case OpLike:
		return MatchLike(c.Value, v)
	case OpIn:
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	}
	return false
}

// Execute runs a SELECT's analysed plan against the table's current rows,
// consulting idx for an index-accelerated path when one exists, per
// spec.md §4.10.
func Execute(header []string, rows []merge.Row, idx *index.IndexManager, table string, aq AnalysedQuery) Result {
	var candidates []merge.Row
	plan := PlanFullScan

	switch aq.Pattern {
	case PointLookup:
		if idx != nil {
			if ids, ok := idx.Resolve(table, index.QueryFilter{Column: aq.Column, Value: aq.Value}); ok {
				candidates = selectByRowIDs(rows, ids)
				plan = PlanPointLookupIndex
				break
			}
		}
		candidates = filterRows(header, rows, aq.Query.Conditions)
	case RangeScan:
		if idx != nil {
			if backend, kind, ok := idx.Lookup(table, aq.Column); ok && kind == index.BackendBTree {
				ids := backend.Range(aq.Lo, aq.Hi, aq.InclLo, aq.InclHi)
				candidates = selectByRowIDs(rows, ids)
				plan = PlanRangeScanIndex
				break
			}
		}
		candidates = filterRows(header, rows, aq.Query.Conditions)
	case PrefixScan:
		if idx != nil {
			if _, kind, ok := idx.Lookup(table, aq.Column); ok && kind == index.BackendBTree {
				if ids, ok := idx.Resolve(table, index.QueryFilter{Column: aq.Column, Value: aq.Value, Prefix: true}); ok {
					candidates = selectByRowIDs(rows, ids)
					plan = PlanPrefixScanIndex
					break
				}
			}
		}
		candidates = filterRows(header, rows, aq.Query.Conditions)
	default:
		candidates = filterRows(header, rows, aq.Query.Conditions)
	}

	q := aq.Query
	if q.OrderBy != nil {
		sortRows(header, candidates, *q.OrderBy)
	}
	candidates = applyLimitOffset(candidates, q)

	resultHeader, resultRows := projectColumns(header, candidates, q.Columns)
	return Result{Header: resultHeader, Rows: resultRows, Plan: plan}
}

func filterRows(header []string, rows []merge.Row, conds []Condition) []merge.Row {
	if len(conds) == 0 {
		return append([]merge.Row(nil), rows...)
	}
	var out []merge.Row
	for _, r := range rows {
		if EvaluatePredicate(header, r, conds) {
			out = append(out, r)
		}
	}
	return out
}

func selectByRowIDs(rows []merge.Row, ids []string) []merge.Row {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []merge.Row
	for _, r := range rows {
		if _, ok := wanted[r.Key]; ok {
			out = append(out, r)
		}
	}
	return out
}

func sortRows(header []string, rows []merge.Row, order OrderBy) {
	sort.SliceStable(rows, func(i, j int) bool {
		vi, _ := rowValue(header, rows[i], order.Column)
		vj, _ := rowValue(header, rows[j], order.Column)
		if order.Direction == Descending {
			return vi > vj
		}
		return vi < vj
	})
}

func applyLimitOffset(rows []merge.Row, q ParsedQuery) []merge.Row {
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return nil
		}
		rows = rows[q.Offset:]
	}
	if q.HasLimit && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows
}

// projectColumns applies the SELECT list, including aggregations. A SELECT
// list with any aggregate collapses the row set to a single output row.
func projectColumns(header []string, rows []merge.Row, cols []SelectColumn) ([]string, []merge.Row) {
	hasAgg := false
	for _, c := range cols {
		if c.Aggregate != AggNone {
			hasAgg = true
			break
		}
	}
	if hasAgg {
		return projectAggregates(header, rows, cols)
	}

	if len(cols) == 1 && cols[0].Column == "*" {
		return header, rows
	}

	// The selected column list may or may not include the table's key
	// column; Result.Rows always carries the first selected value as Key
	// and the rest as Values, mirroring the CSV wire format's own
	// key-then-columns shape so callers can render either uniformly.
	outHeader := make([]string, len(cols))
	for i, c := range cols {
		outHeader[i] = c.Column
	}
	outRows := make([]merge.Row, len(rows))
	for i, r := range rows {
		values := make([]string, len(cols))
		for j, c := range cols {
			v, _ := rowValue(header, r, c.Column)
			values[j] = v
		}
		if len(values) == 0 {
			outRows[i] = merge.Row{}
			continue
		}
		outRows[i] = merge.Row{Key: values[0], Values: values[1:]}
	}
	return outHeader, outRows
}

func projectAggregates(header []string, rows []merge.Row, cols []SelectColumn) ([]string, []merge.Row) {
	outHeader := make([]string, len(cols))
	values := make([]string, len(cols))
	for i, c := range cols {
		outHeader[i] = string(c.Aggregate) + "(" + c.Column + ")"
		values[i] = aggregate(header, rows, c)
	}
	return outHeader, []merge.Row{{Key: values[0], Values: values[1:]}}
}

func aggregate(header []string, rows []merge.Row, c SelectColumn) string {
	switch c.Aggregate {
	case AggCount:
		return strconv.Itoa(len(rows))
	case AggSum, AggAvg, AggMin, AggMax:
		var nums []float64
		for _, r := range rows {
			v, ok := rowValue(header, r, c.Column)
			if !ok {
				continue
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			nums = append(nums, n)
		}
		return formatAggregate(c.Aggregate, nums)
	}
	return ""
}

func formatAggregate(fn AggregateFunc, nums []float64) string {
	if len(nums) == 0 {
		return "0"
	}
	switch fn {
	case AggSum:
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return strconv.FormatFloat(sum, 'f', -1, 64)
	case AggAvg:
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return strconv.FormatFloat(sum/float64(len(nums)), 'f', -1, 64)
	case AggMin:
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return strconv.FormatFloat(min, 'f', -1, 64)
	case AggMax:
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return strconv.FormatFloat(max, 'f', -1, 64)
	}
	return "0"
}
