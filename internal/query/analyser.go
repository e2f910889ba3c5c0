package query

// QueryPattern classifies a ParsedQuery's WHERE shape, driving plan
// selection in the executor (spec.md §4.9).
type QueryPattern int

const (
	FullScan QueryPattern = iota
	PointLookup
	PrefixScan
	RangeScan
)

// AnalysedQuery is a ParsedQuery paired with its classified pattern and,
// for RangeScan, the resolved bounds.
type AnalysedQuery struct {
	Query   ParsedQuery
	Pattern QueryPattern

	Column string // PointLookup/PrefixScan/RangeScan target column
	Value  string // PointLookup value, or PrefixScan literal prefix

	Lo, Hi         string
	InclLo, InclHi bool
}

// Analyse classifies q. It never fails — an unrecognised shape defaults to
// FullScan (spec.md §4.9: "analyser never fails").
func Analyse(q ParsedQuery) AnalysedQuery {
	conds := q.Conditions

	if len(conds) == 1 && conds[0].Operator == OpEquals {
		return AnalysedQuery{Query: q, Pattern: PointLookup, Column: conds[0].Column, Value: conds[0].Value}
	}

	if len(conds) == 1 && conds[0].Operator == OpLike {
		if prefix, ok := leadingLiteralPrefix(conds[0].Value); ok {
			return AnalysedQuery{Query: q, Pattern: PrefixScan, Column: conds[0].Column, Value: prefix}
		}
	}

	if len(conds) == 2 && sameColumn(conds[0], conds[1]) {
		if rng, ok := asRange(conds[0], conds[1]); ok {
			rng.Query = q
			rng.Pattern = RangeScan
			return rng
		}
	}

	return AnalysedQuery{Query: q, Pattern: FullScan}
}

func sameColumn(a, b Condition) bool { return a.Column == b.Column }

// leadingLiteralPrefix extracts the literal prefix of a LIKE pattern with a
// trailing '%' and no leading wildcard (spec.md §4.9: "no leading
// wildcard" is required for a PrefixScan classification).
func leadingLiteralPrefix(pattern string) (string, bool) {
	if pattern == "" {
		return "", false
	}
	if pattern[0] == '%' || pattern[0] == '_' {
		return "", false
	}
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '%', '_':
			if pattern[i] == '%' && i == len(pattern)-1 {
				return pattern[:i], true
			}
			return "", false
		}
	}
	return "", false
}

func asRange(a, b Condition) (AnalysedQuery, bool) {
	var lower, upper *Condition
	for i := range [2]Condition{a, b} {
		c := []Condition{a, b}[i]
		switch c.Operator {
		case OpGreaterEqual, OpGreaterThan:
			if lower != nil {
				return AnalysedQuery{}, false
			}
			cc := c
			lower = &cc
		case OpLessEquals, OpLessThan:
			if upper != nil {
				return AnalysedQuery{}, false
			}
			cc := c
			upper = &cc
		default:
			return AnalysedQuery{}, false
		}
	}
	if lower == nil || upper == nil {
		return AnalysedQuery{}, false
	}
	return AnalysedQuery{
		Column: lower.Column,
		Lo:     lower.Value,
		InclLo: lower.Operator == OpGreaterEqual,
		Hi:     upper.Value,
		InclHi: upper.Operator == OpLessEquals,
	}, true
}
