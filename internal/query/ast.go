// Package query implements the hand-written SQL-subset parser, pattern
// analyser, and executor of spec.md §4.9-§4.10: SELECT/INSERT/UPDATE/DELETE
// over a minimal grammar, classified into a QueryPattern that drives plan
// selection against the index manager.
package query

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEquals       Operator = "="
	OpNotEquals    Operator = "!="
	OpLessThan     Operator = "<"
	OpGreaterThan  Operator = ">"
	OpLessEquals   Operator = "<="
	OpGreaterEqual Operator = ">="
	OpLike         Operator = "LIKE"
	OpIn           Operator = "IN"
)

// Condition is one WHERE predicate. AND is the only connective a ParsedQuery
// may carry between conditions (spec.md §4.9: "OR is explicitly unsupported").
type Condition struct {
	Column   string
	Operator Operator
	Value    string   // for scalar operators
	Values   []string // for IN
}

// AggregateFunc names a supported aggregation.
type AggregateFunc string

const (
	AggNone  AggregateFunc = ""
	AggCount AggregateFunc = "COUNT"
	AggSum   AggregateFunc = "SUM"
	AggAvg   AggregateFunc = "AVG"
	AggMin   AggregateFunc = "MIN"
	AggMax   AggregateFunc = "MAX"
)

// SelectColumn is one output column of a SELECT list: either a plain
// column name or an aggregation over one.
type SelectColumn struct {
	Aggregate AggregateFunc
	Column    string // "*" for a bare star
}

// StatementKind names which DML/DQL statement a ParsedQuery represents.
type StatementKind int

const (
	StatementSelect StatementKind = iota
	StatementInsert
	StatementUpdate
	StatementDelete
)

// OrderDirection is ASC or DESC.
type OrderDirection int

const (
	Ascending OrderDirection = iota
	Descending
)

// OrderBy is one ORDER BY clause.
type OrderBy struct {
	Column    string
	Direction OrderDirection
}

// ParsedQuery is the parser's output AST, shared by all four statement
// kinds (fields irrelevant to a given kind are left zero).
type ParsedQuery struct {
	Kind StatementKind

	Table      string
	Columns    []SelectColumn
	Conditions []Condition
	OrderBy    *OrderBy
	Limit      int
	HasLimit   bool
	Offset     int

	// INSERT
	InsertColumns []string
	InsertValues  []string

	// UPDATE
	SetColumns []string
	SetValues  []string
}
