package query

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/reedbase/reedbase/internal/engineerrors"
)

// token is one lexical unit of the SQL subset.
type token struct {
	text string
	pos  int
}

// tokenize splits sql into whitespace- and punctuation-delimited tokens,
// treating a quoted string as a single token; parentheses, commas and '*'
// are tokens of their own.
func tokenize(sql string) []token {
	var tokens []token
	runes := []rune(sql)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'':
			start := i
			i++
			for i < len(runes) && runes[i] != '\'' {
				i++
			}
			i++ // consume closing quote
			tokens = append(tokens, token{text: string(runes[start:i]), pos: start})
		case c == '(' || c == ')' || c == ',' || c == '*':
			tokens = append(tokens, token{text: string(c), pos: i})
			i++
		case isOperatorRune(c):
			start := i
			for i < len(runes) && isOperatorRune(runes[i]) {
				i++
			}
			tokens = append(tokens, token{text: string(runes[start:i]), pos: start})
		default:
			start := i
			for i < len(runes) && !unicode.IsSpace(runes[i]) && !isDelimiterRune(runes[i]) {
				i++
			}
			tokens = append(tokens, token{text: string(runes[start:i]), pos: start})
		}
	}
	return tokens
}

func isOperatorRune(c rune) bool {
	return c == '=' || c == '!' || c == '<' || c == '>'
}

func isDelimiterRune(c rune) bool {
	return c == '(' || c == ')' || c == ',' || c == '\''
}

// parser is a single-pass recursive-descent reader over the token stream.
type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) expectKeyword(kw string) error {
	t, ok := p.next()
	if !ok || !strings.EqualFold(t.text, kw) {
		return parseErrorAt(t, "expected "+kw)
	}
	return nil
}

func parseErrorAt(t token, reason string) error {
	return &engineerrors.ParseError{Position: t.pos, Reason: reason}
}

// Parse parses a single SQL statement from the supported subset (spec.md
// §4.9): SELECT, INSERT, UPDATE, DELETE.
func Parse(sql string) (ParsedQuery, error) {
	p := &parser{tokens: tokenize(strings.TrimSpace(sql))}
	first, ok := p.peek()
	if !ok {
		return ParsedQuery{}, &engineerrors.ParseError{Position: 0, Reason: "empty query"}
	}

	switch strings.ToUpper(first.text) {
	case "SELECT":
		return p.parseSelect()
	case "INSERT":
		return p.parseInsert()
	case "UPDATE":
		return p.parseUpdate()
	case "DELETE":
		return p.parseDelete()
	default:
		return ParsedQuery{}, parseErrorAt(first, "unrecognised statement keyword")
	}
}

func (p *parser) parseSelect() (ParsedQuery, error) {
	q := ParsedQuery{Kind: StatementSelect}
	if err := p.expectKeyword("SELECT"); err != nil {
		return q, err
	}

	cols, err := p.parseSelectList()
	if err != nil {
		return q, err
	}
	q.Columns = cols

	if err := p.expectKeyword("FROM"); err != nil {
		return q, err
	}
	table, ok := p.next()
	if !ok {
		return q, parseErrorAt(table, "expected table name")
	}
	q.Table = table.text

	if t, ok := p.peek(); ok && strings.EqualFold(t.text, "WHERE") {
		p.next()
		conds, err := p.parseConditions()
		if err != nil {
			return q, err
		}
		q.Conditions = conds
	}

	if t, ok := p.peek(); ok && strings.EqualFold(t.text, "ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return q, err
		}
		col, ok := p.next()
		if !ok {
			return q, parseErrorAt(col, "expected ORDER BY column")
		}
		dir := Ascending
		if t, ok := p.peek(); ok {
			switch strings.ToUpper(t.text) {
			case "ASC":
				p.next()
			case "DESC":
				p.next()
				dir = Descending
			}
		}
		q.OrderBy = &OrderBy{Column: col.text, Direction: dir}
	}

	if t, ok := p.peek(); ok && strings.EqualFold(t.text, "LIMIT") {
		p.next()
		n, err := p.parseInt("LIMIT")
		if err != nil {
			return q, err
		}
		q.Limit = n
		q.HasLimit = true

		if t, ok := p.peek(); ok && strings.EqualFold(t.text, "OFFSET") {
			p.next()
			off, err := p.parseInt("OFFSET")
			if err != nil {
				return q, err
			}
			q.Offset = off
		}
	}

	return q, nil
}

func (p *parser) parseInt(label string) (int, error) {
	t, ok := p.next()
	if !ok {
		return 0, parseErrorAt(t, "expected integer after "+label)
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, parseErrorAt(t, "invalid integer after "+label)
	}
	return n, nil
}

func (p *parser) parseSelectList() ([]SelectColumn, error) {
	var cols []SelectColumn
	for {
		t, ok := p.next()
		if !ok {
			return nil, parseErrorAt(t, "expected select column list")
		}
		if t.text == "*" {
			cols = append(cols, SelectColumn{Column: "*"})
		} else if agg, isAgg := aggregateFuncs[strings.ToUpper(t.text)]; isAgg {
			if next, ok := p.next(); !ok || next.text != "(" {
				return nil, parseErrorAt(t, "expected ( after aggregate function")
			}
			col, ok := p.next()
			if !ok {
				return nil, parseErrorAt(col, "expected column inside aggregate")
			}
			if closing, ok := p.next(); !ok || closing.text != ")" {
				return nil, parseErrorAt(t, "expected ) to close aggregate")
			}
			cols = append(cols, SelectColumn{Aggregate: agg, Column: col.text})
		} else {
			cols = append(cols, SelectColumn{Column: t.text})
		}

		if t, ok := p.peek(); ok && t.text == "," {
			p.next()
			continue
		}
		break
	}
	return cols, nil
}

var aggregateFuncs = map[string]AggregateFunc{
	"COUNT": AggCount,
	"SUM":   AggSum,
	"AVG":   AggAvg,
	"MIN":   AggMin,
	"MAX":   AggMax,
}

func (p *parser) parseConditions() ([]Condition, error) {
	var conds []Condition
	for {
		col, ok := p.next()
		if !ok {
			return nil, parseErrorAt(col, "expected predicate column")
		}
		opTok, ok := p.next()
		if !ok {
			return nil, parseErrorAt(opTok, "expected predicate operator")
		}

		cond := Condition{Column: col.text}
		switch strings.ToUpper(opTok.text) {
		case "=":
			cond.Operator = OpEquals
		case "!=", "<>":
			cond.Operator = OpNotEquals
		case "<":
			cond.Operator = OpLessThan
		case ">":
			cond.Operator = OpGreaterThan
		case "<=":
			cond.Operator = OpLessEquals
		case ">=":
			cond.Operator = OpGreaterEqual
		case "LIKE":
			cond.Operator = OpLike
		case "IN":
			cond.Operator = OpIn
		default:
			return nil, parseErrorAt(opTok, "unsupported operator "+opTok.text)
		}

		if cond.Operator == OpIn {
			if open, ok := p.next(); !ok || open.text != "(" {
				return nil, parseErrorAt(open, "expected ( after IN")
			}
			for {
				v, ok := p.next()
				if !ok {
					return nil, parseErrorAt(v, "expected IN list value")
				}
				cond.Values = append(cond.Values, unquote(v.text))
				if t, ok := p.peek(); ok && t.text == "," {
					p.next()
					continue
				}
				break
			}
			if close, ok := p.next(); !ok || close.text != ")" {
				return nil, parseErrorAt(close, "expected ) to close IN list")
			}
		} else {
			v, ok := p.next()
			if !ok {
				return nil, parseErrorAt(v, "expected predicate value")
			}
			cond.Value = unquote(v.text)
		}

		conds = append(conds, cond)

		if t, ok := p.peek(); ok && strings.EqualFold(t.text, "AND") {
			p.next()
			continue
		}
		break
	}
	return conds, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func (p *parser) parseInsert() (ParsedQuery, error) {
	q := ParsedQuery{Kind: StatementInsert}
	if err := p.expectKeyword("INSERT"); err != nil {
		return q, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return q, err
	}
	table, ok := p.next()
	if !ok {
		return q, parseErrorAt(table, "expected table name")
	}
	q.Table = table.text

	if open, ok := p.next(); !ok || open.text != "(" {
		return q, parseErrorAt(open, "expected ( before column list")
	}
	cols, err := p.parseIdentList()
	if err != nil {
		return q, err
	}
	q.InsertColumns = cols

	if err := p.expectKeyword("VALUES"); err != nil {
		return q, err
	}
	if open, ok := p.next(); !ok || open.text != "(" {
		return q, parseErrorAt(open, "expected ( before value list")
	}
	vals, err := p.parseValueList()
	if err != nil {
		return q, err
	}
	q.InsertValues = vals

	if len(q.InsertColumns) != len(q.InsertValues) {
		return q, &engineerrors.ParseError{Position: 0, Reason: "column count does not match value count"}
	}
	return q, nil
}

func (p *parser) parseIdentList() ([]string, error) {
	var out []string
	for {
		t, ok := p.next()
		if !ok {
			return nil, parseErrorAt(t, "expected identifier")
		}
		if t.text == ")" {
			break
		}
		out = append(out, t.text)
		t2, ok := p.next()
		if !ok {
			return nil, parseErrorAt(t2, "expected , or )")
		}
		if t2.text == ")" {
			break
		}
		if t2.text != "," {
			return nil, parseErrorAt(t2, "expected , or )")
		}
	}
	return out, nil
}

func (p *parser) parseValueList() ([]string, error) {
	var out []string
	for {
		t, ok := p.next()
		if !ok {
			return nil, parseErrorAt(t, "expected value")
		}
		if t.text == ")" {
			break
		}
		out = append(out, unquote(t.text))
		t2, ok := p.next()
		if !ok {
			return nil, parseErrorAt(t2, "expected , or )")
		}
		if t2.text == ")" {
			break
		}
		if t2.text != "," {
			return nil, parseErrorAt(t2, "expected , or )")
		}
	}
	return out, nil
}

func (p *parser) parseUpdate() (ParsedQuery, error) {
	q := ParsedQuery{Kind: StatementUpdate}
	if err := p.expectKeyword("UPDATE"); err != nil {
		return q, err
	}
	table, ok := p.next()
	if !ok {
		return q, parseErrorAt(table, "expected table name")
	}
	q.Table = table.text

	if err := p.expectKeyword("SET"); err != nil {
		return q, err
	}
	for {
		col, ok := p.next()
		if !ok {
			return q, parseErrorAt(col, "expected assignment column")
		}
		if eq, ok := p.next(); !ok || eq.text != "=" {
			return q, parseErrorAt(eq, "expected = in assignment")
		}
		val, ok := p.next()
		if !ok {
			return q, parseErrorAt(val, "expected assignment value")
		}
		q.SetColumns = append(q.SetColumns, col.text)
		q.SetValues = append(q.SetValues, unquote(val.text))

		if t, ok := p.peek(); ok && t.text == "," {
			p.next()
			continue
		}
		break
	}

	if t, ok := p.peek(); ok && strings.EqualFold(t.text, "WHERE") {
		p.next()
		conds, err := p.parseConditions()
		if err != nil {
			return q, err
		}
		q.Conditions = conds
	}
	return q, nil
}

func (p *parser) parseDelete() (ParsedQuery, error) {
	q := ParsedQuery{Kind: StatementDelete}
	if err := p.expectKeyword("DELETE"); err != nil {
		return q, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return q, err
	}
	table, ok := p.next()
	if !ok {
		return q, parseErrorAt(table, "expected table name")
	}
	q.Table = table.text

	if t, ok := p.peek(); ok && strings.EqualFold(t.text, "WHERE") {
		p.next()
		conds, err := p.parseConditions()
		if err != nil {
			return q, err
		}
		q.Conditions = conds
	}
	return q, nil
}
