package table

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/scanner"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Query is a parsed aggregation expression of the form
//
//	SELECT [-]FUNC(column) [AS alias] FROM table
//	    [WHERE column op literal [AND ...]] [GROUP BY column]
type Query struct {
	Func    string
	Column  string
	Negate  bool
	Alias   string
	From    string
	Where   []Condition
	GroupBy string
}

// Condition is a single column-versus-literal comparison.
type Condition struct {
	Column string
	Op     string
	Value  any
}

var aggregates = map[string]func([]float64) float64{
	"AVG": func(x []float64) float64 { return stat.Mean(x, nil) },
	"SUM": floats.Sum,
	"MIN": floats.Min,
	"MAX": floats.Max,
	"COUNT": func(x []float64) float64 {
		return float64(len(x))
	},
	"STDDEV": func(x []float64) float64 {
		if len(x) < 2 {
			return math.NaN()
		}
		return stat.StdDev(x, nil)
	},
	"MEDIAN": func(x []float64) float64 {
		s := append([]float64(nil), x...)
		sort.Float64s(s)
		return stat.Quantile(0.5, stat.Empirical, s, nil)
	},
}

// Parse compiles an aggregation expression.
func Parse(expr string) (*Query, error) {
	p := &parser{}
	p.s.Init(strings.NewReader(expr))
	p.s.Mode = scanner.ScanIdents | scanner.ScanFloats | scanner.ScanInts | scanner.ScanStrings
	p.s.Error = func(_ *scanner.Scanner, msg string) { p.fail(msg) }
	p.next()

	q := &Query{}
	p.keyword("SELECT")
	if p.tok == '-' {
		q.Negate = true
		p.next()
	}
	q.Func = strings.ToUpper(p.ident())
	if _, ok := aggregates[q.Func]; !ok && p.err == nil {
		p.fail(fmt.Sprintf("unknown aggregate %s", q.Func))
	}
	p.expect('(')
	if p.tok == '*' {
		q.Column = "*"
		p.next()
	} else {
		q.Column = p.ident()
	}
	p.expect(')')
	if p.isKeyword("AS") {
		p.next()
		q.Alias = p.ident()
	}
	p.keyword("FROM")
	q.From = p.ident()
	if p.isKeyword("WHERE") {
		p.next()
		for {
			q.Where = append(q.Where, p.condition())
			if !p.isKeyword("AND") {
				break
			}
			p.next()
		}
	}
	if p.isKeyword("GROUP") {
		p.next()
		p.keyword("BY")
		q.GroupBy = p.ident()
	}
	if p.tok != scanner.EOF && p.err == nil {
		p.fail(fmt.Sprintf("unexpected %q", p.s.TokenText()))
	}
	if p.err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, p.err)
	}
	if q.Column == "*" && q.Func != "COUNT" {
		return nil, fmt.Errorf("parse %q: %s(*) is not supported", expr, q.Func)
	}
	if q.Alias == "" {
		q.Alias = strings.ToLower(q.Func) + "_" + strings.TrimPrefix(q.Column, "*")
		if q.Column == "*" {
			q.Alias = "count"
		}
	}
	return q, nil
}

// Execute runs expr against the table whose Name matches the FROM clause.
func Execute(expr string, tables ...*Table) (*Table, error) {
	q, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t != nil && strings.EqualFold(t.Name, q.From) {
			return q.Run(t)
		}
	}
	return nil, fmt.Errorf("query: unknown table %q", q.From)
}

// Scalar runs expr and requires exactly one row holding one finite-or-NaN number.
func Scalar(expr string, tables ...*Table) (float64, error) {
	out, err := Execute(expr, tables...)
	if err != nil {
		return math.NaN(), err
	}
	if out.Len() != 1 {
		return math.NaN(), fmt.Errorf("query: expected exactly one row, got %d", out.Len())
	}
	v, ok := AsFloat(out.Rows[0][len(out.Columns)-1])
	if !ok {
		return math.NaN(), fmt.Errorf("query: result %v is not numeric", out.Rows[0][len(out.Columns)-1])
	}
	return v, nil
}

// Run evaluates the query against t. Without GROUP BY an empty selection
// yields zero rows rather than a NULL row.
func (q *Query) Run(t *Table) (*Table, error) {
	col := -1
	if q.Column != "*" {
		if col = t.ColumnIndex(q.Column); col < 0 {
			return nil, fmt.Errorf("query: unknown column %q in %s", q.Column, t.Name)
		}
	}
	group := -1
	if q.GroupBy != "" {
		if group = t.ColumnIndex(q.GroupBy); group < 0 {
			return nil, fmt.Errorf("query: unknown group column %q in %s", q.GroupBy, t.Name)
		}
	}
	conds := make([]int, len(q.Where))
	for i, c := range q.Where {
		if conds[i] = t.ColumnIndex(c.Column); conds[i] < 0 {
			return nil, fmt.Errorf("query: unknown column %q in %s", c.Column, t.Name)
		}
	}

	var keys []string
	groupValue := map[string]any{}
	values := map[string][]float64{}
	for _, row := range t.Rows {
		match := true
		for i, c := range q.Where {
			if !c.matches(row[conds[i]]) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		key := ""
		if group >= 0 {
			key = FormatCell(row[group])
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
			values[key] = nil
			if group >= 0 {
				groupValue[key] = row[group]
			}
		}
		if col < 0 {
			values[key] = append(values[key], 1)
			continue
		}
		if row[col] == nil {
			continue
		}
		v, ok := AsFloat(row[col])
		if !ok {
			return nil, fmt.Errorf("query: column %q holds non-numeric %v", q.Column, row[col])
		}
		values[key] = append(values[key], v)
	}

	var out *Table
	if group >= 0 {
		out = New("result", q.GroupBy, q.Alias)
	} else {
		out = New("result", q.Alias)
	}
	agg := aggregates[q.Func]
	for _, key := range keys {
		xs := values[key]
		v := math.NaN()
		if len(xs) > 0 || q.Func == "COUNT" {
			v = agg(xs)
		}
		if q.Negate {
			v = -v
		}
		if group >= 0 {
			_ = out.Append(groupValue[key], v)
		} else {
			_ = out.Append(v)
		}
	}
	return out, nil
}

func (c Condition) matches(cell any) bool {
	if want, ok := AsFloat(c.Value); ok {
		got, ok := AsFloat(cell)
		if !ok {
			return false
		}
		switch c.Op {
		case "=":
			return got == want
		case "!=":
			return got != want
		case "<":
			return got < want
		case "<=":
			return got <= want
		case ">":
			return got > want
		case ">=":
			return got >= want
		}
		return false
	}
	got, want := FormatCell(cell), FormatCell(c.Value)
	switch c.Op {
	case "=":
		return got == want
	case "!=":
		return got != want
	}
	return false
}

type parser struct {
	s   scanner.Scanner
	tok rune
	err error
}

func (p *parser) next() {
	p.tok = p.s.Scan()
}

func (p *parser) fail(msg string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s at %s", msg, p.s.Position)
	}
}

func (p *parser) isKeyword(kw string) bool {
	return p.tok == scanner.Ident && strings.EqualFold(p.s.TokenText(), kw)
}

func (p *parser) keyword(kw string) {
	if !p.isKeyword(kw) {
		p.fail(fmt.Sprintf("expected %s, got %q", kw, p.s.TokenText()))
		return
	}
	p.next()
}

func (p *parser) ident() string {
	if p.tok != scanner.Ident {
		p.fail(fmt.Sprintf("expected identifier, got %q", p.s.TokenText()))
		return ""
	}
	text := p.s.TokenText()
	p.next()
	return text
}

func (p *parser) expect(r rune) {
	if p.tok != r {
		p.fail(fmt.Sprintf("expected %q, got %q", r, p.s.TokenText()))
		return
	}
	p.next()
}

func (p *parser) condition() Condition {
	c := Condition{Column: p.ident()}
	switch p.tok {
	case '=':
		c.Op = "="
		p.next()
	case '<', '>', '!':
		first := p.tok
		p.next()
		switch {
		case p.tok == '=':
			c.Op = string(first) + "="
			p.next()
		case first == '<' && p.tok == '>':
			c.Op = "!="
			p.next()
		case first == '!':
			p.fail("expected = after !")
		default:
			c.Op = string(first)
		}
	default:
		p.fail(fmt.Sprintf("expected comparison, got %q", p.s.TokenText()))
	}
	c.Value = p.literal()
	return c
}

func (p *parser) literal() any {
	negative := false
	if p.tok == '-' {
		negative = true
		p.next()
	}
	switch p.tok {
	case scanner.Int, scanner.Float:
		f, err := strconv.ParseFloat(p.s.TokenText(), 64)
		if err != nil {
			p.fail(err.Error())
		}
		p.next()
		if negative {
			f = -f
		}
		return f
	case scanner.String:
		s, err := strconv.Unquote(p.s.TokenText())
		if err != nil {
			p.fail(err.Error())
		}
		p.next()
		return s
	case '\'':
		var b strings.Builder
		for r := p.s.Next(); r != '\''; r = p.s.Next() {
			if r == scanner.EOF {
				p.fail("unterminated string")
				return ""
			}
			b.WriteRune(r)
		}
		p.next()
		return b.String()
	}
	p.fail(fmt.Sprintf("expected literal, got %q", p.s.TokenText()))
	return nil
}
