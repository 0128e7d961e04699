package sqlengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/schema"
)

// tableRef is a possibly schema-qualified table name. The schema part maps
// to a branch ("public" -> the default branch, anything else verbatim).
type tableRef struct {
	schema string
	name   string
}

// fnCall is one of the chrondb_* SQL functions.
type fnCall struct {
	name string
	args []any
}

type selectItem struct {
	star  bool
	field string
	alias string
	agg   *planner.Aggregate
	fn    *fnCall
}

type joinSpec struct {
	kind     planner.JoinKind
	table    tableRef
	leftKey  string
	rightKey string
}

type selectStmt struct {
	items   []selectItem
	from    *tableRef
	fromFn  *fnCall
	join    *joinSpec
	where   query.Clause
	groupBy []string
	orderBy []query.SortField
	limit   int
	offset  int
}

type setPair struct {
	col string
	val any
}

type insertStmt struct {
	table tableRef
	cols  []string
	rows  [][]any
}

type updateStmt struct {
	table tableRef
	sets  []setPair
	where query.Clause
}

type deleteStmt struct {
	table tableRef
	where query.Clause
}

type createTableStmt struct {
	table       tableRef
	ifNotExists bool
	cols        []schema.Column
}

type dropTableStmt struct {
	table    tableRef
	ifExists bool
}

type showStmt struct {
	what string // "tables" or "schemas"
}

type describeStmt struct {
	table tableRef
}

type parser struct {
	toks []token
	pos  int
}

// parse turns one SQL statement (without a trailing semicolon) into its
// statement struct.
func parse(input string) (any, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var st any
	switch {
	case p.matchKw("SELECT"):
		st, err = p.parseSelect()
	case p.matchKw("INSERT"):
		st, err = p.parseInsert()
	case p.matchKw("UPDATE"):
		st, err = p.parseUpdate()
	case p.matchKw("DELETE"):
		st, err = p.parseDelete()
	case p.matchKw("CREATE"):
		st, err = p.parseCreateTable()
	case p.matchKw("DROP"):
		st, err = p.parseDropTable()
	case p.matchKw("SHOW"):
		st, err = p.parseShow()
	case p.matchKw("DESCRIBE") || p.matchKw("DESC"):
		t, terr := p.parseTableRef()
		st, err = describeStmt{table: t}, terr
	default:
		return nil, fmt.Errorf("%w: unrecognized statement %q", ErrSyntax, p.peek().text)
	}
	if err != nil {
		return nil, err
	}

	p.matchSym(";")
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: trailing input %q", ErrSyntax, p.peek().text)
	}
	return st, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) matchKw(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKw(kw string) error {
	if !p.matchKw(kw) {
		return fmt.Errorf("%w: expected %s, got %q", ErrSyntax, kw, p.peek().text)
	}
	return nil
}

func (p *parser) matchSym(s string) bool {
	t := p.peek()
	if t.kind == tokSymbol && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectSym(s string) error {
	if !p.matchSym(s) {
		return fmt.Errorf("%w: expected %q, got %q", ErrSyntax, s, p.peek().text)
	}
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", fmt.Errorf("%w: expected identifier, got %q", ErrSyntax, t.text)
	}
	p.pos++
	return t.text, nil
}

// parseQualifiedName reads ident(.ident)* and returns the joined parts.
func (p *parser) parseQualifiedName() (string, error) {
	first, err := p.expectIdent()
	if err != nil {
		return "", err
	}
	parts := []string{first}
	for p.matchSym(".") {
		next, err := p.expectIdent()
		if err != nil {
			return "", err
		}
		parts = append(parts, next)
	}
	return strings.Join(parts, "."), nil
}

func (p *parser) parseTableRef() (tableRef, error) {
	name, err := p.parseQualifiedName()
	if err != nil {
		return tableRef{}, err
	}
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 2 {
		return tableRef{schema: parts[0], name: parts[1]}, nil
	}
	return tableRef{name: name}, nil
}

// parseLiteral reads one value token: 'string', number, TRUE/FALSE/NULL.
func (p *parser) parseLiteral() (any, error) {
	t := p.peek()
	switch {
	case t.kind == tokString:
		p.pos++
		return t.text, nil
	case t.kind == tokNumber:
		p.pos++
		if strings.ContainsRune(t.text, '.') {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.text)
			}
			return f, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.text)
		}
		return i, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "TRUE"):
		p.pos++
		return true, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "FALSE"):
		p.pos++
		return false, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "NULL"):
		p.pos++
		return nil, nil
	}
	return nil, fmt.Errorf("%w: expected a literal, got %q", ErrSyntax, t.text)
}

var aggFuncs = map[string]planner.AggFunc{
	"COUNT": planner.Count,
	"SUM":   planner.Sum,
	"AVG":   planner.Avg,
	"MIN":   planner.Min,
	"MAX":   planner.Max,
}

func (p *parser) parseSelect() (any, error) {
	s := selectStmt{limit: 0, offset: 0}

	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		s.items = append(s.items, item)
		if !p.matchSym(",") {
			break
		}
	}

	if p.matchKw("FROM") {
		if p.peekChronFn() {
			fn, err := p.parseFnCall()
			if err != nil {
				return nil, err
			}
			s.fromFn = fn
		} else {
			t, err := p.parseTableRef()
			if err != nil {
				return nil, err
			}
			s.from = &t

			join, err := p.parseJoin(t)
			if err != nil {
				return nil, err
			}
			s.join = join
		}
	}

	if p.matchKw("WHERE") {
		clause, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		s.where = clause
	}

	if p.matchKw("GROUP") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		for {
			f, err := p.parseQualifiedName()
			if err != nil {
				return nil, err
			}
			s.groupBy = append(s.groupBy, f)
			if !p.matchSym(",") {
				break
			}
		}
	}

	if p.matchKw("ORDER") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		for {
			f, err := p.parseQualifiedName()
			if err != nil {
				return nil, err
			}
			dir := query.Asc
			if p.matchKw("DESC") {
				dir = query.Desc
			} else {
				p.matchKw("ASC")
			}
			s.orderBy = append(s.orderBy, query.SortField{Field: f, Dir: dir})
			if !p.matchSym(",") {
				break
			}
		}
	}

	if p.matchKw("LIMIT") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		s.limit = n
	}
	if p.matchKw("OFFSET") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		s.offset = n
	}

	return s, nil
}

func (p *parser) parseInt() (int, error) {
	t := p.peek()
	if t.kind != tokNumber {
		return 0, fmt.Errorf("%w: expected a number, got %q", ErrSyntax, t.text)
	}
	p.pos++
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad count %q", ErrSyntax, t.text)
	}
	return n, nil
}

func (p *parser) peekChronFn() bool {
	t := p.peek()
	return t.kind == tokIdent && strings.HasPrefix(strings.ToLower(t.text), "chrondb_") &&
		p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokSymbol && p.toks[p.pos+1].text == "("
}

func (p *parser) parseFnCall() (*fnCall, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	fn := &fnCall{name: strings.ToLower(name)}
	if !p.matchSym(")") {
		for {
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			fn.args = append(fn.args, v)
			if !p.matchSym(",") {
				break
			}
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
	}
	return fn, nil
}

func (p *parser) parseSelectItem() (selectItem, error) {
	if p.matchSym("*") {
		return selectItem{star: true}, nil
	}

	t := p.peek()
	if t.kind != tokIdent {
		return selectItem{}, fmt.Errorf("%w: expected a column, got %q", ErrSyntax, t.text)
	}

	if fn, isAgg := aggFuncs[strings.ToUpper(t.text)]; isAgg &&
		p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokSymbol && p.toks[p.pos+1].text == "(" {
		p.pos += 2 // consume name and "("
		field := ""
		if p.matchSym("*") {
			if fn != planner.Count {
				return selectItem{}, fmt.Errorf("%w: %s(*) is not supported", ErrSyntax, t.text)
			}
		} else {
			f, err := p.parseQualifiedName()
			if err != nil {
				return selectItem{}, err
			}
			field = f
		}
		if err := p.expectSym(")"); err != nil {
			return selectItem{}, err
		}
		agg := &planner.Aggregate{Func: fn, Field: field, As: defaultAggName(fn, field)}
		if p.matchKw("AS") {
			alias, err := p.expectIdent()
			if err != nil {
				return selectItem{}, err
			}
			agg.As = alias
		}
		return selectItem{agg: agg}, nil
	}

	if p.peekChronFn() {
		fn, err := p.parseFnCall()
		if err != nil {
			return selectItem{}, err
		}
		return selectItem{fn: fn}, nil
	}

	field, err := p.parseQualifiedName()
	if err != nil {
		return selectItem{}, err
	}
	item := selectItem{field: field}
	if p.matchKw("AS") {
		alias, err := p.expectIdent()
		if err != nil {
			return selectItem{}, err
		}
		item.alias = alias
	}
	return item, nil
}

func defaultAggName(fn planner.AggFunc, field string) string {
	if field == "" {
		return string(fn)
	}
	return string(fn) + "_" + field
}

func (p *parser) parseJoin(from tableRef) (*joinSpec, error) {
	var kind planner.JoinKind
	switch {
	case p.matchKw("INNER"):
		kind = planner.InnerJoin
	case p.matchKw("LEFT"):
		p.matchKw("OUTER")
		kind = planner.LeftJoin
	case p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "JOIN"):
		kind = planner.InnerJoin
	default:
		return nil, nil
	}
	if err := p.expectKw("JOIN"); err != nil {
		return nil, err
	}

	right, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("ON"); err != nil {
		return nil, err
	}

	a, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectSym("="); err != nil {
		return nil, err
	}
	b, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}

	leftKey, rightKey, err := splitJoinKeys(from.name, right.name, a, b)
	if err != nil {
		return nil, err
	}
	return &joinSpec{kind: kind, table: right, leftKey: leftKey, rightKey: rightKey}, nil
}

// splitJoinKeys assigns the two ON operands to the left (FROM) and right
// (joined) table by their qualifiers.
func splitJoinKeys(leftTable, rightTable, a, b string) (string, string, error) {
	qual := func(q string) (table, field string, ok bool) {
		parts := strings.SplitN(q, ".", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	}

	at, af, aok := qual(a)
	bt, bf, bok := qual(b)
	if !aok || !bok {
		return "", "", fmt.Errorf("%w: join keys must be table-qualified", ErrSyntax)
	}
	switch {
	case at == leftTable && bt == rightTable:
		return af, bf, nil
	case at == rightTable && bt == leftTable:
		return bf, af, nil
	}
	return "", "", fmt.Errorf("%w: join keys %q and %q do not name tables %q and %q",
		ErrSyntax, a, b, leftTable, rightTable)
}

// parseOrExpr is the WHERE grammar's top:
//
//	or   := and (OR and)*
//	and  := not (AND not)*
//	not  := [NOT] primary
//	prim := '(' or ')' | field op literal
func (p *parser) parseOrExpr() (query.Clause, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}
	clauses := []query.Clause{left}
	for p.matchKw("OR") {
		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, right)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return query.NewOr(clauses...), nil
}

func (p *parser) parseAndExpr() (query.Clause, error) {
	left, err := p.parseNotExpr()
	if err != nil {
		return nil, err
	}
	clauses := []query.Clause{left}
	for p.matchKw("AND") {
		right, err := p.parseNotExpr()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, right)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return query.NewAnd(clauses...), nil
}

func (p *parser) parseNotExpr() (query.Clause, error) {
	if p.matchKw("NOT") {
		inner, err := p.parseNotExpr()
		if err != nil {
			return nil, err
		}
		return query.NewNot(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (query.Clause, error) {
	if p.matchSym("(") {
		inner, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	field, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}

	switch {
	case p.matchKw("LIKE"):
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		pattern, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: LIKE pattern must be a string", ErrSyntax)
		}
		return query.NewWildcard(field, strings.ReplaceAll(pattern, "%", "*")), nil

	case p.matchKw("IS"):
		negated := p.matchKw("NOT")
		if err := p.expectKw("NULL"); err != nil {
			return nil, err
		}
		if negated {
			return query.NewExists(field), nil
		}
		return query.NewNot(query.NewExists(field)), nil
	}

	op := p.peek()
	if op.kind != tokSymbol {
		return nil, fmt.Errorf("%w: expected an operator after %q, got %q", ErrSyntax, field, op.text)
	}
	switch op.text {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		p.pos++
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", ErrSyntax, op.text)
	}

	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return comparisonClause(field, op.text, v)
}

// comparisonClause lowers one "field op literal" comparison onto the query
// algebra. Missing fields never satisfy != or an ordering comparison,
// matching SQL's NULL semantics, hence the Exists conjunctions.
func comparisonClause(field, op string, v any) (query.Clause, error) {
	switch op {
	case "=":
		return query.NewTerm(field, literalText(v)), nil
	case "!=", "<>":
		return query.NewAnd(
			query.NewExists(field),
			query.NewNot(query.NewTerm(field, literalText(v))),
		), nil
	}

	switch n := v.(type) {
	case int64:
		lo, hi := rangeBoundsLong(op, n)
		return query.NewRangeLong(field, lo, hi), nil
	case float64:
		switch op {
		case "<=":
			return query.NewRangeDouble(field, nil, &n), nil
		case ">=":
			return query.NewRangeDouble(field, &n, nil), nil
		case "<":
			return query.NewAnd(
				query.NewExists(field),
				query.NewNot(query.NewRangeDouble(field, &n, nil)),
			), nil
		case ">":
			return query.NewAnd(
				query.NewExists(field),
				query.NewNot(query.NewRangeDouble(field, nil, &n)),
			), nil
		}
	}
	return nil, fmt.Errorf("%w: operator %q needs a numeric operand", ErrSyntax, op)
}

func rangeBoundsLong(op string, n int64) (lo, hi *int64) {
	switch op {
	case "<=":
		return nil, &n
	case ">=":
		return &n, nil
	case "<":
		m := n - 1
		return nil, &m
	default: // ">"
		m := n + 1
		return &m, nil
	}
}

func literalText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func (p *parser) parseInsert() (any, error) {
	if err := p.expectKw("INTO"); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}

	var cols []string
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		c, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if !p.matchSym(",") {
			break
		}
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}

	if err := p.expectKw("VALUES"); err != nil {
		return nil, err
	}

	var rows [][]any
	for {
		if err := p.expectSym("("); err != nil {
			return nil, err
		}
		var row []any
		for {
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			row = append(row, v)
			if !p.matchSym(",") {
				break
			}
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		if len(row) != len(cols) {
			return nil, fmt.Errorf("%w: %d values for %d columns", ErrSyntax, len(row), len(cols))
		}
		rows = append(rows, row)
		if !p.matchSym(",") {
			break
		}
	}

	return insertStmt{table: table, cols: cols, rows: rows}, nil
}

func (p *parser) parseUpdate() (any, error) {
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("SET"); err != nil {
		return nil, err
	}

	var sets []setPair
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSym("="); err != nil {
			return nil, err
		}
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		sets = append(sets, setPair{col: col, val: v})
		if !p.matchSym(",") {
			break
		}
	}

	st := updateStmt{table: table, sets: sets}
	if p.matchKw("WHERE") {
		clause, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		st.where = clause
	}
	return st, nil
}

func (p *parser) parseDelete() (any, error) {
	if err := p.expectKw("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}

	st := deleteStmt{table: table}
	if p.matchKw("WHERE") {
		clause, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		st.where = clause
	}
	return st, nil
}

func (p *parser) parseCreateTable() (any, error) {
	if err := p.expectKw("TABLE"); err != nil {
		return nil, err
	}

	st := createTableStmt{}
	if p.matchKw("IF") {
		if err := p.expectKw("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectKw("EXISTS"); err != nil {
			return nil, err
		}
		st.ifNotExists = true
	}

	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	st.table = table

	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		st.cols = append(st.cols, col)
		if !p.matchSym(",") {
			break
		}
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseColumnDef() (schema.Column, error) {
	name, err := p.expectIdent()
	if err != nil {
		return schema.Column{}, err
	}
	typ, err := p.expectIdent()
	if err != nil {
		return schema.Column{}, err
	}
	typ = strings.ToUpper(typ)

	// multi-word types (DOUBLE PRECISION) and length modifiers (VARCHAR(64))
	if strings.EqualFold(typ, "DOUBLE") && p.matchKw("PRECISION") {
		typ = "DOUBLE PRECISION"
	}
	if p.matchSym("(") {
		n, err := p.parseInt()
		if err != nil {
			return schema.Column{}, err
		}
		if err := p.expectSym(")"); err != nil {
			return schema.Column{}, err
		}
		typ = fmt.Sprintf("%s(%d)", typ, n)
	}

	col := schema.Column{Name: name, Type: typ, Nullable: true}
	for {
		switch {
		case p.matchKw("PRIMARY"):
			if err := p.expectKw("KEY"); err != nil {
				return schema.Column{}, err
			}
			col.PrimaryKey = true
			col.Nullable = false
		case p.matchKw("NOT"):
			if err := p.expectKw("NULL"); err != nil {
				return schema.Column{}, err
			}
			col.Nullable = false
		case p.matchKw("NULL"):
			col.Nullable = true
		case p.matchKw("UNIQUE"):
			col.Unique = true
		case p.matchKw("DEFAULT"):
			v, err := p.parseLiteral()
			if err != nil {
				return schema.Column{}, err
			}
			col.Default = v
		default:
			return col, nil
		}
	}
}

func (p *parser) parseDropTable() (any, error) {
	if err := p.expectKw("TABLE"); err != nil {
		return nil, err
	}

	st := dropTableStmt{}
	if p.matchKw("IF") {
		if err := p.expectKw("EXISTS"); err != nil {
			return nil, err
		}
		st.ifExists = true
	}

	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	st.table = table
	return st, nil
}

func (p *parser) parseShow() (any, error) {
	switch {
	case p.matchKw("TABLES"):
		return showStmt{what: "tables"}, nil
	case p.matchKw("SCHEMAS"):
		return showStmt{what: "schemas"}, nil
	}
	return nil, fmt.Errorf("%w: expected TABLES or SCHEMAS after SHOW", ErrSyntax)
}
