// Package sqlengine parses and executes the restricted SQL dialect the
// Postgres wire server exposes. Statements compile down to
// internal/query ASTs executed by the planner, or to direct chrondb.DB
// calls for DML and DDL; nothing in this package touches storage directly.
//
// The parser is a hand-written recursive-descent one: the dialect is
// small enough (one SELECT shape, one JOIN form, five DDL statements)
// that a generated or third-party grammar would be larger than the code
// it replaced.
package sqlengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

// ErrSyntax marks any parse failure; the wire layer maps it to the
// Postgres syntax_error SQLSTATE (42601).
var ErrSyntax = errors.New("syntax error")

// Session is one connection's mutable SQL state: the branch its
// unqualified table names resolve against. chrondb_branch_checkout
// rebinds it for the rest of the connection.
type Session struct {
	Branch  string
	Default string
}

// NewSession starts a session on defaultBranch.
func NewSession(defaultBranch string) *Session {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Session{Branch: defaultBranch, Default: defaultBranch}
}

// resolveBranch maps a statement's schema qualifier to a branch: the SQL
// schema name "public" is the default branch, any other name is a branch
// verbatim, and no qualifier means the session's current branch.
func (s *Session) resolveBranch(schemaName string) string {
	switch schemaName {
	case "":
		return s.Branch
	case "public":
		return s.Default
	default:
		return schemaName
	}
}

// schemaName is resolveBranch's inverse, used by SHOW SCHEMAS.
func (s *Session) schemaName(branch string) string {
	if branch == s.Default {
		return "public"
	}
	return branch
}

// Result is one statement's outcome: a result set (possibly empty) plus
// the Postgres command tag.
type Result struct {
	Columns []string
	Rows    [][]any
	Tag     string
}

// Engine executes SQL statements against one chrondb.DB.
type Engine struct {
	db *chrondb.DB
}

// New builds an Engine over an already-open DB.
func New(db *chrondb.DB) *Engine {
	return &Engine{db: db}
}

// Execute parses and runs one statement under sess.
func (e *Engine) Execute(sess *Session, sqlText string) (Result, error) {
	st, err := parse(sqlText)
	if err != nil {
		return Result{}, err
	}

	switch t := st.(type) {
	case selectStmt:
		return e.executeSelect(sess, t)
	case insertStmt:
		return e.executeInsert(sess, t)
	case updateStmt:
		return e.executeUpdate(sess, t)
	case deleteStmt:
		return e.executeDelete(sess, t)
	case createTableStmt:
		err := e.db.CreateTable(sess.resolveBranch(t.table.schema), t.table.name, t.cols, t.ifNotExists)
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: "CREATE TABLE"}, nil
	case dropTableStmt:
		err := e.db.DropTable(sess.resolveBranch(t.table.schema), t.table.name, t.ifExists)
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: "DROP TABLE"}, nil
	case showStmt:
		return e.executeShow(sess, t)
	case describeStmt:
		return e.executeDescribe(sess, t)
	default:
		return Result{}, fmt.Errorf("%w: unsupported statement", ErrSyntax)
	}
}

func (e *Engine) tx() txctx.Context {
	return txctx.Begin(txctx.OriginSQL, "sql")
}

// whereClauses flattens a top-level AND into the planner's implicit-AND
// clause list; any other clause rides along as a single element.
func whereClauses(c query.Clause) []query.Clause {
	if c == nil {
		return nil
	}
	if and, ok := c.(query.And); ok {
		return and.Clauses
	}
	return []query.Clause{c}
}

func (e *Engine) executeSelect(sess *Session, st selectStmt) (Result, error) {
	if st.fromFn != nil {
		return e.executeFn(sess, st.fromFn)
	}
	if len(st.items) == 1 && st.items[0].fn != nil {
		return e.executeFn(sess, st.items[0].fn)
	}
	if st.from == nil {
		return Result{}, fmt.Errorf("%w: SELECT requires a FROM clause", ErrSyntax)
	}

	branch := sess.resolveBranch(st.from.schema)

	req := planner.Request{
		Table: st.from.name,
		Filter: query.Query{
			Branch:  branch,
			Clauses: whereClauses(st.where),
			Limit:   st.limit,
			Offset:  st.offset,
			Sort:    st.orderBy,
		},
		GroupBy: st.groupBy,
	}
	for _, item := range st.items {
		if item.agg != nil {
			req.Aggregates = append(req.Aggregates, *item.agg)
		}
	}
	if st.join != nil {
		req.Join = &planner.Join{
			Table:    st.join.table.name,
			LeftKey:  st.join.leftKey,
			RightKey: st.join.rightKey,
			Kind:     st.join.kind,
		}
	}

	res, err := e.db.Search(req)
	if err != nil {
		return Result{}, err
	}

	cols := e.projectColumns(sess, st, res.Rows)
	rows := make([][]any, len(res.Rows))
	for i, doc := range res.Rows {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = normalizeValue(doc[c])
		}
		rows[i] = row
	}

	// aliases rename output columns without changing the lookup key
	out := make([]string, len(cols))
	copy(out, cols)
	for _, item := range st.items {
		if item.alias != "" && item.field != "" {
			for j, c := range out {
				if c == item.field {
					out[j] = item.alias
				}
			}
		}
	}

	return Result{
		Columns: out,
		Rows:    rows,
		Tag:     fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

// projectColumns decides the output column list: explicit fields and
// aggregates as written, or for `*` the table's schema record when one
// exists, else the union of keys across the result set.
func (e *Engine) projectColumns(sess *Session, st selectStmt, rows []docid.Document) []string {
	if len(st.groupBy) > 0 || hasAggregates(st.items) {
		cols := append([]string{}, st.groupBy...)
		for _, item := range st.items {
			if item.agg != nil {
				cols = append(cols, item.agg.As)
			}
		}
		return cols
	}

	var cols []string
	for _, item := range st.items {
		if item.star {
			cols = append(cols, e.starColumns(sess, st, rows)...)
			continue
		}
		if item.field != "" {
			cols = append(cols, item.field)
		}
	}
	return cols
}

func hasAggregates(items []selectItem) bool {
	for _, item := range items {
		if item.agg != nil {
			return true
		}
	}
	return false
}

func (e *Engine) starColumns(sess *Session, st selectStmt, rows []docid.Document) []string {
	branch := sess.resolveBranch(st.from.schema)

	if st.join == nil {
		if rec, err := e.db.Describe(branch, st.from.name); err == nil && !rec.Inferred {
			cols := make([]string, len(rec.Columns))
			for i, c := range rec.Columns {
				cols[i] = c.Name
			}
			return cols
		}
	}

	seen := map[string]bool{}
	var cols []string
	for _, doc := range rows {
		for k := range doc {
			if k == "_table" || strings.HasSuffix(k, "._table") || seen[k] {
				continue
			}
			seen[k] = true
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)

	// id leads, the way a reader expects a row to print
	for i, c := range cols {
		if c == "id" {
			copy(cols[1:i+1], cols[:i])
			cols[0] = "id"
			break
		}
	}
	return cols
}

// storageID maps a document back to the id segment its tree path uses.
// Documents written through REST keep the full "table:rest" form in their
// id field while living at <table>/<rest>.json, so the prefix is stripped
// when it names this table.
func storageID(table string, doc docid.Document) string {
	raw := fmt.Sprint(doc["id"])
	if t, rest, ok := docid.ParseTableAndID(raw); ok && t == table {
		return rest
	}
	return raw
}

func (e *Engine) executeInsert(sess *Session, st insertStmt) (Result, error) {
	branch := sess.resolveBranch(st.table.schema)

	for _, row := range st.rows {
		doc := docid.Document{}
		for i, col := range st.cols {
			doc[col] = row[i]
		}
		id := ""
		if v, ok := doc["id"]; ok {
			id = fmt.Sprint(v)
		} else {
			id = uuid.NewString()
			doc["id"] = id
		}
		if _, _, ok := docid.ParseTableAndID(id); ok {
			id = storageID(st.table.name, doc)
		}
		if _, err := e.db.Put(branch, st.table.name, id, doc, e.tx()); err != nil {
			return Result{}, err
		}
	}

	return Result{Tag: fmt.Sprintf("INSERT 0 %d", len(st.rows))}, nil
}

func (e *Engine) executeUpdate(sess *Session, st updateStmt) (Result, error) {
	branch := sess.resolveBranch(st.table.schema)

	res, err := e.db.Search(planner.Request{
		Table:  st.table.name,
		Filter: query.Query{Branch: branch, Clauses: whereClauses(st.where)},
	})
	if err != nil {
		return Result{}, err
	}

	for _, doc := range res.Rows {
		for _, s := range st.sets {
			doc[s.col] = s.val
		}
		id := storageID(st.table.name, doc)
		if _, err := e.db.Put(branch, st.table.name, id, doc, e.tx()); err != nil {
			return Result{}, err
		}
	}

	return Result{Tag: fmt.Sprintf("UPDATE %d", len(res.Rows))}, nil
}

func (e *Engine) executeDelete(sess *Session, st deleteStmt) (Result, error) {
	branch := sess.resolveBranch(st.table.schema)

	res, err := e.db.Search(planner.Request{
		Table:  st.table.name,
		Filter: query.Query{Branch: branch, Clauses: whereClauses(st.where)},
	})
	if err != nil {
		return Result{}, err
	}

	for _, doc := range res.Rows {
		id := storageID(st.table.name, doc)
		if _, err := e.db.Delete(branch, st.table.name, id, e.tx()); err != nil {
			return Result{}, err
		}
	}

	return Result{Tag: fmt.Sprintf("DELETE %d", len(res.Rows))}, nil
}

func (e *Engine) executeShow(sess *Session, st showStmt) (Result, error) {
	switch st.what {
	case "tables":
		tables, err := e.db.ListTables(sess.Branch)
		if err != nil {
			return Result{}, err
		}
		rows := make([][]any, 0, len(tables))
		for _, t := range tables {
			hasSchema := "NO"
			if rec, err := e.db.Describe(sess.Branch, t); err == nil && !rec.Inferred {
				hasSchema = "YES"
			}
			rows = append(rows, []any{t, hasSchema})
		}
		return Result{
			Columns: []string{"table_name", "has_schema"},
			Rows:    rows,
			Tag:     fmt.Sprintf("SELECT %d", len(rows)),
		}, nil

	case "schemas":
		branches, err := e.db.Branch.List()
		if err != nil {
			return Result{}, err
		}
		rows := make([][]any, 0, len(branches))
		for _, b := range branches {
			rows = append(rows, []any{sess.schemaName(b)})
		}
		return Result{
			Columns: []string{"schema_name"},
			Rows:    rows,
			Tag:     fmt.Sprintf("SELECT %d", len(rows)),
		}, nil
	}
	return Result{}, fmt.Errorf("%w: unknown SHOW target", ErrSyntax)
}

func (e *Engine) executeDescribe(sess *Session, st describeStmt) (Result, error) {
	rec, err := e.db.Describe(sess.resolveBranch(st.table.schema), st.table.name)
	if err != nil {
		return Result{}, err
	}

	rows := make([][]any, 0, len(rec.Columns))
	for _, c := range rec.Columns {
		rows = append(rows, []any{c.Name, c.Type, yesNo(c.PrimaryKey), yesNo(c.Nullable), yesNo(c.Unique)})
	}
	return Result{
		Columns: []string{"column_name", "data_type", "primary_key", "nullable", "unique"},
		Rows:    rows,
		Tag:     fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

// normalizeValue folds json.Number cells (documents decode with UseNumber)
// back to int64/float64 so result sets carry plain Go scalars.
func normalizeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// executeFn dispatches the chrondb_* SQL functions.
func (e *Engine) executeFn(sess *Session, fn *fnCall) (Result, error) {
	argStr := func(i int) string { return literalText(fn.args[i]) }
	arity := func(want int) error {
		if len(fn.args) != want {
			return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrSyntax, fn.name, want, len(fn.args))
		}
		return nil
	}

	switch fn.name {
	case "chrondb_history":
		if err := arity(2); err != nil {
			return Result{}, err
		}
		entries, err := e.db.History(sess.Branch, argStr(0), argStr(1))
		if err != nil {
			return Result{}, err
		}
		rows := make([][]any, 0, len(entries))
		for _, entry := range entries {
			var body any
			if entry.Document != nil {
				if b, err := docid.Encode(entry.Document); err == nil {
					body = string(b)
				}
			}
			rows = append(rows, []any{
				entry.CommitID.String(),
				entry.Time.UTC().Format("2006-01-02T15:04:05Z07:00"),
				entry.Committer,
				entry.Message,
				body,
			})
		}
		return Result{
			Columns: []string{"commit_id", "committed_at", "committer", "message", "document"},
			Rows:    rows,
			Tag:     fmt.Sprintf("SELECT %d", len(rows)),
		}, nil

	case "chrondb_at":
		if err := arity(3); err != nil {
			return Result{}, err
		}
		doc, err := e.db.GetAt(argStr(2), argStr(0), argStr(1))
		if err != nil {
			return Result{}, err
		}
		body, err := docid.Encode(doc)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Columns: []string{"document"},
			Rows:    [][]any{{string(body)}},
			Tag:     "SELECT 1",
		}, nil

	case "chrondb_diff":
		if err := arity(4); err != nil {
			return Result{}, err
		}
		diff, err := e.db.Diff(argStr(0), argStr(1), argStr(2), argStr(3))
		if err != nil {
			return Result{}, err
		}
		var rows [][]any
		for field, v := range diff.Added {
			rows = append(rows, []any{field, "added", nil, fmt.Sprint(v)})
		}
		for field, v := range diff.Removed {
			rows = append(rows, []any{field, "removed", fmt.Sprint(v), nil})
		}
		for field, pair := range diff.Changed {
			rows = append(rows, []any{field, "changed", fmt.Sprint(pair[0]), fmt.Sprint(pair[1])})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i][0].(string) < rows[j][0].(string) })
		return Result{
			Columns: []string{"field", "change", "old_value", "new_value"},
			Rows:    rows,
			Tag:     fmt.Sprintf("SELECT %d", len(rows)),
		}, nil

	case "chrondb_branch_list":
		if err := arity(0); err != nil {
			return Result{}, err
		}
		branches, err := e.db.Branch.List()
		if err != nil {
			return Result{}, err
		}
		rows := make([][]any, 0, len(branches))
		for _, b := range branches {
			rows = append(rows, []any{b})
		}
		return Result{
			Columns: []string{"branch"},
			Rows:    rows,
			Tag:     fmt.Sprintf("SELECT %d", len(rows)),
		}, nil

	case "chrondb_branch_create":
		if len(fn.args) != 1 && len(fn.args) != 2 {
			return Result{}, fmt.Errorf("%w: chrondb_branch_create takes 1 or 2 arguments", ErrSyntax)
		}
		from := ""
		if len(fn.args) == 2 {
			from = argStr(1)
		}
		if err := e.db.CreateBranch(argStr(0), from); err != nil {
			return Result{}, err
		}
		return Result{Columns: []string{"branch"}, Rows: [][]any{{argStr(0)}}, Tag: "SELECT 1"}, nil

	case "chrondb_branch_checkout":
		if err := arity(1); err != nil {
			return Result{}, err
		}
		name := argStr(0)
		if _, err := e.db.Branch.Tip(name); err != nil {
			return Result{}, err
		}
		sess.Branch = name
		return Result{Columns: []string{"branch"}, Rows: [][]any{{name}}, Tag: "SELECT 1"}, nil

	case "chrondb_branch_merge":
		if err := arity(2); err != nil {
			return Result{}, err
		}
		if err := e.db.Merge(argStr(0), argStr(1)); err != nil {
			return Result{}, err
		}
		return Result{Columns: []string{"merged_into"}, Rows: [][]any{{argStr(1)}}, Tag: "SELECT 1"}, nil
	}

	return Result{}, fmt.Errorf("%w: unknown function %q", ErrSyntax, fn.name)
}
