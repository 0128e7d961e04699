// Package planner implements the query planner: it turns a Query AST
// plus a handful of SQL-shaped extensions (GROUP BY, aggregates, one
// JOIN) into rows, choosing the cheapest of three access paths per
// request. The in-memory clause evaluator and aggregate scanner are
// deliberately small; the index access path delegates everything to the
// Index Engine (internal/index) rather than reimplementing search.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/index"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
)

// AggFunc names one of the five supported aggregate functions.
type AggFunc string

const (
	Count AggFunc = "count"
	Sum   AggFunc = "sum"
	Avg   AggFunc = "avg"
	Min   AggFunc = "min"
	Max   AggFunc = "max"
)

// Aggregate is one GROUP BY output column.
type Aggregate struct {
	Func  AggFunc
	Field string // ignored by Count, which counts rows
	As    string
}

// JoinKind distinguishes the two supported join types.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join describes a single equality join against another table on the same
// branch, realized as a nested loop with one side collected into memory:
// the smaller side for an inner join, the right side for a left join.
type Join struct {
	Table    string
	LeftKey  string
	RightKey string
	Kind     JoinKind
}

// Request is a planner invocation: the AST's Clauses/Sort/Limit/Offset/
// After/Branch describe the WHERE/ORDER BY/pagination surface; the fields
// below are the SQL-shaped extensions layered on top of the closed clause
// algebra.
type Request struct {
	Table      string
	Filter     query.Query
	Join       *Join
	GroupBy    []string
	Aggregates []Aggregate
}

// Result is what Plan produces: either raw rows (no GROUP BY) or grouped
// aggregate rows, plus a cursor for resuming past Limit/Offset.
type Result struct {
	Rows       []docid.Document
	NextCursor *query.Cursor
}

// Planner executes Requests against the object store and index engine.
type Planner struct {
	objects *objstore.Store
	refs    *refstore.Store
	idx     *index.Engine
}

// New builds a Planner over already-open collaborators.
func New(objects *objstore.Store, refs *refstore.Store, idx *index.Engine) *Planner {
	return &Planner{objects: objects, refs: refs, idx: idx}
}

func (p *Planner) branchTree(branch string) (plumbing.Hash, error) {
	hex, err := p.refs.Get(refstore.BranchRef(branch))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hex == refstore.ZeroHash {
		return p.objects.EmptyTree(), nil
	}
	commit, err := p.objects.Commit(plumbing.NewHash(hex))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return commit.TreeHash, nil
}

// Plan runs the full six-step pipeline for req.
func (p *Planner) Plan(req Request) (Result, error) {
	rows, err := p.resolveRows(req)
	if err != nil {
		return Result{}, err
	}

	if req.Join != nil {
		rows, err = p.applyJoin(req, rows)
		if err != nil {
			return Result{}, err
		}
	}

	if len(req.GroupBy) > 0 || len(req.Aggregates) > 0 {
		rows = applyGroupBy(rows, req.GroupBy, req.Aggregates)
	}

	sortRows(rows, req.Filter.Sort)

	rows, next := paginate(rows, req.Filter)
	return Result{Rows: rows, NextCursor: next}, nil
}

// resolveRows is steps 1-3: point read, index route, or table scan.
func (p *Planner) resolveRows(req Request) ([]docid.Document, error) {
	branch := req.Filter.Branch

	// Step 1: a single equality clause on "id" short-circuits to a point
	// read against the object store.
	if id, ok := singleIDEquality(req.Filter.Clauses); ok {
		doc, err := p.pointRead(branch, req.Table, id)
		if errors.Is(err, chronerr.NotFound) {
			// ids addressed as "table:rest" live at <table>/<rest>.json
			if table, rest, split := docid.ParseTableAndID(id); split && table == req.Table {
				doc, err = p.pointRead(branch, table, rest)
			}
		}
		if errors.Is(err, chronerr.NotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []docid.Document{doc}, nil
	}

	// Step 2: route through the index when an FTS clause is present, then
	// post-filter every candidate against its real document. Offset is
	// applied exactly once, by paginate; the index is asked for the whole
	// window up to limit+offset so rows to skip are still fetched.
	if hasFts(req.Filter.Clauses) && p.idx != nil {
		window := req.Filter.Limit
		if window > 0 {
			window += req.Filter.Offset
		}
		res, err := p.idx.SearchQuery(req.Filter, index.SearchOpts{
			Limit: window,
			Sort:  req.Filter.Sort,
			After: req.Filter.After,
		})
		if err != nil {
			return nil, err
		}
		var rows []docid.Document
		for _, path := range res.IDs {
			table, id, ok := docid.SplitPath(path)
			if !ok || table != req.Table {
				continue
			}
			doc, err := p.pointRead(branch, table, id)
			if err != nil {
				continue
			}
			if evalAll(req.Filter.Clauses, doc) {
				rows = append(rows, doc)
			}
		}
		return rows, nil
	}

	// Step 3: table-prefix scan, clauses applied in memory.
	tree, err := p.branchTree(branch)
	if err != nil {
		return nil, err
	}
	entries, err := p.objects.ListDir(tree, req.Table)
	if err != nil {
		if errors.Is(err, chronerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	var rows []docid.Document
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		blobHash, err := p.objects.ReadPath(tree, req.Table+"/"+e.Name)
		if err != nil {
			continue
		}
		body, err := p.objects.GetBlob(blobHash)
		if err != nil {
			continue
		}
		doc, err := docid.Decode(body)
		if err != nil {
			continue
		}
		if evalAll(req.Filter.Clauses, doc) {
			rows = append(rows, doc)
		}
	}
	return rows, nil
}

func (p *Planner) pointRead(branch, table, id string) (docid.Document, error) {
	tree, err := p.branchTree(branch)
	if err != nil {
		return nil, err
	}
	blobHash, err := p.objects.ReadPath(tree, docid.Path(table, id))
	if err != nil {
		return nil, err
	}
	body, err := p.objects.GetBlob(blobHash)
	if err != nil {
		return nil, err
	}
	return docid.Decode(body)
}

func singleIDEquality(clauses []query.Clause) (string, bool) {
	if len(clauses) != 1 {
		return "", false
	}
	t, ok := clauses[0].(query.Term)
	if !ok || t.Field != "id" {
		return "", false
	}
	return t.Value, true
}

func hasFts(clauses []query.Clause) bool {
	for _, c := range clauses {
		switch t := c.(type) {
		case query.Fts:
			return true
		case query.And:
			if hasFts(t.Clauses) {
				return true
			}
		case query.Or:
			if hasFts(t.Clauses) {
				return true
			}
		}
	}
	return false
}

// evalAll applies an implicit AND across top-level clauses against doc.
func evalAll(clauses []query.Clause, doc docid.Document) bool {
	for _, c := range clauses {
		if !eval(c, doc) {
			return false
		}
	}
	return true
}

func eval(c query.Clause, doc docid.Document) bool {
	switch t := c.(type) {
	case query.Term:
		return fmt.Sprint(doc[t.Field]) == fmt.Sprint(t.Value)
	case query.Exists:
		_, ok := doc[t.Field]
		return ok
	case query.Prefix:
		s, _ := doc[t.Field].(string)
		return strings.HasPrefix(s, t.Value)
	case query.Wildcard:
		s, _ := doc[t.Field].(string)
		return matchWildcard(t.Pattern, s)
	case query.Fts:
		s, _ := doc[t.Field].(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(t.Value))
	case query.RangeLong:
		v, ok := numeric(doc[t.Field])
		if !ok {
			return false
		}
		return (t.Lo == nil || v >= float64(*t.Lo)) && (t.Hi == nil || v <= float64(*t.Hi))
	case query.RangeDouble:
		v, ok := numeric(doc[t.Field])
		if !ok {
			return false
		}
		return (t.Lo == nil || v >= *t.Lo) && (t.Hi == nil || v <= *t.Hi)
	case query.Geo:
		lat, lon, ok := geoFields(doc, t.Field)
		if !ok {
			return false
		}
		return lat >= t.Box.MinLat && lat <= t.Box.MaxLat && lon >= t.Box.MinLon && lon <= t.Box.MaxLon
	case query.And:
		return evalAll(t.Clauses, doc)
	case query.Or:
		for _, sub := range t.Clauses {
			if eval(sub, doc) {
				return true
			}
		}
		return false
	case query.Not:
		return !eval(t.Clause, doc)
	default:
		return false
	}
}

func matchWildcard(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	rest := s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func geoFields(doc docid.Document, field string) (lat, lon float64, ok bool) {
	v, exists := doc[field].(map[string]any)
	if !exists {
		return 0, 0, false
	}
	lat, ok1 := numeric(v["lat"])
	lon, ok2 := numeric(v["lon"])
	return lat, lon, ok1 && ok2
}

// numeric coerces a decoded JSON value to float64, including extracting
// trailing digits from strings when possible (the aggregate coercion
// rule, reused here for range clauses too).
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		return trailingDigits(t)
	default:
		return 0, false
	}
}

func trailingDigits(s string) (float64, bool) {
	i := len(s)
	for i > 0 && (isDigitByte(s[i-1]) || s[i-1] == '.' || (i == len(s) && s[i-1] == '-')) {
		i--
	}
	digits := s[i:]
	if digits == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isDigitByte(b byte) bool { return b >= '0' && b <= '9' }

// applyJoin realizes a single-key inner/left join as a nested loop, with
// one side collected into memory (see below), output fields
// prefix-qualified by table name.
func (p *Planner) applyJoin(req Request, left []docid.Document) ([]docid.Document, error) {
	rightReq := Request{Table: req.Join.Table, Filter: query.Query{Branch: req.Filter.Branch}}
	right, err := p.resolveRows(rightReq)
	if err != nil {
		return nil, err
	}

	build, probe, buildIsLeft := left, right, true
	buildKey, probeKey := req.Join.LeftKey, req.Join.RightKey
	// a left join must probe with the left side so unmatched left rows
	// are observed; an inner join is free to collect the smaller side
	if req.Join.Kind == LeftJoin || len(right) < len(left) {
		build, probe, buildIsLeft = right, left, false
		buildKey, probeKey = req.Join.RightKey, req.Join.LeftKey
	}

	buildIndex := make(map[string][]docid.Document, len(build))
	for _, doc := range build {
		key := fmt.Sprint(doc[buildKey])
		buildIndex[key] = append(buildIndex[key], doc)
	}

	leftTable, rightTable := req.Table, req.Join.Table

	var out []docid.Document
	for _, probeDoc := range probe {
		key := fmt.Sprint(probeDoc[probeKey])
		matches := buildIndex[key]
		if len(matches) == 0 {
			if req.Join.Kind == LeftJoin && !buildIsLeft {
				out = append(out, mergeJoined(probeDoc, nil, leftTable, rightTable))
			}
			continue
		}
		for _, buildDoc := range matches {
			if buildIsLeft {
				out = append(out, mergeJoined(buildDoc, probeDoc, leftTable, rightTable))
			} else {
				out = append(out, mergeJoined(probeDoc, buildDoc, leftTable, rightTable))
			}
		}
	}
	return out, nil
}

func mergeJoined(leftDoc, rightDoc docid.Document, leftTable, rightTable string) docid.Document {
	out := make(docid.Document, len(leftDoc)+len(rightDoc))
	for k, v := range leftDoc {
		out[leftTable+"."+k] = v
	}
	for k, v := range rightDoc {
		out[rightTable+"."+k] = v
	}
	return out
}

// applyGroupBy computes the grouping-key tuple per row, then the requested
// aggregates per group, with numeric coercion per the trailing-digits rule.
func applyGroupBy(rows []docid.Document, groupBy []string, aggs []Aggregate) []docid.Document {
	type group struct {
		key  []any
		rows []docid.Document
	}

	// a grand aggregate (no GROUP BY) over an empty input still yields
	// one row, the way SELECT count(*) does on an empty table
	if len(groupBy) == 0 && len(rows) == 0 {
		row := make(docid.Document, len(aggs))
		for _, agg := range aggs {
			row[outputName(agg)] = computeAggregate(agg, nil)
		}
		return []docid.Document{row}
	}

	order := []string{}
	groups := make(map[string]*group)
	for _, row := range rows {
		key := make([]any, len(groupBy))
		parts := make([]string, len(groupBy))
		for i, field := range groupBy {
			key[i] = row[field]
			parts[i] = fmt.Sprint(row[field])
		}
		k := strings.Join(parts, "\x1f")
		g, ok := groups[k]
		if !ok {
			g = &group{key: key}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]docid.Document, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := make(docid.Document, len(groupBy)+len(aggs))
		for i, field := range groupBy {
			row[field] = g.key[i]
		}
		for _, agg := range aggs {
			row[outputName(agg)] = computeAggregate(agg, g.rows)
		}
		out = append(out, row)
	}
	return out
}

func outputName(agg Aggregate) string {
	if agg.As != "" {
		return agg.As
	}
	return string(agg.Func) + "_" + agg.Field
}

func computeAggregate(agg Aggregate, rows []docid.Document) any {
	switch agg.Func {
	case Count:
		return int64(len(rows))
	case Sum, Avg, Min, Max:
		var values []float64
		for _, row := range rows {
			if v, ok := numeric(row[agg.Field]); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil
		}
		switch agg.Func {
		case Sum:
			return sumFloats(values)
		case Avg:
			return sumFloats(values) / float64(len(values))
		case Min:
			return minFloat(values)
		default:
			return maxFloat(values)
		}
	default:
		return nil
	}
}

func sumFloats(vs []float64) float64 {
	var s float64
	for _, v := range vs {
		s += v
	}
	return s
}

func minFloat(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// sortRows applies a stable multi-key sort.
func sortRows(rows []docid.Document, sortFields []query.SortField) {
	if len(sortFields) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sortFields {
			vi, vj := rows[i][s.Field], rows[j][s.Field]
			cmp := compareValues(vi, vj)
			if cmp == 0 {
				continue
			}
			if s.Dir == query.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

// paginate applies LIMIT/OFFSET, or resumes from a cursor when one was
// supplied, and reports the cursor for the next page.
func paginate(rows []docid.Document, q query.Query) ([]docid.Document, *query.Cursor) {
	start := q.Offset
	if q.After != nil {
		for i, row := range rows {
			if row.ID() == q.After.DocID {
				start = i + 1
				break
			}
		}
	}
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	page := rows[start:end]
	var next *query.Cursor
	if end < len(rows) && len(page) > 0 {
		last := page[len(page)-1]
		next = &query.Cursor{DocID: last.ID()}
	}
	return page, next
}
