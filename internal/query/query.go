// Package query is the closed clause algebra shared by every protocol
// adapter. REST query params, RESP SEARCH commands, and the SQL
// engine's WHERE clauses all compile down to the same AST so the planner
// and index engine only ever see one shape.
package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Clause is any node of the query algebra.
type Clause interface {
	clauseKind() string
}

// Term matches an exact field value.
type Term struct {
	Field string
	Value string
}

func (Term) clauseKind() string { return "term" }

// Wildcard matches field against a glob-style pattern ("*"/"?").
type Wildcard struct {
	Field   string
	Pattern string
}

func (Wildcard) clauseKind() string { return "wildcard" }

// RangeLong matches an integer field within [Lo, Hi], either bound optional.
type RangeLong struct {
	Field  string
	Lo, Hi *int64
}

func (RangeLong) clauseKind() string { return "range_long" }

// RangeDouble matches a floating field within [Lo, Hi], either bound optional.
type RangeDouble struct {
	Field  string
	Lo, Hi *float64
}

func (RangeDouble) clauseKind() string { return "range_double" }

// Prefix matches field by string prefix.
type Prefix struct {
	Field string
	Value string
}

func (Prefix) clauseKind() string { return "prefix" }

// Fts performs full-text search of value against field's tokenized twin.
type Fts struct {
	Field    string
	Value    string
	Analyzer string
}

func (Fts) clauseKind() string { return "fts" }

// Exists matches documents that have field at all, regardless of value.
type Exists struct {
	Field string
}

func (Exists) clauseKind() string { return "exists" }

// GeoBox is a bounding box for Geo.
type GeoBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Geo matches a geo-point field falling inside Box.
type Geo struct {
	Field string
	Box   GeoBox
}

func (Geo) clauseKind() string { return "geo" }

// And matches when every sub-clause matches.
type And struct {
	Clauses []Clause
}

func (And) clauseKind() string { return "and" }

// Or matches when any sub-clause matches.
type Or struct {
	Clauses []Clause
}

func (Or) clauseKind() string { return "or" }

// Not inverts a single sub-clause.
type Not struct {
	Clause Clause
}

func (Not) clauseKind() string { return "not" }

// Direction is a sort descriptor's direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// SortField is one (field, direction) entry of a multi-key sort.
type SortField struct {
	Field string
	Dir   Direction
}

// Cursor is the opaque pagination token handed back in search results and
// accepted back as After, serializable as base64.
type Cursor struct {
	DocID      string  `json:"doc_id"`
	Score      float64 `json:"score"`
	SortValues []any   `json:"sort_values,omitempty"`
}

// Encode serializes a cursor to the opaque base64(canonical-JSON) form
// clients pass back verbatim.
func (c Cursor) Encode() (string, error) {
	body, err := canonicalMarshal(c)
	if err != nil {
		return "", fmt.Errorf("query: encode cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// DecodeCursor reverses Cursor.Encode.
func DecodeCursor(s string) (Cursor, error) {
	body, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("query: decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(body, &c); err != nil {
		return Cursor{}, fmt.Errorf("query: decode cursor: %w", err)
	}
	return c, nil
}

// Query is the top-level request the planner consumes.
type Query struct {
	Clauses []Clause
	Limit   int
	Offset  int
	Sort    []SortField
	After   *Cursor
	Branch  string
}

// Builders mirror the algebra's constructors one-to-one so every protocol
// adapter assembles the same shapes rather than each hand-rolling struct
// literals with slightly different zero-value defaults.

func NewTerm(field, value string) Clause { return Term{Field: field, Value: value} }

func NewWildcard(field, pattern string) Clause { return Wildcard{Field: field, Pattern: pattern} }

func NewRangeLong(field string, lo, hi *int64) Clause {
	return RangeLong{Field: field, Lo: lo, Hi: hi}
}

func NewRangeDouble(field string, lo, hi *float64) Clause {
	return RangeDouble{Field: field, Lo: lo, Hi: hi}
}

func NewPrefix(field, value string) Clause { return Prefix{Field: field, Value: value} }

func NewFts(field, value, analyzer string) Clause {
	return Fts{Field: field, Value: value, Analyzer: analyzer}
}

func NewExists(field string) Clause { return Exists{Field: field} }

func NewGeo(field string, box GeoBox) Clause { return Geo{Field: field, Box: box} }

func NewAnd(clauses ...Clause) Clause { return And{Clauses: clauses} }

func NewOr(clauses ...Clause) Clause { return Or{Clauses: clauses} }

func NewNot(clause Clause) Clause { return Not{Clause: clause} }

// canonicalMarshal produces deterministic JSON (sorted map keys) so two
// semantically equal cursors/queries hash and encode identically, the same
// property docid.Encode upholds for documents.
func canonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sortedCopy(generic)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return v
	}
}
