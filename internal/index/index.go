// Package index is the near-real-time inverted index: one bleve
// index per branch, refreshed implicitly by bleve's own NRT semantics and
// explicitly by the Commit Engine after every apply().
//
// Index IDs are authoritative for candidate sets only;
// canonical document content always comes from the object store. That
// contract is what lets this package take a simplifying liberty: the
// default field analyzer is tokenized ("standard") rather than a true
// keyword/FTS split per field, so single-word exact-match queries and
// full-text queries both resolve through the same underlying token index.
// Any imprecision this introduces is corrected by the planner's
// post-filter step against the real document, the same safety valve FTS
// routing relies on.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	bleveMapping "github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/query"
)

const presentSuffix = "__present"
const ftsSuffix = "_fts"

// SearchOpts carries a search_query's limit/offset/search_after knobs.
type SearchOpts struct {
	Limit  int
	Offset int
	Sort   []query.SortField
	After  *query.Cursor
}

// SearchResult is search_query's return shape.
type SearchResult struct {
	IDs        []string
	NextCursor *query.Cursor
	Total      uint64
}

type cacheEntry struct {
	result SearchResult
}

// Engine owns one bleve.Index per branch plus the optional result cache.
type Engine struct {
	basePath string

	mu      sync.Mutex
	indexes map[string]bleve.Index
	gens    map[string]uint64

	cache *lru.Cache[string, cacheEntry]
}

// New opens an Engine rooted at basePath; per-branch
// indexes are created lazily on first use under basePath/<branch>/.
func New(basePath string) (*Engine, error) {
	cache, err := lru.New[string, cacheEntry](1024)
	if err != nil {
		return nil, fmt.Errorf("index: build result cache: %w", err)
	}
	return &Engine{
		basePath: basePath,
		indexes:  make(map[string]bleve.Index),
		gens:     make(map[string]uint64),
		cache:    cache,
	}, nil
}

// Close releases every open bleve index handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, idx := range e.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildMapping() bleveMapping.IndexMapping {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = "standard"
	return m
}

func (e *Engine) branchIndex(branch string) (bleve.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, ok := e.indexes[branch]; ok {
		return idx, nil
	}

	path := filepath.Join(e.basePath, branch)
	idx, err := bleve.Open(path)
	if err == nil {
		e.indexes[branch] = idx
		return idx, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", chronerr.IndexUnavailable, path, err)
	}
	idx, err = bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("%w: create index %s: %v", chronerr.IndexUnavailable, path, err)
	}
	e.indexes[branch] = idx
	return idx, nil
}

// flatten turns a document into the map bleve indexes: every string field
// gets a "<field>_fts" twin (tokenized the same way as the base field,
// since DefaultAnalyzer is shared; see package doc), and every present
// field gets a "<field>__present" keyword sentinel so Exists has something
// concrete to match against (bleve has no first-class field-exists query).
func flatten(doc docid.Document) map[string]any {
	out := make(map[string]any, len(doc)*2)
	for k, v := range doc {
		if n, ok := v.(json.Number); ok {
			// bleve would index a json.Number as text; numeric range
			// queries need it stored as a number.
			if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out[k] = v
		out[k+presentSuffix] = "true"
		if s, ok := v.(string); ok {
			out[k+ftsSuffix] = s
		}
	}
	return out
}

// IndexDocument replaces any prior entry for table:id atomically (bleve's
// Index call is itself a replace-by-id operation).
func (e *Engine) IndexDocument(branch, table, id string, doc docid.Document) error {
	idx, err := e.branchIndex(branch)
	if err != nil {
		return err
	}
	path := docid.Path(table, id)
	if err := idx.Index(path, flatten(doc)); err != nil {
		return fmt.Errorf("%w: index %s: %v", chronerr.IndexUnavailable, path, err)
	}
	e.bumpGeneration(branch)
	return nil
}

// DeleteDocument removes table:id from branch's index.
func (e *Engine) DeleteDocument(branch, table, id string) error {
	idx, err := e.branchIndex(branch)
	if err != nil {
		return err
	}
	path := docid.Path(table, id)
	if err := idx.Delete(path); err != nil {
		return fmt.Errorf("%w: delete %s: %v", chronerr.IndexUnavailable, path, err)
	}
	e.bumpGeneration(branch)
	return nil
}

// RefreshAfterCommit is the Commit Engine's post-apply hook. bleve's NRT
// semantics make writes visible as soon as Index/Delete returns, so there
// is nothing to do here beyond invalidating the result cache for the
// branch, which IndexDocument/DeleteDocument already did; this exists as
// an explicit, named hook so the commit path reads as
// write-then-request-refresh.
func (e *Engine) RefreshAfterCommit(branch string) {
	e.bumpGeneration(branch)
}

func (e *Engine) bumpGeneration(branch string) {
	e.mu.Lock()
	e.gens[branch]++
	e.mu.Unlock()
}

func (e *Engine) generation(branch string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[branch]
}

// SearchQuery runs ast against branch, returning a candidate id set. IDs
// returned are tree paths (docid.Path form); canonical content is always
// resolved separately against the object store.
func (e *Engine) SearchQuery(ast query.Query, opts SearchOpts) (SearchResult, error) {
	cacheKey := e.cacheKeyFor(ast, opts)
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached.result, nil
	}

	idx, err := e.branchIndex(ast.Branch)
	if err != nil {
		return SearchResult{}, err
	}

	bq, err := translate(query.Clause(andAll(ast.Clauses)))
	if err != nil {
		return SearchResult{}, err
	}

	size := opts.Limit
	if size <= 0 {
		size = 50
	}
	from := opts.Offset
	if opts.After != nil {
		from = 0 // search_after supersedes offset for deep pagination
	}

	req := bleve.NewSearchRequestOptions(bq, size, from, false)
	for _, s := range opts.Sort {
		field := s.Field
		if s.Dir == query.Desc {
			field = "-" + field
		}
		req.SortBy([]string{field})
	}

	res, err := idx.Search(req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: search: %v", chronerr.IndexUnavailable, err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}

	result := SearchResult{IDs: ids, Total: res.Total}
	if len(ids) > 0 && uint64(from+len(ids)) < res.Total {
		last := res.Hits[len(res.Hits)-1]
		result.NextCursor = &query.Cursor{DocID: last.ID, Score: last.Score}
	}

	e.cache.Add(cacheKey, cacheEntry{result: result})
	return result, nil
}

func (e *Engine) cacheKeyFor(ast query.Query, opts SearchOpts) string {
	gen := e.generation(ast.Branch)
	return fmt.Sprintf("%d|%s|%+v|%+v", gen, ast.Branch, ast, opts)
}

func andAll(clauses []query.Clause) query.Clause {
	if len(clauses) == 1 {
		return clauses[0]
	}
	return query.And{Clauses: clauses}
}

// translate compiles one AST clause into a bleve query. Unsupported clause
// types (there are none left unhandled in the closed algebra) fall back to
// MatchNone, never a silent MatchAll, so an unexpected type loses recall
// rather than leaking unrelated documents.
func translate(c query.Clause) (bleveQuery.Query, error) {
	switch t := c.(type) {
	case query.Term:
		q := bleveQuery.NewMatchQuery(t.Value)
		q.SetField(t.Field)
		return q, nil
	case query.Wildcard:
		q := bleveQuery.NewWildcardQuery(t.Pattern)
		q.SetField(t.Field)
		return q, nil
	case query.Prefix:
		q := bleveQuery.NewPrefixQuery(t.Value)
		q.SetField(t.Field)
		return q, nil
	case query.Fts:
		q := bleveQuery.NewMatchQuery(t.Value)
		q.SetField(t.Field + ftsSuffix)
		if t.Analyzer != "" {
			q.Analyzer = t.Analyzer
		}
		return q, nil
	case query.Exists:
		q := bleveQuery.NewTermQuery("true")
		q.SetField(t.Field + presentSuffix)
		return q, nil
	case query.RangeLong:
		var lo, hi *float64
		if t.Lo != nil {
			v := float64(*t.Lo)
			lo = &v
		}
		if t.Hi != nil {
			v := float64(*t.Hi)
			hi = &v
		}
		q := bleveQuery.NewNumericRangeQuery(lo, hi)
		q.SetField(t.Field)
		return q, nil
	case query.RangeDouble:
		q := bleveQuery.NewNumericRangeQuery(t.Lo, t.Hi)
		q.SetField(t.Field)
		return q, nil
	case query.Geo:
		q := bleveQuery.NewGeoBoundingBoxQuery(t.Box.MinLon, t.Box.MaxLat, t.Box.MaxLon, t.Box.MinLat)
		q.SetField(t.Field)
		return q, nil
	case query.And:
		bq := bleveQuery.NewConjunctionQuery(nil)
		for _, sub := range t.Clauses {
			translated, err := translate(sub)
			if err != nil {
				return nil, err
			}
			bq.AddQuery(translated)
		}
		return bq, nil
	case query.Or:
		bq := bleveQuery.NewDisjunctionQuery(nil)
		for _, sub := range t.Clauses {
			translated, err := translate(sub)
			if err != nil {
				return nil, err
			}
			bq.AddQuery(translated)
		}
		return bq, nil
	case query.Not:
		inner, err := translate(t.Clause)
		if err != nil {
			return nil, err
		}
		bq := bleveQuery.NewBooleanQuery()
		bq.AddMustNot(inner)
		return bq, nil
	default:
		return bleveQuery.NewMatchNoneQuery(), nil
	}
}
