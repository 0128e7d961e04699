// Package schema implements the Schema Store. Schemas are plain
// documents at "_schema/<table>.json", written through the Commit Engine
// like any other document - there is no dedicated storage path.
package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

// Column describes one column of an advisory table schema.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	Nullable   bool   `json:"nullable,omitempty"`
	Unique     bool   `json:"unique,omitempty"`
	Default    any    `json:"default,omitempty"`
}

// Record is the document body stored at _schema/<table>.json.
type Record struct {
	Table     string    `json:"table"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
	Inferred  bool      `json:"-"` // true when Describe fell back to sampling
}

// Store is the Schema Store: reads go straight to the object store at a
// branch tip, writes go through the Commit Engine.
type Store struct {
	objects *objstore.Store
	refs    *refstore.Store
	engine  *commitengine.Engine
}

// New builds a Store over already-open collaborators.
func New(objects *objstore.Store, refs *refstore.Store, engine *commitengine.Engine) *Store {
	return &Store{objects: objects, refs: refs, engine: engine}
}

func (s *Store) branchTree(branch string) (plumbing.Hash, error) {
	hex, err := s.refs.Get(refstore.BranchRef(branch))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hex == refstore.ZeroHash {
		return s.objects.EmptyTree(), nil
	}
	commit, err := s.objects.Commit(plumbing.NewHash(hex))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return commit.TreeHash, nil
}

func (s *Store) readRecord(branch, table string) (Record, bool, error) {
	tree, err := s.branchTree(branch)
	if err != nil {
		return Record{}, false, err
	}
	blobHash, err := s.objects.ReadPath(tree, docid.SchemaPath(table))
	if errors.Is(err, chronerr.NotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	body, err := s.objects.GetBlob(blobHash)
	if err != nil {
		return Record{}, false, err
	}
	doc, err := docid.Decode(body)
	if err != nil {
		return Record{}, false, err
	}
	return recordFromDoc(doc), true, nil
}

// CreateTable writes a schema record for name. Returns chronerr.SchemaExists
// if one already exists and ifNotExists is false.
func (s *Store) CreateTable(branch, name string, cols []Column, ifNotExists bool) error {
	_, exists, err := s.readRecord(branch, name)
	if err != nil {
		return err
	}
	if exists {
		if ifNotExists {
			return nil
		}
		return fmt.Errorf("%w: table %q", chronerr.SchemaExists, name)
	}

	rec := Record{Table: name, Columns: cols, CreatedAt: time.Now()}
	doc := docToDocument(rec)

	_, err = s.engine.Apply(branch, []commitengine.DocChange{
		{Table: docid.SchemaTable, ID: name, Kind: commitengine.Put, Doc: doc},
	}, txctx.Begin(txctx.OriginInternal, "schema"))
	return err
}

// DropTable removes name's schema record. The underlying documents in the
// table are left untouched: schemas are advisory bookkeeping, not the
// table's storage; schemas are advisory.
func (s *Store) DropTable(branch, name string, ifExists bool) error {
	_, exists, err := s.readRecord(branch, name)
	if err != nil {
		return err
	}
	if !exists {
		if ifExists {
			return nil
		}
		return fmt.Errorf("%w: table %q", chronerr.SchemaAbsent, name)
	}

	_, err = s.engine.Apply(branch, []commitengine.DocChange{
		{Table: docid.SchemaTable, ID: name, Kind: commitengine.Delete},
	}, txctx.Begin(txctx.OriginInternal, "schema"))
	return err
}

// ListTables returns the union of tables with a schema record and tables
// inferred from document prefixes (distinct top-level tree directories,
// excluding _schema itself).
func (s *Store) ListTables(branch string) ([]string, error) {
	tree, err := s.branchTree(branch)
	if err != nil {
		return nil, err
	}

	entries, err := s.objects.ListDir(tree, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if !e.IsDir || e.Name == docid.SchemaTable {
			continue
		}
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}

	schemaEntries, err := s.objects.ListDir(tree, docid.SchemaTable)
	if err != nil && !errors.Is(err, chronerr.NotFound) {
		return nil, err
	}
	for _, e := range schemaEntries {
		table, ok := docid.TableFromSchemaPath(docid.SchemaTable + "/" + e.Name)
		if !ok || seen[table] {
			continue
		}
		seen[table] = true
		names = append(names, table)
	}

	return names, nil
}

// Describe returns name's schema record if one exists, otherwise infers
// one from up to 10 sampled documents in the table.
func (s *Store) Describe(branch, name string) (Record, error) {
	rec, exists, err := s.readRecord(branch, name)
	if err != nil {
		return Record{}, err
	}
	if exists {
		return rec, nil
	}

	return s.inferSchema(branch, name)
}

const sampleSize = 10

func (s *Store) inferSchema(branch, table string) (Record, error) {
	tree, err := s.branchTree(branch)
	if err != nil {
		return Record{}, err
	}

	entries, err := s.objects.ListDir(tree, table)
	if err != nil {
		if errors.Is(err, chronerr.NotFound) {
			return Record{}, fmt.Errorf("%w: table %q", chronerr.SchemaAbsent, table)
		}
		return Record{}, err
	}

	colTypes := make(map[string]string)
	colOrder := []string{}
	sampled := 0
	for _, e := range entries {
		if e.IsDir || sampled >= sampleSize {
			continue
		}
		blobHash, err := s.objects.ReadPath(tree, table+"/"+e.Name)
		if err != nil {
			continue
		}
		body, err := s.objects.GetBlob(blobHash)
		if err != nil {
			continue
		}
		doc, err := docid.Decode(body)
		if err != nil {
			continue
		}
		sampled++
		for k, v := range doc {
			if _, ok := colTypes[k]; !ok {
				colOrder = append(colOrder, k)
			}
			colTypes[k] = mergeType(colTypes[k], inferJSONType(v))
		}
	}

	if sampled == 0 {
		return Record{}, fmt.Errorf("%w: table %q", chronerr.SchemaAbsent, table)
	}

	cols := make([]Column, 0, len(colOrder))
	for _, name := range colOrder {
		cols = append(cols, Column{Name: name, Type: colTypes[name]})
	}
	return Record{Table: table, Columns: cols, Inferred: true}, nil
}

func inferJSONType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "number"
	}
}

func mergeType(existing, observed string) string {
	if existing == "" || existing == observed {
		return observed
	}
	return "mixed"
}

func recordFromDoc(doc docid.Document) Record {
	rec := Record{Table: doc.Table()}
	if cols, ok := doc["columns"].([]any); ok {
		for _, c := range cols {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			col := Column{}
			if v, ok := cm["name"].(string); ok {
				col.Name = v
			}
			if v, ok := cm["type"].(string); ok {
				col.Type = v
			}
			if v, ok := cm["primary_key"].(bool); ok {
				col.PrimaryKey = v
			}
			if v, ok := cm["nullable"].(bool); ok {
				col.Nullable = v
			}
			if v, ok := cm["unique"].(bool); ok {
				col.Unique = v
			}
			col.Default = cm["default"]
			rec.Columns = append(rec.Columns, col)
		}
	}
	return rec
}

func docToDocument(rec Record) docid.Document {
	cols := make([]any, 0, len(rec.Columns))
	for _, c := range rec.Columns {
		cols = append(cols, map[string]any{
			"name":        c.Name,
			"type":        c.Type,
			"primary_key": c.PrimaryKey,
			"nullable":    c.Nullable,
			"unique":      c.Unique,
			"default":     c.Default,
		})
	}
	return docid.Document{
		"columns":    cols,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
	}
}
