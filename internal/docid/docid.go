// Package docid maps between documents and the paths they occupy inside a
// commit tree, and between document bytes and their canonical JSON form.
//
// Path shape: "<table>/<encoded-id>.json". Schema records live at
// "_schema/<table>.json" and are parsed by the schema package, not here.
package docid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

// SchemaTable is the reserved table name schema records live under.
const SchemaTable = "_schema"

// reservedEscapes covers the characters that would otherwise collide with
// path separators or the ".json" suffix when an id is embedded in a tree
// path. "%" must be escaped first so unescape is unambiguous.
var reservedEscapes = []struct {
	raw     string
	escaped string
}{
	{"%", "%25"},
	{"/", "%2F"},
	{":", "%3A"},
	{".", "%2E"},
}

// EncodeIDSegment escapes an id's reserved characters so it is safe to use
// as a single path segment.
func EncodeIDSegment(id string) string {
	out := id
	for _, e := range reservedEscapes {
		out = strings.ReplaceAll(out, e.raw, e.escaped)
	}
	return out
}

// DecodeIDSegment reverses EncodeIDSegment.
func DecodeIDSegment(seg string) string {
	out := seg
	for i := len(reservedEscapes) - 1; i >= 0; i-- {
		e := reservedEscapes[i]
		out = strings.ReplaceAll(out, e.escaped, e.raw)
	}
	return out
}

// ParseTableAndID infers (table, rest) from a document id of the form
// "table:rest". If there is no ":" the id has no inferred table and the
// caller must supply "_table" explicitly in the document body.
func ParseTableAndID(id string) (table, rest string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// Path returns the tree path a document with the given table and id is
// stored at: "<table>/<encoded-id>.json".
func Path(table, id string) string {
	return table + "/" + EncodeIDSegment(id) + ".json"
}

// SchemaPath returns the tree path a table's schema record is stored at.
func SchemaPath(table string) string {
	return SchemaTable + "/" + table + ".json"
}

// SplitPath reverses Path, returning the table and (decoded) id. It
// returns ok=false for paths that are not a two-segment "<table>/<id>.json"
// shape, including schema paths (use IsSchemaPath/TableFromSchemaPath for
// those).
func SplitPath(path string) (table, id string, ok bool) {
	slash := strings.IndexByte(path, '/')
	if slash <= 0 || !strings.HasSuffix(path, ".json") {
		return "", "", false
	}
	table = path[:slash]
	if table == SchemaTable {
		return "", "", false
	}
	segment := path[slash+1 : len(path)-len(".json")]
	if segment == "" {
		return "", "", false
	}
	return table, DecodeIDSegment(segment), true
}

// IsSchemaPath reports whether a tree path names a schema record.
func IsSchemaPath(path string) bool {
	return strings.HasPrefix(path, SchemaTable+"/") && strings.HasSuffix(path, ".json")
}

// TableFromSchemaPath extracts the table name from a schema record's path.
func TableFromSchemaPath(path string) (string, bool) {
	if !IsSchemaPath(path) {
		return "", false
	}
	inner := path[len(SchemaTable)+1 : len(path)-len(".json")]
	if inner == "" {
		return "", false
	}
	return inner, true
}

// Document is a schemaless mapping of string keys to JSON values, carrying
// the two reserved keys every document must have once resolved: "id" and
// "_table".
type Document map[string]any

// ID returns the document's "id" field, or "" if absent/non-string.
func (d Document) ID() string {
	v, _ := d["id"].(string)
	return v
}

// Table returns the document's "_table" field, or "" if absent/non-string.
func (d Document) Table() string {
	v, _ := d["_table"].(string)
	return v
}

// Normalize fills in "id" and "_table" from the supplied id/table when the
// document body omitted them, mutating the document in place.
func (d Document) Normalize(table, id string) {
	if _, ok := d["id"]; !ok {
		d["id"] = id
	}
	if _, ok := d["_table"]; !ok {
		d["_table"] = table
	}
}

// Encode produces canonical JSON: object keys sorted, no insignificant
// whitespace. Canonical byte order matters here because the document's
// bytes flow straight into a content-addressed blob: two semantically
// equal documents encoded in different key orders would hash differently
// and defeat git's object deduplication.
func Encode(doc Document) ([]byte, error) {
	canonical, err := canonicalize(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chronerr.BadDocument, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return nil, fmt.Errorf("%w: %v", chronerr.BadDocument, err)
	}

	// json.Encoder always appends a trailing newline; trim it so that
	// Encode(Decode(bytes)) == bytes for bytes produced by this package.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses document bytes, rejecting malformed JSON with BadDocument.
func Decode(b []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", chronerr.BadDocument, err)
	}
	return doc, nil
}

// canonicalize walks a decoded value tree and returns a map[string]any copy
// of every object level, so json.Marshal emits keys in sorted order. Go's
// encoding/json already sorts map[string]any keys on Marshal, so this is
// mostly a straight copy; it also normalizes json.Number back to float64
// or int64 so re-encoding is stable.
func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cv, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			cv, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return v, nil
	}
}
