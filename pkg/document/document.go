package document

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is a single result produced by a remote cursor.
type Document map[string]interface{}

// Lookup resolves a dotted field path, e.g. "a.b.c". Intermediate values must
// be documents (or plain maps); arrays are not traversed.
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = d
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case Document:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Marshal encodes docs as a JSON array.
func Marshal(docs []Document) ([]byte, error) {
	if docs == nil {
		docs = []Document{}
	}
	return json.Marshal(docs)
}

// Unmarshal decodes a JSON array of documents. Numbers decode as float64.
func Unmarshal(data []byte) ([]Document, error) {
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
