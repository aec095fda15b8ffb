// Package interop converts between automerge documents and replicated
// documents so existing automerge saves can be seeded into a store.
package interop

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

var ErrNoID = errors.New("no document id")

// Load decodes a saved automerge document and imports it.
func Load(rc *stamp.ReplicaContext, id document.ID, raw []byte) (*document.Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load automerge document: %w", err)
	}
	return Import(rc, id, doc)
}

// Import converts the root map of an automerge document into a new
// replicated document. Nested maps stay maps, counters stay counters and
// every other value, lists and text included, becomes a register.
//
// When id is zero the document's own _id key is used instead.
func Import(rc *stamp.ReplicaContext, id document.ID, doc *automerge.Doc) (*document.Document, error) {
	fields, err := importMap(doc.RootMap(), true)
	if err != nil {
		return nil, err
	}
	if raw, ok := fields[document.IDField]; ok {
		delete(fields, document.IDField)
		if id.IsZero() {
			if id, err = document.IDFromValue(raw); err != nil {
				return nil, err
			}
		}
	}
	if id.IsZero() {
		return nil, ErrNoID
	}
	return document.Create(rc, id, fields)
}

func importMap(m *automerge.Map, fields bool) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", k, err)
		}
		if out[k], err = importValue(v, fields); err != nil {
			return nil, fmt.Errorf("failed to import %q: %w", k, err)
		}
	}
	return out, nil
}

// importValue converts v. Inside the field tree counters keep their type;
// below a register (a list element) they collapse to their current value.
func importValue(v *automerge.Value, fields bool) (any, error) {
	switch v.Kind() {
	case automerge.KindMap:
		return importMap(v.Map(), fields)
	case automerge.KindList:
		l := v.List()
		out := make([]any, 0, l.Len())
		for i := 0; i < l.Len(); i++ {
			item, err := l.Get(i)
			if err != nil {
				return nil, err
			}
			n, err := importValue(item, false)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		if fields {
			return document.RegisterField{Value: out}, nil
		}
		return out, nil
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindCounter:
		n, err := v.Counter().Get()
		if err != nil {
			return nil, err
		}
		if fields {
			return document.CounterField(n), nil
		}
		return n, nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindTime:
		return v.Time(), nil
	case automerge.KindNull, automerge.KindVoid:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: automerge kind %v", crdt.ErrUnsupportedValue, v.Kind())
}

// Export writes the visible state of d into a fresh automerge document and
// commits it. The id is stored under _id. Object-valued registers come out as
// automerge maps, so a round trip turns them into map fields.
func Export(d *document.Document) (*automerge.Doc, error) {
	if d.IsDeleted() {
		return nil, document.ErrDeleted
	}
	doc := automerge.New()
	if err := doc.Path(document.IDField).Set(d.ID.Value()); err != nil {
		return nil, err
	}
	if err := exportMap(doc, nil, d.Fields); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("export "+d.ID.String(), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, err
	}
	return doc, nil
}

func exportMap(doc *automerge.Doc, path []any, m *crdt.Map) error {
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		p := append(slices.Clone(path), k)
		var err error
		switch vv := v.(type) {
		case *crdt.Map:
			if err = doc.Path(p...).Set(map[string]any{}); err == nil {
				err = exportMap(doc, p, vv)
			}
		case *crdt.Counter:
			err = doc.Path(p...).Set(automerge.NewCounter(vv.Value()))
		case *crdt.Register:
			var plain any
			if plain, err = exportable(vv.Value); err == nil {
				err = doc.Path(p...).Set(plain)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to export %v: %w", p, err)
		}
	}
	return nil
}

// exportable turns attachment tokens into plain objects.
func exportable(v any) (any, error) {
	if _, ok := v.(crdt.AttachmentToken); !ok {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
