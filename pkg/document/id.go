package document

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/astromechza/replistore/pkg/crdt"
)

// IDField is the reserved path holding a document's id.
const IDField = "_id"

// ID identifies a document. It is either a scalar (usually a string) or a
// composite of named sub-keys. Composite ids are ordered by sub-key name, so
// two composites with the same parts are the same id regardless of how they
// were built.
type ID struct {
	value any
	key   string
}

// StringID returns a scalar id.
func StringID(s string) ID {
	raw, _ := json.Marshal(s)
	return ID{value: s, key: string(raw)}
}

// NewID generates a random scalar id.
func NewID() ID {
	return StringID(uuid.NewString())
}

// CompositeID builds an id from named parts. Part values must be JSON
// scalars.
func CompositeID(parts map[string]any) (ID, error) {
	if len(parts) == 0 {
		return ID{}, fmt.Errorf("%w: composite id needs at least one part", ErrInvalidID)
	}
	return IDFromValue(parts)
}

// IDFromValue builds an id from a string, number or map of scalars.
func IDFromValue(v any) (ID, error) {
	n, err := crdt.Normalize(v)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	switch nv := n.(type) {
	case string, float64, bool:
	case map[string]any:
		for k, part := range nv {
			switch part.(type) {
			case string, float64, bool:
			default:
				return ID{}, fmt.Errorf("%w: part %q is not a scalar", ErrInvalidID, k)
			}
		}
	default:
		return ID{}, fmt.Errorf("%w: %T", ErrInvalidID, v)
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ID{value: n, key: string(raw)}, nil
}

// ParseID decodes the canonical form returned by Key.
func ParseID(key string) (ID, error) {
	var v any
	if err := json.Unmarshal([]byte(key), &v); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return IDFromValue(v)
}

// Key is the canonical JSON encoding of the id, usable as a map or table key.
func (id ID) Key() string {
	return id.key
}

// Value returns the plain id value: a string, float64, bool or map.
func (id ID) Value() any {
	switch v := id.value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, p := range v {
			out[k] = p
		}
		return out
	}
	return id.value
}

func (id ID) IsZero() bool {
	return id.key == ""
}

func (id ID) IsComposite() bool {
	_, ok := id.value.(map[string]any)
	return ok
}

func (id ID) String() string {
	if s, ok := id.value.(string); ok {
		return s
	}
	return id.key
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return []byte(id.key), nil
}

func (id *ID) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*id = ID{}
		return nil
	}
	parsed, err := ParseID(string(raw))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
