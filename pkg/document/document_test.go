package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/stamp"
)

func newCart(t *testing.T, rc *stamp.ReplicaContext) *Document {
	t.Helper()
	doc, err := Create(rc, StringID("cart_1"), map[string]any{
		"items":     map[string]any{},
		"likeCount": CounterField(10),
		"status":    "pending",
		"tags":      []any{"a", "b"},
	})
	require.NoError(t, err)
	return doc
}

func TestCreateAndGetField(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	v, err := doc.GetField("_id")
	require.NoError(t, err)
	assert.Equal(t, "cart_1", v)

	v, err = doc.GetField("likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	kind, ok := doc.KindOf("tags")
	require.True(t, ok)
	assert.Equal(t, crdt.KindRegister, kind, "arrays are registers")

	kind, ok = doc.KindOf("items")
	require.True(t, ok)
	assert.Equal(t, crdt.KindMap, kind)

	_, err = doc.GetField("missing.path")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	_, ok = doc.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, uint64(1), rc.Clock(), "one stamp for the whole insert")
}

func TestCreate_RejectsIDInFieldTree(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	_, err := Create(rc, StringID("x"), map[string]any{"_id": "y"})
	assert.ErrorIs(t, err, ErrImmutableID)

	_, err = Create(rc, ID{}, nil)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSetField_IDIsImmutable(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	for _, path := range []string{"_id", "_id.part"} {
		_, err := SetField(rc, doc, path, "cart_2", crdt.KindRegister)
		assert.ErrorIs(t, err, ErrImmutableID)
	}
	_, err := RemoveField(rc, doc, "_id")
	assert.ErrorIs(t, err, ErrImmutableID)

	v, err := doc.GetField("_id")
	require.NoError(t, err)
	assert.Equal(t, "cart_1", v)
}

func TestSetField_TypeFixedOnFirstWrite(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	_, err := SetField(rc, doc, "likeCount", 5, crdt.KindRegister)
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch)

	_, err = SetField(rc, doc, "status.detail", "x", crdt.KindRegister)
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch, "a register cannot become a parent map")

	_, err = Increment(rc, doc, "status", 1)
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch)

	v, _ := doc.GetField("likeCount")
	assert.Equal(t, int64(10), v, "failed writes leave the document untouched")
}

func TestSetField_NestedCreatesMaps(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	next, err := SetField(rc, doc, "items.prod_1", map[string]any{"qty": 1}, crdt.KindMap)
	require.NoError(t, err)
	next, err = SetField(rc, next, "items.prod_1.note", "gift", crdt.KindRegister)
	require.NoError(t, err)

	v, err := next.GetField("items")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prod_1": map[string]any{"qty": float64(1), "note": "gift"}}, v)

	_, err = doc.GetField("items.prod_1")
	assert.ErrorIs(t, err, ErrFieldNotFound, "the original version is unchanged")
}

func TestSetField_CounterResets(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	doc, err := Increment(rc, doc, "likeCount", 5)
	require.NoError(t, err)
	doc, err = SetField(rc, doc, "likeCount", 0, crdt.KindCounter)
	require.NoError(t, err)
	doc, err = Increment(rc, doc, "likeCount", -2)
	require.NoError(t, err)

	v, _ := doc.GetField("likeCount")
	assert.Equal(t, int64(-2), v)

	_, err = SetField(rc, doc, "likeCount", 1.5, crdt.KindCounter)
	assert.ErrorIs(t, err, crdt.ErrUnsupportedValue)
}

func TestIncrement_CreatesMissingCounter(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	doc, err := Increment(rc, doc, "stats.views", 3)
	require.NoError(t, err)
	v, _ := doc.GetField("stats.views")
	assert.Equal(t, int64(3), v)

	c, ok := doc.Field(Path{"stats", "views"})
	require.True(t, ok)
	assert.True(t, c.(*crdt.Counter).Epoch.IsZero(), "implicit counters live in the zero epoch")
}

func TestRemoveField(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	doc, err := Increment(rc, doc, "stats.views", 3)
	require.NoError(t, err)
	doc, err = RemoveField(rc, doc, "stats.views")
	require.NoError(t, err)
	_, ok := doc.Lookup("stats.views")
	assert.False(t, ok)

	_, err = RemoveField(rc, doc, "stats.views")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	doc, err = Increment(rc, doc, "stats.views", 1)
	require.NoError(t, err)
	v, _ := doc.GetField("stats.views")
	assert.Equal(t, int64(1), v, "a removed counter restarts from zero")
}

func TestDelete(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)

	deleted := Delete(rc, doc)
	assert.True(t, deleted.IsDeleted())
	assert.False(t, doc.IsDeleted())
	assert.Equal(t, 0, deleted.Fields.Len())

	_, err := SetField(rc, deleted, "status", "x", crdt.KindRegister)
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestCompositeID(t *testing.T) {
	a, err := CompositeID(map[string]any{"user": "u1", "order": 7})
	require.NoError(t, err)
	b, err := IDFromValue(map[string]any{"order": 7.0, "user": "u1"})
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, `{"order":7,"user":"u1"}`, a.Key())
	assert.True(t, a.IsComposite())

	parsed, err := ParseID(a.Key())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = CompositeID(map[string]any{"nested": map[string]any{"x": 1}})
	assert.ErrorIs(t, err, ErrInvalidID)

	rc := stamp.NewReplicaContext("r1", 0)
	doc, err := Create(rc, a, map[string]any{"total": 3})
	require.NoError(t, err)
	v, ok := doc.Lookup("_id.user")
	require.True(t, ok)
	assert.Equal(t, "u1", v)
}

func TestMarshalRoundTrip(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)
	doc, err := SetField(rc, doc, "items.prod_1", map[string]any{"qty": 1}, crdt.KindMap)
	require.NoError(t, err)

	raw, err := Marshal(doc)
	require.NoError(t, err)
	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, doc.Equal(decoded))
	assert.Equal(t, doc.Value(), decoded.Value())

	gone := Delete(rc, doc)
	raw, err = Marshal(gone)
	require.NoError(t, err)
	decoded, err = Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, decoded.IsDeleted())
}

func TestFieldStampsAndClock(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc := newCart(t, rc)
	other := stamp.NewReplicaContext("r2", 5)
	doc, err := SetField(other, doc, "status", "shipped", crdt.KindRegister)
	require.NoError(t, err)

	stamps := doc.FieldStamps()
	assert.Contains(t, stamps, FieldStamp{Path: "status", Replica: "r1", Counter: 1})
	assert.Contains(t, stamps, FieldStamp{Path: "status", Replica: "r2", Counter: 6})
	assert.Equal(t, stamp.VersionVector{"r1": 1, "r2": 6}, doc.Clock())
}
