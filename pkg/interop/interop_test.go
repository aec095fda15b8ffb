package interop

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

func automergeCart(t *testing.T) *automerge.Doc {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.Path("_id").Set("cart_1"))
	require.NoError(t, doc.Path("status").Set("pending"))
	require.NoError(t, doc.Path("likeCount").Set(automerge.NewCounter(10)))
	require.NoError(t, doc.Path("items").Set(map[string]any{"apple": 2}))
	require.NoError(t, doc.Path("tags").Set([]any{"a", "b"}))
	_, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true})
	require.NoError(t, err)
	return doc
}

func TestLoad(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc, err := Load(rc, document.ID{}, automergeCart(t).Save())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"_id":       "cart_1",
		"status":    "pending",
		"likeCount": int64(10),
		"items":     map[string]any{"apple": float64(2)},
		"tags":      []any{"a", "b"},
	}, doc.Value())

	for path, want := range map[string]crdt.Kind{
		"status":    crdt.KindRegister,
		"likeCount": crdt.KindCounter,
		"items":     crdt.KindMap,
		"tags":      crdt.KindRegister,
	} {
		kind, ok := doc.KindOf(path)
		require.True(t, ok, path)
		assert.Equal(t, want, kind, path)
	}
}

func TestImport_ExplicitIDWins(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc, err := Import(rc, document.StringID("other"), automergeCart(t))
	require.NoError(t, err)
	assert.Equal(t, "other", doc.ID.String())
	_, ok := doc.Fields.Get(document.IDField)
	assert.False(t, ok)
}

func TestImport_NoID(t *testing.T) {
	doc := automerge.New()
	require.NoError(t, doc.Path("a").Set("x"))
	_, err := Import(stamp.NewReplicaContext("r1", 0), document.ID{}, doc)
	assert.ErrorIs(t, err, ErrNoID)
}

func TestExport_RoundTrip(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	orig, err := document.Create(rc, document.StringID("cart_2"), map[string]any{
		"likeCount": document.CounterField(3),
		"items":     map[string]any{"milk": 1},
		"status":    "shipped",
		"tags":      []any{"x"},
	})
	require.NoError(t, err)
	orig, err = document.Increment(rc, orig, "likeCount", 4)
	require.NoError(t, err)

	exported, err := Export(orig)
	require.NoError(t, err)

	back, err := Load(stamp.NewReplicaContext("r2", 0), document.ID{}, exported.Save())
	require.NoError(t, err)
	assert.Equal(t, orig.Value(), back.Value())
	kind, _ := back.KindOf("likeCount")
	assert.Equal(t, crdt.KindCounter, kind)
}

func TestExport_Deleted(t *testing.T) {
	rc := stamp.NewReplicaContext("r1", 0)
	doc, err := document.Create(rc, document.StringID("gone"), map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = Export(document.Delete(rc, doc))
	assert.ErrorIs(t, err, document.ErrDeleted)
}
