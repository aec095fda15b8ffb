package merge

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/stamp"
)

func quietEngine() *Engine {
	return NewEngine(0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustMerge(t *testing.T, e *Engine, a, b *document.Document) *document.Document {
	t.Helper()
	out, err := e.MergeDocuments(a, b)
	require.NoError(t, err)
	return out
}

// replicas returns a base cart and one replica context per name, each of
// which has observed the base.
func replicas(t *testing.T, names ...string) (*document.Document, []*stamp.ReplicaContext) {
	t.Helper()
	rc0 := stamp.NewReplicaContext("r0", 0)
	base, err := document.Create(rc0, document.StringID("cart_1"), map[string]any{
		"items":     map[string]any{},
		"likeCount": document.CounterField(10),
		"status":    "pending",
	})
	require.NoError(t, err)
	out := make([]*stamp.ReplicaContext, len(names))
	for i, n := range names {
		out[i] = stamp.NewReplicaContext(n, rc0.Clock())
	}
	return base, out
}

func edit(t *testing.T, doc *document.Document, steps ...func(*document.Document) (*document.Document, error)) *document.Document {
	t.Helper()
	var err error
	for _, step := range steps {
		doc, err = step(doc)
		require.NoError(t, err)
	}
	return doc
}

func set(rc *stamp.ReplicaContext, path string, v any) func(*document.Document) (*document.Document, error) {
	return func(d *document.Document) (*document.Document, error) {
		return document.SetField(rc, d, path, v, crdt.KindRegister)
	}
}

func incr(rc *stamp.ReplicaContext, path string, by int64) func(*document.Document) (*document.Document, error) {
	return func(d *document.Document) (*document.Document, error) {
		return document.Increment(rc, d, path, by)
	}
}

func remove(rc *stamp.ReplicaContext, path string) func(*document.Document) (*document.Document, error) {
	return func(d *document.Document) (*document.Document, error) {
		return document.RemoveField(rc, d, path)
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestMergeDocuments_OrderIndependent(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2", "r3", "r4")
	base = edit(t, base, set(rcs[0], "items.apple", 1))

	versions := []*document.Document{
		edit(t, base, set(rcs[0], "items.milk", 2), incr(rcs[0], "likeCount", 1)),
		edit(t, base, set(rcs[1], "items.bread", 1), set(rcs[1], "status", "shipped")),
		edit(t, base, remove(rcs[2], "items.apple"), incr(rcs[2], "likeCount", -3)),
		edit(t, base, set(rcs[3], "items.apple", 5), set(rcs[3], "status", "cancelled")),
	}

	var want *document.Document
	for _, order := range permutations(len(versions)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			got := base
			for _, i := range order {
				got = mustMerge(t, e, got, versions[i])
			}
			if want == nil {
				want = got
			}
			assert.True(t, want.Equal(got), "order %v diverged: %v vs %v", order, want.Value(), got.Value())
		})
	}

	assert.Equal(t, map[string]any{
		"_id": "cart_1",
		"items": map[string]any{
			"apple": float64(5),
			"bread": float64(1),
			"milk":  float64(2),
		},
		"likeCount": int64(8),
		"status":    "cancelled",
	}, want.Value())
}

func TestMergeDocuments_AssociativeAndIdempotent(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2", "r3")
	a := edit(t, base, set(rcs[0], "items.milk", 2))
	b := edit(t, base, remove(rcs[1], "status"), incr(rcs[1], "likeCount", 4))
	c := edit(t, base, set(rcs[2], "status", "shipped"))

	left := mustMerge(t, e, mustMerge(t, e, a, b), c)
	right := mustMerge(t, e, a, mustMerge(t, e, b, c))
	assert.True(t, left.Equal(right))

	assert.True(t, mustMerge(t, e, a, a).Equal(a))
	ab := mustMerge(t, e, a, b)
	assert.True(t, mustMerge(t, e, ab, b).Equal(ab))
	assert.True(t, mustMerge(t, e, ab, ab).Equal(ab))

	// add-wins: the concurrent write to status survives the remove
	v, err := left.GetField("status")
	require.NoError(t, err)
	assert.Equal(t, "shipped", v)
}

func TestMergeDocuments_CartBothItemsSurvive(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2")
	a := edit(t, base, set(rcs[0], "items.milk", 1))
	b := edit(t, base, set(rcs[1], "items.bread", 2))

	got := mustMerge(t, e, a, b)
	items, err := got.GetField("items")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"milk": float64(1), "bread": float64(2)}, items)
}

func TestMergeDocuments_ConcurrentIncrementsSum(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2")
	a := edit(t, base, incr(rcs[0], "likeCount", 1))
	b := edit(t, base, incr(rcs[1], "likeCount", 1))

	v, err := mustMerge(t, e, a, b).GetField("likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
}

func TestMergeDocuments_IncrementSurvivesConcurrentRemove(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2")
	a := edit(t, base, remove(rcs[0], "likeCount"))
	b := edit(t, base, incr(rcs[1], "likeCount", 1))

	ab := mustMerge(t, e, a, b)
	ba := mustMerge(t, e, b, a)
	assert.True(t, ab.Equal(ba), "diverged: %v vs %v", ab.Value(), ba.Value())
	v, err := ab.GetField("likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)

	// a remove that has seen the increment still wins
	again := edit(t, ab, remove(rcs[0], "likeCount"))
	_, err = mustMerge(t, e, again, b).GetField("likeCount")
	assert.ErrorIs(t, err, document.ErrFieldNotFound)
}

func TestMergeDocuments_NestedIncrementSurvivesParentRemove(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2", "r3")
	base = edit(t, base, incr(rcs[0], "stats.likes", 1))
	a := edit(t, base, remove(rcs[1], "stats"))
	b := edit(t, base, incr(rcs[2], "stats.likes", 1))

	ab := mustMerge(t, e, a, b)
	ba := mustMerge(t, e, b, a)
	assert.True(t, ab.Equal(ba), "diverged: %v vs %v", ab.Value(), ba.Value())
	v, err := ab.GetField("stats")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"likes": int64(2)}, v)
}

func TestMergeDocuments_StatusTieBreak(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r2", "r3")
	shipped := edit(t, base, set(rcs[0], "status", "shipped"))
	cancelled := edit(t, base, set(rcs[1], "status", "cancelled"))

	for _, got := range []*document.Document{
		mustMerge(t, e, shipped, cancelled),
		mustMerge(t, e, cancelled, shipped),
	} {
		v, err := got.GetField("status")
		require.NoError(t, err)
		assert.Equal(t, "cancelled", v)
	}
}

func TestMergeDocuments_DeleteDominates(t *testing.T) {
	e := quietEngine()
	base, rcs := replicas(t, "r1", "r2")
	deleted := document.Delete(rcs[0], base)
	edited := edit(t, base, set(rcs[1], "status", "shipped"), set(rcs[1], "items.x", 1))

	for _, got := range []*document.Document{
		mustMerge(t, e, deleted, edited),
		mustMerge(t, e, edited, deleted),
	} {
		assert.True(t, got.IsDeleted())
		assert.Equal(t, deleted.Deleted, got.Deleted)
		assert.Empty(t, got.Fields.AllKeys())
	}

	later := document.Delete(rcs[1], edited)
	got := mustMerge(t, e, deleted, later)
	assert.Equal(t, stamp.Max(deleted.Deleted, later.Deleted), got.Deleted)
}

func TestMergeDocuments_RejectsDeepDocument(t *testing.T) {
	e := NewEngine(8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	base, rcs := replicas(t, "r1")

	nested := map[string]any{"leaf": 1}
	for i := 0; i < 10; i++ {
		nested = map[string]any{"n": nested}
	}
	deep := edit(t, base, func(d *document.Document) (*document.Document, error) {
		return document.SetField(rcs[0], d, "deep", nested, crdt.KindMap)
	})

	_, err := e.MergeDocuments(base, deep)
	require.ErrorIs(t, err, ErrDocumentTooDeep)
	require.ErrorIs(t, err, ErrInvalidDelta)
	assert.ErrorIs(t, e.CheckDepth(deep), ErrDocumentTooDeep)
	assert.NoError(t, e.CheckDepth(base))
}

func TestMergeDocuments_RejectsOtherDocument(t *testing.T) {
	e := quietEngine()
	base, _ := replicas(t)
	other := document.New(document.StringID("cart_2"))

	_, err := e.MergeDocuments(base, other)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestMergeDocuments_CollisionLeavesLocalUntouched(t *testing.T) {
	e := quietEngine()
	base, _ := replicas(t)
	// two contexts claiming the same replica id hand out the same stamp
	one := stamp.NewReplicaContext("r1", 5)
	two := stamp.NewReplicaContext("r1", 5)
	local := edit(t, base, set(one, "status", "shipped"))
	remote := edit(t, base, set(two, "status", "cancelled"))
	before := local.Clone()

	_, err := e.MergeDocuments(local, remote)
	require.ErrorIs(t, err, ErrInvalidDelta)
	require.ErrorIs(t, err, crdt.ErrStampCollision)
	assert.True(t, before.Equal(local))
}
