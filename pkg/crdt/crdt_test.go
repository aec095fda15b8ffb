package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/replistore/pkg/stamp"
)

func st(r string, c uint64) stamp.Stamp {
	return stamp.New(r, c)
}

func mustReg(t *testing.T, v any, s stamp.Stamp) *Register {
	t.Helper()
	r, err := NewRegister(v, s)
	require.NoError(t, err)
	return r
}

func mustMerge(t *testing.T, a, b Value) Value {
	t.Helper()
	out, err := Merge(nil, a, b)
	require.NoError(t, err)
	return out
}

func TestRegisterMerge_GreaterStampWins(t *testing.T) {
	a := mustReg(t, "pending", st("r1", 1))
	b := mustReg(t, "shipped", st("r2", 2))

	assert.Equal(t, "shipped", Plain(mustMerge(t, a, b)))
	assert.Equal(t, "shipped", Plain(mustMerge(t, b, a)))
}

func TestRegisterMerge_ConcurrentTieBreakByReplica(t *testing.T) {
	base := mustReg(t, "pending", st("r1", 1))
	shipped := mustReg(t, "shipped", st("r2", 2))
	cancelled := mustReg(t, "cancelled", st("r3", 2))

	first := mustMerge(t, mustMerge(t, base, shipped), cancelled)
	second := mustMerge(t, mustMerge(t, base, cancelled), shipped)
	assert.Equal(t, "cancelled", Plain(first))
	assert.True(t, first.Equal(second))

	for i := 0; i < 10; i++ {
		again := mustMerge(t, mustMerge(t, shipped, cancelled), base)
		assert.Equal(t, "cancelled", Plain(again))
	}
}

func TestRegisterMerge_StampCollision(t *testing.T) {
	a := mustReg(t, "x", st("r1", 4))
	b := mustReg(t, "y", st("r1", 4))

	_, err := Merge([]string{"status"}, a, b)
	require.ErrorIs(t, err, ErrStampCollision)
	var collision *StampCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, []string{"status"}, collision.Path)

	same, err := Merge(nil, a, a.Clone())
	require.NoError(t, err)
	assert.True(t, same.Equal(a))
}

func TestRegisterNormalize(t *testing.T) {
	r := mustReg(t, map[string]any{"qty": 2, "tags": []string{"a", "b"}}, st("r1", 1))
	assert.Equal(t, map[string]any{"qty": float64(2), "tags": []any{"a", "b"}}, r.Value)

	tok := mustReg(t, &AttachmentToken{ID: "abc", Len: 3}, st("r1", 2))
	assert.Equal(t, AttachmentToken{ID: "abc", Len: 3}, tok.Value)

	_, err := NewRegister(make(chan int), st("r1", 3))
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestMerge_KindMismatch(t *testing.T) {
	_, err := Merge([]string{"likes"}, NewCounter(0, stamp.Zero), mustReg(t, 1, st("a", 1)))
	require.ErrorIs(t, err, ErrTypeMismatch)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, KindCounter, mismatch.Have)
	assert.Equal(t, KindRegister, mismatch.Want)
}

// cart builds {items: {}} as written by the creating replica.
func cart(t *testing.T) *Map {
	root := NewMap()
	require.NoError(t, root.Put(nil, "items", NewMap(), st("origin", 1)))
	return root
}

func addItem(t *testing.T, root *Map, key string, qty int, s stamp.Stamp) {
	items, err := root.Ensure(nil, "items", KindMap, s)
	require.NoError(t, err)
	item, err := items.(*Map).Ensure([]string{"items"}, key, KindMap, s)
	require.NoError(t, err)
	require.NoError(t, item.(*Map).Put([]string{"items", key}, "qty", mustReg(t, qty, s), s))
}

func TestMapMerge_ConcurrentKeysBothSurvive(t *testing.T) {
	base := cart(t)
	a := base.Clone().(*Map)
	b := base.Clone().(*Map)
	addItem(t, a, "prod_1", 1, st("A", 2))
	addItem(t, b, "prod_2", 2, st("B", 2))

	ab := mustMerge(t, a, b)
	ba := mustMerge(t, b, a)
	require.True(t, ab.Equal(ba))

	want := map[string]any{"items": map[string]any{
		"prod_1": map[string]any{"qty": float64(1)},
		"prod_2": map[string]any{"qty": float64(2)},
	}}
	assert.Equal(t, want, Plain(ab))
}

func TestMapMerge_AddWinsOverConcurrentRemove(t *testing.T) {
	base := NewMap()
	require.NoError(t, base.Put(nil, "k", mustReg(t, "v1", st("A", 1)), st("A", 1)))

	remover := base.Clone().(*Map)
	assert.True(t, remover.Remove("k", st("B", 2)))

	adder := base.Clone().(*Map)
	require.NoError(t, adder.Put(nil, "k", mustReg(t, "v2", st("A", 2)), st("A", 2)))

	for _, merged := range []Value{mustMerge(t, remover, adder), mustMerge(t, adder, remover)} {
		v, ok := merged.(*Map).Get("k")
		require.True(t, ok, "concurrent add must survive the remove")
		assert.Equal(t, "v2", Plain(v))
	}
}

func TestMapTouch_SurvivesConcurrentRemove(t *testing.T) {
	base := NewMap()
	require.NoError(t, base.Put(nil, "likes", NewCounter(0, st("A", 1)), st("A", 1)))

	remover := base.Clone().(*Map)
	assert.True(t, remover.Remove("likes", st("B", 2)))

	toucher := base.Clone().(*Map)
	toucher.Touch("likes", st("A", 2))
	entry, _ := toucher.Entry("likes")
	assert.Equal(t, []stamp.Stamp{st("A", 2)}, entry.Dots)
	assert.Equal(t, []Tombstone{{Dot: st("A", 1), By: st("A", 2)}}, entry.Tombstones)

	for _, merged := range []Value{mustMerge(t, remover, toucher), mustMerge(t, toucher, remover)} {
		_, ok := merged.(*Map).Get("likes")
		assert.True(t, ok, "a touched key survives a remove that has not seen it")
	}
}

func TestMapMerge_RemoveAfterObservedAddWins(t *testing.T) {
	a := NewMap()
	require.NoError(t, a.Put(nil, "k", mustReg(t, "v1", st("A", 1)), st("A", 1)))

	b := a.Clone().(*Map)
	assert.True(t, b.Remove("k", st("B", 2)))

	merged := mustMerge(t, a, b).(*Map)
	_, ok := merged.Get("k")
	assert.False(t, ok)
	assert.Equal(t, []string{"k"}, merged.AllKeys(), "the tombstone stays as hidden state")
}

func TestMapMerge_NestedWriteSurvivesConcurrentParentRemove(t *testing.T) {
	base := cart(t)
	addItem(t, base, "prod_1", 1, st("A", 2))

	remover := base.Clone().(*Map)
	items, _ := remover.Get("items")
	assert.True(t, items.(*Map).Remove("prod_1", st("B", 3)))

	writer := base.Clone().(*Map)
	addItem(t, writer, "prod_1", 5, st("A", 3))

	merged := mustMerge(t, remover, writer)
	assert.Equal(t, map[string]any{"items": map[string]any{
		"prod_1": map[string]any{"qty": float64(5)},
	}}, Plain(merged))
}

func TestMapMerge_IdempotentWithTombstones(t *testing.T) {
	a := cart(t)
	addItem(t, a, "prod_1", 1, st("A", 2))
	b := a.Clone().(*Map)
	items, _ := b.Get("items")
	items.(*Map).Remove("prod_1", st("B", 3))

	once := mustMerge(t, a, b)
	twice := mustMerge(t, once, b)
	assert.True(t, once.Equal(twice))
	assert.True(t, once.Equal(mustMerge(t, once, once)))

	nested, _ := once.(*Map).Get("items")
	entry, ok := nested.(*Map).Entry("prod_1")
	require.True(t, ok)
	assert.Len(t, entry.Tombstones, 1)
}

func TestMapPut_RejectsKindChange(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Put(nil, "likes", NewCounter(0, st("A", 1)), st("A", 1)))
	err := m.Put(nil, "likes", mustReg(t, 3, st("A", 2)), st("A", 2))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	m.Remove("likes", st("A", 3))
	_, err = m.Ensure(nil, "likes", KindMap, st("A", 4))
	assert.ErrorIs(t, err, ErrTypeMismatch, "removal does not free the key for another kind")
}

func TestMapCompact(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Put(nil, "gone", mustReg(t, 1, st("A", 1)), st("A", 1)))
	require.NoError(t, m.Put(nil, "kept", mustReg(t, 1, st("A", 2)), st("A", 2)))
	require.NoError(t, m.Put(nil, "kept", mustReg(t, 2, st("A", 3)), st("A", 3)))
	m.Remove("gone", st("A", 4))

	assert.Equal(t, 0, m.Compact(3))
	assert.Equal(t, 2, m.Compact(5))
	assert.Equal(t, []string{"kept"}, m.AllKeys())
	v, ok := m.Get("kept")
	require.True(t, ok)
	assert.Equal(t, float64(2), Plain(v))
}

func TestCounter_ConcurrentIncrementsSum(t *testing.T) {
	base := NewCounter(10, st("origin", 1))
	a := base.Clone().(*Counter)
	b := base.Clone().(*Counter)
	a.Add(1, st("A", 2))
	b.Add(1, st("B", 2))

	merged := mustMerge(t, a, b).(*Counter)
	assert.Equal(t, int64(12), merged.Value())
	assert.True(t, merged.Equal(mustMerge(t, b, a)))
	assert.Equal(t, int64(12), mustMerge(t, merged, a).(*Counter).Value())
}

func TestCounter_DecrementsAndMixedOrder(t *testing.T) {
	replicas := []*Counter{NewCounter(0, stamp.Zero), NewCounter(0, stamp.Zero), NewCounter(0, stamp.Zero)}
	deltas := []int64{5, -2, 7, -1, 3, 4}
	total := int64(0)
	for i, d := range deltas {
		replicas[i%3].Add(d, st(string(rune('a'+i%3)), uint64(i+1)))
		total += d
	}
	forward := mustMerge(t, mustMerge(t, replicas[0], replicas[1]), replicas[2])
	backward := mustMerge(t, replicas[2], mustMerge(t, replicas[1], replicas[0]))
	assert.Equal(t, total, forward.(*Counter).Value())
	assert.True(t, forward.Equal(backward))
}

func TestCounter_ResetDominatesPriorIncrements(t *testing.T) {
	c := NewCounter(0, stamp.Zero)
	c.Add(5, st("A", 1))
	c.Add(5, st("B", 2))

	reset := c.Clone().(*Counter)
	reset.Reset(100, st("A", 3))

	merged := mustMerge(t, c, reset).(*Counter)
	assert.Equal(t, int64(100), merged.Value())
}

func TestCounter_ConcurrentIncrementLosesToResetEpoch(t *testing.T) {
	base := NewCounter(10, st("origin", 1))

	resetter := base.Clone().(*Counter)
	resetter.Reset(0, st("A", 2))

	incrementer := base.Clone().(*Counter)
	incrementer.Add(4, st("B", 5))

	merged := mustMerge(t, resetter, incrementer).(*Counter)
	assert.Equal(t, int64(0), merged.Value(), "increments made in the superseded epoch are dropped")

	merged.Add(2, st("B", 6))
	final := mustMerge(t, merged, resetter).(*Counter)
	assert.Equal(t, int64(2), final.Value(), "increments after observing the reset count")
}

func TestCounter_ConcurrentResetsHigherStampWins(t *testing.T) {
	base := NewCounter(0, stamp.Zero)
	a := base.Clone().(*Counter)
	b := base.Clone().(*Counter)
	a.Reset(7, st("A", 3))
	b.Reset(9, st("B", 3))

	assert.Equal(t, int64(9), mustMerge(t, a, b).(*Counter).Value())
	assert.Equal(t, int64(9), mustMerge(t, b, a).(*Counter).Value())
}

func TestCounter_SameEpochDifferentBaseCollides(t *testing.T) {
	_, err := Merge(nil, NewCounter(1, st("A", 1)), NewCounter(2, st("A", 1)))
	assert.ErrorIs(t, err, ErrStampCollision)
}

func TestCodec_RoundTripPreservesState(t *testing.T) {
	root := cart(t)
	addItem(t, root, "prod_1", 1, st("A", 2))
	items, _ := root.Get("items")
	items.(*Map).Remove("prod_1", st("B", 3))
	likes := NewCounter(10, st("A", 4))
	likes.Add(3, st("B", 5))
	likes.Add(-1, st("C", 6))
	require.NoError(t, root.Put(nil, "likes", likes, st("A", 4)))
	require.NoError(t, root.Put(nil, "photo", mustReg(t, AttachmentToken{ID: "f00", Len: 12, Metadata: map[string]string{"name": "a.png"}}, st("A", 7)), st("A", 7)))
	require.NoError(t, root.Put(nil, "tags", mustReg(t, []any{"x", 1}, st("A", 8)), st("A", 8)))
	require.NoError(t, root.Put(nil, "nothing", mustReg(t, nil, st("A", 9)), st("A", 9)))

	raw, err := MarshalValue(root)
	require.NoError(t, err)
	decoded, err := UnmarshalValue(raw)
	require.NoError(t, err)
	assert.True(t, root.Equal(decoded))

	again, err := MarshalValue(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.Equal(t, string(raw), string(again), "encoding is deterministic")
}

func TestDepthAndMaxStamp(t *testing.T) {
	root := cart(t)
	addItem(t, root, "prod_1", 1, st("A", 9))
	assert.Equal(t, 3, Depth(root))
	assert.Equal(t, st("A", 9), MaxStamp(root))
	assert.Equal(t, 0, Depth(mustReg(t, 1, st("A", 1))))
}
