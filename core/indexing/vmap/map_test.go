package vmap

import (
	"math/rand"
	"path/filepath"
	"slices"
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojovmem/core/vmem"
)

// --- Test Helpers ---

const testPageSize = 256

func openPool(t *testing.T, path string) *vmem.Pool {
	t.Helper()
	pool, err := vmem.Open(path,
		vmem.WithPageSize(testPageSize),
		vmem.WithMaxMappedPages(32),
		vmem.WithMapping(vmem.MappingFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newTestMap(t *testing.T) (*Map[uint32, uint32], *vmem.Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.vmem")
	pool := openPool(t, path)
	m, err := New[uint32, uint32](pool, vmem.StartRef(0), DefaultKeyOrder[uint32])
	require.NoError(t, err)
	return m, pool, path
}

func keys(t *testing.T, m *Map[uint32, uint32]) []uint32 {
	t.Helper()
	var out []uint32
	require.NoError(t, m.Ascend(func(k, _ uint32) bool {
		out = append(out, k)
		return true
	}))
	return out
}

func span(from, to uint32) []uint32 {
	var out []uint32
	for k := from; k < to; k++ {
		out = append(out, k)
	}
	return out
}

// --- Test Cases ---

func TestMap_InsertOutOfOrder(t *testing.T) {
	m, _, _ := newTestMap(t)

	for _, k := range []uint32{5, 3, 8, 1, 4, 7, 2, 6} {
		_, inserted, err := m.Insert(k, k*100)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	it, err := m.Find(4)
	require.NoError(t, err)
	require.True(t, it.Valid())
	v, err := it.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(400), v)

	assert.Equal(t, span(1, 9), keys(t, m))
	require.NoError(t, m.Check())
}

func TestMap_InsertKeepsExistingValue(t *testing.T) {
	m, _, _ := newTestMap(t)

	_, inserted, err := m.Insert(1, 10)
	require.NoError(t, err)
	require.True(t, inserted)

	it, inserted, err := m.Insert(1, 20)
	require.NoError(t, err)
	assert.False(t, inserted)
	v, err := it.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), v, "Insert never overwrites")

	inserted, err = m.Put(1, 30)
	require.NoError(t, err)
	assert.False(t, inserted)
	inserted, err = m.Put(2, 40)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, ok, err := m.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(30), got)

	_, ok, err = m.Get(3)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestMap_IndexInsertsZeroValue(t *testing.T) {
	m, _, _ := newTestMap(t)

	it, err := m.Index(9)
	require.NoError(t, err)
	v, err := it.Value()
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, it.SetValue(99))
	again, err := m.Index(9)
	require.NoError(t, err)
	v, err = again.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(99), v)

	ok, err := m.Contains(9)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMap_EraseAbsentKey(t *testing.T) {
	m, _, _ := newTestMap(t)

	n, err := m.Erase(1)
	require.NoError(t, err)
	assert.Zero(t, n, "erasing from an empty map")

	_, _, err = m.Insert(2, 2)
	require.NoError(t, err)
	n, err = m.Erase(1)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = m.Erase(2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.Erase(2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMap_GrowsAndShrinks(t *testing.T) {
	m, pool, _ := newTestMap(t)

	const total = 1500
	for _, k := range span(0, total) {
		_, inserted, err := m.Insert(k, k)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, m.Check())

	height, err := m.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 2, "%d keys do not fit under a single key page", total)

	res, err := m.FindPath(777)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Len(t, res.Path, height)

	// Erase from both ends toward the middle so merges happen on either side.
	lo, hi := uint32(0), uint32(total-1)
	for lo <= hi {
		n, err := m.Erase(lo)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		if lo != hi {
			n, err = m.Erase(hi)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
		lo++
		hi--
		if lo%100 == 0 {
			require.NoError(t, m.Check())
		}
	}

	n, err := m.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	height, err = m.Height()
	require.NoError(t, err)
	assert.Zero(t, height)
	require.NoError(t, m.Check())

	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Positive(t, stats.FreePages, "emptied pages went back to the pool")
}

func TestMap_OrderedIteration(t *testing.T) {
	m, _, _ := newTestMap(t)
	for _, k := range span(0, 200) {
		_, _, err := m.Insert(k*2, k)
		require.NoError(t, err)
	}

	var down []uint32
	require.NoError(t, m.Descend(func(k, _ uint32) bool {
		down = append(down, k)
		return len(down) < 5
	}))
	assert.Equal(t, []uint32{398, 396, 394, 392, 390}, down)

	var got []uint32
	require.NoError(t, m.AscendRange(51, 61, func(k, v uint32) bool {
		assert.Equal(t, k/2, v)
		got = append(got, k)
		return true
	}))
	assert.Equal(t, []uint32{52, 54, 56, 58, 60}, got)

	begin, err := m.Begin()
	require.NoError(t, err)
	first, err := begin.Key()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first)

	rbegin, err := m.RBegin()
	require.NoError(t, err)
	last, err := rbegin.Key()
	require.NoError(t, err)
	assert.Equal(t, uint32(398), last)
}

func TestMap_LowerBoundCrossesPages(t *testing.T) {
	m, _, _ := newTestMap(t)
	for _, k := range span(0, 300) {
		_, _, err := m.Insert(k*2, 0)
		require.NoError(t, err)
	}

	for k := uint32(1); k < 598; k += 2 {
		it, err := m.LowerBound(k)
		require.NoError(t, err)
		require.True(t, it.Valid(), "lower bound of %d", k)
		got, err := it.Key()
		require.NoError(t, err)
		require.Equal(t, k+1, got)
	}

	it, err := m.LowerBound(100)
	require.NoError(t, err)
	got, err := it.Key()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got, "an exact match is its own lower bound")

	it, err = m.LowerBound(599)
	require.NoError(t, err)
	assert.False(t, it.Valid())
}

func TestMap_EraseAtReturnsSuccessor(t *testing.T) {
	m, _, _ := newTestMap(t)
	for _, k := range span(0, 100) {
		_, _, err := m.Insert(k, k)
		require.NoError(t, err)
	}

	it, err := m.Find(40)
	require.NoError(t, err)
	for range 10 {
		it, err = m.EraseAt(it)
		require.NoError(t, err)
	}
	k, err := it.Key()
	require.NoError(t, err)
	assert.Equal(t, uint32(50), k)
	assert.Equal(t, append(span(0, 40), span(50, 100)...), keys(t, m))
	require.NoError(t, m.Check())
}

func TestMap_ReopenRoundTrip(t *testing.T) {
	m, pool, path := newTestMap(t)
	for _, k := range span(0, 500) {
		_, err := m.Put(k*7%500, k)
		require.NoError(t, err)
	}
	height, err := m.Height()
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	reopened := openPool(t, path)
	m2, err := New[uint32, uint32](reopened, vmem.StartRef(0), DefaultKeyOrder[uint32])
	require.NoError(t, err)
	require.NoError(t, m2.Check())

	h2, err := m2.Height()
	require.NoError(t, err)
	assert.Equal(t, height, h2)
	assert.Equal(t, span(0, 500), keys(t, m2))
	for _, k := range span(0, 500) {
		v, ok, err := m2.Get(k * 7 % 500)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k, v)
	}
}

func TestMap_Clear(t *testing.T) {
	m, _, _ := newTestMap(t)
	for _, k := range span(0, 400) {
		_, _, err := m.Insert(k, k)
		require.NoError(t, err)
	}
	require.NoError(t, m.Clear())

	n, err := m.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	height, err := m.Height()
	require.NoError(t, err)
	assert.Zero(t, height)
	require.NoError(t, m.Check())

	_, inserted, err := m.Insert(3, 3)
	require.NoError(t, err)
	assert.True(t, inserted, "a cleared map is usable again")
}

func TestMap_New(t *testing.T) {
	_, pool, _ := newTestMap(t)

	_, err := New[uint32, uint32](nil, vmem.StartRef(0), DefaultKeyOrder[uint32])
	require.ErrorIs(t, err, vmem.ErrNilPool)
	_, err = New[uint32, uint32](pool, vmem.StartRef(0), nil)
	require.ErrorIs(t, err, ErrNilKeyOrder)
	_, err = New[string, uint32](pool, vmem.StartRef(0), DefaultKeyOrder[string])
	require.ErrorIs(t, err, vmem.ErrUnsupportedKeyType)
}

func TestMap_RandomOpsMatchSet(t *testing.T) {
	m, _, _ := newTestMap(t)
	rng := rand.New(rand.NewSource(7))

	present := mapset.NewSet()
	values := map[uint32]uint32{}

	for i := range 4000 {
		k := uint32(rng.Intn(600))
		v := uint32(rng.Int31())
		switch op := rng.Intn(10); {
		case op < 4:
			inserted, err := m.Put(k, v)
			require.NoError(t, err)
			require.Equal(t, !present.Contains(k), inserted)
			present.Add(k)
			values[k] = v
		case op < 6:
			_, inserted, err := m.Insert(k, v)
			require.NoError(t, err)
			require.Equal(t, !present.Contains(k), inserted)
			if inserted {
				present.Add(k)
				values[k] = v
			}
		default:
			n, err := m.Erase(k)
			require.NoError(t, err)
			want := 0
			if present.Contains(k) {
				want = 1
			}
			require.Equal(t, want, n, "erase %d at op %d", k, i)
			present.Remove(k)
			delete(values, k)
		}
		if i%250 == 0 {
			require.NoError(t, m.Check(), "after op %d", i)
		}
	}
	require.NoError(t, m.Check())

	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(present.Cardinality()), n)

	var want []uint32
	for _, k := range present.ToSlice() {
		want = append(want, k.(uint32))
	}
	slices.Sort(want)
	assert.Equal(t, want, keys(t, m))

	for k, v := range values {
		got, ok, err := m.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
}
