// Package vmap implements an ordered key/value map as a B-tree over vmem
// containers. The leaf level is one container of entries sorted by key; each
// key level above it holds one entry per page of the level below.
package vmap

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/sushant-115/gojovmem/core/vmem"
)

var (
	ErrNilKeyOrder = errors.New("keyOrder function must be provided")
	ErrKeyNotFound = errors.New("key not found")
)

// Order compares two keys like cmp.Compare.
type Order[K any] func(a, b K) int

func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// Entry is a leaf level item.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// keyItem is a key level item pointing at a page one level down.
type keyItem[K any] struct {
	Key   K
	Child vmem.PagePos
}

// levelHeader tags every key level page with its level, 1 being the level
// just above the leaves.
type levelHeader struct {
	Level uint16
}

// StateSize is the number of bytes a map occupies at its state Ref: the key
// level stack followed by the leaf container state.
const StateSize = 2 * vmem.ContainerStateSize

type keyLevel[K any] = *vmem.Container[keyItem[K], levelHeader]

// Map is an ordered map with unique keys stored in a vmem pool. It is not safe
// for concurrent use.
type Map[K any, V any] struct {
	pool   *vmem.Pool
	state  vmem.Ref
	order  Order[K]
	keys   *vmem.Stack[vmem.ContainerState]
	values *vmem.Container[Entry[K, V], vmem.NoHeader]
}

var treePolicy = vmem.BalancePolicy{Insert: vmem.BalanceAll, Erase: vmem.BalanceAll}

// New binds a map to the state at ref, which must have StateSize bytes of room.
func New[K any, V any](pool *vmem.Pool, ref vmem.Ref, order Order[K]) (*Map[K, V], error) {
	if pool == nil {
		return nil, vmem.ErrNilPool
	}
	if order == nil {
		return nil, ErrNilKeyOrder
	}
	var k K
	if binary.Size(k) <= 0 {
		return nil, fmt.Errorf("%w: %T", vmem.ErrUnsupportedKeyType, k)
	}
	var v V
	if binary.Size(v) < 0 {
		return nil, fmt.Errorf("%w: %T", vmem.ErrUnsupportedValueType, v)
	}

	keys, err := vmem.NewStack[vmem.ContainerState](pool, ref)
	if err != nil {
		return nil, fmt.Errorf("opening key levels: %w", err)
	}
	values, err := vmem.NewContainer[Entry[K, V], vmem.NoHeader](pool, ref.Add(vmem.ContainerStateSize), treePolicy)
	if err != nil {
		return nil, fmt.Errorf("opening value level: %w", err)
	}
	m := &Map[K, V]{pool: pool, state: ref, order: order, keys: keys, values: values}

	levels, err := m.levels()
	if err != nil {
		return nil, err
	}
	pool.Logf(vmem.CategoryMap, vmem.SeverityDebug, 0x50001, "opened map at %s with height %d", ref, len(levels))
	return m, nil
}

// levels opens every key level, bottom first.
func (m *Map[K, V]) levels() ([]keyLevel[K], error) {
	var out []keyLevel[K]
	it, err := m.keys.Begin()
	if err != nil {
		return nil, err
	}
	for it.Valid() {
		lvl, err := m.openLevel(it, len(out)+1)
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Map[K, V]) openLevel(it vmem.Iterator[vmem.ContainerState, vmem.NoHeader], level int) (keyLevel[K], error) {
	ref, err := it.Ref()
	if err != nil {
		return nil, err
	}
	lvl, err := vmem.NewContainer[keyItem[K], levelHeader](m.pool, ref, treePolicy)
	if err != nil {
		return nil, fmt.Errorf("opening key level %d: %w", level, err)
	}
	lvl.SetDefaultHeader(levelHeader{Level: uint16(level)})
	return lvl, nil
}

func (m *Map[K, V]) Len() (uint64, error) { return m.values.Len() }

// Height is the number of key levels above the leaves.
func (m *Map[K, V]) Height() (int, error) {
	n, err := m.keys.Len()
	return int(n), err
}

// FindResult is the outcome of FindPath.
type FindResult[K any, V any] struct {
	// Iterator points at the entry, or at End when the key is absent.
	Iterator Iterator[K, V]
	Found    bool
	// Path holds the key level page visited at each level, bottom level first.
	Path []vmem.PagePos

	slot vmem.Iterator[Entry[K, V], vmem.NoHeader]
}

// Find returns an iterator to key, or End when it is absent.
func (m *Map[K, V]) Find(key K) (Iterator[K, V], error) {
	res, err := m.FindPath(key)
	return res.Iterator, err
}

// FindPath descends the tree to key and records the path taken.
func (m *Map[K, V]) FindPath(key K) (FindResult[K, V], error) {
	levels, err := m.levels()
	if err != nil {
		return FindResult[K, V]{}, err
	}
	return m.findPath(levels, key)
}

func (m *Map[K, V]) findPath(levels []keyLevel[K], key K) (FindResult[K, V], error) {
	res := FindResult[K, V]{Iterator: m.wrap(m.values.End()), Path: make([]vmem.PagePos, len(levels))}
	res.slot = m.values.End()

	var page vmem.PagePos
	if len(levels) == 0 {
		st, err := m.values.State()
		if err != nil {
			return res, err
		}
		page = st.FrontPagePos
	} else {
		st, err := levels[len(levels)-1].State()
		if err != nil {
			return res, err
		}
		page = st.FrontPagePos
		for l := len(levels) - 1; l >= 0; l-- {
			res.Path[l] = page
			items, _, _, err := levels[l].PageItems(page)
			if err != nil {
				return res, err
			}
			if len(items) == 0 {
				return res, fmt.Errorf("%w: key level %d page %s is empty", vmem.ErrMalformedContainer, l+1, page)
			}
			// Greatest entry not above key; the first entry covers everything below it.
			i := sort.Search(len(items), func(i int) bool { return m.order(items[i].Key, key) > 0 }) - 1
			page = items[max(i, 0)].Child
		}
	}
	if page.IsNil() {
		return res, nil
	}

	entries, _, _, err := m.values.PageItems(page)
	if err != nil {
		return res, err
	}
	i, found := slices.BinarySearchFunc(entries, key, func(e Entry[K, V], k K) int { return m.order(e.Key, k) })
	res.slot = m.values.At(page, i)
	if res.Found = found; found {
		res.Iterator = m.wrap(res.slot)
	}
	return res, nil
}

// LowerBound returns an iterator to the first entry whose key is not below key.
func (m *Map[K, V]) LowerBound(key K) (Iterator[K, V], error) {
	levels, err := m.levels()
	if err != nil {
		return m.End(), err
	}
	res, err := m.findPath(levels, key)
	if err != nil || res.Found || !res.slot.Valid() {
		return res.Iterator, err
	}
	it := res.slot
	n, err := m.values.ItemCount(it.Page())
	if err != nil {
		return m.End(), err
	}
	if it.Item() < n {
		return m.wrap(it), nil
	}
	// The slot is past the page's last item; step onto the next page.
	it = m.values.At(it.Page(), n-1)
	if err := it.Next(); err != nil {
		return m.End(), err
	}
	return m.wrap(it), nil
}

func (m *Map[K, V]) Contains(key K) (bool, error) {
	res, err := m.FindPath(key)
	return res.Found, err
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	var zero V
	res, err := m.FindPath(key)
	if err != nil || !res.Found {
		return zero, false, err
	}
	e, err := res.Iterator.Entry()
	return e.Value, err == nil, err
}

// Insert adds key with value. An existing key is left untouched and reported
// with inserted == false.
func (m *Map[K, V]) Insert(key K, value V) (it Iterator[K, V], inserted bool, err error) {
	levels, err := m.levels()
	if err != nil {
		return m.End(), false, err
	}
	res, err := m.findPath(levels, key)
	if err != nil {
		return m.End(), false, err
	}
	if res.Found {
		return res.Iterator, false, nil
	}

	vit, delta, err := m.values.InsertAt(res.slot, Entry[K, V]{Key: key, Value: value}, vmem.BalanceAll)
	if err != nil {
		return m.End(), false, err
	}
	if err := m.updateLevels(levels, res.Path, delta); err != nil {
		return m.End(), true, err
	}
	if err := m.fixHeight(levels); err != nil {
		return m.End(), true, err
	}
	return m.wrap(vit), true, nil
}

// Put inserts or overwrites key.
func (m *Map[K, V]) Put(key K, value V) (inserted bool, err error) {
	levels, err := m.levels()
	if err != nil {
		return false, err
	}
	res, err := m.findPath(levels, key)
	if err != nil {
		return false, err
	}
	if res.Found {
		return false, res.slot.Store(Entry[K, V]{Key: key, Value: value})
	}
	_, inserted, err = m.Insert(key, value)
	return inserted, err
}

// Index returns an iterator to key, inserting the zero value when absent.
func (m *Map[K, V]) Index(key K) (Iterator[K, V], error) {
	var zero V
	it, _, err := m.Insert(key, zero)
	return it, err
}

// Erase removes key and returns the number of entries removed, 0 or 1.
func (m *Map[K, V]) Erase(key K) (int, error) {
	levels, err := m.levels()
	if err != nil {
		return 0, err
	}
	res, err := m.findPath(levels, key)
	if err != nil || !res.Found {
		return 0, err
	}
	_, delta, err := m.values.EraseAt(res.slot, vmem.BalanceAll)
	if err != nil {
		return 0, err
	}
	if err := m.updateLevels(levels, res.Path, delta); err != nil {
		return 1, err
	}
	return 1, m.fixHeight(levels)
}

// EraseAt removes the entry at it and returns an iterator to the entry that
// followed it.
func (m *Map[K, V]) EraseAt(it Iterator[K, V]) (Iterator[K, V], error) {
	key, err := it.Key()
	if err != nil {
		return m.End(), err
	}
	if _, err := m.Erase(key); err != nil {
		return m.End(), err
	}
	return m.LowerBound(key)
}

// Clear removes every entry and every key level.
func (m *Map[K, V]) Clear() error {
	levels, err := m.levels()
	if err != nil {
		return err
	}
	for i := len(levels) - 1; i >= 0; i-- {
		if err := levels[i].Clear(); err != nil {
			return err
		}
		if _, err := m.keys.Pop(); err != nil {
			return err
		}
	}
	return m.values.Clear()
}

// childLead returns the key of the first item of page pos on level l, where
// level 0 is the leaf level.
func (m *Map[K, V]) childLead(levels []keyLevel[K], l int, pos vmem.PagePos) (K, error) {
	if l == 0 {
		e, err := m.values.LeadItem(pos)
		return e.Key, err
	}
	item, err := levels[l-1].LeadItem(pos)
	return item.Key, err
}

// updateLevels applies the page changes of one level to the key level above
// it, bottom to top, until a level reports no change.
func (m *Map[K, V]) updateLevels(levels []keyLevel[K], path []vmem.PagePos, d vmem.Delta) error {
	for l := 0; l < len(levels) && !d.Empty(); l++ {
		lvl := levels[l]
		hint := path[l]
		var nd vmem.Delta

		for _, pos := range d.Leads {
			it, err := m.locate(lvl, hint, pos)
			if err != nil {
				return err
			}
			key, err := m.childLead(levels, l, pos)
			if err != nil {
				return err
			}
			if err := it.Store(keyItem[K]{Key: key, Child: pos}); err != nil {
				return err
			}
			if it.Item() == 0 {
				nd.Merge(vmem.Delta{Leads: []vmem.PagePos{it.Page()}})
			}
			hint = it.Page()
		}

		for _, pos := range d.Removed {
			it, err := m.locate(lvl, hint, pos)
			if err != nil {
				return err
			}
			res, ld, err := lvl.EraseAt(it, vmem.BalanceAll)
			if err != nil {
				return err
			}
			nd.Merge(ld)
			hint = res.Page()
		}

		for _, link := range d.Added {
			key, err := m.childLead(levels, l, link.Page)
			if err != nil {
				return err
			}
			at, err := m.insertSlot(lvl, hint, link.After, key)
			if err != nil {
				return err
			}
			res, ld, err := lvl.InsertAt(at, keyItem[K]{Key: key, Child: link.Page}, vmem.BalanceAll)
			if err != nil {
				return err
			}
			nd.Merge(ld)
			hint = res.Page()
		}

		m.pool.Logf(vmem.CategoryMap, vmem.SeverityDebug, 0x50010,
			"key level %d: %d leads, %d removed, %d added", l+1, len(d.Leads), len(d.Removed), len(d.Added))
		d = nd
	}
	return nil
}

// locateWindow is how many pages on each side of the hint are searched before
// falling back to a full scan of the level.
const locateWindow = 4

// locate finds the entry on lvl whose child is child.
func (m *Map[K, V]) locate(lvl keyLevel[K], hint, child vmem.PagePos) (vmem.Iterator[keyItem[K], levelHeader], error) {
	scan := func(pos vmem.PagePos) (vmem.Iterator[keyItem[K], levelHeader], vmem.PagePos, vmem.PagePos, bool, error) {
		items, prev, next, err := lvl.PageItems(pos)
		if err != nil {
			return lvl.End(), vmem.NilPage, vmem.NilPage, false, err
		}
		for i, item := range items {
			if item.Child == child {
				return lvl.At(pos, i), prev, next, true, nil
			}
		}
		return lvl.End(), prev, next, false, nil
	}

	if !hint.IsNil() {
		it, prev, next, ok, err := scan(hint)
		if err != nil || ok {
			return it, err
		}
		for i := 0; i < locateWindow && !next.IsNil(); i++ {
			if it, _, next, ok, err = scan(next); err != nil || ok {
				return it, err
			}
		}
		for i := 0; i < locateWindow && !prev.IsNil(); i++ {
			if it, prev, _, ok, err = scan(prev); err != nil || ok {
				return it, err
			}
		}
	}

	st, err := lvl.State()
	if err != nil {
		return lvl.End(), err
	}
	for pos := st.FrontPagePos; !pos.IsNil(); {
		it, _, next, ok, err := scan(pos)
		if err != nil || ok {
			return it, err
		}
		pos = next
	}
	m.pool.Logf(vmem.CategoryMap, vmem.SeverityCritical, 0x50020, "no key entry points at page %s", child)
	return lvl.End(), fmt.Errorf("%w: no key entry points at page %s", vmem.ErrCorruption, child)
}

// insertSlot returns where the entry for a page created after page after
// belongs. When after has no entry the slot is found by key.
func (m *Map[K, V]) insertSlot(lvl keyLevel[K], hint, after vmem.PagePos, key K) (vmem.Iterator[keyItem[K], levelHeader], error) {
	if !after.IsNil() {
		if it, err := m.locate(lvl, hint, after); err == nil {
			return lvl.At(it.Page(), it.Item()+1), nil
		} else if !errors.Is(err, vmem.ErrCorruption) {
			return it, err
		}
	}
	st, err := lvl.State()
	if err != nil {
		return lvl.End(), err
	}
	for pos := st.FrontPagePos; !pos.IsNil(); {
		items, _, next, err := lvl.PageItems(pos)
		if err != nil {
			return lvl.End(), err
		}
		for i, item := range items {
			if m.order(item.Key, key) > 0 {
				return lvl.At(pos, i), nil
			}
		}
		pos = next
	}
	return lvl.End(), nil
}

// fixHeight grows the tree while the top level spans more than one page and
// shrinks it while the top key level holds at most one entry.
func (m *Map[K, V]) fixHeight(levels []keyLevel[K]) error {
	for {
		var pages []vmem.PagePos
		var err error
		if len(levels) == 0 {
			pages, err = m.values.Pages()
		} else {
			pages, err = levels[len(levels)-1].Pages()
		}
		if err != nil {
			return err
		}
		if len(pages) < 2 {
			break
		}

		if err := m.keys.Push(vmem.ContainerState{}); err != nil {
			return err
		}
		top, err := m.keys.RBegin()
		if err != nil {
			return err
		}
		lvl, err := m.openLevel(top, len(levels)+1)
		if err != nil {
			return err
		}
		for _, pos := range pages {
			key, err := m.childLead(levels, len(levels), pos)
			if err != nil {
				return err
			}
			if _, _, err := lvl.InsertAt(lvl.End(), keyItem[K]{Key: key, Child: pos}, vmem.BalanceNone); err != nil {
				return err
			}
		}
		levels = append(levels, lvl)
		m.pool.Logf(vmem.CategoryMap, vmem.SeverityOptional, 0x50030, "map at %s grew to height %d", m.state, len(levels))
	}

	for len(levels) > 0 {
		top := levels[len(levels)-1]
		n, err := top.Len()
		if err != nil {
			return err
		}
		if n > 1 {
			break
		}
		if err := top.Clear(); err != nil {
			return err
		}
		if _, err := m.keys.Pop(); err != nil {
			return err
		}
		levels = levels[:len(levels)-1]
		m.pool.Logf(vmem.CategoryMap, vmem.SeverityOptional, 0x50031, "map at %s shrank to height %d", m.state, len(levels))
	}
	return nil
}
