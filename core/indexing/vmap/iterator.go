package vmap

import (
	"github.com/sushant-115/gojovmem/core/vmem"
)

// Iterator walks map entries in key order.
type Iterator[K any, V any] struct {
	vmem.Iterator[Entry[K, V], vmem.NoHeader]
}

func (m *Map[K, V]) wrap(it vmem.Iterator[Entry[K, V], vmem.NoHeader]) Iterator[K, V] {
	return Iterator[K, V]{Iterator: it}
}

func (m *Map[K, V]) Begin() (Iterator[K, V], error) {
	it, err := m.values.Begin()
	return m.wrap(it), err
}

func (m *Map[K, V]) End() Iterator[K, V] { return m.wrap(m.values.End()) }

func (m *Map[K, V]) RBegin() (Iterator[K, V], error) {
	it, err := m.values.RBegin()
	return m.wrap(it), err
}

func (m *Map[K, V]) REnd() Iterator[K, V] { return m.wrap(m.values.REnd()) }

func (it Iterator[K, V]) Entry() (Entry[K, V], error) { return it.Load() }

func (it Iterator[K, V]) Key() (K, error) {
	e, err := it.Load()
	return e.Key, err
}

func (it Iterator[K, V]) Value() (V, error) {
	e, err := it.Load()
	return e.Value, err
}

// SetValue overwrites the value of the entry in place.
func (it Iterator[K, V]) SetValue(v V) error {
	e, err := it.Load()
	if err != nil {
		return err
	}
	e.Value = v
	return it.Store(e)
}

// Ascend calls fn for every entry in increasing key order until fn returns
// false.
func (m *Map[K, V]) Ascend(fn func(key K, value V) bool) error {
	it, err := m.values.Begin()
	if err != nil {
		return err
	}
	return m.walk(it, nil, fn, true)
}

// Descend calls fn for every entry in decreasing key order until fn returns
// false.
func (m *Map[K, V]) Descend(fn func(key K, value V) bool) error {
	it, err := m.values.RBegin()
	if err != nil {
		return err
	}
	return m.walk(it, nil, fn, false)
}

// AscendRange calls fn for the entries with from <= key < to.
func (m *Map[K, V]) AscendRange(from, to K, fn func(key K, value V) bool) error {
	it, err := m.LowerBound(from)
	if err != nil {
		return err
	}
	return m.walk(it.Iterator, func(k K) bool { return m.order(k, to) < 0 }, fn, true)
}

// walk reads whole pages at a time rather than locking once per entry.
func (m *Map[K, V]) walk(it vmem.Iterator[Entry[K, V], vmem.NoHeader], keep func(K) bool, fn func(K, V) bool, forward bool) error {
	for it.Valid() {
		entries, prev, next, err := m.values.PageItems(it.Page())
		if err != nil {
			return err
		}
		if forward {
			for _, e := range entries[it.Item():] {
				if keep != nil && !keep(e.Key) {
					return nil
				}
				if !fn(e.Key, e.Value) {
					return nil
				}
			}
			if next.IsNil() {
				return nil
			}
			it = m.values.At(next, 0)
			continue
		}
		for i := it.Item(); i >= 0; i-- {
			if !fn(entries[i].Key, entries[i].Value) {
				return nil
			}
		}
		if prev.IsNil() {
			return nil
		}
		n, err := m.values.ItemCount(prev)
		if err != nil {
			return err
		}
		it = m.values.At(prev, n-1)
	}
	return nil
}
