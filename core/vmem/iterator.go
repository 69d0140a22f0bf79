package vmem

import "fmt"

type edge uint8

const (
	edgeNone edge = iota
	edgeREnd      // one before the front item
	edgeEnd       // one past the back item
)

// Iterator is a position in a Container. It holds no page locks, so it stays
// usable across calls but is invalidated by inserts and erases that move the
// item it points at.
type Iterator[T any, H any] struct {
	c    *Container[T, H]
	page PagePos
	item int
	edge edge
}

// At returns an iterator to item slot i of page pos. i may equal the page's
// item count to address the slot after its last item.
func (c *Container[T, H]) At(pos PagePos, i int) Iterator[T, H] {
	return Iterator[T, H]{c: c, page: pos, item: i}
}

func (c *Container[T, H]) End() Iterator[T, H] {
	return Iterator[T, H]{c: c, page: NilPage, edge: edgeEnd}
}

func (c *Container[T, H]) REnd() Iterator[T, H] {
	return Iterator[T, H]{c: c, page: NilPage, edge: edgeREnd}
}

// Begin returns an iterator to the front item, or End when empty.
func (c *Container[T, H]) Begin() (Iterator[T, H], error) {
	st, err := c.State()
	if err != nil {
		return c.End(), err
	}
	return c.firstOf(st.FrontPagePos), nil
}

// RBegin returns an iterator to the back item, or REnd when empty.
func (c *Container[T, H]) RBegin() (Iterator[T, H], error) {
	st, err := c.State()
	if err != nil {
		return c.REnd(), err
	}
	return c.lastOf(st.BackPagePos)
}

func (c *Container[T, H]) firstOf(pos PagePos) Iterator[T, H] {
	if pos.IsNil() {
		return c.End()
	}
	return c.At(pos, 0)
}

func (c *Container[T, H]) lastOf(pos PagePos) (Iterator[T, H], error) {
	if pos.IsNil() {
		return c.REnd(), nil
	}
	n, err := c.ItemCount(pos)
	if err != nil {
		return c.REnd(), err
	}
	if n == 0 {
		return c.REnd(), fmt.Errorf("%w: empty page %s", ErrMalformedContainer, pos)
	}
	return c.At(pos, n-1), nil
}

// Valid reports whether it points at an item rather than an edge.
func (it Iterator[T, H]) Valid() bool { return it.c != nil && it.edge == edgeNone }

func (it Iterator[T, H]) IsEnd() bool { return it.edge == edgeEnd }

func (it Iterator[T, H]) IsREnd() bool { return it.edge == edgeREnd }

func (it Iterator[T, H]) Page() PagePos { return it.page }

func (it Iterator[T, H]) Item() int { return it.item }

func (it Iterator[T, H]) Container() *Container[T, H] { return it.c }

func (it Iterator[T, H]) Equal(o Iterator[T, H]) bool {
	if it.edge != edgeNone || o.edge != edgeNone {
		return it.edge == o.edge
	}
	return it.page == o.page && it.item == o.item
}

func (it Iterator[T, H]) String() string {
	switch it.edge {
	case edgeEnd:
		return "end"
	case edgeREnd:
		return "rend"
	default:
		return fmt.Sprintf("%s[%d]", it.page, it.item)
	}
}

// Next advances to the following item, crossing into the next page or onto End.
func (it *Iterator[T, H]) Next() error {
	switch it.edge {
	case edgeEnd:
		return fmt.Errorf("%w: advancing past end", ErrInvalidIterator)
	case edgeREnd:
		next, err := it.c.Begin()
		if err != nil {
			return err
		}
		*it = next
		return nil
	}
	pg, err := it.c.pool.Lock(it.page)
	if err != nil {
		return err
	}
	b := pg.bytes()
	n, next := it.c.layout.count(b), nextPosOf(b)
	pg.Close()
	if it.item+1 < n {
		it.item++
		return nil
	}
	*it = it.c.firstOf(next)
	return nil
}

// Prev steps back to the preceding item, crossing into the previous page or
// onto REnd.
func (it *Iterator[T, H]) Prev() error {
	switch it.edge {
	case edgeREnd:
		return fmt.Errorf("%w: stepping before rend", ErrInvalidIterator)
	case edgeEnd:
		prev, err := it.c.RBegin()
		if err != nil {
			return err
		}
		*it = prev
		return nil
	}
	if it.item > 0 {
		it.item--
		return nil
	}
	pg, err := it.c.pool.Lock(it.page)
	if err != nil {
		return err
	}
	prev := prevPosOf(pg.bytes())
	pg.Close()
	last, err := it.c.lastOf(prev)
	if err != nil {
		return err
	}
	*it = last
	return nil
}

func (it Iterator[T, H]) Load() (T, error) {
	var zero T
	if !it.Valid() {
		return zero, fmt.Errorf("%w: load at %s", ErrInvalidIterator, it)
	}
	pg, err := it.c.pool.Lock(it.page)
	if err != nil {
		return zero, err
	}
	defer pg.Close()
	b := pg.bytes()
	if it.item >= it.c.layout.count(b) {
		return zero, fmt.Errorf("%w: load at %s past page end", ErrInvalidIterator, it)
	}
	return it.c.getItem(b, it.item)
}

func (it Iterator[T, H]) Store(v T) error {
	if !it.Valid() {
		return fmt.Errorf("%w: store at %s", ErrInvalidIterator, it)
	}
	pg, err := it.c.pool.Lock(it.page)
	if err != nil {
		return err
	}
	defer pg.Close()
	if it.item >= it.c.layout.count(pg.bytes()) {
		return fmt.Errorf("%w: store at %s past page end", ErrInvalidIterator, it)
	}
	return it.c.putItem(pg.dirty(), it.item, v)
}

// Ref returns the persisted location of the item.
func (it Iterator[T, H]) Ref() (Ref, error) { return it.c.RefAt(it) }
