package vmem

import (
	"errors"
	"fmt"
)

// LinkedState is the persisted head of a Linked list.
type LinkedState struct {
	FrontPagePos PagePos
	BackPagePos  PagePos
}

func (s LinkedState) empty() bool { return s.FrontPagePos.IsNil() }

// normalize treats an all-zero state as an empty list. Page 0 is the root
// page and can never hold list items.
func (s LinkedState) normalize() LinkedState {
	if s.FrontPagePos == RootPage && s.BackPagePos == RootPage {
		return LinkedState{FrontPagePos: NilPage, BackPagePos: NilPage}
	}
	return s
}

// LinkedPos addresses one item of a Linked list.
type LinkedPos struct {
	Page PagePos
	Item uint16
}

// Linked is a doubly linked list of page positions kept directly on pool
// pages. The pool's free list is a Linked whose emptied pages are themselves
// free pages, so it never allocates.
type Linked struct {
	pool   *Pool
	state  Ref
	layout pageLayout
}

// NewLinked binds a list to the LinkedState stored at state.
func NewLinked(pool *Pool, state Ref) (*Linked, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	layout, err := newPageLayout(pool.PageSize(), 0, 8)
	if err != nil {
		return nil, err
	}
	return &Linked{pool: pool, state: state, layout: layout}, nil
}

func newLinked(pool *Pool, state Ref) *Linked {
	l, err := NewLinked(pool, state)
	if err != nil {
		panic(fmt.Sprintf("vmem: page size %d too small for a linked list: %v", pool.PageSize(), err))
	}
	return l
}

// Capacity is the number of positions one page holds.
func (l *Linked) Capacity() int { return l.layout.capacity }

func (l *Linked) openState() (*Pointer[LinkedState], LinkedState, error) {
	ptr, err := NewPointer[LinkedState](l.pool, l.state)
	if err != nil {
		return nil, LinkedState{}, err
	}
	st, err := ptr.Load()
	if err != nil {
		ptr.Close()
		return nil, LinkedState{}, err
	}
	return ptr, st.normalize(), nil
}

func (l *Linked) loadState() (LinkedState, error) {
	st, err := loadAt[LinkedState](l.pool, l.state)
	return st.normalize(), err
}

func (l *Linked) itemAt(b []byte, i int) PagePos {
	return PagePos(byteOrder.Uint64(l.layout.item(b, i)))
}

func (l *Linked) setItemAt(b []byte, i int, v PagePos) {
	byteOrder.PutUint64(l.layout.item(b, i), uint64(v))
}

// linkPage formats pos as an empty page between prev and next and updates st.
// The neighbours are locked before anything is written.
func (l *Linked) linkPage(st *LinkedState, pg *Page, prev, next PagePos) error {
	var ps pins
	defer ps.release()
	ppg, npg, err := lockPair(l.pool, &ps, prev, next)
	if err != nil {
		return err
	}
	l.layout.init(pg.dirty(), pg.Pos(), prev, next)
	if ppg == nil {
		st.FrontPagePos = pg.Pos()
	} else {
		setNextPos(ppg.dirty(), pg.Pos())
	}
	if npg == nil {
		st.BackPagePos = pg.Pos()
	} else {
		setPrevPos(npg.dirty(), pg.Pos())
	}
	return nil
}

// unlinkPage removes the page whose bytes are b from the chain.
func (l *Linked) unlinkPage(st *LinkedState, b []byte) error {
	var ps pins
	defer ps.release()
	prev, next := prevPosOf(b), nextPosOf(b)
	ppg, npg, err := lockPair(l.pool, &ps, prev, next)
	if err != nil {
		return err
	}
	if ppg == nil {
		st.FrontPagePos = next
	} else {
		setNextPos(ppg.dirty(), next)
	}
	if npg == nil {
		st.BackPagePos = prev
	} else {
		setPrevPos(npg.dirty(), prev)
	}
	return nil
}

// discard returns a page that never made it into the chain.
func (l *Linked) discard(pg *Page) {
	if err := pg.Free(); err != nil {
		l.pool.Logf(CategoryLinked, SeverityCritical, 0x30010, "leaking page %s: %v", pg.Pos(), err)
	}
}

func (l *Linked) PushBack(v PagePos) error {
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	var pg *Page
	if !st.empty() {
		if pg, err = l.pool.Lock(st.BackPagePos); err != nil {
			return err
		}
		if l.layout.count(pg.bytes()) >= l.layout.capacity {
			pg.Close()
			pg = nil
		}
	}
	if pg == nil {
		if pg, err = l.pool.newPage(); err != nil {
			return err
		}
		if err := l.linkPage(&st, pg, st.BackPagePos, NilPage); err != nil {
			l.discard(pg)
			return err
		}
	}
	defer pg.Close()

	b := pg.dirty()
	n := l.layout.count(b)
	l.setItemAt(b, n, v)
	l.layout.setCount(b, n+1)
	return ptr.Store(st)
}

func (l *Linked) PushFront(v PagePos) error {
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	var pg *Page
	if !st.empty() {
		if pg, err = l.pool.Lock(st.FrontPagePos); err != nil {
			return err
		}
		if l.layout.count(pg.bytes()) >= l.layout.capacity {
			pg.Close()
			pg = nil
		}
	}
	if pg == nil {
		if pg, err = l.pool.newPage(); err != nil {
			return err
		}
		if err := l.linkPage(&st, pg, NilPage, st.FrontPagePos); err != nil {
			l.discard(pg)
			return err
		}
	}
	defer pg.Close()

	b := pg.dirty()
	n := l.layout.count(b)
	l.layout.insertGap(b, 0, n)
	l.setItemAt(b, 0, v)
	l.layout.setCount(b, n+1)
	return ptr.Store(st)
}

func (l *Linked) PopBack() (PagePos, error) {
	st, err := l.loadState()
	if err != nil {
		return NilPage, err
	}
	if st.empty() {
		return NilPage, ErrEmpty
	}
	pg, err := l.pool.Lock(st.BackPagePos)
	if err != nil {
		return NilPage, err
	}
	n := l.layout.count(pg.bytes())
	pg.Close()
	if n == 0 {
		return NilPage, fmt.Errorf("%w: empty back page %s", ErrMalformedContainer, st.BackPagePos)
	}
	at := LinkedPos{Page: st.BackPagePos, Item: uint16(n - 1)}
	v, err := l.Get(at)
	if err != nil {
		return NilPage, err
	}
	return v, l.Erase(at)
}

func (l *Linked) PopFront() (PagePos, error) {
	st, err := l.loadState()
	if err != nil {
		return NilPage, err
	}
	if st.empty() {
		return NilPage, ErrEmpty
	}
	at := LinkedPos{Page: st.FrontPagePos, Item: 0}
	v, err := l.Get(at)
	if err != nil {
		return NilPage, err
	}
	return v, l.Erase(at)
}

func (l *Linked) Get(at LinkedPos) (PagePos, error) {
	pg, err := l.pool.Lock(at.Page)
	if err != nil {
		return NilPage, err
	}
	defer pg.Close()
	b := pg.bytes()
	if int(at.Item) >= l.layout.count(b) {
		return NilPage, fmt.Errorf("%w: item %d of page %s", ErrInvalidIterator, at.Item, at.Page)
	}
	return l.itemAt(b, int(at.Item)), nil
}

// Insert places v before the item at at. at.Item may equal the page's item
// count to append to that page. A full page is split in two.
func (l *Linked) Insert(at LinkedPos, v PagePos) error {
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()
	if st.empty() {
		ptr.Close()
		return l.PushBack(v)
	}

	pg, err := l.pool.Lock(at.Page)
	if err != nil {
		return err
	}
	defer pg.Close()

	b := pg.dirty()
	n := l.layout.count(b)
	i := int(at.Item)
	if i > n {
		return fmt.Errorf("%w: item %d of page %s holding %d", ErrInvalidIterator, i, at.Page, n)
	}
	if n < l.layout.capacity {
		l.layout.insertGap(b, i, n)
		l.setItemAt(b, i, v)
		l.layout.setCount(b, n+1)
		return ptr.Store(st)
	}

	np, err := l.pool.newPage()
	if err != nil {
		return err
	}
	if err := l.linkPage(&st, np, at.Page, nextPosOf(b)); err != nil {
		l.discard(np)
		return err
	}
	defer np.Close()
	nb := np.dirty()
	if i == n {
		l.setItemAt(nb, 0, v)
		l.layout.setCount(nb, 1)
		return ptr.Store(st)
	}
	moved := n - i
	copy(l.layout.items(nb, 0, moved), l.layout.items(b, i, n))
	l.layout.setCount(nb, moved)
	l.setItemAt(b, i, v)
	l.layout.setCount(b, i+1)
	return ptr.Store(st)
}

// Erase removes the item at at, releasing its page when it becomes empty.
func (l *Linked) Erase(at LinkedPos) error {
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	pg, err := l.pool.Lock(at.Page)
	if err != nil {
		return err
	}
	b := pg.dirty()
	n := l.layout.count(b)
	if int(at.Item) >= n {
		pg.Close()
		return fmt.Errorf("%w: item %d of page %s holding %d", ErrInvalidIterator, at.Item, at.Page, n)
	}
	if n > 1 {
		l.layout.removeAt(b, int(at.Item), n)
		l.layout.setCount(b, n-1)
		return pg.Close()
	}

	if err := l.unlinkPage(&st, b); err != nil {
		pg.Close()
		return err
	}
	if err := ptr.Store(st); err != nil {
		pg.Close()
		return err
	}
	return pg.Free()
}

// Find returns the position of the first item equal to v.
func (l *Linked) Find(v PagePos) (LinkedPos, bool, error) {
	found := LinkedPos{Page: NilPage, Item: NilItem}
	err := l.eachPage(func(pos PagePos, b []byte) (bool, error) {
		for i := 0; i < l.layout.count(b); i++ {
			if l.itemAt(b, i) == v {
				found = LinkedPos{Page: pos, Item: uint16(i)}
				return false, nil
			}
		}
		return true, nil
	})
	return found, !found.Page.IsNil(), err
}

// Splice moves every page of other to the back of l, leaving other empty.
func (l *Linked) Splice(other *Linked) error {
	if other.state == l.state {
		return nil
	}
	optr, ost, err := other.openState()
	if err != nil {
		return err
	}
	defer optr.Close()
	if ost.empty() {
		return nil
	}
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	if st.empty() {
		st = ost
	} else {
		var ps pins
		defer ps.release()
		back, front, err := lockPair(l.pool, &ps, st.BackPagePos, ost.FrontPagePos)
		if err != nil {
			return err
		}
		setNextPos(back.dirty(), front.Pos())
		setPrevPos(front.dirty(), back.Pos())
		st.BackPagePos = ost.BackPagePos
	}
	if err := ptr.Store(st); err != nil {
		return err
	}
	return optr.Store(LinkedState{FrontPagePos: NilPage, BackPagePos: NilPage})
}

func (l *Linked) Front() (PagePos, error) {
	st, err := l.loadState()
	if err != nil {
		return NilPage, err
	}
	if st.empty() {
		return NilPage, ErrEmpty
	}
	return l.Get(LinkedPos{Page: st.FrontPagePos, Item: 0})
}

func (l *Linked) Back() (PagePos, error) {
	st, err := l.loadState()
	if err != nil {
		return NilPage, err
	}
	if st.empty() {
		return NilPage, ErrEmpty
	}
	pg, err := l.pool.Lock(st.BackPagePos)
	if err != nil {
		return NilPage, err
	}
	defer pg.Close()
	b := pg.bytes()
	n := l.layout.count(b)
	if n == 0 {
		return NilPage, fmt.Errorf("%w: empty back page %s", ErrMalformedContainer, st.BackPagePos)
	}
	return l.itemAt(b, n-1), nil
}

func (l *Linked) Empty() (bool, error) {
	st, err := l.loadState()
	return st.empty(), err
}

func (l *Linked) Len() (uint64, error) {
	var n uint64
	err := l.eachPage(func(_ PagePos, b []byte) (bool, error) {
		n += uint64(l.layout.count(b))
		return true, nil
	})
	return n, err
}

// Each calls fn for every item from front to back. Returning errStop from fn
// ends the walk early without error.
func (l *Linked) Each(fn func(PagePos) error) error {
	err := l.eachPage(func(_ PagePos, b []byte) (bool, error) {
		for i := 0; i < l.layout.count(b); i++ {
			if err := fn(l.itemAt(b, i)); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

var errStop = errors.New("stop iteration")

// eachPage visits pages front to back while fn returns true. The page stays
// locked during fn.
func (l *Linked) eachPage(fn func(pos PagePos, b []byte) (bool, error)) error {
	st, err := l.loadState()
	if err != nil {
		return err
	}
	for pos := st.FrontPagePos; !pos.IsNil(); {
		pg, err := l.pool.Lock(pos)
		if err != nil {
			return err
		}
		b := pg.bytes()
		next := nextPosOf(b)
		more, err := fn(pos, b)
		pg.Close()
		if err != nil || !more {
			return err
		}
		pos = next
	}
	return nil
}

// pushRecycled adds a freed page to the free list. When the back page is full
// the freed page becomes the new, empty back page.
func (l *Linked) pushRecycled(pos PagePos) error {
	ptr, st, err := l.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	if !st.empty() {
		pg, err := l.pool.Lock(st.BackPagePos)
		if err != nil {
			return err
		}
		b := pg.bytes()
		if n := l.layout.count(b); n < l.layout.capacity {
			b = pg.dirty()
			l.setItemAt(b, n, pos)
			l.layout.setCount(b, n+1)
			return pg.Close()
		}
		pg.Close()
	}

	pg, err := l.pool.Lock(pos)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := l.linkPage(&st, pg, st.BackPagePos, NilPage); err != nil {
		return err
	}
	return ptr.Store(st)
}

// popRecycled takes a page off the free list, or returns NilPage when the list
// is empty. An empty back page is itself handed out.
func (l *Linked) popRecycled() (PagePos, error) {
	ptr, st, err := l.openState()
	if err != nil {
		return NilPage, err
	}
	defer ptr.Close()
	if st.empty() {
		return NilPage, nil
	}

	pg, err := l.pool.Lock(st.BackPagePos)
	if err != nil {
		return NilPage, err
	}
	defer pg.Close()
	b := pg.bytes()
	if n := l.layout.count(b); n > 0 {
		b = pg.dirty()
		l.layout.setCount(b, n-1)
		return l.itemAt(b, n-1), nil
	}

	if err := l.unlinkPage(&st, pg.dirty()); err != nil {
		return NilPage, err
	}
	if err := ptr.Store(st); err != nil {
		return NilPage, err
	}
	return pg.Pos(), nil
}

// check validates the page chain and returns the number of items and pages.
// Every page and item must lie in [StartPage+1, maxPages).
func (l *Linked) check(maxPages uint64) (items, pages uint64, err error) {
	st, err := l.loadState()
	if err != nil {
		return 0, 0, err
	}
	inRange := func(pos PagePos) bool { return pos > StartPage && uint64(pos) < maxPages }

	prev := NilPage
	for pos := st.FrontPagePos; !pos.IsNil(); {
		if !inRange(pos) {
			return 0, 0, fmt.Errorf("%w: page %s out of range", ErrMalformedFreeList, pos)
		}
		if pages++; pages > maxPages {
			return 0, 0, fmt.Errorf("%w: cycle detected after %d pages", ErrMalformedFreeList, pages)
		}
		pg, err := l.pool.Lock(pos)
		if err != nil {
			return 0, 0, err
		}
		b := pg.bytes()
		self, back, next, n := pagePosOf(b), prevPosOf(b), nextPosOf(b), l.layout.count(b)
		var bad PagePos = NilPage
		for i := 0; i < n && i < l.layout.capacity; i++ {
			if item := l.itemAt(b, i); !inRange(item) {
				bad = item
				break
			}
		}
		pg.Close()

		switch {
		case self != pos:
			return 0, 0, fmt.Errorf("%w: page %s records position %s", ErrMalformedFreeList, pos, self)
		case back != prev:
			return 0, 0, fmt.Errorf("%w: page %s links back to %s, want %s", ErrMalformedFreeList, pos, back, prev)
		case n > l.layout.capacity:
			return 0, 0, fmt.Errorf("%w: page %s holds %d items, capacity %d", ErrMalformedFreeList, pos, n, l.layout.capacity)
		case !bad.IsNil():
			return 0, 0, fmt.Errorf("%w: page %s lists page %s", ErrMalformedFreeList, pos, bad)
		}
		items += uint64(n)
		prev, pos = pos, next
	}
	if prev != st.BackPagePos {
		return 0, 0, fmt.Errorf("%w: chain ends at %s, state says %s", ErrMalformedFreeList, prev, st.BackPagePos)
	}
	return items, pages, nil
}
