package vmem

import (
	"fmt"
	"slices"
)

// ContainerState is the persisted head of a Container. A zeroed state is an
// uninitialized container.
type ContainerState struct {
	FrontPagePos   PagePos
	BackPagePos    PagePos
	ItemSize       uint64
	TotalItemCount uint64
}

// ContainerStateSize is the encoded size of ContainerState.
const ContainerStateSize = 32

func (s ContainerState) empty() bool { return s.FrontPagePos.IsNil() }

// NoHeader is the page header type of containers without a custom header.
type NoHeader struct{}

// Balance selects which pages an insert or erase may rebalance with their
// siblings, by the position of the page in the chain.
type Balance uint8

const (
	BalanceBegin Balance = 1 << iota
	BalanceInner
	BalanceEnd

	BalanceNone Balance = 0
	BalanceAll          = BalanceBegin | BalanceInner | BalanceEnd
)

// BalancePolicy is the balance applied by the plain Insert and Erase calls.
type BalancePolicy struct {
	Insert Balance
	Erase  Balance
}

// PageLink records a page created by a split and the page it follows.
type PageLink struct {
	Page  PagePos
	After PagePos
}

// Delta reports the structural effect of one insert or erase.
type Delta struct {
	Added   []PageLink
	Removed []PagePos
	// Leads lists surviving pages whose first item changed.
	Leads []PagePos
}

func (d *Delta) lead(pos PagePos) {
	if !slices.Contains(d.Leads, pos) {
		d.Leads = append(d.Leads, pos)
	}
}

func (d *Delta) finish() {
	d.Leads = slices.DeleteFunc(d.Leads, func(pos PagePos) bool {
		return slices.Contains(d.Removed, pos) ||
			slices.ContainsFunc(d.Added, func(l PageLink) bool { return l.Page == pos })
	})
}

// Merge appends o to d. A page both added and removed cancels out, and leads
// are only kept for pages that survive without being new.
func (d *Delta) Merge(o Delta) {
	d.Added = append(d.Added, o.Added...)
	d.Removed = append(d.Removed, o.Removed...)
	for _, pos := range o.Leads {
		d.lead(pos)
	}
	var gone []PagePos
	d.Added = slices.DeleteFunc(d.Added, func(l PageLink) bool {
		if i := slices.Index(d.Removed, l.Page); i >= 0 {
			d.Removed = slices.Delete(d.Removed, i, i+1)
			gone = append(gone, l.Page)
			return true
		}
		return false
	})
	d.Leads = slices.DeleteFunc(d.Leads, func(pos PagePos) bool {
		return slices.Contains(gone, pos) || slices.Contains(d.Removed, pos) ||
			slices.ContainsFunc(d.Added, func(l PageLink) bool { return l.Page == pos })
	})
}

// Empty reports whether the operation left the page structure untouched.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Leads) == 0
}

// Container is an ordered sequence of fixed-size items spread over linked
// pages. Every page carries a header of type H.
type Container[T any, H any] struct {
	pool          *Pool
	state         Ref
	layout        pageLayout
	policy        BalancePolicy
	defaultHeader H
}

// NewContainer binds a container to the ContainerState stored at state,
// initializing the state when it is zeroed.
func NewContainer[T any, H any](pool *Pool, state Ref, policy BalancePolicy) (*Container[T, H], error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	itemSize := sizeOf[T]()
	if itemSize <= 0 {
		var zero T
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueType, zero)
	}
	headerSize := sizeOf[H]()
	if headerSize < 0 {
		var zero H
		return nil, fmt.Errorf("%w: header %T", ErrUnsupportedValueType, zero)
	}
	layout, err := newPageLayout(pool.PageSize(), headerSize, itemSize)
	if err != nil {
		return nil, err
	}
	c := &Container[T, H]{pool: pool, state: state, layout: layout, policy: policy}

	ptr, err := NewPointer[ContainerState](pool, state)
	if err != nil {
		return nil, err
	}
	defer ptr.Close()
	st, err := ptr.Load()
	if err != nil {
		return nil, err
	}
	switch {
	case st.ItemSize == 0:
		st = ContainerState{FrontPagePos: NilPage, BackPagePos: NilPage, ItemSize: uint64(itemSize)}
		if err := ptr.Store(st); err != nil {
			return nil, err
		}
	case st.ItemSize != uint64(itemSize):
		pool.Logf(CategoryContainer, SeverityCritical, 0x40001, "container at %s has item size %d, opened with %d", state, st.ItemSize, itemSize)
		return nil, fmt.Errorf("%w: state at %s has %d, type has %d", ErrItemSizeMismatch, state, st.ItemSize, itemSize)
	}
	return c, nil
}

// SetDefaultHeader sets the header written to pages created from now on.
func (c *Container[T, H]) SetDefaultHeader(h H) { c.defaultHeader = h }

func (c *Container[T, H]) Pool() *Pool { return c.pool }

// Capacity is the number of items one page holds.
func (c *Container[T, H]) Capacity() int { return c.layout.capacity }

func (c *Container[T, H]) Policy() BalancePolicy { return c.policy }

func (c *Container[T, H]) State() (ContainerState, error) {
	return loadAt[ContainerState](c.pool, c.state)
}

func (c *Container[T, H]) openState() (*Pointer[ContainerState], ContainerState, error) {
	ptr, err := NewPointer[ContainerState](c.pool, c.state)
	if err != nil {
		return nil, ContainerState{}, err
	}
	st, err := ptr.Load()
	if err != nil {
		ptr.Close()
		return nil, ContainerState{}, err
	}
	return ptr, st, nil
}

func (c *Container[T, H]) Len() (uint64, error) {
	st, err := c.State()
	return st.TotalItemCount, err
}

func (c *Container[T, H]) Empty() (bool, error) {
	st, err := c.State()
	return st.empty(), err
}

func (c *Container[T, H]) getItem(b []byte, i int) (T, error) {
	return decodeItem[T](c.layout.item(b, i))
}

func (c *Container[T, H]) putItem(b []byte, i int, v T) error {
	return encodeItem(c.layout.item(b, i), v)
}

// initPage formats a fresh page and writes the default header.
func (c *Container[T, H]) initPage(b []byte, pos, prev, next PagePos) error {
	c.layout.init(b, pos, prev, next)
	if c.layout.headerSize == 0 {
		return nil
	}
	return encodeItem(c.layout.header(b), c.defaultHeader)
}

// classify returns the balance bit that governs page pos.
func (c *Container[T, H]) classify(st ContainerState, pos PagePos) Balance {
	var b Balance
	if pos == st.FrontPagePos {
		b |= BalanceBegin
	}
	if pos == st.BackPagePos {
		b |= BalanceEnd
	}
	if b == 0 {
		b = BalanceInner
	}
	return b
}

// --- Insert ---

// Insert inserts v before it using the container's insert policy.
func (c *Container[T, H]) Insert(it Iterator[T, H], v T) (Iterator[T, H], error) {
	res, _, err := c.InsertAt(it, v, c.policy.Insert)
	return res, err
}

// InsertAt inserts v before it and returns an iterator to the new item. A full
// target page first tries to shift items to a sibling when bal covers the page,
// and is split otherwise.
func (c *Container[T, H]) InsertAt(it Iterator[T, H], v T, bal Balance) (Iterator[T, H], Delta, error) {
	var d Delta
	ptr, st, err := c.openState()
	if err != nil {
		return it, d, err
	}
	defer ptr.Close()

	var ps pins
	defer ps.release()

	if st.empty() {
		pg, err := c.pool.newPage()
		if err != nil {
			return it, d, err
		}
		ps.add(pg)
		b := pg.dirty()
		if err := c.initPage(b, pg.Pos(), NilPage, NilPage); err != nil {
			return it, d, err
		}
		if err := c.putItem(b, 0, v); err != nil {
			return it, d, err
		}
		c.layout.setCount(b, 1)
		st.FrontPagePos, st.BackPagePos = pg.Pos(), pg.Pos()
		st.TotalItemCount = 1
		d.Added = append(d.Added, PageLink{Page: pg.Pos(), After: NilPage})
		return c.At(pg.Pos(), 0), d, ptr.Store(st)
	}

	tp, pos, err := c.insertTarget(st, it)
	if err != nil {
		return it, d, err
	}
	pg, err := ps.lock(c.pool, tp)
	if err != nil {
		return it, d, err
	}
	b := pg.dirty()
	n := c.layout.count(b)
	if pos > n {
		return it, d, fmt.Errorf("%w: item %d of page %s holding %d", ErrInvalidIterator, pos, tp, n)
	}

	var res Iterator[T, H]
	if n < c.layout.capacity {
		c.layout.insertGap(b, pos, n)
		if err := c.putItem(b, pos, v); err != nil {
			return it, d, err
		}
		c.layout.setCount(b, n+1)
		if pos == 0 {
			d.lead(tp)
		}
		res = c.At(tp, pos)
	} else if res, err = c.insertFull(&st, &ps, pg, pos, v, bal, &d); err != nil {
		return it, d, err
	}

	st.TotalItemCount++
	d.finish()
	return res, d, ptr.Store(st)
}

// insertTarget resolves an insert iterator to a page and item slot.
func (c *Container[T, H]) insertTarget(st ContainerState, it Iterator[T, H]) (PagePos, int, error) {
	switch it.edge {
	case edgeREnd:
		return st.FrontPagePos, 0, nil
	case edgeEnd:
		n, err := c.ItemCount(st.BackPagePos)
		return st.BackPagePos, n, err
	default:
		return it.page, it.item, nil
	}
}

func (c *Container[T, H]) insertFull(st *ContainerState, ps *pins, pg *Page, pos int, v T, bal Balance, d *Delta) (Iterator[T, H], error) {
	tp := pg.Pos()
	b := pg.dirty()
	n := c.layout.count(b)
	capacity := c.layout.capacity

	if bal&c.classify(*st, tp) != 0 {
		if next := nextPosOf(b); !next.IsNil() {
			npg, err := ps.lock(c.pool, next)
			if err != nil {
				return Iterator[T, H]{}, err
			}
			nn := c.layout.count(npg.bytes())
			if free := capacity - nn; free > 0 {
				nb := npg.dirty()
				if pos == n {
					c.layout.insertGap(nb, 0, nn)
					if err := c.putItem(nb, 0, v); err != nil {
						return Iterator[T, H]{}, err
					}
					c.layout.setCount(nb, nn+1)
					d.lead(next)
					return c.At(next, 0), nil
				}
				k := min(max(1, free/2), n-pos)
				copy(c.layout.items(nb, k, nn+k), c.layout.items(nb, 0, nn))
				copy(c.layout.items(nb, 0, k), c.layout.items(b, n-k, n))
				c.layout.setCount(nb, nn+k)
				d.lead(next)
				return c.insertInto(b, tp, pos, n-k, v, d)
			}
		}
		if prev := prevPosOf(b); !prev.IsNil() {
			ppg, err := ps.lock(c.pool, prev)
			if err != nil {
				return Iterator[T, H]{}, err
			}
			pn := c.layout.count(ppg.bytes())
			if free := capacity - pn; free > 0 {
				pb := ppg.dirty()
				if pos == 0 {
					if err := c.putItem(pb, pn, v); err != nil {
						return Iterator[T, H]{}, err
					}
					c.layout.setCount(pb, pn+1)
					return c.At(prev, pn), nil
				}
				k := min(max(1, free/2), pos)
				copy(c.layout.items(pb, pn, pn+k), c.layout.items(b, 0, k))
				c.layout.setCount(pb, pn+k)
				copy(c.layout.items(b, 0, n-k), c.layout.items(b, k, n))
				d.lead(tp)
				return c.insertInto(b, tp, pos-k, n-k, v, d)
			}
		}
	}

	np, err := c.linkAfter(st, ps, b, tp)
	if err != nil {
		return Iterator[T, H]{}, err
	}
	d.Added = append(d.Added, PageLink{Page: np.Pos(), After: tp})
	nb := np.dirty()

	if pos == n {
		if err := c.putItem(nb, 0, v); err != nil {
			return Iterator[T, H]{}, err
		}
		c.layout.setCount(nb, 1)
		return c.At(np.Pos(), 0), nil
	}

	keep := n / 2
	moved := n - keep
	copy(c.layout.items(nb, 0, moved), c.layout.items(b, keep, n))
	c.layout.setCount(nb, moved)
	if pos <= keep {
		return c.insertInto(b, tp, pos, keep, v, d)
	}
	c.layout.setCount(b, keep)
	return c.insertInto(nb, np.Pos(), pos-keep, moved, v, d)
}

// insertInto writes v at slot pos of a page currently holding n items.
func (c *Container[T, H]) insertInto(b []byte, page PagePos, pos, n int, v T, d *Delta) (Iterator[T, H], error) {
	c.layout.insertGap(b, pos, n)
	if err := c.putItem(b, pos, v); err != nil {
		return Iterator[T, H]{}, err
	}
	c.layout.setCount(b, n+1)
	if pos == 0 {
		d.lead(page)
	}
	return c.At(page, pos), nil
}

// linkAfter allocates a page and links it between tp (bytes b) and tp's
// successor. Every page it writes is locked first, so a failure leaves the
// chain untouched.
func (c *Container[T, H]) linkAfter(st *ContainerState, ps *pins, b []byte, tp PagePos) (*Page, error) {
	var npg *Page
	next := nextPosOf(b)
	if !next.IsNil() {
		var err error
		if npg, err = ps.lock(c.pool, next); err != nil {
			return nil, err
		}
	}
	np, err := c.pool.newPage()
	if err != nil {
		return nil, err
	}
	if err := c.initPage(np.dirty(), np.Pos(), tp, next); err != nil {
		if ferr := np.Free(); ferr != nil {
			c.pool.Logf(CategoryContainer, SeverityCritical, 0x40012, "leaking page %s: %v", np.Pos(), ferr)
		}
		return nil, err
	}
	ps.add(np)
	setNextPos(b, np.Pos())
	if npg == nil {
		st.BackPagePos = np.Pos()
	} else {
		setPrevPos(npg.dirty(), np.Pos())
	}
	return np, nil
}

// lockSiblings locks the neighbours named in b. A nil handle stands for the
// end of the chain.
func (c *Container[T, H]) lockSiblings(ps *pins, b []byte) (prev, next *Page, err error) {
	return lockPair(c.pool, ps, prevPosOf(b), nextPosOf(b))
}

// relink joins prev and next around a page that left the chain. Both must be
// locked; nil marks a chain end.
func relink(st *ContainerState, prev, next *Page) {
	if prev == nil {
		st.FrontPagePos = next.Pos()
	} else {
		setNextPos(prev.dirty(), next.Pos())
	}
	if next == nil {
		st.BackPagePos = prev.Pos()
	} else {
		setPrevPos(next.dirty(), prev.Pos())
	}
}

// InsertRange inserts values in order before it and returns an iterator to
// the first inserted item.
func (c *Container[T, H]) InsertRange(it Iterator[T, H], values []T) (Iterator[T, H], error) {
	first := it
	for i, v := range values {
		res, _, err := c.InsertAt(it, v, c.policy.Insert)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = res
		}
		it = res
		if err := it.Next(); err != nil {
			return first, err
		}
	}
	return first, nil
}

// --- Erase ---

// Erase removes the item at it using the container's erase policy.
func (c *Container[T, H]) Erase(it Iterator[T, H]) (Iterator[T, H], error) {
	res, _, err := c.EraseAt(it, c.policy.Erase)
	return res, err
}

// EraseAt removes the item at it and returns an iterator to the item that
// followed it. A page left empty is freed; otherwise, when bal covers the page,
// it is merged with a sibling if both fit on one page.
func (c *Container[T, H]) EraseAt(it Iterator[T, H], bal Balance) (Iterator[T, H], Delta, error) {
	var d Delta
	if !it.Valid() {
		return it, d, ErrInvalidIterator
	}
	ptr, st, err := c.openState()
	if err != nil {
		return it, d, err
	}
	defer ptr.Close()

	var ps pins
	defer ps.release()

	tp, pos := it.page, it.item
	pg, err := ps.lock(c.pool, tp)
	if err != nil {
		return it, d, err
	}
	b := pg.dirty()
	n := c.layout.count(b)
	if pos >= n {
		return it, d, fmt.Errorf("%w: item %d of page %s holding %d", ErrInvalidIterator, pos, tp, n)
	}
	class := c.classify(st, tp)
	next := nextPosOf(b)

	if n == 1 {
		ppg, npg, err := c.lockSiblings(&ps, b)
		if err != nil {
			return it, d, err
		}
		if err := pg.Free(); err != nil {
			return it, d, err
		}
		relink(&st, ppg, npg)
		st.TotalItemCount--
		d.Removed = append(d.Removed, tp)
		d.finish()
		return c.firstOf(next), d, ptr.Store(st)
	}
	st.TotalItemCount--

	c.layout.removeAt(b, pos, n)
	c.layout.setCount(b, n-1)
	if pos == 0 {
		d.lead(tp)
	}
	res := c.firstOf(next)
	if pos < n-1 {
		res = c.At(tp, pos)
	}
	if bal&class != 0 {
		if res, err = c.merge(&st, &ps, pg, res, &d); err != nil {
			return it, d, err
		}
	}
	d.finish()
	return res, d, ptr.Store(st)
}

// merge folds the page into its predecessor, or its successor into the page,
// when the two fit on one page. res is remapped to the surviving page. The
// erase has already happened, so a merge that cannot get the pages it needs
// is skipped rather than failed.
func (c *Container[T, H]) merge(st *ContainerState, ps *pins, pg *Page, res Iterator[T, H], d *Delta) (Iterator[T, H], error) {
	tp := pg.Pos()
	b := pg.dirty()
	cnt := c.layout.count(b)
	capacity := c.layout.capacity

	if prev := prevPosOf(b); !prev.IsNil() {
		ppg, err := ps.lock(c.pool, prev)
		if err != nil {
			return c.skipMerge(res, tp, err)
		}
		if pn := c.layout.count(ppg.bytes()); pn+cnt <= capacity {
			var npg *Page
			if next := nextPosOf(b); !next.IsNil() {
				if npg, err = ps.lock(c.pool, next); err != nil {
					return c.skipMerge(res, tp, err)
				}
			}
			pb := ppg.dirty()
			copy(c.layout.items(pb, pn, pn+cnt), c.layout.items(b, 0, cnt))
			if err := pg.Free(); err != nil {
				return c.skipMerge(res, tp, err)
			}
			c.layout.setCount(pb, pn+cnt)
			relink(st, ppg, npg)
			d.Removed = append(d.Removed, tp)
			c.pool.Logf(CategoryContainer, SeverityDebug, 0x40010, "merged page %s into %s (%d items)", tp, prev, pn+cnt)
			if res.edge == edgeNone && res.page == tp {
				res = c.At(prev, pn+res.item)
			}
			return res, nil
		}
	}

	if next := nextPosOf(b); !next.IsNil() {
		npg, err := ps.lock(c.pool, next)
		if err != nil {
			return c.skipMerge(res, tp, err)
		}
		nb := npg.bytes()
		if nn := c.layout.count(nb); cnt+nn <= capacity {
			var nnpg *Page
			if after := nextPosOf(nb); !after.IsNil() {
				if nnpg, err = ps.lock(c.pool, after); err != nil {
					return c.skipMerge(res, tp, err)
				}
			}
			copy(c.layout.items(b, cnt, cnt+nn), c.layout.items(nb, 0, nn))
			if err := npg.Free(); err != nil {
				return c.skipMerge(res, tp, err)
			}
			c.layout.setCount(b, cnt+nn)
			relink(st, pg, nnpg)
			d.Removed = append(d.Removed, next)
			c.pool.Logf(CategoryContainer, SeverityDebug, 0x40011, "merged page %s into %s (%d items)", next, tp, cnt+nn)
			if res.edge == edgeNone && res.page == next {
				res = c.At(tp, cnt+res.item)
			}
		}
	}
	return res, nil
}

// skipMerge leaves the pages as they are when a merge runs out of cache.
// Other failures are reported.
func (c *Container[T, H]) skipMerge(res Iterator[T, H], tp PagePos, err error) (Iterator[T, H], error) {
	if !IsExhausted(err) {
		return res, err
	}
	c.pool.Logf(CategoryContainer, SeverityOptional, 0x40013, "not merging page %s: %v", tp, err)
	return res, nil
}

// EraseRange removes count items starting at it.
func (c *Container[T, H]) EraseRange(it Iterator[T, H], count uint64) (Iterator[T, H], error) {
	for ; count > 0; count-- {
		var err error
		if it, _, err = c.EraseAt(it, c.policy.Erase); err != nil {
			return it, err
		}
	}
	return it, nil
}

// Clear frees every page. The item size stays bound to the state.
func (c *Container[T, H]) Clear() error {
	ptr, st, err := c.openState()
	if err != nil {
		return err
	}
	defer ptr.Close()

	for pos := st.FrontPagePos; !pos.IsNil(); {
		pg, err := c.pool.Lock(pos)
		if err != nil {
			return err
		}
		next := nextPosOf(pg.bytes())
		if err := pg.Free(); err != nil {
			return err
		}
		st.FrontPagePos = next
		pos = next
	}
	st = ContainerState{FrontPagePos: NilPage, BackPagePos: NilPage, ItemSize: st.ItemSize}
	return ptr.Store(st)
}

// --- Ends ---

func (c *Container[T, H]) Front() (T, error) {
	it, err := c.Begin()
	if err != nil {
		var zero T
		return zero, err
	}
	return c.loadOrEmpty(it)
}

func (c *Container[T, H]) Back() (T, error) {
	it, err := c.RBegin()
	if err != nil {
		var zero T
		return zero, err
	}
	return c.loadOrEmpty(it)
}

func (c *Container[T, H]) loadOrEmpty(it Iterator[T, H]) (T, error) {
	if !it.Valid() {
		var zero T
		return zero, ErrEmpty
	}
	return it.Load()
}

func (c *Container[T, H]) PushBack(v T) error {
	_, _, err := c.InsertAt(c.End(), v, c.policy.Insert)
	return err
}

func (c *Container[T, H]) PushFront(v T) error {
	it, err := c.Begin()
	if err != nil {
		return err
	}
	_, _, err = c.InsertAt(it, v, c.policy.Insert)
	return err
}

func (c *Container[T, H]) PopBack() (T, error) {
	it, err := c.RBegin()
	if err != nil {
		var zero T
		return zero, err
	}
	return c.pop(it)
}

func (c *Container[T, H]) PopFront() (T, error) {
	it, err := c.Begin()
	if err != nil {
		var zero T
		return zero, err
	}
	return c.pop(it)
}

func (c *Container[T, H]) pop(it Iterator[T, H]) (T, error) {
	v, err := c.loadOrEmpty(it)
	if err != nil {
		return v, err
	}
	_, _, err = c.EraseAt(it, c.policy.Erase)
	return v, err
}

// --- Page access ---

// ItemCount returns the number of items on page pos.
func (c *Container[T, H]) ItemCount(pos PagePos) (int, error) {
	pg, err := c.pool.Lock(pos)
	if err != nil {
		return 0, err
	}
	defer pg.Close()
	return c.layout.count(pg.bytes()), nil
}

// PageItems decodes every item on page pos along with its chain links.
func (c *Container[T, H]) PageItems(pos PagePos) (items []T, prev, next PagePos, err error) {
	pg, err := c.pool.Lock(pos)
	if err != nil {
		return nil, NilPage, NilPage, err
	}
	defer pg.Close()
	b := pg.bytes()
	n := c.layout.count(b)
	if n > c.layout.capacity {
		return nil, NilPage, NilPage, fmt.Errorf("%w: page %s holds %d items, capacity %d", ErrMalformedContainer, pos, n, c.layout.capacity)
	}
	items = make([]T, n)
	for i := range items {
		if items[i], err = c.getItem(b, i); err != nil {
			return nil, NilPage, NilPage, err
		}
	}
	return items, prevPosOf(b), nextPosOf(b), nil
}

// LeadItem returns the first item of page pos.
func (c *Container[T, H]) LeadItem(pos PagePos) (T, error) {
	return c.At(pos, 0).Load()
}

func (c *Container[T, H]) Header(pos PagePos) (H, error) {
	var h H
	pg, err := c.pool.Lock(pos)
	if err != nil {
		return h, err
	}
	defer pg.Close()
	if c.layout.headerSize == 0 {
		return h, nil
	}
	return decodeItem[H](c.layout.header(pg.bytes()))
}

func (c *Container[T, H]) SetHeader(pos PagePos, h H) error {
	pg, err := c.pool.Lock(pos)
	if err != nil {
		return err
	}
	defer pg.Close()
	if c.layout.headerSize == 0 {
		return nil
	}
	return encodeItem(c.layout.header(pg.dirty()), h)
}

// Pages returns the page chain from front to back.
func (c *Container[T, H]) Pages() ([]PagePos, error) {
	st, err := c.State()
	if err != nil {
		return nil, err
	}
	var out []PagePos
	for pos := st.FrontPagePos; !pos.IsNil(); {
		if uint64(len(out)) > st.TotalItemCount {
			return nil, fmt.Errorf("%w: chain longer than %d items", ErrMalformedContainer, st.TotalItemCount)
		}
		out = append(out, pos)
		pg, err := c.pool.Lock(pos)
		if err != nil {
			return nil, err
		}
		pos = nextPosOf(pg.bytes())
		pg.Close()
	}
	return out, nil
}

func (c *Container[T, H]) PageCount() (int, error) {
	pages, err := c.Pages()
	return len(pages), err
}

// Nth returns an iterator to the i-th item, or End when i is out of range.
func (c *Container[T, H]) Nth(i uint64) (Iterator[T, H], error) {
	st, err := c.State()
	if err != nil || i >= st.TotalItemCount {
		return c.End(), err
	}
	for pos := st.FrontPagePos; !pos.IsNil(); {
		pg, err := c.pool.Lock(pos)
		if err != nil {
			return c.End(), err
		}
		b := pg.bytes()
		n, next := uint64(c.layout.count(b)), nextPosOf(b)
		pg.Close()
		if i < n {
			return c.At(pos, int(i)), nil
		}
		i -= n
		pos = next
	}
	return c.End(), fmt.Errorf("%w: total item count exceeds the chain", ErrMalformedContainer)
}

// RefAt returns the persisted location of the item at it. It stays valid until
// the item is moved by an insert or erase.
func (c *Container[T, H]) RefAt(it Iterator[T, H]) (Ref, error) {
	if !it.Valid() {
		return Ref{}, ErrInvalidIterator
	}
	return Ref{Page: it.page, Offset: c.layout.itemOffset(it.item)}, nil
}

// Check walks the page chain and verifies links, positions, item counts and
// the total.
func (c *Container[T, H]) Check() error {
	st, err := c.State()
	if err != nil {
		return err
	}
	if st.ItemSize != uint64(c.layout.itemSize) {
		return fmt.Errorf("%w: state has %d, type has %d", ErrItemSizeMismatch, st.ItemSize, c.layout.itemSize)
	}
	var total, pages uint64
	maxPages := c.pool.PageCount()
	prev := NilPage
	for pos := st.FrontPagePos; !pos.IsNil(); {
		if pages++; pages > maxPages {
			return fmt.Errorf("%w: cycle in page chain", ErrMalformedContainer)
		}
		pg, err := c.pool.Lock(pos)
		if err != nil {
			return err
		}
		b := pg.bytes()
		self, back, next, n := pagePosOf(b), prevPosOf(b), nextPosOf(b), c.layout.count(b)
		pg.Close()
		switch {
		case self != pos:
			return fmt.Errorf("%w: page %s records position %s", ErrMalformedContainer, pos, self)
		case back != prev:
			return fmt.Errorf("%w: page %s links back to %s, want %s", ErrMalformedContainer, pos, back, prev)
		case n == 0 || n > c.layout.capacity:
			return fmt.Errorf("%w: page %s holds %d items, capacity %d", ErrMalformedContainer, pos, n, c.layout.capacity)
		}
		total += uint64(n)
		prev, pos = pos, next
	}
	if prev != st.BackPagePos {
		return fmt.Errorf("%w: chain ends at %s, state says %s", ErrMalformedContainer, prev, st.BackPagePos)
	}
	if total != st.TotalItemCount {
		return fmt.Errorf("%w: pages hold %d items, state says %d", ErrMalformedContainer, total, st.TotalItemCount)
	}
	return nil
}
