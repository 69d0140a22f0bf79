package vmem

import (
	"fmt"
)

// Page is a lock on one page of a Pool. The page stays resident until Close.
// A Page must not be copied; use Clone for a second independent lock.
type Page struct {
	pool *Pool
	pos  PagePos
	mp   *mappedPage
}

// NewPage locks pos. When pos is NilPage a fresh page is allocated, locked and
// zeroed.
func NewPage(pool *Pool, pos PagePos) (*Page, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	if pos.IsNil() {
		return pool.newPage()
	}
	return pool.Lock(pos)
}

// Lock returns a handle pinning pos.
func (p *Pool) Lock(pos PagePos) (*Page, error) {
	mp, err := p.lockPage(pos)
	if err != nil {
		return nil, err
	}
	return &Page{pool: p, pos: pos, mp: mp}, nil
}

func (p *Pool) newPage() (*Page, error) {
	if err := p.reserve(); err != nil {
		return nil, err
	}
	pos, err := p.AllocPage()
	if err != nil {
		return nil, err
	}
	pg, err := p.Lock(pos)
	if err != nil {
		if ferr := p.FreePage(pos); ferr != nil {
			p.Logf(CategoryPage, SeverityCritical, 0x20001, "leaking page %s after failed lock: %v", pos, ferr)
		}
		return nil, err
	}
	pg.zero()
	return pg, nil
}

func (pg *Page) Pos() PagePos {
	if pg == nil {
		return NilPage
	}
	return pg.pos
}

// Valid reports whether the handle still holds its lock on a mapped page.
func (pg *Page) Valid() bool { return pg.check() == nil }

func (pg *Page) check() error {
	if pg == nil || pg.mp == nil {
		return ErrInvalidHandle
	}
	if !pg.pool.live(pg.mp) {
		return fmt.Errorf("%w: page %s was unmapped", ErrPoolClosed, pg.pos)
	}
	return nil
}

// Close releases the lock. Closing an already closed handle, or one whose
// pool is closed, is a no-op.
func (pg *Page) Close() error {
	if pg == nil || pg.mp == nil {
		return nil
	}
	mp := pg.mp
	pg.mp = nil
	if !pg.pool.live(mp) {
		return nil
	}
	return pg.pool.unlockPage(pg.pos)
}

// Clone takes another lock on the same page.
func (pg *Page) Clone() (*Page, error) {
	if !pg.Valid() {
		return nil, ErrInvalidHandle
	}
	return pg.pool.Lock(pg.pos)
}

// Move transfers the lock to a new handle and invalidates pg.
func (pg *Page) Move() *Page {
	if !pg.Valid() {
		return &Page{pool: pg.pool, pos: NilPage}
	}
	moved := &Page{pool: pg.pool, pos: pg.pos, mp: pg.mp}
	pg.mp = nil
	return moved
}

// Free releases the lock and returns the page to the pool's free list.
func (pg *Page) Free() error {
	if !pg.Valid() {
		return ErrInvalidHandle
	}
	if err := pg.Close(); err != nil {
		return err
	}
	return pg.pool.FreePage(pg.pos)
}

// Read calls fn with the page bytes. fn must not retain the slice.
func (pg *Page) Read(fn func(b []byte) error) error {
	if err := pg.check(); err != nil {
		return err
	}
	return fn(pg.mp.data)
}

// Write calls fn with the page bytes and marks the page dirty.
func (pg *Page) Write(fn func(b []byte) error) error {
	if err := pg.check(); err != nil {
		return err
	}
	pg.pool.markDirty(pg.mp)
	return fn(pg.mp.data)
}

// bytes exposes the page memory to the structures in this package, which
// only touch it while pg is open.
func (pg *Page) bytes() []byte {
	if err := pg.check(); err != nil {
		panic(fmt.Sprintf("vmem: page handle %s: %v", pg.Pos(), err))
	}
	return pg.mp.data
}

func (pg *Page) dirty() []byte {
	b := pg.bytes()
	pg.pool.markDirty(pg.mp)
	return b
}

func (pg *Page) zero() {
	clear(pg.dirty())
}

// Pointer is a typed view of a fixed-size value at a Ref. It holds a lock on
// the page until Close.
type Pointer[T any] struct {
	page   *Page
	offset int
	size   int
}

// NewPointer locks ref's page and checks that a T fits at ref's offset.
func NewPointer[T any](pool *Pool, ref Ref) (*Pointer[T], error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	size := sizeOf[T]()
	if size <= 0 {
		var zero T
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueType, zero)
	}
	if ref.Offset < 0 || ref.Offset+size > pool.PageSize() {
		return nil, fmt.Errorf("%w: %d bytes at offset %d do not fit a %d byte page", ErrPageOutOfRange, size, ref.Offset, pool.PageSize())
	}
	pg, err := pool.Lock(ref.Page)
	if err != nil {
		return nil, err
	}
	return &Pointer[T]{page: pg, offset: ref.Offset, size: size}, nil
}

func (ptr *Pointer[T]) Ref() Ref { return Ref{Page: ptr.page.Pos(), Offset: ptr.offset} }

func (ptr *Pointer[T]) Load() (T, error) {
	var v T
	if err := ptr.page.check(); err != nil {
		return v, err
	}
	return decodeItem[T](ptr.page.bytes()[ptr.offset : ptr.offset+ptr.size])
}

func (ptr *Pointer[T]) Store(v T) error {
	if err := ptr.page.check(); err != nil {
		return err
	}
	return encodeItem(ptr.page.dirty()[ptr.offset:ptr.offset+ptr.size], v)
}

// Update loads the value, lets fn modify it and stores it back unless fn fails.
func (ptr *Pointer[T]) Update(fn func(v *T) error) error {
	v, err := ptr.Load()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return ptr.Store(v)
}

func (ptr *Pointer[T]) Close() error { return ptr.page.Close() }

// loadAt reads a T stored at ref without keeping the page locked.
func loadAt[T any](pool *Pool, ref Ref) (T, error) {
	ptr, err := NewPointer[T](pool, ref)
	if err != nil {
		var zero T
		return zero, err
	}
	defer ptr.Close()
	return ptr.Load()
}

func storeAt[T any](pool *Pool, ref Ref, v T) error {
	ptr, err := NewPointer[T](pool, ref)
	if err != nil {
		return err
	}
	if err := ptr.Store(v); err != nil {
		ptr.Close()
		return err
	}
	return ptr.Close()
}

// lockPair locks a and b into ps, skipping NilPage. The handles come back
// nil for skipped positions.
func lockPair(pool *Pool, ps *pins, a, b PagePos) (pa, pb *Page, err error) {
	if !a.IsNil() {
		if pa, err = ps.lock(pool, a); err != nil {
			return nil, nil, err
		}
	}
	if !b.IsNil() {
		if pb, err = ps.lock(pool, b); err != nil {
			return nil, nil, err
		}
	}
	return pa, pb, nil
}

// pins collects page handles so that a multi-page operation can release
// them all on return.
type pins []*Page

func (ps *pins) lock(pool *Pool, pos PagePos) (*Page, error) {
	pg, err := pool.Lock(pos)
	if err != nil {
		return nil, err
	}
	*ps = append(*ps, pg)
	return pg, nil
}

func (ps *pins) add(pg *Page) { *ps = append(*ps, pg) }

func (ps *pins) release() {
	for _, pg := range *ps {
		if err := pg.Close(); err != nil {
			pg.pool.Logf(CategoryPage, SeverityCritical, 0x20010, "releasing page %s: %v", pg.pos, err)
		}
	}
}
