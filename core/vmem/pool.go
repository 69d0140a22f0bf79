package vmem

import (
	"context"
	"fmt"
	"os"
	"sync"

	internaltelemetry "github.com/sushant-115/gojovmem/internal/telemetry"
)

// mappedPage is a resident page of the backing file.
type mappedPage struct {
	pos       PagePos
	data      []byte
	lockCount uint32
	keepCount uint32
	dirty     bool
	// unmapped is set once data is handed back to the mapper. Handles
	// still pointing at the page must not touch data after that.
	unmapped bool
}

// PoolStats is a point-in-time view of the pool's bookkeeping.
type PoolStats struct {
	PageSize       int
	MaxMappedPages int
	FilePages      uint64
	FreePages      uint64
	ResidentPages  int
	LockedPages    int
	CacheHits      uint64
	CacheMisses    uint64
	Evictions      uint64
	Allocations    uint64
	Frees          uint64
	Mapping        string
}

type poolCounters struct {
	hits, misses, evictions, allocs, frees uint64
}

// Pool owns the backing file and every page mapped from it. It keeps at most
// maxMapped pages resident and evicts unlocked pages by keep count.
//
// The pool guards its own cache and free list, but the data inside pages is not
// synchronized: callers must serialize mutation of the structures built on it.
type Pool struct {
	mu      sync.Mutex // guards pages, numPages, counters and closed
	allocMu sync.Mutex // serializes free list updates

	path      string
	file      *os.File
	mapper    pageMapper
	pageSize  int
	maxMapped int
	numPages  uint64
	pages     []*mappedPage // loosely sorted by descending keepCount
	zeroPage  []byte
	closed    bool

	sink    LogSink
	metrics *internaltelemetry.PoolMetrics
	stats   poolCounters
}

// Open opens the pool file at path, creating and formatting it when it does
// not exist or is empty.
func Open(path string, opts ...Option) (*Pool, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening pool file %s: %v", ErrIO, path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat pool file %s: %v", ErrIO, path, err)
	}

	p := &Pool{
		path:      path,
		file:      file,
		pageSize:  o.pageSize,
		maxMapped: o.maxMappedPages,
		pages:     make([]*mappedPage, 0, o.maxMappedPages),
		zeroPage:  make([]byte, o.pageSize),
		sink:      o.sink,
	}

	if info.Size() == 0 {
		p.Logf(CategoryPool, SeverityImportant, 0x10001, "creating pool file %s with page size %d", path, p.pageSize)
		err = p.format()
	} else {
		err = p.verify(info.Size())
	}
	if err != nil {
		p.Logf(CategoryPool, SeverityCritical, 0x10002, "pool file %s rejected: %v", path, err)
		file.Close()
		return nil, err
	}

	if p.mapper, err = newMapper(file, p.pageSize, o.mapping); err != nil {
		file.Close()
		return nil, err
	}
	if p.metrics, err = internaltelemetry.NewPoolMetrics(o.meter); err != nil {
		file.Close()
		return nil, fmt.Errorf("registering pool metrics: %w", err)
	}

	// The start page must be loadable before anything is built on it.
	if err := p.touch(StartPage); err != nil {
		p.closeFile()
		return nil, fmt.Errorf("%w: start page: %v", ErrCorruption, err)
	}
	if _, _, err := p.freeList().check(p.numPages); err != nil {
		p.Logf(CategoryPool, SeverityCritical, 0x10003, "free page list of %s is malformed: %v", path, err)
		p.closeFile()
		return nil, err
	}

	p.Logf(CategoryPool, SeverityOptional, 0x10004, "opened pool %s: %d pages, mapping %s, max mapped %d",
		path, p.numPages, p.mapper.name(), p.maxMapped)
	return p, nil
}

func (p *Pool) touch(pos PagePos) error {
	if _, err := p.lockPage(pos); err != nil {
		return err
	}
	return p.unlockPage(pos)
}

// Logf forwards a diagnostic to the configured sink, if any.
func (p *Pool) Logf(category Category, severity Severity, tag Tag, format string, args ...any) {
	if p == nil || p.sink == nil {
		return
	}
	p.sink.Logf(category, severity, tag, format, args...)
}

// PageSize returns the size in bytes of every page in the file.
func (p *Pool) PageSize() int { return p.pageSize }

// Path returns the file the pool was opened on.
func (p *Pool) Path() string { return p.path }

// PageCount returns the number of pages in the file, including free ones.
func (p *Pool) PageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numPages
}

// MaxMappedPages returns the cache bound set by WithMaxMappedPages.
func (p *Pool) MaxMappedPages() int { return p.maxMapped }

// lockPage pins pos in memory. A resident page is a cache hit; otherwise the
// page is mapped, evicting unlocked pages first when the cache is full.
func (p *Pool) lockPage(pos PagePos) (*mappedPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	for i, mp := range p.pages {
		if mp.pos != pos {
			continue
		}
		mp.lockCount++
		mp.keepCount++
		if i > 0 && p.pages[i-1].keepCount < mp.keepCount {
			p.pages[i-1], p.pages[i] = p.pages[i], p.pages[i-1]
		}
		p.stats.hits++
		p.metrics.CacheHitsCounter.Add(context.Background(), 1)
		return mp, nil
	}

	if uint64(pos) >= p.numPages {
		return nil, fmt.Errorf("%w: page %s, file has %d pages", ErrPageOutOfRange, pos, p.numPages)
	}

	if len(p.pages) >= p.maxMapped {
		p.evictLocked()
		if len(p.pages) >= p.maxMapped {
			p.Logf(CategoryPool, SeverityImportant, 0x10010, "cannot map page %s: all %d resident pages are locked", pos, len(p.pages))
			return nil, fmt.Errorf("%w: mapping page %s", ErrBufferPoolFull, pos)
		}
	}

	data, err := p.mapper.mapPage(pos)
	if err != nil {
		p.Logf(CategoryPool, SeverityCritical, 0x10011, "mapping page %s failed: %v", pos, err)
		return nil, err
	}
	mp := &mappedPage{pos: pos, data: data, lockCount: 1, keepCount: 1}
	p.pages = append(p.pages, mp)
	p.stats.misses++
	p.metrics.CacheMissesCounter.Add(context.Background(), 1)
	p.metrics.ResidentPagesUpDown.Add(context.Background(), 1)
	p.Logf(CategoryPool, SeverityDebug, 0x10012, "mapped page %s (%d resident)", pos, len(p.pages))
	return mp, nil
}

// reserve makes sure one more page can be mapped, evicting if needed.
func (p *Pool) reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if len(p.pages) < p.maxMapped {
		return nil
	}
	p.evictLocked()
	if len(p.pages) >= p.maxMapped {
		return fmt.Errorf("%w: no slot for a new page", ErrBufferPoolFull)
	}
	return nil
}

// live reports whether mp is still mapped.
func (p *Pool) live(mp *mappedPage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !mp.unmapped
}

// unlockPage releases one lock on pos. When the last lock is released the page
// is written back without waiting.
func (p *Pool) unlockPage(pos PagePos) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, mp := range p.pages {
		if mp.pos != pos {
			continue
		}
		if mp.lockCount == 0 {
			return fmt.Errorf("%w: page %s", ErrPageNotLocked, pos)
		}
		mp.lockCount--
		if mp.lockCount == 0 && mp.dirty {
			if err := p.mapper.flushPage(mp.pos, mp.data, false); err != nil {
				p.Logf(CategoryPool, SeverityImportant, 0x10020, "flushing page %s failed: %v", pos, err)
				return err
			}
			mp.dirty = false
		}
		return nil
	}
	p.Logf(CategoryPool, SeverityCritical, 0x10021, "unlock of page %s which is not resident", pos)
	return fmt.Errorf("%w: page %s", ErrPageNotFound, pos)
}

func (p *Pool) markDirty(mp *mappedPage) {
	p.mu.Lock()
	mp.dirty = true
	p.mu.Unlock()
}

// evictLocked unmaps unlocked pages whose keep count is at or below the
// average. When none qualifies every unlocked page goes. Caller holds p.mu.
func (p *Pool) evictLocked() {
	var total uint64
	for _, mp := range p.pages {
		total += uint64(mp.keepCount)
	}
	if len(p.pages) == 0 {
		return
	}
	avg := total / uint64(len(p.pages))
	if p.evictPass(avg) == 0 {
		p.evictPass(total + 1)
	}
}

func (p *Pool) evictPass(threshold uint64) int {
	evicted := 0
	kept := p.pages[:0]
	for _, mp := range p.pages {
		if mp.lockCount == 0 && uint64(mp.keepCount) <= threshold {
			if err := p.mapper.unmapPage(mp.pos, mp.data, mp.dirty); err != nil {
				p.Logf(CategoryPool, SeverityImportant, 0x10030, "unmapping page %s failed, keeping it: %v", mp.pos, err)
				kept = append(kept, mp)
				continue
			}
			mp.unmapped = true
			evicted++
			continue
		}
		if uint64(mp.keepCount) > threshold {
			mp.keepCount -= uint32(threshold)
		} else {
			mp.keepCount = 0
		}
		kept = append(kept, mp)
	}
	for i := len(kept); i < len(p.pages); i++ {
		p.pages[i] = nil
	}
	p.pages = kept
	if evicted > 0 {
		p.stats.evictions += uint64(evicted)
		p.metrics.EvictionsCounter.Add(context.Background(), int64(evicted))
		p.metrics.ResidentPagesUpDown.Add(context.Background(), -int64(evicted))
		p.Logf(CategoryPool, SeverityDebug, 0x10031, "evicted %d pages at keep threshold %d", evicted, threshold)
	}
	return evicted
}

// AllocPage returns a page that is not in use: a recycled page from the free
// list when there is one, otherwise a new zeroed page at the end of the file.
func (p *Pool) AllocPage() (PagePos, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	pos, err := p.freeList().popRecycled()
	if err != nil {
		return NilPage, err
	}
	if pos.IsNil() {
		if pos, err = p.extend(); err != nil {
			return NilPage, err
		}
	}

	p.mu.Lock()
	p.stats.allocs++
	p.mu.Unlock()
	p.metrics.PageAllocationsCounter.Add(context.Background(), 1)
	p.Logf(CategoryPool, SeverityDebug, 0x10040, "allocated page %s", pos)
	return pos, nil
}

func (p *Pool) extend() (PagePos, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return NilPage, ErrPoolClosed
	}
	pos := PagePos(p.numPages)
	if _, err := p.file.WriteAt(p.zeroPage, int64(pos)*int64(p.pageSize)); err != nil {
		p.Logf(CategoryPool, SeverityImportant, 0x10041, "extending file to page %s failed: %v", pos, err)
		return NilPage, fmt.Errorf("%w: extending file to page %s: %v", ErrIO, pos, err)
	}
	p.numPages++
	return pos, nil
}

// FreePage returns pos to the free list. The file is never truncated.
func (p *Pool) FreePage(pos PagePos) error {
	if pos == RootPage || pos == StartPage || pos.IsNil() {
		return fmt.Errorf("%w: page %s is reserved", ErrPageOutOfRange, pos)
	}

	p.mu.Lock()
	if uint64(pos) >= p.numPages {
		p.mu.Unlock()
		return fmt.Errorf("%w: page %s, file has %d pages", ErrPageOutOfRange, pos, p.numPages)
	}
	for _, mp := range p.pages {
		if mp.pos == pos && mp.lockCount > 0 {
			p.mu.Unlock()
			return fmt.Errorf("%w: page %s has %d locks", ErrPagePinned, pos, mp.lockCount)
		}
	}
	p.mu.Unlock()

	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if err := p.freeList().pushRecycled(pos); err != nil {
		return err
	}

	p.mu.Lock()
	p.stats.frees++
	p.mu.Unlock()
	p.metrics.PageFreesCounter.Add(context.Background(), 1)
	p.Logf(CategoryPool, SeverityDebug, 0x10050, "freed page %s", pos)
	return nil
}

// freeList is the list of recycled pages kept in the root page.
func (p *Pool) freeList() *Linked {
	return newLinked(p, Ref{Page: RootPage, Offset: freeListOffset})
}

// Flush synchronously writes every dirty resident page and syncs the file.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.flushLocked()
}

func (p *Pool) flushLocked() error {
	for _, mp := range p.pages {
		if err := p.mapper.flushPage(mp.pos, mp.data, true); err != nil {
			return err
		}
		mp.dirty = false
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrIO, p.path, err)
	}
	return nil
}

// Close flushes and unmaps every page and closes the file. Pages still locked
// by open handles are reported and unmapped anyway; those handles then fail
// with ErrPoolClosed and their Close is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	err := p.flushLocked()
	for _, mp := range p.pages {
		if mp.lockCount > 0 {
			p.Logf(CategoryPool, SeverityImportant, 0x10060, "closing pool with page %s still locked %d times", mp.pos, mp.lockCount)
		}
		if uerr := p.mapper.unmapPage(mp.pos, mp.data, false); uerr != nil && err == nil {
			err = uerr
		}
		mp.unmapped = true
	}
	p.metrics.ResidentPagesUpDown.Add(context.Background(), -int64(len(p.pages)))
	p.pages = nil
	p.closed = true
	if cerr := p.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: closing %s: %v", ErrIO, p.path, cerr)
	}
	p.Logf(CategoryPool, SeverityOptional, 0x10061, "closed pool %s", p.path)
	return err
}

func (p *Pool) closeFile() {
	p.mu.Lock()
	for _, mp := range p.pages {
		_ = p.mapper.unmapPage(mp.pos, mp.data, false)
		mp.unmapped = true
	}
	p.pages = nil
	p.closed = true
	p.mu.Unlock()
	p.file.Close()
}

// Stats returns the current cache and file counters. FreePages walks the free
// list and therefore locks root-owned pages.
func (p *Pool) Stats() (PoolStats, error) {
	p.allocMu.Lock()
	items, pages, err := p.freeList().check(p.PageCount())
	p.allocMu.Unlock()
	if err != nil {
		return PoolStats{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		PageSize:       p.pageSize,
		MaxMappedPages: p.maxMapped,
		FilePages:      p.numPages,
		FreePages:      items + pages,
		ResidentPages:  len(p.pages),
		CacheHits:      p.stats.hits,
		CacheMisses:    p.stats.misses,
		Evictions:      p.stats.evictions,
		Allocations:    p.stats.allocs,
		Frees:          p.stats.frees,
		Mapping:        p.mapper.name(),
	}
	for _, mp := range p.pages {
		if mp.lockCount > 0 {
			s.LockedPages++
		}
	}
	return s, nil
}

// residentCount is used by tests to check the cache bound.
func (p *Pool) residentCount() (resident, locked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mp := range p.pages {
		if mp.lockCount > 0 {
			locked++
		}
	}
	return len(p.pages), locked
}
