package vmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

const testPageSize = 256

// openTestPool creates a pool in a temporary directory using the file mapper
// and small pages so that multi-page structures stay cheap to build.
func openTestPool(t *testing.T, opts ...Option) (*Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vmem")
	return openTestPoolAt(t, path, opts...), path
}

func openTestPoolAt(t *testing.T, path string, opts ...Option) *Pool {
	t.Helper()
	base := []Option{WithPageSize(testPageSize), WithMaxMappedPages(16), WithMapping(MappingFile)}
	p, err := Open(path, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func writeByte(t *testing.T, pool *Pool, pos PagePos, off int, v byte) {
	t.Helper()
	pg, err := pool.Lock(pos)
	require.NoError(t, err)
	require.NoError(t, pg.Write(func(b []byte) error { b[off] = v; return nil }))
	require.NoError(t, pg.Close())
}

func readByte(t *testing.T, pool *Pool, pos PagePos, off int) byte {
	t.Helper()
	pg, err := pool.Lock(pos)
	require.NoError(t, err)
	defer pg.Close()
	var v byte
	require.NoError(t, pg.Read(func(b []byte) error { v = b[off]; return nil }))
	return v
}

// --- Test Cases ---

func TestPool_CreateAndReopen(t *testing.T) {
	pool, path := openTestPool(t)
	require.Equal(t, uint64(2), pool.PageCount(), "a new file holds the root and start pages")
	require.Equal(t, testPageSize, pool.PageSize())

	pos, err := pool.AllocPage()
	require.NoError(t, err)
	require.Equal(t, PagePos(2), pos)
	writeByte(t, pool, pos, 100, 0xAB)
	writeByte(t, pool, StartPage, 0, 0x42)
	require.NoError(t, pool.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(3*testPageSize), info.Size())

	reopened := openTestPoolAt(t, path)
	require.Equal(t, uint64(3), reopened.PageCount())
	assert.Equal(t, byte(0xAB), readByte(t, reopened, pos, 100))
	assert.Equal(t, byte(0x42), readByte(t, reopened, StartPage, 0))
}

func TestPool_RejectsBadSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.vmem")
	garbage := make([]byte, 2*testPageSize)
	copy(garbage, "this is not a vmem file")
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err := Open(path, WithPageSize(testPageSize), WithMapping(MappingFile))
	require.ErrorIs(t, err, ErrBadSignature)
	assert.True(t, IsCorruption(err))
}

func TestPool_RejectsPageSizeMismatch(t *testing.T) {
	pool, path := openTestPool(t)
	require.NoError(t, pool.Close())

	_, err := Open(path, WithPageSize(2*testPageSize), WithMapping(MappingFile))
	require.ErrorIs(t, err, ErrPageSizeMismatch)
	assert.True(t, IsCorruption(err))
}

func TestPool_RejectsTruncatedFile(t *testing.T) {
	pool, path := openTestPool(t)
	require.NoError(t, pool.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, WithPageSize(testPageSize), WithMapping(MappingFile))
	require.ErrorIs(t, err, ErrCorruption)
}

func TestPool_InvalidOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.vmem")
	for name, opts := range map[string][]Option{
		"page size too small":  {WithPageSize(64)},
		"page size too large":  {WithPageSize(MaxPageSize * 2)},
		"page size unaligned":  {WithPageSize(testPageSize + 4)},
		"too few mapped pages": {WithMaxMappedPages(2)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(path, opts...)
			require.ErrorIs(t, err, ErrInvalidOption)
		})
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "rejected options must not create the file")
}

func TestPool_AllocReusesFreedPages(t *testing.T) {
	pool, _ := openTestPool(t)

	a, err := pool.AllocPage()
	require.NoError(t, err)
	b, err := pool.AllocPage()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, pool.FreePage(a))
	require.NoError(t, pool.FreePage(b))

	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.FreePages)
	assert.Equal(t, uint64(4), stats.FilePages)

	got := map[PagePos]bool{}
	for range 2 {
		pos, err := pool.AllocPage()
		require.NoError(t, err)
		got[pos] = true
	}
	assert.Equal(t, map[PagePos]bool{a: true, b: true}, got, "freed pages are handed out before the file grows")
	assert.Equal(t, uint64(4), pool.PageCount())

	c, err := pool.AllocPage()
	require.NoError(t, err)
	assert.Equal(t, PagePos(4), c)
	assert.Equal(t, uint64(5), pool.PageCount())
}

func TestPool_FreeListSurvivesReopen(t *testing.T) {
	pool, path := openTestPool(t)
	var freed []PagePos
	for range 40 {
		pos, err := pool.AllocPage()
		require.NoError(t, err)
		freed = append(freed, pos)
	}
	for _, pos := range freed {
		require.NoError(t, pool.FreePage(pos))
	}
	require.NoError(t, pool.Close())

	reopened := openTestPoolAt(t, path)
	stats, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(freed)), stats.FreePages)

	seen := map[PagePos]bool{}
	for range freed {
		pos, err := reopened.AllocPage()
		require.NoError(t, err)
		require.False(t, seen[pos], "page %s handed out twice", pos)
		seen[pos] = true
	}
	assert.Equal(t, uint64(len(freed)+2), reopened.PageCount(), "the file must not grow while free pages remain")
}

func TestPool_FreeRejectsReservedAndPinnedPages(t *testing.T) {
	pool, _ := openTestPool(t)

	require.ErrorIs(t, pool.FreePage(RootPage), ErrPageOutOfRange)
	require.ErrorIs(t, pool.FreePage(StartPage), ErrPageOutOfRange)
	require.ErrorIs(t, pool.FreePage(PagePos(99)), ErrPageOutOfRange)

	pg, err := NewPage(pool, NilPage)
	require.NoError(t, err)
	require.ErrorIs(t, pool.FreePage(pg.Pos()), ErrPagePinned)
	assert.True(t, IsLogic(pool.FreePage(pg.Pos())))
	require.NoError(t, pg.Free())
}

func TestPool_LockOutOfRange(t *testing.T) {
	pool, _ := openTestPool(t)
	_, err := pool.Lock(PagePos(100))
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestPool_UnlockErrors(t *testing.T) {
	pool, _ := openTestPool(t)

	// The start page is resident after Open but not locked.
	require.ErrorIs(t, pool.unlockPage(StartPage), ErrPageNotLocked)

	pos, err := pool.AllocPage()
	require.NoError(t, err)
	require.ErrorIs(t, pool.unlockPage(pos), ErrPageNotFound)
}

func TestPool_EvictionKeepsResidentPagesBounded(t *testing.T) {
	const maxMapped = 8
	pool, _ := openTestPool(t, WithMaxMappedPages(maxMapped))

	var positions []PagePos
	for i := range 30 {
		pg, err := NewPage(pool, NilPage)
		require.NoError(t, err)
		require.NoError(t, pg.Write(func(b []byte) error { b[testPageSize-1] = byte(i); return nil }))
		positions = append(positions, pg.Pos())
		require.NoError(t, pg.Close())

		resident, locked := pool.residentCount()
		require.LessOrEqual(t, resident, maxMapped)
		require.Zero(t, locked)
	}

	for i, pos := range positions {
		assert.Equal(t, byte(i), readByte(t, pool, pos, testPageSize-1), "page %s lost its data across eviction", pos)
	}
	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Positive(t, stats.Evictions)
	assert.Positive(t, stats.CacheMisses)
}

func TestPool_FullWhenEveryResidentPageIsLocked(t *testing.T) {
	const maxMapped = 8
	pool, _ := openTestPool(t, WithMaxMappedPages(maxMapped))

	var held []*Page
	for range maxMapped {
		pg, err := NewPage(pool, NilPage)
		require.NoError(t, err)
		held = append(held, pg)
	}
	resident, locked := pool.residentCount()
	require.Equal(t, maxMapped, resident)
	require.Equal(t, maxMapped, locked)

	_, err := pool.Lock(StartPage)
	require.ErrorIs(t, err, ErrBufferPoolFull)
	assert.True(t, IsExhausted(err))

	// Releasing one lock makes room again.
	require.NoError(t, held[0].Close())
	pg, err := pool.Lock(StartPage)
	require.NoError(t, err)
	require.NoError(t, pg.Close())

	for _, pg := range held[1:] {
		require.NoError(t, pg.Close())
	}
}

func TestPool_HitsAreCounted(t *testing.T) {
	pool, _ := openTestPool(t)
	before, err := pool.Stats()
	require.NoError(t, err)

	for range 5 {
		writeByte(t, pool, StartPage, 1, 1)
	}
	after, err := pool.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.CacheHits-before.CacheHits, uint64(5))
	assert.Equal(t, MappingFile.String(), after.Mapping)
	assert.Equal(t, 16, after.MaxMappedPages)
}

func TestPool_ClosedPoolRejectsUse(t *testing.T) {
	pool, _ := openTestPool(t)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close(), "Close is idempotent")

	_, err := pool.Lock(StartPage)
	require.ErrorIs(t, err, ErrPoolClosed)
	require.ErrorIs(t, pool.Flush(), ErrPoolClosed)
}

func TestPool_MmapMapping(t *testing.T) {
	pageSize := os.Getpagesize()
	if pageSize > MaxPageSize {
		t.Skipf("os page size %d exceeds the largest pool page", pageSize)
	}
	path := filepath.Join(t.TempDir(), "mmap.vmem")
	pool, err := Open(path, WithPageSize(pageSize), WithMapping(MappingMmap))
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	pos, err := pool.AllocPage()
	require.NoError(t, err)
	writeByte(t, pool, pos, 7, 0x77)
	require.NoError(t, pool.Flush())
	require.NoError(t, pool.Close())

	reopened, err := Open(path, WithPageSize(pageSize), WithMapping(MappingFile))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, byte(0x77), readByte(t, reopened, pos, 7))
}

func TestParseMapping(t *testing.T) {
	for in, want := range map[string]Mapping{"": MappingAuto, "auto": MappingAuto, "MMAP": MappingMmap, " file ": MappingFile} {
		got, err := ParseMapping(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}
	_, err := ParseMapping("swap")
	require.ErrorIs(t, err, ErrInvalidOption)
}
