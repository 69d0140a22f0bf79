package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// --- Test Helpers ---

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "store.vmem")
	cfg.PageSize = 1024
	cfg.MaxMappedPages = 32
	cfg.Mapping = "file"
	cfg.LockTimeout = 2 * time.Second
	return cfg
}

func openTestStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	s, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fill(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		_, err := s.Put(ctx, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
}

func scanKeys(t *testing.T, s *Store, from, to string, limit int) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.Scan(context.Background(), from, to, limit, func(k, _ string) bool {
		out = append(out, k)
		return true
	}))
	return out
}

// --- Test Cases ---

func TestStore_BasicOperations(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	inserted, err := s.Put(ctx, "alpha", "1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Insert(ctx, "alpha", "2")
	require.NoError(t, err)
	assert.False(t, inserted, "Insert leaves an existing key alone")

	v, found, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", v)

	inserted, err = s.Put(ctx, "alpha", "3")
	require.NoError(t, err)
	assert.False(t, inserted)
	v, _, err = s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	_, found, err = s.Get(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err := s.Delete(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_RejectsBadRecords(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	_, err := s.Put(ctx, strings.Repeat("k", MaxKeyLen+1), "v")
	require.ErrorIs(t, err, ErrKeyTooLong)
	_, err = s.Put(ctx, "", "v")
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = s.Insert(ctx, "k", strings.Repeat("v", MaxValueLen+1))
	require.ErrorIs(t, err, ErrValueTooLong)

	_, err = s.Put(ctx, strings.Repeat("k", MaxKeyLen), strings.Repeat("v", MaxValueLen))
	require.NoError(t, err, "keys and values at the size limit fit")
}

func TestStore_Scan(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	fill(t, s, 100)

	all := scanKeys(t, s, "", "", 0)
	require.Len(t, all, 100)
	assert.Equal(t, "k000", all[0])
	assert.Equal(t, "k099", all[99])

	assert.Equal(t, []string{"k010", "k011", "k012"}, scanKeys(t, s, "k010", "k013", 0))
	assert.Equal(t, []string{"k000", "k001"}, scanKeys(t, s, "", "", 2))
	assert.Equal(t, []string{"k095", "k096", "k097", "k098", "k099"}, scanKeys(t, s, "k0945", "", 0))
	assert.Empty(t, scanKeys(t, s, "z", "", 0))

	var seen int
	require.NoError(t, s.Scan(context.Background(), "", "", 0, func(_, _ string) bool {
		seen++
		return seen < 7
	}))
	assert.Equal(t, 7, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Scan(ctx, "", "", 0, func(_, _ string) bool { return true })
	require.Error(t, err)
}

func TestStore_ReopenKeepsDataAndID(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	id := s.ID()
	fill(t, s, 60)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, cfg)
	assert.Equal(t, id, s2.ID())
	v, found, err := s2.Get(context.Background(), "k042")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v42", v)
	require.NoError(t, s2.Check(context.Background()))

	stats, err := s2.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(60), stats.Entries)
	assert.Equal(t, id.String(), stats.ID)
	assert.Positive(t, stats.Height, "60 entries span several leaf pages")
	assert.Equal(t, cfg.PageSize, stats.Pool.PageSize)
}

func TestStore_ClosedStore(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Put(context.Background(), "a", "b")
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = s.Get(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestStore_LockTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockTimeout = 50 * time.Millisecond
	s := openTestStore(t, cfg)

	s.mu.Lock()
	_, _, err := s.Get(context.Background(), "a")
	s.mu.Unlock()
	require.ErrorIs(t, err, ErrLockTimeout)

	_, err = s.Put(context.Background(), "a", "b")
	require.NoError(t, err)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	const writers, perWriter = 8, 40
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := fmt.Sprintf("w%d-%03d", w, i)
				_, err := s.Put(ctx, key, key)
				assert.NoError(t, err)
				_, _, err = s.Get(ctx, key)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), n)
	require.NoError(t, s.Check(ctx))
}

func TestStore_Snapshot(t *testing.T) {
	cfg := testConfig(t)
	s := openTestStore(t, cfg)
	fill(t, s, 80)
	ctx := context.Background()

	dir := t.TempDir()
	info, err := s.Snapshot(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(info.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(info.Path), "snapshot-"))

	fi, err := os.Stat(info.Path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), info.Bytes)
	digest, err := FileDigest(info.Path)
	require.NoError(t, err)
	assert.Equal(t, digest, info.Digest)

	_, err = s.Snapshot(ctx, cfg.Path)
	require.Error(t, err, "a snapshot must not overwrite the store file")

	// The copy opens as a store of its own with the same identity and data.
	snapCfg := cfg
	snapCfg.Path = info.Path
	snap := openTestStore(t, snapCfg)
	assert.Equal(t, s.ID(), snap.ID())
	assert.Equal(t, scanKeys(t, s, "", "", 0), scanKeys(t, snap, "", "", 0))
	require.NoError(t, snap.Check(ctx))
}

func TestStore_ThrottledSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotRateBytesPerSec = 1 << 30
	s := openTestStore(t, cfg)
	fill(t, s, 10)

	dst := filepath.Join(t.TempDir(), "copy.vmem")
	info, err := s.Snapshot(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, dst, info.Path)
	assert.Positive(t, info.Bytes)
}

func TestStore_RecordsMetricsAndLogs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	core, logs := observer.New(zapcore.InfoLevel)
	s := openTestStore(t, testConfig(t),
		WithMeter(provider.Meter("store-test")),
		WithLogger(zap.New(core)),
	)
	fill(t, s, 5)
	_, _, err := s.Get(context.Background(), "k001")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var ops int64
	var sawPool bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "vmem.store.ops_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					ops += dp.Value
				}
			case "vmem.pool.pages.allocated_total", "vmem.pool.cache.hits_total":
				sawPool = true
			}
		}
	}
	assert.Equal(t, int64(6), ops)
	assert.True(t, sawPool, "the pool reports through the same meter")

	assert.NotEmpty(t, logs.FilterMessage("store opened").All())
}
