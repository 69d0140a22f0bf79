// Package store bundles a vmem pool with a string keyed map and serializes
// access to it for concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojovmem/core/indexing/vmap"
	"github.com/sushant-115/gojovmem/core/vmem"
	internaltelemetry "github.com/sushant-115/gojovmem/internal/telemetry"
	lock "github.com/viney-shih/go-lock"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	ErrLockTimeout = errors.New("timed out waiting for the store lock")
	ErrClosed      = errors.New("store is closed")
)

// Config holds the store settings loaded from the storage section of the
// config file.
type Config struct {
	Path           string `yaml:"path"`
	PageSize       int    `yaml:"page_size"`
	MaxMappedPages int    `yaml:"max_mapped_pages"`
	// Mapping is "auto", "mmap" or "file".
	Mapping     string        `yaml:"mapping"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// SnapshotRateBytesPerSec throttles snapshot copies; 0 disables the limit.
	SnapshotRateBytesPerSec int64 `yaml:"snapshot_rate_bytes_per_sec"`
}

func DefaultConfig() Config {
	return Config{
		Path:           "gojovmem.db",
		PageSize:       vmem.DefaultPageSize,
		MaxMappedPages: vmem.DefaultMaxMappedPages,
		Mapping:        vmem.MappingAuto.String(),
		LockTimeout:    5 * time.Second,
	}
}

// header is persisted on the start page right after the map state.
type header struct {
	ID        [16]byte
	CreatedAt int64
}

var headerRef = vmem.StartRef(vmap.StateSize)

type options struct {
	logger *zap.Logger
	sink   vmem.LogSink
	meter  metric.Meter
	tracer trace.Tracer
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogSink overrides the sink the pool logs to, which defaults to the
// store's zap logger.
func WithLogSink(sink vmem.LogSink) Option {
	return func(o *options) { o.sink = sink }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// Store is a persistent string map. All methods are safe for concurrent use.
type Store struct {
	id      uuid.UUID
	cfg     Config
	pool    *vmem.Pool
	m       *vmap.Map[Key, Value]
	mu      lock.RWMutex
	closed  bool
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.StoreMetrics
}

// Open opens or creates the store file named by cfg.Path.
func Open(cfg Config, opts ...Option) (*Store, error) {
	o := options{
		logger: zap.NewNop(),
		meter:  noop.NewMeterProvider().Meter(""),
		tracer: nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		o.sink = vmem.NewZapSink(o.logger.Named("vmem"))
	}

	mapping, err := vmem.ParseMapping(cfg.Mapping)
	if err != nil {
		return nil, err
	}
	pool, err := vmem.Open(cfg.Path,
		vmem.WithPageSize(cfg.PageSize),
		vmem.WithMaxMappedPages(cfg.MaxMappedPages),
		vmem.WithMapping(mapping),
		vmem.WithLogSink(o.sink),
		vmem.WithMeter(o.meter),
	)
	if err != nil {
		return nil, fmt.Errorf("opening pool %s: %w", cfg.Path, err)
	}

	m, err := vmap.New[Key, Value](pool, vmem.StartRef(0), CompareKeys)
	if err != nil {
		pool.Close()
		return nil, err
	}
	id, err := loadOrCreateID(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	metrics, err := internaltelemetry.NewStoreMetrics(o.meter)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("registering store metrics: %w", err)
	}

	s := &Store{
		id:      id,
		cfg:     cfg,
		pool:    pool,
		m:       m,
		mu:      lock.NewCASMutex(),
		logger:  o.logger.With(zap.String("store_id", id.String())),
		tracer:  o.tracer,
		metrics: metrics,
	}
	s.logger.Info("store opened", zap.String("path", cfg.Path), zap.Uint64("pages", pool.PageCount()))
	return s, nil
}

func loadOrCreateID(pool *vmem.Pool) (uuid.UUID, error) {
	ptr, err := vmem.NewPointer[header](pool, headerRef)
	if err != nil {
		return uuid.Nil, err
	}
	defer ptr.Close()
	h, err := ptr.Load()
	if err != nil {
		return uuid.Nil, err
	}
	if id := uuid.UUID(h.ID); id != uuid.Nil {
		return id, nil
	}
	id := uuid.New()
	h = header{ID: id, CreatedAt: time.Now().Unix()}
	return id, ptr.Store(h)
}

func (s *Store) ID() uuid.UUID { return s.id }

func (s *Store) Path() string { return s.cfg.Path }

func (s *Store) lockCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LockTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.LockTimeout)
}

func (s *Store) acquire(ctx context.Context, write bool) error {
	lctx, cancel := s.lockCtx(ctx)
	defer cancel()
	var ok bool
	if write {
		ok = s.mu.TryLockWithContext(lctx)
	} else {
		ok = s.mu.RTryLockWithContext(lctx)
	}
	if !ok {
		s.metrics.LockTimeoutCount.Add(ctx, 1)
		return fmt.Errorf("%w after %s", ErrLockTimeout, s.cfg.LockTimeout)
	}
	if s.closed {
		s.release(write)
		return ErrClosed
	}
	return nil
}

func (s *Store) release(write bool) {
	if write {
		s.mu.Unlock()
	} else {
		s.mu.RUnlock()
	}
}

func (s *Store) startOp(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	s.metrics.ActiveOpsUpDown.Add(ctx, 1, metric.WithAttributes(attribute.String("vmem.op", op)))
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(
		attribute.String("vmem.op", op),
		attribute.String("vmem.store_id", s.id.String()),
	))
	return ctx, span, time.Now()
}

func (s *Store) endOp(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	code := otelcodes.Ok
	if err != nil {
		code = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	attrs := attribute.NewSet(attribute.String("vmem.op", op), attribute.String("vmem.code", code.String()))
	s.metrics.ActiveOpsUpDown.Add(ctx, -1, metric.WithAttributes(attribute.String("vmem.op", op)))
	s.metrics.OpLatency.Record(ctx, time.Since(start).Microseconds(), metric.WithAttributeSet(attrs))
	s.metrics.OpsCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
	if err != nil && vmem.IsCorruption(err) {
		s.logger.Error("store operation hit corruption", zap.String("op", op), zap.Error(err))
	}
}

// Put stores value under key, overwriting any previous value.
func (s *Store) Put(ctx context.Context, key, value string) (inserted bool, err error) {
	ctx, span, start := s.startOp(ctx, "put")
	defer func() { s.endOp(ctx, span, start, "put", err) }()

	k, err := MakeKey(key)
	if err != nil {
		return false, err
	}
	v, err := MakeValue(value)
	if err != nil {
		return false, err
	}
	if err = s.acquire(ctx, true); err != nil {
		return false, err
	}
	defer s.release(true)
	return s.m.Put(k, v)
}

// Insert stores value under key unless key is already present.
func (s *Store) Insert(ctx context.Context, key, value string) (inserted bool, err error) {
	ctx, span, start := s.startOp(ctx, "insert")
	defer func() { s.endOp(ctx, span, start, "insert", err) }()

	k, err := MakeKey(key)
	if err != nil {
		return false, err
	}
	v, err := MakeValue(value)
	if err != nil {
		return false, err
	}
	if err = s.acquire(ctx, true); err != nil {
		return false, err
	}
	defer s.release(true)
	_, inserted, err = s.m.Insert(k, v)
	return inserted, err
}

func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span, start := s.startOp(ctx, "get")
	defer func() { s.endOp(ctx, span, start, "get", err) }()

	k, err := MakeKey(key)
	if err != nil {
		return "", false, err
	}
	if err = s.acquire(ctx, false); err != nil {
		return "", false, err
	}
	defer s.release(false)
	v, found, err := s.m.Get(k)
	if err != nil || !found {
		return "", found, err
	}
	return v.String(), true, nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (deleted bool, err error) {
	ctx, span, start := s.startOp(ctx, "delete")
	defer func() { s.endOp(ctx, span, start, "delete", err) }()

	k, err := MakeKey(key)
	if err != nil {
		return false, err
	}
	if err = s.acquire(ctx, true); err != nil {
		return false, err
	}
	defer s.release(true)
	n, err := s.m.Erase(k)
	return n == 1, err
}

// Scan calls fn for keys in [from, to) in order. An empty from starts at the
// first key, an empty to runs to the last. limit <= 0 means no limit.
func (s *Store) Scan(ctx context.Context, from, to string, limit int, fn func(key, value string) bool) (err error) {
	ctx, span, start := s.startOp(ctx, "scan")
	defer func() { s.endOp(ctx, span, start, "scan", err) }()

	if err = s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.release(false)

	var upper *Key
	if to != "" {
		k, err := MakeKey(to)
		if err != nil {
			return err
		}
		upper = &k
	}
	seen := 0
	visit := func(k Key, v Value) bool {
		if upper != nil && CompareKeys(k, *upper) >= 0 {
			return false
		}
		if limit > 0 && seen >= limit {
			return false
		}
		seen++
		if ctx.Err() != nil {
			return false
		}
		return fn(k.String(), v.String())
	}
	if from == "" {
		err = s.m.Ascend(visit)
	} else {
		lo, kerr := MakeKey(from)
		if kerr != nil {
			return kerr
		}
		it, lerr := s.m.LowerBound(lo)
		if lerr != nil {
			return lerr
		}
		for it.Valid() {
			e, lerr := it.Entry()
			if lerr != nil {
				return lerr
			}
			if !visit(e.Key, e.Value) {
				break
			}
			if lerr := it.Next(); lerr != nil {
				return lerr
			}
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (s *Store) Len(ctx context.Context) (uint64, error) {
	if err := s.acquire(ctx, false); err != nil {
		return 0, err
	}
	defer s.release(false)
	return s.m.Len()
}

// Stats describes the store and its pool.
type Stats struct {
	ID      string
	Path    string
	Entries uint64
	Height  int
	Pool    vmem.PoolStats
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.acquire(ctx, false); err != nil {
		return Stats{}, err
	}
	defer s.release(false)

	st := Stats{ID: s.id.String(), Path: s.cfg.Path}
	var err error
	if st.Entries, err = s.m.Len(); err != nil {
		return st, err
	}
	if st.Height, err = s.m.Height(); err != nil {
		return st, err
	}
	st.Pool, err = s.pool.Stats()
	return st, err
}

// Check verifies the structure of the whole map.
func (s *Store) Check(ctx context.Context) (err error) {
	ctx, span, start := s.startOp(ctx, "check")
	defer func() { s.endOp(ctx, span, start, "check", err) }()

	if err = s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.release(false)
	return s.m.Check()
}

// Close flushes and closes the pool. Calls made after Close fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.pool.Close()
	s.logger.Info("store closed", zap.Error(err))
	return err
}
