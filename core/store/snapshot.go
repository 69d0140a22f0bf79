package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chunkSize is the size of each read/write chunk of a snapshot copy.
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// SnapshotInfo describes a finished snapshot.
type SnapshotInfo struct {
	Path     string
	Bytes    int64
	Digest   string
	Duration time.Duration
}

// Snapshot flushes the pool and copies the store file to dst. When dst is an
// existing directory the copy is named snapshot-<uuid>.vmem inside it.
// Writers are blocked for the duration of the copy.
func (s *Store) Snapshot(ctx context.Context, dst string) (info SnapshotInfo, err error) {
	ctx, span, start := s.startOp(ctx, "snapshot")
	defer func() { s.endOp(ctx, span, start, "snapshot", err) }()

	if fi, statErr := os.Stat(dst); statErr == nil && fi.IsDir() {
		dst = filepath.Join(dst, fmt.Sprintf("snapshot-%s.vmem", uuid.NewString()))
	}
	if filepath.Clean(dst) == filepath.Clean(s.cfg.Path) {
		return info, fmt.Errorf("snapshot destination %s is the store file", dst)
	}

	if err = s.acquire(ctx, false); err != nil {
		return info, err
	}
	defer s.release(false)

	if err = s.pool.Flush(); err != nil {
		return info, fmt.Errorf("flushing before snapshot: %w", err)
	}
	n, sum, err := copyThrottled(ctx, s.cfg.Path, dst, s.cfg.SnapshotRateBytesPerSec)
	if err != nil {
		_ = os.Remove(dst)
		return info, err
	}
	info = SnapshotInfo{Path: dst, Bytes: n, Digest: hex.EncodeToString(sum), Duration: time.Since(start)}
	s.logger.Info("snapshot written",
		zap.String("path", dst),
		zap.Int64("bytes", n),
		zap.String("blake3", info.Digest),
		zap.Duration("duration", info.Duration),
	)
	return info, nil
}

// copyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// and returns the byte count and the blake3 digest of what was written.
func copyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (int64, []byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	digest := blake3.New()
	var off int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return off, nil, fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return off, nil, fmt.Errorf("write: %w", err)
			}
			_, _ = digest.Write(buf[:n])
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return off, nil, fmt.Errorf("read: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return off, nil, err
		}
	}
	if err := dst.Sync(); err != nil {
		return off, nil, fmt.Errorf("sync: %w", err)
	}
	return off, digest.Sum(nil), nil
}

// FileDigest returns the hex blake3 digest of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
