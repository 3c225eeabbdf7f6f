package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
)

// diskReserve is kept free for system operations; writes that would dip
// below it fail with Exhausted.
const diskReserve = 1 << 30 // 1GB

// BlobStore persists staging chunks and assembled final objects under a
// single upload directory:
//
//	<dir>/chunks/<handle>-<index>   staging
//	<dir>/final/<sanitized-name>    assembled objects
type BlobStore struct {
	chunkDir string
	finalDir string

	// usage is swappable for tests; defaults to gopsutil disk.Usage.
	usage func(path string) (*disk.UsageStat, error)
}

// NewBlobStore creates the staging and final namespaces under dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	s := &BlobStore{
		chunkDir: filepath.Join(dir, "chunks"),
		finalDir: filepath.Join(dir, "final"),
		usage:    disk.Usage,
	}
	for _, d := range []string{s.chunkDir, s.finalDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating blob directory %s: %w", d, err)
		}
	}
	return s, nil
}

// ChunkPath returns the deterministic staging path for (handle, index).
func (s *BlobStore) ChunkPath(handle string, index int) string {
	return filepath.Join(s.chunkDir, fmt.Sprintf("%s-%d", handle, index))
}

// FinalDir returns the final namespace directory.
func (s *BlobStore) FinalDir() string {
	return s.finalDir
}

// checkSpace fails with Exhausted when a write of the given size would
// leave less than the reserve free. Probe errors are tolerated; the write
// fails naturally if space truly runs out.
func (s *BlobStore) checkSpace(required int64) error {
	stat, err := s.usage(s.chunkDir)
	if err != nil {
		logging.Debug("Disk usage probe failed", zap.Error(err))
		return nil
	}
	if int64(stat.Free)-required < diskReserve {
		return newError(KindExhausted, "insufficient disk space: need %d bytes, %d free", required, stat.Free)
	}
	return nil
}

// WriteChunk streams at most limit bytes from r into the staging file for
// (handle, index) and flushes it before acknowledging. Concurrent writers
// for the same pair resolve via atomic rename: exactly one staging file
// survives, last writer wins.
func (s *BlobStore) WriteChunk(ctx context.Context, handle string, index int, r io.Reader, limit int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapError(KindCancelled, err, "chunk %d of %s", index, handle)
	}
	if err := s.checkSpace(limit); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.chunkDir, "chunk-*.tmp")
	if err != nil {
		return 0, wrapError(KindIOFailure, err, "creating staging file for chunk %d of %s", index, handle)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, io.LimitReader(r, limit))
	if err != nil {
		discard()
		if ctx.Err() != nil {
			return 0, wrapError(KindCancelled, ctx.Err(), "chunk %d of %s", index, handle)
		}
		return 0, wrapError(KindIOFailure, err, "writing chunk %d of %s", index, handle)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return 0, wrapError(KindIOFailure, err, "syncing chunk %d of %s", index, handle)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return 0, wrapError(KindIOFailure, err, "closing chunk %d of %s", index, handle)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpName)
		return 0, wrapError(KindCancelled, err, "chunk %d of %s", index, handle)
	}
	if err := os.Rename(tmpName, s.ChunkPath(handle, index)); err != nil {
		_ = os.Remove(tmpName)
		return 0, wrapError(KindIOFailure, err, "publishing chunk %d of %s", index, handle)
	}
	return n, nil
}

// ReadChunk returns the persisted payload for (handle, index).
func (s *BlobStore) ReadChunk(handle string, index int) ([]byte, error) {
	data, err := os.ReadFile(s.ChunkPath(handle, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "chunk %d of %s not staged", index, handle)
		}
		return nil, wrapError(KindIOFailure, err, "reading chunk %d of %s", index, handle)
	}
	return data, nil
}

// ChunkSize returns the on-disk size of a staged chunk.
func (s *BlobStore) ChunkSize(handle string, index int) (int64, error) {
	fi, err := os.Stat(s.ChunkPath(handle, index))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, newError(KindNotFound, "chunk %d of %s not staged", index, handle)
		}
		return 0, wrapError(KindIOFailure, err, "stat chunk %d of %s", index, handle)
	}
	return fi.Size(), nil
}

// Assemble concatenates chunks 0..total-1 in ascending order into a temp
// file in the final namespace, then atomically renames it to a unique
// sanitized name. At most one chunk is buffered in memory at a time.
// Partial assembly is never visible under the final name.
func (s *BlobStore) Assemble(ctx context.Context, handle string, total int, outName string) (string, int64, error) {
	tmp, err := os.CreateTemp(s.finalDir, "assembly-*.tmp")
	if err != nil {
		return "", 0, wrapError(KindIOFailure, err, "creating assembly file for %s", handle)
	}
	tmpName := tmp.Name()
	abort := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	var size int64
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			abort()
			return "", 0, wrapError(KindCancelled, err, "assembling %s", handle)
		}
		data, err := s.ReadChunk(handle, i)
		if err != nil {
			abort()
			return "", 0, err
		}
		n, err := tmp.Write(data)
		if err != nil {
			abort()
			return "", 0, wrapError(KindIOFailure, err, "appending chunk %d of %s", i, handle)
		}
		size += int64(n)
	}

	if err := tmp.Sync(); err != nil {
		abort()
		return "", 0, wrapError(KindIOFailure, err, "syncing assembly of %s", handle)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, wrapError(KindIOFailure, err, "closing assembly of %s", handle)
	}

	outPath := FindUniqueFileName(s.finalDir, outName)
	if err := os.Rename(tmpName, outPath); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, wrapError(KindIOFailure, err, "publishing final object for %s", handle)
	}
	s.syncDir(s.finalDir)
	return outPath, size, nil
}

// syncDir flushes directory metadata so a rename survives a crash.
func (s *BlobStore) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// DeleteSessionArtifacts removes staging chunks first, then the final
// object when finalPath is non-empty. Failures are logged, not returned:
// artifact cleanup never blocks registry state changes.
func (s *BlobStore) DeleteSessionArtifacts(handle string, total int, finalPath string) {
	for i := 0; i < total; i++ {
		path := s.ChunkPath(handle, i)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove staging chunk", zap.String("path", path), zap.Error(err))
		}
	}
	if finalPath != "" {
		// Refuse anything outside the final namespace.
		if filepath.Dir(finalPath) != s.finalDir {
			logging.Warn("Refusing to remove final object outside namespace", zap.String("path", finalPath))
			return
		}
		if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove final object", zap.String("path", finalPath), zap.Error(err))
		}
	}
}
