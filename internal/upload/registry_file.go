package upload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peximo/stitch/internal/logging"
	"go.uber.org/zap"
)

// FileRegistry persists one JSON document per session under
// <dir>/<handle>.json. Every acknowledged mutation is on disk before the
// call returns: documents are written to a temp file, fsynced, and renamed
// into place, so a crash never leaves a torn record. Mutations for a handle
// are serialized across the memory update and the rename, so concurrent
// writers cannot publish documents out of order.
type FileRegistry struct {
	dir   string
	mem   *MemoryRegistry
	locks *keyedLocks
}

// NewFileRegistry opens (or creates) the registry directory and restores
// every persisted session into memory.
func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	r := &FileRegistry{dir: dir, mem: NewMemoryRegistry(), locks: newKeyedLocks()}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load restores all session documents from disk. Unreadable documents are
// logged and skipped rather than blocking startup.
func (r *FileRegistry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading registry directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("Skipping unreadable session document", zap.String("path", path), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.Warn("Skipping corrupt session document", zap.String("path", path), zap.Error(err))
			continue
		}
		if rec.Received == nil {
			rec.Received = NewBitmap(rec.Declared.TotalChunks)
		}
		if err := r.mem.Create(&rec); err != nil {
			logging.Warn("Skipping duplicate session document", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (r *FileRegistry) path(handle string) string {
	return filepath.Join(r.dir, handle+".json")
}

// persist writes the record durably: temp file, fsync, atomic rename.
func (r *FileRegistry) persist(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Handle, err)
	}
	tmp, err := os.CreateTemp(r.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing session document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing session document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing session document: %w", err)
	}
	if err := os.Rename(tmpName, r.path(rec.Handle)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publishing session document: %w", err)
	}
	return nil
}

func (r *FileRegistry) Create(rec *Record) error {
	unlock := r.locks.Lock(rec.Handle)
	defer unlock()
	if err := r.mem.Create(rec); err != nil {
		return err
	}
	if err := r.persist(rec); err != nil {
		_ = r.mem.Delete(rec.Handle)
		return wrapError(KindIOFailure, err, "persisting session %s", rec.Handle)
	}
	return nil
}

func (r *FileRegistry) Get(handle string) (*Record, error) {
	return r.mem.Get(handle)
}

func (r *FileRegistry) Update(handle string, mutate func(*Record) error) (*Record, error) {
	unlock := r.locks.Lock(handle)
	defer unlock()
	// Capture the pre-image so a failed persist can roll the memory view back.
	prev, err := r.mem.Get(handle)
	if err != nil {
		return nil, err
	}
	next, err := r.mem.Update(handle, mutate)
	if err != nil {
		return nil, err
	}
	if err := r.persist(next); err != nil {
		_, _ = r.mem.Update(handle, func(rec *Record) error {
			*rec = *prev.Clone()
			return nil
		})
		return nil, wrapError(KindIOFailure, err, "persisting session %s", handle)
	}
	return next, nil
}

func (r *FileRegistry) ScanLastActivityBefore(t time.Time) []*Record {
	return r.mem.ScanLastActivityBefore(t)
}

func (r *FileRegistry) ScanCompletedBefore(t time.Time) []*Record {
	return r.mem.ScanCompletedBefore(t)
}

func (r *FileRegistry) All() []*Record {
	return r.mem.All()
}

func (r *FileRegistry) Delete(handle string) error {
	unlock := r.locks.Lock(handle)
	defer unlock()
	if err := r.mem.Delete(handle); err != nil {
		return err
	}
	if err := os.Remove(r.path(handle)); err != nil && !os.IsNotExist(err) {
		return wrapError(KindIOFailure, err, "removing session document %s", handle)
	}
	return nil
}
