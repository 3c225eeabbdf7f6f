package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/metrics"
)

// ManagerConfig holds the knobs the Manager reads once at construction.
type ManagerConfig struct {
	// ChunkSize is the server-imposed maximum chunk size in bytes.
	ChunkSize int64
	// MaxFileSize is the authoritative server-side cap on declared size.
	MaxFileSize int64
}

// DefaultManagerConfig returns the documented defaults: 1 MiB chunks and a
// 2 GiB file cap.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{ChunkSize: 1 << 20, MaxFileSize: 2 << 30}
}

// Manager is the session lifecycle state machine. It owns all mutation of
// session records: the validator, scheduler, and blob store propose work,
// and the Manager drives transitions under a per-handle critical section.
// The per-handle lock is never held across blob store I/O.
type Manager struct {
	cfg       ManagerConfig
	registry  Registry
	store     *BlobStore
	validator *Validator
	scheduler *Scheduler
	hub       *EventHub
	locks     *keyedLocks

	// now is swappable so tests can drive the stale clock.
	now func() time.Time
}

// NewManager wires the coordinator components together.
func NewManager(cfg ManagerConfig, registry Registry, store *BlobStore, scheduler *Scheduler, hub *EventHub) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2 << 30
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		validator: NewValidator(cfg.ChunkSize, cfg.MaxFileSize),
		scheduler: scheduler,
		hub:       hub,
		locks:     newKeyedLocks(),
		now:       time.Now,
	}
}

// ChunkSize returns the server-imposed chunk size.
func (m *Manager) ChunkSize() int64 {
	return m.cfg.ChunkSize
}

// Init validates the declared fields, creates an Initialized record, and
// returns the new session handle.
func (m *Manager) Init(declared Declared) (string, error) {
	name, err := m.validator.ValidateDeclared(declared)
	if err != nil {
		metrics.ValidationRejectsTotal.WithLabelValues("structural").Inc()
		return "", err
	}
	declared.FileName = name

	handle, err := NewHandle(nil)
	if err != nil {
		return "", wrapError(KindIOFailure, err, "generating session handle")
	}
	rec := NewRecord(handle, declared, m.cfg.ChunkSize, m.now())
	if err := m.registry.Create(rec); err != nil {
		return "", err
	}
	metrics.ActiveSessions.Inc()
	logging.Info("Upload session created",
		zap.String("handle", shortHandle(handle)),
		zap.String("file", declared.FileName),
		zap.Int64("size", declared.FileSize),
		zap.Int("chunks", declared.TotalChunks))
	m.publish(rec)
	return handle, nil
}

// PutChunk runs the full receive path for one chunk: validate, admit,
// persist, record. Duplicate indices are acknowledged idempotently without
// touching the staged payload. declaredLen may be -1 when the transport
// does not know the part length up front.
func (m *Manager) PutChunk(ctx context.Context, handle string, index int, body io.Reader, declaredLen int64, redeclaredTotal int, redeclaredMIME string) (Progress, error) {
	start := m.now()

	rec, err := m.registry.Get(handle)
	if err != nil {
		return Progress{}, err
	}
	if err := m.validator.ValidateConsistency(rec, redeclaredTotal, redeclaredMIME); err != nil {
		metrics.ValidationRejectsTotal.WithLabelValues("structural").Inc()
		m.touch(handle)
		return Progress{}, err
	}
	lenForCheck := declaredLen
	if lenForCheck < 0 {
		lenForCheck = 0 // unknown; the observed size is checked post-write
	}
	if err := m.validator.ValidateChunk(rec, index, lenForCheck); err != nil {
		metrics.ValidationRejectsTotal.WithLabelValues("structural").Inc()
		m.touch(handle)
		return Progress{}, err
	}

	// Idempotent acknowledgement for an already-persisted index.
	if rec.Received.Get(index) {
		metrics.RecordChunkDuplicate()
		snap, err := m.registry.Update(handle, func(r *Record) error {
			r.LastActivity = m.now()
			return nil
		})
		if err != nil {
			return Progress{}, err
		}
		return snap.Progress(), nil
	}

	// Magic-number layer applies to the first chunk only.
	reader := body
	if index == 0 {
		head := make([]byte, MagicHeadLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return Progress{}, wrapError(KindIOFailure, err, "reading chunk head for %s", handle)
		}
		head = head[:n]
		if err := m.validator.ValidateMagic(handle, rec.Declared.MimeType, head); err != nil {
			metrics.ValidationRejectsTotal.WithLabelValues("magic").Inc()
			m.touch(handle)
			return Progress{}, err
		}
		reader = io.MultiReader(bytes.NewReader(head), body)
	}

	slot, err := m.scheduler.Acquire(ctx, handle)
	if err != nil {
		return Progress{}, err
	}

	n, err := m.store.WriteChunk(slot.Ctx, handle, index, reader, rec.ChunkSize)
	ctxErr := slot.Ctx.Err()
	slot.Release()
	if err != nil {
		metrics.RecordChunkError()
		if IsKind(err, KindCancelled) && errors.Is(ctxErr, context.DeadlineExceeded) {
			metrics.SchedulerRejectsTotal.WithLabelValues("timeout").Inc()
			return Progress{}, wrapError(KindTimeout, err, "chunk %d of %s", index, handle)
		}
		return Progress{}, err
	}

	if err := m.validator.ValidateObservedSize(rec, index, n); err != nil {
		metrics.ValidationRejectsTotal.WithLabelValues("structural").Inc()
		m.removeChunk(handle, index)
		m.touch(handle)
		return Progress{}, err
	}

	snap, err := m.registry.Update(handle, func(r *Record) error {
		if r.Status == StatusAborted {
			return newError(KindCancelled, "session %s aborted during write", handle)
		}
		now := m.now()
		// A concurrent writer for the same index may have recorded it while
		// we were persisting; acknowledge idempotently even mid-assembly.
		// The staged payload must stay: assembly may be reading it.
		if r.Received.Get(index) {
			r.LastActivity = now
			return nil
		}
		switch r.Status {
		case StatusInitialized, StatusReceiving:
		default:
			return newError(KindBadRequest, "session %s is %s", handle, r.Status)
		}
		if r.Received.Set(index) {
			r.BytesReceived += n
		}
		if r.Status == StatusInitialized {
			r.Status = StatusReceiving
		}
		if r.FirstChunkAt.IsZero() {
			r.FirstChunkAt = now
		}
		r.LastActivity = now
		return nil
	})
	if err != nil {
		// Only an abort makes the staged payload garbage. Any other losing
		// path leaves the persisted chunk in place for the session to use.
		if IsKind(err, KindCancelled) {
			m.removeChunk(handle, index)
		}
		return Progress{}, err
	}

	metrics.RecordChunkAccepted(n)
	metrics.ChunkWriteDuration.Observe(m.now().Sub(start).Seconds())
	m.publish(snap)
	return snap.Progress(), nil
}

// Complete verifies all chunks are present and drives the session through
// Assembling to Completed. Repeated calls on an Assembling or Completed
// session return the current snapshot instead of an error.
func (m *Manager) Complete(ctx context.Context, handle string) (*Record, error) {
	unlock := m.locks.Lock(handle)
	rec, err := m.registry.Get(handle)
	if err != nil {
		unlock()
		return nil, err
	}

	switch rec.Status {
	case StatusCompleted, StatusAssembling:
		unlock()
		return rec, nil
	case StatusAborted, StatusFailed:
		unlock()
		return nil, newError(KindBadRequest, "session %s is %s", handle, rec.Status)
	}

	if !rec.Complete() {
		missing := rec.Declared.TotalChunks - rec.Received.Count()
		_, _ = m.registry.Update(handle, func(r *Record) error {
			r.LastActivity = m.now()
			return nil
		})
		unlock()
		return nil, newError(KindBadRequest, "upload incomplete: %d of %d chunks missing", missing, rec.Declared.TotalChunks)
	}

	snap, err := m.registry.Update(handle, func(r *Record) error {
		r.Status = StatusAssembling
		r.LastActivity = m.now()
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	m.publish(snap)

	// Assemble outside the per-handle lock; concurrent Complete calls see
	// Assembling and return immediately.
	assemblyStart := m.now()
	path, size, err := m.store.Assemble(ctx, handle, rec.Declared.TotalChunks, rec.Declared.FileName)
	if err != nil {
		return m.failSession(handle, err)
	}
	if size != rec.Declared.FileSize {
		m.store.DeleteSessionArtifacts(handle, 0, path)
		return m.failSession(handle, newError(KindIOFailure, "assembled %d bytes, declared %d", size, rec.Declared.FileSize))
	}
	metrics.AssemblyDuration.Observe(m.now().Sub(assemblyStart).Seconds())

	unlock = m.locks.Lock(handle)
	defer unlock()
	snap, err = m.registry.Update(handle, func(r *Record) error {
		now := m.now()
		r.Status = StatusCompleted
		r.CompletedAt = now
		r.LastActivity = now
		r.Final = &FinalObject{
			Handle:      handle,
			Name:        rec.Declared.FileName,
			Size:        size,
			MimeType:    rec.Declared.MimeType,
			AssembledAt: now,
			StoragePath: path,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Staging chunks are no longer needed once the final object exists.
	m.store.DeleteSessionArtifacts(handle, rec.Declared.TotalChunks, "")

	metrics.SessionsTotal.WithLabelValues("completed").Inc()
	metrics.ActiveSessions.Dec()
	metrics.FinalObjectSize.Observe(float64(size))
	if !snap.FirstChunkAt.IsZero() {
		metrics.SessionDuration.Observe(snap.CompletedAt.Sub(snap.FirstChunkAt).Seconds())
	}
	logging.Info("Upload completed",
		zap.String("handle", shortHandle(handle)),
		zap.String("file", snap.Final.Name),
		zap.Int64("size", size))
	m.publish(snap)
	return snap, nil
}

// failSession moves a session to Failed after an unrecoverable store error.
func (m *Manager) failSession(handle string, cause error) (*Record, error) {
	unlock := m.locks.Lock(handle)
	defer unlock()
	changed := false
	snap, err := m.registry.Update(handle, func(r *Record) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = StatusFailed
		r.LastActivity = m.now()
		r.setFailure(KindOf(cause), cause.Error())
		changed = true
		return nil
	})
	if err == nil && changed {
		// Failed is terminal; the staging chunks are unreachable garbage.
		m.store.DeleteSessionArtifacts(handle, snap.Declared.TotalChunks, "")
		metrics.SessionsTotal.WithLabelValues("failed").Inc()
		metrics.ActiveSessions.Dec()
		m.publish(snap)
	}
	logging.Error("Session failed",
		zap.String("handle", shortHandle(handle)),
		zap.Error(cause))
	return nil, cause
}

// Status returns a snapshot of the session record.
func (m *Manager) Status(handle string) (*Record, error) {
	return m.registry.Get(handle)
}

// Resume returns the indices the client may safely skip plus the declared
// total, so an interrupted upload can continue after a restart.
func (m *Manager) Resume(handle string) ([]int, int, error) {
	rec, err := m.registry.Get(handle)
	if err != nil {
		return nil, 0, err
	}
	return rec.Received.Indices(), rec.Declared.TotalChunks, nil
}

// Abort drives a non-terminal session to Aborted, cancels queued and
// in-flight work, and deletes staging artifacts. Aborting a terminal
// session is a no-op.
func (m *Manager) Abort(handle string) error {
	return m.abort(handle, "aborted by client")
}

// abortIfStale aborts the session only if, under the per-handle lock, it is
// still non-terminal and its last activity predates cutoff. Reports whether
// the abort happened.
func (m *Manager) abortIfStale(handle string, cutoff time.Time, reason string) (bool, error) {
	unlock := m.locks.Lock(handle)
	rec, err := m.registry.Get(handle)
	if err != nil {
		unlock()
		return false, err
	}
	if rec.Status.Terminal() || !rec.LastActivity.Before(cutoff) {
		unlock()
		return false, nil
	}
	snap, err := m.registry.Update(handle, func(r *Record) error {
		r.Status = StatusAborted
		r.LastActivity = m.now()
		r.setFailure(KindCancelled, reason)
		return nil
	})
	unlock()
	if err != nil {
		return false, err
	}

	m.scheduler.CancelSession(handle)
	m.store.DeleteSessionArtifacts(handle, rec.Declared.TotalChunks, "")

	metrics.SessionsTotal.WithLabelValues("aborted").Inc()
	metrics.ActiveSessions.Dec()
	m.publish(snap)
	return true, nil
}

func (m *Manager) abort(handle string, reason string) error {
	unlock := m.locks.Lock(handle)
	rec, err := m.registry.Get(handle)
	if err != nil {
		unlock()
		return err
	}
	if rec.Status.Terminal() {
		unlock()
		return nil
	}
	snap, err := m.registry.Update(handle, func(r *Record) error {
		r.Status = StatusAborted
		r.LastActivity = m.now()
		r.setFailure(KindCancelled, reason)
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	m.scheduler.CancelSession(handle)
	m.store.DeleteSessionArtifacts(handle, rec.Declared.TotalChunks, "")

	metrics.SessionsTotal.WithLabelValues("aborted").Inc()
	metrics.ActiveSessions.Dec()
	logging.Info("Upload session aborted",
		zap.String("handle", shortHandle(handle)),
		zap.String("reason", reason))
	m.publish(snap)
	return nil
}

// Remove aborts the session if live, deletes all artifacts including the
// final object, and purges the record.
func (m *Manager) Remove(handle string) error {
	rec, err := m.registry.Get(handle)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		if err := m.abort(handle, "removed by client"); err != nil {
			return err
		}
	}
	finalPath := ""
	if rec.Final != nil {
		finalPath = rec.Final.StoragePath
	}
	m.store.DeleteSessionArtifacts(handle, rec.Declared.TotalChunks, finalPath)
	return m.registry.Delete(handle)
}

// Stats aggregates monitoring counters across all known sessions. Average
// speed is derived from completed sessions on read.
func (m *Manager) Stats() Stats {
	var st Stats
	var speedSum float64
	var speedN int
	for _, rec := range m.registry.All() {
		st.TotalUploads++
		st.TotalSize += rec.BytesReceived
		switch rec.Status {
		case StatusFailed:
			st.FailedUploads++
		case StatusCompleted:
			if s := rec.Speed(); s > 0 {
				speedSum += s
				speedN++
			}
		case StatusInitialized, StatusReceiving, StatusAssembling:
			st.ActiveUploads++
		}
	}
	if speedN > 0 {
		st.AverageSpeed = speedSum / float64(speedN)
	}
	return st
}

// Stats is the monitoring aggregate served by the stats endpoint.
type Stats struct {
	TotalUploads  int     `json:"totalUploads"`
	ActiveUploads int     `json:"activeUploads"`
	FailedUploads int     `json:"failedUploads"`
	TotalSize     int64   `json:"totalSize"`
	AverageSpeed  float64 `json:"averageSpeed"`
}

// touch advances lastActivityAt without any other mutation; structural
// rejections still count as session activity.
func (m *Manager) touch(handle string) {
	_, _ = m.registry.Update(handle, func(r *Record) error {
		r.LastActivity = m.now()
		return nil
	})
}

// removeChunk discards a staged chunk that lost a race with abort or
// failed post-write validation.
func (m *Manager) removeChunk(handle string, index int) {
	path := m.store.ChunkPath(handle, index)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to discard garbage chunk", zap.String("path", path), zap.Error(err))
	}
}

func (m *Manager) publish(rec *Record) {
	if m.hub == nil || rec == nil {
		return
	}
	m.hub.Publish(Event{
		Handle:    rec.Handle,
		FileName:  rec.Declared.FileName,
		Status:    rec.Status,
		Progress:  rec.Progress(),
		Bytes:     rec.BytesReceived,
		Timestamp: m.now(),
	})
}

// shortHandle truncates a handle for log lines.
func shortHandle(handle string) string {
	if len(handle) > 8 {
		return handle[:8]
	}
	return handle
}
