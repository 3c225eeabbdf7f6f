package upload

import (
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusReceiving   Status = "receiving"
	StatusAssembling  Status = "assembling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
)

// Terminal reports whether no further mutation is accepted in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Declared holds the client-declared file properties, fixed at init.
type Declared struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType"`
	TotalChunks int    `json:"totalChunks"`
}

// FailureReason records why a session ended in Failed or Aborted.
type FailureReason struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// maxFailureMessage bounds the persisted failure message.
const maxFailureMessage = 256

// FinalObject describes the assembled file.
type FinalObject struct {
	Handle      string    `json:"handle"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType"`
	AssembledAt time.Time `json:"assembledAt"`
	StoragePath string    `json:"storagePath"`
}

// Progress is returned to the client after each accepted chunk.
type Progress struct {
	ReceivedCount int     `json:"receivedCount"`
	TotalCount    int     `json:"totalCount"`
	Percentage    float64 `json:"percentage"`
}

// Record is the persisted per-session state. All mutation goes through the
// Manager under the per-handle lock; everything handed out is a deep copy.
type Record struct {
	Handle        string         `json:"handle"`
	Declared      Declared       `json:"declared"`
	ChunkSize     int64          `json:"chunkSize"`
	Received      *Bitmap        `json:"received"`
	BytesReceived int64          `json:"bytesReceived"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivityAt"`
	FirstChunkAt  time.Time      `json:"firstChunkAt,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
	Failure       *FailureReason `json:"failureReason,omitempty"`
	Final         *FinalObject   `json:"finalObject,omitempty"`
}

// NewRecord builds an Initialized record for the declared upload.
func NewRecord(handle string, declared Declared, chunkSize int64, now time.Time) *Record {
	return &Record{
		Handle:       handle,
		Declared:     declared,
		ChunkSize:    chunkSize,
		Received:     NewBitmap(declared.TotalChunks),
		Status:       StatusInitialized,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Clone returns a deep copy safe to hand outside the per-handle lock.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Received = r.Received.Clone()
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	if r.Final != nil {
		fo := *r.Final
		cp.Final = &fo
	}
	return &cp
}

// Progress computes the client-facing progress snapshot.
func (r *Record) Progress() Progress {
	received := r.Received.Count()
	total := r.Declared.TotalChunks
	var pct float64
	if total > 0 {
		pct = float64(received) / float64(total) * 100
	}
	return Progress{ReceivedCount: received, TotalCount: total, Percentage: pct}
}

// Complete reports whether every declared chunk has been persisted.
func (r *Record) Complete() bool {
	return r.Received.Count() == r.Declared.TotalChunks
}

// Speed returns the average upload speed in bytes per second, derived on
// read rather than maintained by writers.
func (r *Record) Speed() float64 {
	if r.FirstChunkAt.IsZero() {
		return 0
	}
	end := r.LastActivity
	if !r.CompletedAt.IsZero() {
		end = r.CompletedAt
	}
	elapsed := end.Sub(r.FirstChunkAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.BytesReceived) / elapsed
}

// setFailure records the failure reason with a bounded message.
func (r *Record) setFailure(kind Kind, msg string) {
	if len(msg) > maxFailureMessage {
		msg = msg[:maxFailureMessage]
	}
	r.Failure = &FailureReason{Kind: kind.String(), Message: msg}
}
