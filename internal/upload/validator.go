package upload

import (
	"bytes"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
)

// AllowedMIMETypes is the declared-type allow-set.
var AllowedMIMETypes = map[string]bool{
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"video/mp4":                true,
	"video/webm":               true,
	"application/pdf":          true,
	"text/plain":               true,
	"application/octet-stream": true,
}

// magicNumbers maps declared MIME types to the leading bytes the first
// chunk must carry. A declared type with no entry is accepted as-is.
var magicNumbers = map[string][]byte{
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"image/png":  {0x89, 0x50, 0x4E, 0x47},
	"image/gif":  {0x47, 0x49, 0x46, 0x38},
	"video/mp4":  {0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70},
	"video/webm": {0x1A, 0x45, 0xDF, 0xA3},
}

// MagicHeadLen is how many leading bytes of chunk 0 the magic layer needs.
const MagicHeadLen = 8

// Validator applies pre-acceptance checks on declared and observed chunk
// properties. Layers short-circuit on the first rejection; the rate layer
// lives in Limiter and runs in the HTTP middleware before anything here.
type Validator struct {
	chunkSize   int64
	maxFileSize int64
}

// NewValidator builds a validator for the configured chunk and file bounds.
func NewValidator(chunkSize, maxFileSize int64) *Validator {
	return &Validator{chunkSize: chunkSize, maxFileSize: maxFileSize}
}

// ValidateDeclared checks the init-time declared fields. The sanitized name
// is returned so the caller stores exactly what was validated.
func (v *Validator) ValidateDeclared(d Declared) (string, error) {
	name, err := SanitizeFileName(d.FileName)
	if err != nil {
		return "", wrapError(KindBadRequest, err, "invalid file name %q", d.FileName)
	}
	if d.FileSize <= 0 {
		return "", newError(KindBadRequest, "file size must be positive, got %d", d.FileSize)
	}
	if d.FileSize > v.maxFileSize {
		return "", newError(KindBadRequest, "file size %d exceeds maximum %d", d.FileSize, v.maxFileSize)
	}
	want := int((d.FileSize + v.chunkSize - 1) / v.chunkSize)
	if d.TotalChunks != want {
		return "", newError(KindBadRequest, "total chunks %d inconsistent with size %d (want %d)", d.TotalChunks, d.FileSize, want)
	}
	if !AllowedMIMETypes[d.MimeType] {
		return "", newError(KindBadRequest, "mime type %q is not allowed", d.MimeType)
	}
	return name, nil
}

// ValidateChunk runs the structural layer against a session snapshot.
func (v *Validator) ValidateChunk(rec *Record, index int, declaredLen int64) error {
	switch rec.Status {
	case StatusInitialized, StatusReceiving:
	case StatusAborted:
		return newError(KindCancelled, "session %s is aborted", rec.Handle)
	default:
		return newError(KindBadRequest, "session %s is %s and no longer accepts chunks", rec.Handle, rec.Status)
	}
	if index < 0 || index >= rec.Declared.TotalChunks {
		return newError(KindBadRequest, "chunk index %d outside [0, %d)", index, rec.Declared.TotalChunks)
	}
	if declaredLen < 0 {
		return newError(KindBadRequest, "chunk length unknown")
	}
	if declaredLen > rec.ChunkSize {
		return newError(KindBadRequest, "chunk of %d bytes exceeds chunk size %d", declaredLen, rec.ChunkSize)
	}
	// Every chunk except the last must fill the chunk size exactly.
	if index < rec.Declared.TotalChunks-1 && declaredLen != 0 && declaredLen != rec.ChunkSize {
		return newError(KindBadRequest, "non-final chunk %d must be exactly %d bytes, got %d", index, rec.ChunkSize, declaredLen)
	}
	return nil
}

// ValidateObservedSize checks the byte count actually written for a chunk.
// Non-final chunks must fill the chunk size exactly or assembly could not
// reproduce the declared file length; the final chunk carries the remainder.
func (v *Validator) ValidateObservedSize(rec *Record, index int, n int64) error {
	want := rec.ChunkSize
	if index == rec.Declared.TotalChunks-1 {
		want = rec.Declared.FileSize - int64(rec.Declared.TotalChunks-1)*rec.ChunkSize
	}
	if n != want {
		return newError(KindBadRequest, "chunk %d carried %d bytes, want %d", index, n, want)
	}
	return nil
}

// ValidateConsistency enforces that redeclared fields match the record.
func (v *Validator) ValidateConsistency(rec *Record, totalChunks int, mimeType string) error {
	if totalChunks > 0 && totalChunks != rec.Declared.TotalChunks {
		return newError(KindConflict, "declared total chunks changed from %d to %d", rec.Declared.TotalChunks, totalChunks)
	}
	if mimeType != "" && mimeType != rec.Declared.MimeType {
		return newError(KindConflict, "declared mime type changed from %q to %q", rec.Declared.MimeType, mimeType)
	}
	return nil
}

// ValidateMagic checks the leading bytes of chunk 0 against the declared
// MIME type. Declared types without a rule are accepted. Content sniffing
// via filetype is advisory only: a mismatch is logged, not rejected, since
// text and octet-stream payloads legitimately sniff as unknown.
func (v *Validator) ValidateMagic(handle, declaredMIME string, head []byte) error {
	if magic, ok := magicNumbers[declaredMIME]; ok {
		if len(head) < len(magic) || !bytes.Equal(head[:len(magic)], magic) {
			return newError(KindBadRequest, "leading bytes do not match declared type %q", declaredMIME)
		}
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown && kind.MIME.Value != declaredMIME {
		logging.Debug("Content sniff disagrees with declared type",
			zap.String("handle", handle),
			zap.String("declared", declaredMIME),
			zap.String("sniffed", kind.MIME.Value))
	}
	return nil
}
