package upload

import (
	"testing"
	"time"
)

func newTestValidator() *Validator {
	return NewValidator(1<<20, 2<<30)
}

func TestValidateDeclared(t *testing.T) {
	v := newTestValidator()
	tests := []struct {
		name     string
		declared Declared
		wantKind Kind
	}{
		{"valid", Declared{FileName: "a.mp4", FileSize: 3 << 20, MimeType: "video/mp4", TotalChunks: 3}, KindUnknown},
		{"valid remainder", Declared{FileName: "a.png", FileSize: 1<<20 + 1, MimeType: "image/png", TotalChunks: 2}, KindUnknown},
		{"exactly one chunk", Declared{FileName: "a.txt", FileSize: 10, MimeType: "text/plain", TotalChunks: 1}, KindUnknown},
		{"zero size", Declared{FileName: "a.mp4", FileSize: 0, MimeType: "video/mp4", TotalChunks: 0}, KindBadRequest},
		{"negative size", Declared{FileName: "a.mp4", FileSize: -5, MimeType: "video/mp4", TotalChunks: 1}, KindBadRequest},
		{"over max", Declared{FileName: "a.mp4", FileSize: 2<<30 + 1, MimeType: "video/mp4", TotalChunks: 2049}, KindBadRequest},
		{"chunk count low", Declared{FileName: "a.mp4", FileSize: 3 << 20, MimeType: "video/mp4", TotalChunks: 2}, KindBadRequest},
		{"chunk count high", Declared{FileName: "a.mp4", FileSize: 3 << 20, MimeType: "video/mp4", TotalChunks: 4}, KindBadRequest},
		{"bad mime", Declared{FileName: "a.exe", FileSize: 1 << 20, MimeType: "application/x-msdownload", TotalChunks: 1}, KindBadRequest},
		{"bad name", Declared{FileName: "../a.mp4", FileSize: 1 << 20, MimeType: "video/mp4", TotalChunks: 1}, KindBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name, err := v.ValidateDeclared(tc.declared)
			if tc.wantKind == KindUnknown {
				if err != nil {
					t.Fatalf("ValidateDeclared: %v", err)
				}
				if name == "" {
					t.Error("sanitized name is empty")
				}
				return
			}
			if !IsKind(err, tc.wantKind) {
				t.Errorf("ValidateDeclared = %v, want %s", err, tc.wantKind)
			}
		})
	}
}

func TestValidateChunk(t *testing.T) {
	v := newTestValidator()
	base := func() *Record {
		return NewRecord("h", Declared{FileName: "a.bin", FileSize: 2<<20 + 100, MimeType: "application/octet-stream", TotalChunks: 3}, 1<<20, time.Now())
	}

	tests := []struct {
		name     string
		mutate   func(*Record)
		index    int
		length   int64
		wantKind Kind
	}{
		{"full non-final", nil, 0, 1 << 20, KindUnknown},
		{"unknown length", nil, 1, 0, KindUnknown},
		{"final remainder", nil, 2, 100, KindUnknown},
		{"negative index", nil, -1, 1 << 20, KindBadRequest},
		{"index past total", nil, 3, 100, KindBadRequest},
		{"oversize", nil, 0, 1<<20 + 1, KindBadRequest},
		{"short non-final", nil, 0, 512, KindBadRequest},
		{"negative length", nil, 0, -1, KindBadRequest},
		{"aborted session", func(r *Record) { r.Status = StatusAborted }, 0, 1 << 20, KindCancelled},
		{"completed session", func(r *Record) { r.Status = StatusCompleted }, 0, 1 << 20, KindBadRequest},
		{"assembling session", func(r *Record) { r.Status = StatusAssembling }, 0, 1 << 20, KindBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := base()
			if tc.mutate != nil {
				tc.mutate(rec)
			}
			err := v.ValidateChunk(rec, tc.index, tc.length)
			if tc.wantKind == KindUnknown {
				if err != nil {
					t.Fatalf("ValidateChunk: %v", err)
				}
				return
			}
			if !IsKind(err, tc.wantKind) {
				t.Errorf("ValidateChunk = %v, want %s", err, tc.wantKind)
			}
		})
	}
}

func TestValidateObservedSize(t *testing.T) {
	v := newTestValidator()
	rec := NewRecord("h", Declared{FileName: "a.bin", FileSize: 2<<20 + 100, MimeType: "application/octet-stream", TotalChunks: 3}, 1<<20, time.Now())

	if err := v.ValidateObservedSize(rec, 0, 1<<20); err != nil {
		t.Errorf("full non-final chunk rejected: %v", err)
	}
	if err := v.ValidateObservedSize(rec, 2, 100); err != nil {
		t.Errorf("final remainder rejected: %v", err)
	}
	if err := v.ValidateObservedSize(rec, 0, 1<<19); !IsKind(err, KindBadRequest) {
		t.Errorf("short non-final accepted: %v", err)
	}
	if err := v.ValidateObservedSize(rec, 2, 101); !IsKind(err, KindBadRequest) {
		t.Errorf("oversized final accepted: %v", err)
	}
}

func TestValidateConsistency(t *testing.T) {
	v := newTestValidator()
	rec := NewRecord("h", testDeclared(), 1<<20, time.Now())

	if err := v.ValidateConsistency(rec, 0, ""); err != nil {
		t.Errorf("omitted redeclarations rejected: %v", err)
	}
	if err := v.ValidateConsistency(rec, 3, "video/mp4"); err != nil {
		t.Errorf("matching redeclarations rejected: %v", err)
	}
	if err := v.ValidateConsistency(rec, 4, ""); !IsKind(err, KindConflict) {
		t.Errorf("changed totalChunks = %v, want conflict", err)
	}
	if err := v.ValidateConsistency(rec, 0, "image/png"); !IsKind(err, KindConflict) {
		t.Errorf("changed mime = %v, want conflict", err)
	}
}

func TestValidateMagic(t *testing.T) {
	v := newTestValidator()
	tests := []struct {
		name     string
		mime     string
		head     []byte
		wantKind Kind
	}{
		{"jpeg ok", "image/jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46}, KindUnknown},
		{"jpeg mismatch", "image/jpeg", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, KindBadRequest},
		{"png ok", "image/png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, KindUnknown},
		{"gif ok", "image/gif", []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x00, 0x00}, KindUnknown},
		{"mp4 ok", "video/mp4", []byte{0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70}, KindUnknown},
		{"webm ok", "video/webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00, 0x00, 0x00, 0x00}, KindUnknown},
		{"webm mismatch", "video/webm", []byte{0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70}, KindBadRequest},
		{"no rule passes", "text/plain", []byte("hello wo"), KindUnknown},
		{"octet-stream passes", "application/octet-stream", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}, KindUnknown},
		{"truncated head", "image/png", []byte{0x89, 0x50}, KindBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateMagic("h", tc.mime, tc.head)
			if tc.wantKind == KindUnknown {
				if err != nil {
					t.Fatalf("ValidateMagic: %v", err)
				}
				return
			}
			if !IsKind(err, tc.wantKind) {
				t.Errorf("ValidateMagic = %v, want %s", err, tc.wantKind)
			}
		})
	}
}
