package upload

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testDeclared() Declared {
	return Declared{
		FileName:    "clip.mp4",
		FileSize:    3 << 20,
		MimeType:    "video/mp4",
		TotalChunks: 3,
	}
}

func mustHandle(t *testing.T) string {
	t.Helper()
	h, err := NewHandle(nil)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	return h
}

func TestRegistryContract(t *testing.T) {
	impls := []struct {
		name string
		make func(t *testing.T) Registry
	}{
		{"memory", func(t *testing.T) Registry { return NewMemoryRegistry() }},
		{"file", func(t *testing.T) Registry {
			r, err := NewFileRegistry(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileRegistry: %v", err)
			}
			return r
		}},
	}

	for _, impl := range impls {
		t.Run(impl.name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				reg := impl.make(t)
				handle := mustHandle(t)
				rec := NewRecord(handle, testDeclared(), 1<<20, time.Now())
				if err := reg.Create(rec); err != nil {
					t.Fatalf("Create: %v", err)
				}
				if err := reg.Create(rec); !IsKind(err, KindConflict) {
					t.Errorf("duplicate Create = %v, want conflict", err)
				}

				got, err := reg.Get(handle)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if got.Status != StatusInitialized || got.Declared.FileName != "clip.mp4" {
					t.Errorf("Get returned %+v", got)
				}

				// Mutating the snapshot must not leak back into the registry.
				got.Received.Set(0)
				again, _ := reg.Get(handle)
				if again.Received.Count() != 0 {
					t.Error("snapshot mutation leaked into stored record")
				}
			})

			t.Run("get unknown", func(t *testing.T) {
				reg := impl.make(t)
				if _, err := reg.Get(mustHandle(t)); !IsKind(err, KindNotFound) {
					t.Errorf("Get unknown = %v, want not_found", err)
				}
			})

			t.Run("update applies mutator atomically", func(t *testing.T) {
				reg := impl.make(t)
				handle := mustHandle(t)
				if err := reg.Create(NewRecord(handle, testDeclared(), 1<<20, time.Now())); err != nil {
					t.Fatal(err)
				}

				snap, err := reg.Update(handle, func(r *Record) error {
					r.Received.Set(1)
					r.BytesReceived = 1 << 20
					r.Status = StatusReceiving
					return nil
				})
				if err != nil {
					t.Fatalf("Update: %v", err)
				}
				if snap.Received.Count() != 1 || snap.Status != StatusReceiving {
					t.Errorf("Update snapshot = %+v", snap)
				}

				boom := errors.New("refused")
				if _, err := reg.Update(handle, func(r *Record) error {
					r.Status = StatusFailed
					return boom
				}); !errors.Is(err, boom) {
					t.Fatalf("Update error = %v, want mutator error", err)
				}
				got, _ := reg.Get(handle)
				if got.Status != StatusReceiving {
					t.Errorf("failed mutator changed stored status to %s", got.Status)
				}
			})

			t.Run("scans and ordering", func(t *testing.T) {
				reg := impl.make(t)
				base := time.Now().Add(-time.Hour)

				old := NewRecord(mustHandle(t), testDeclared(), 1<<20, base)
				fresh := NewRecord(mustHandle(t), testDeclared(), 1<<20, base.Add(30*time.Minute))
				done := NewRecord(mustHandle(t), testDeclared(), 1<<20, base.Add(10*time.Minute))
				done.Status = StatusCompleted
				done.CompletedAt = base.Add(20 * time.Minute)
				done.LastActivity = done.CompletedAt

				for _, rec := range []*Record{old, fresh, done} {
					if err := reg.Create(rec); err != nil {
						t.Fatal(err)
					}
				}

				stale := reg.ScanLastActivityBefore(base.Add(15 * time.Minute))
				if len(stale) != 1 || stale[0].Handle != old.Handle {
					t.Errorf("ScanLastActivityBefore = %d records", len(stale))
				}

				expired := reg.ScanCompletedBefore(base.Add(25 * time.Minute))
				if len(expired) != 1 || expired[0].Handle != done.Handle {
					t.Errorf("ScanCompletedBefore = %d records", len(expired))
				}

				all := reg.All()
				if len(all) != 3 {
					t.Fatalf("All = %d records, want 3", len(all))
				}
				for i := 1; i < len(all); i++ {
					if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
						t.Error("All is not ordered by creation time")
					}
				}
			})

			t.Run("delete", func(t *testing.T) {
				reg := impl.make(t)
				handle := mustHandle(t)
				if err := reg.Create(NewRecord(handle, testDeclared(), 1<<20, time.Now())); err != nil {
					t.Fatal(err)
				}
				if err := reg.Delete(handle); err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if _, err := reg.Get(handle); !IsKind(err, KindNotFound) {
					t.Errorf("Get after Delete = %v, want not_found", err)
				}
				if err := reg.Delete(handle); err != nil {
					t.Errorf("deleting an absent handle should be a no-op, got %v", err)
				}
			})
		})
	}
}

func TestFileRegistrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}

	handle := mustHandle(t)
	if err := reg.Create(NewRecord(handle, testDeclared(), 1<<20, time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Update(handle, func(r *Record) error {
		r.Received.Set(0)
		r.Received.Set(2)
		r.BytesReceived = 2 << 20
		r.Status = StatusReceiving
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// A new registry over the same directory is the crash-restart path.
	reborn, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("reopening registry: %v", err)
	}
	got, err := reborn.Get(handle)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Status != StatusReceiving {
		t.Errorf("status after restart = %s, want receiving", got.Status)
	}
	if !got.Received.Get(0) || got.Received.Get(1) || !got.Received.Get(2) {
		t.Errorf("received set after restart = %v", got.Received.Indices())
	}
	if got.BytesReceived != 2<<20 {
		t.Errorf("bytesReceived after restart = %d", got.BytesReceived)
	}
}

func TestFileRegistryConcurrentUpdatesAllReachDisk(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Two writers acknowledged for the same handle must both be on disk
	// afterwards, whatever order their documents were published in.
	for iter := 0; iter < 50; iter++ {
		handle := mustHandle(t)
		if err := reg.Create(NewRecord(handle, testDeclared(), 1<<20, time.Now())); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for _, idx := range []int{0, 1} {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				if _, err := reg.Update(handle, func(r *Record) error {
					r.Received.Set(idx)
					return nil
				}); err != nil {
					t.Errorf("Update(%d): %v", idx, err)
				}
			}(idx)
		}
		wg.Wait()

		reborn, err := NewFileRegistry(dir)
		if err != nil {
			t.Fatal(err)
		}
		got, err := reborn.Get(handle)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Received.Get(0) || !got.Received.Get(1) {
			t.Fatalf("iteration %d: on-disk document lost an acknowledged mutation: %v",
				iter, got.Received.Indices())
		}
	}
}

func TestFileRegistrySkipsCorruptDocuments(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	handle := mustHandle(t)
	if err := reg.Create(NewRecord(handle, testDeclared(), 1<<20, time.Now())); err != nil {
		t.Fatal(err)
	}

	corrupt := mustHandle(t)
	if err := os.WriteFile(filepath.Join(dir, corrupt+".json"), []byte("{torn"), 0o644); err != nil {
		t.Fatal(err)
	}

	reborn, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("corrupt document must not block startup: %v", err)
	}
	if _, err := reborn.Get(handle); err != nil {
		t.Errorf("healthy session lost after restart: %v", err)
	}
	if _, err := reborn.Get(corrupt); !IsKind(err, KindNotFound) {
		t.Errorf("corrupt session should be absent, got %v", err)
	}
}
