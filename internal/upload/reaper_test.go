package upload

import (
	"context"
	"os"
	"testing"
	"time"
)

// fakeClock drives Manager.now so staleness is deterministic.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newReaperFixture(t *testing.T) (*Manager, *Reaper, *fakeClock) {
	t.Helper()
	m := newTestManager(t, NewMemoryRegistry())
	clock := &fakeClock{current: time.Now()}
	m.now = clock.now
	r := NewReaper(ReaperConfig{
		Interval:       5 * time.Minute,
		StaleThreshold: 30 * time.Minute,
		Retention:      30 * 24 * time.Hour,
	}, m)
	return m, r, clock
}

func TestReaperAbortsStaleSessions(t *testing.T) {
	m, r, clock := newReaperFixture(t)
	payload := "abcdefgh"

	stale, err := m.Init(declare(payload))
	if err != nil {
		t.Fatal(err)
	}
	putChunk(t, m, stale, payload, 0)

	clock.advance(31 * time.Minute)

	fresh, err := m.Init(declare(payload))
	if err != nil {
		t.Fatal(err)
	}
	putChunk(t, m, fresh, payload, 0)

	r.RunOnce()

	rec, err := m.Status(stale)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusAborted {
		t.Errorf("stale session status = %s, want aborted", rec.Status)
	}
	if rec.Failure == nil {
		t.Error("reaped session carries no failure reason")
	}
	if _, err := os.Stat(m.store.ChunkPath(stale, 0)); !os.IsNotExist(err) {
		t.Error("stale session staging chunk survived the reaper")
	}

	got, err := m.Status(fresh)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReceiving {
		t.Errorf("fresh session status = %s, want receiving", got.Status)
	}
}

func TestReaperLeavesActiveSessionsAlone(t *testing.T) {
	m, r, clock := newReaperFixture(t)
	payload := "abcdefgh"

	handle, err := m.Init(declare(payload))
	if err != nil {
		t.Fatal(err)
	}
	putChunk(t, m, handle, payload, 0)

	clock.advance(29 * time.Minute)
	r.RunOnce()

	rec, _ := m.Status(handle)
	if rec.Status != StatusReceiving {
		t.Errorf("status = %s after an in-threshold pass, want receiving", rec.Status)
	}
}

func TestReaperSkipsTerminalSessionsInStalePass(t *testing.T) {
	m, r, clock := newReaperFixture(t)
	payload := "abcd"

	handle, err := m.Init(declare(payload))
	if err != nil {
		t.Fatal(err)
	}
	putChunk(t, m, handle, payload, 0)
	rec, err := m.Complete(context.Background(), handle)
	if err != nil {
		t.Fatal(err)
	}

	clock.advance(time.Hour)
	r.RunOnce()

	got, err := m.Status(handle)
	if err != nil {
		t.Fatalf("completed session reaped as stale: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if _, err := os.Stat(rec.Final.StoragePath); err != nil {
		t.Error("final object removed before the retention bound")
	}
}

func TestReaperPurgesExpiredCompletedSessions(t *testing.T) {
	m, r, clock := newReaperFixture(t)
	payload := "abcd"

	handle, err := m.Init(declare(payload))
	if err != nil {
		t.Fatal(err)
	}
	putChunk(t, m, handle, payload, 0)
	rec, err := m.Complete(context.Background(), handle)
	if err != nil {
		t.Fatal(err)
	}

	clock.advance(31 * 24 * time.Hour)
	r.RunOnce()

	if _, err := m.Status(handle); !IsKind(err, KindNotFound) {
		t.Errorf("expired session still present: %v", err)
	}
	if _, err := os.Stat(rec.Final.StoragePath); !os.IsNotExist(err) {
		t.Error("expired final object survived the retention pass")
	}
}

func TestReaperStartStop(t *testing.T) {
	_, r, _ := newReaperFixture(t)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}
