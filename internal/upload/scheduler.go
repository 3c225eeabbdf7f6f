package upload

import (
	"context"
	"sync"
	"time"

	"github.com/peximo/stitch/internal/metrics"
)

// SchedulerConfig bounds the admission gate.
type SchedulerConfig struct {
	// MaxParallelWrites caps chunk writes in flight across all sessions.
	MaxParallelWrites int
	// MaxParallelPerSession caps chunk writes in flight per handle.
	MaxParallelPerSession int
	// QueueDepth bounds the per-session wait queue; overflow fails fast.
	QueueDepth int
	// WriteTimeout is the wall-clock deadline covering queue wait and write.
	WriteTimeout time.Duration
}

// DefaultSchedulerConfig matches disk throughput and client concurrency.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxParallelWrites:     16,
		MaxParallelPerSession: 3,
		QueueDepth:            8,
		WriteTimeout:          30 * time.Second,
	}
}

// Slot is an admitted write. Ctx carries the write deadline and is
// cancelled when the session is aborted; Release must be called exactly
// once when the write finishes, whatever the outcome.
type Slot struct {
	Ctx     context.Context
	release func()
	once    sync.Once
}

// Release returns the slot to the scheduler.
func (sl *Slot) Release() {
	sl.once.Do(sl.release)
}

type admitRequest struct {
	granted bool // guarded by scheduler mu
	grant   chan *Slot
	wctx    context.Context
	wcancel context.CancelFunc
}

type schedSession struct {
	handle    string
	queue     []*admitRequest
	inflight  int
	cancelled bool
	active    map[*Slot]context.CancelFunc
}

// Scheduler is the bounded-concurrency admission gate between the receive
// path and the blob store. Admission is round-robin across sessions with
// queued work so one busy upload cannot starve the rest.
type Scheduler struct {
	cfg SchedulerConfig

	mu       sync.Mutex
	sessions map[string]*schedSession
	ring     []string
	cursor   int
	inflight int
	closed   bool
}

// NewScheduler creates an admission gate with the given bounds.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxParallelWrites <= 0 {
		cfg.MaxParallelWrites = 1
	}
	if cfg.MaxParallelPerSession <= 0 {
		cfg.MaxParallelPerSession = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Scheduler{cfg: cfg, sessions: make(map[string]*schedSession)}
}

// Acquire admits one chunk write for handle, blocking in the bounded
// per-session queue until a slot frees, the deadline passes, or the
// session is cancelled.
func (s *Scheduler) Acquire(ctx context.Context, handle string) (*Slot, error) {
	wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		wcancel()
		return nil, newError(KindCancelled, "scheduler is shut down")
	}
	sess := s.session(handle)
	if sess.cancelled {
		s.mu.Unlock()
		wcancel()
		return nil, newError(KindCancelled, "session %s is aborted", handle)
	}

	// Fast path: free slots and no queued work ahead of us.
	if len(sess.queue) == 0 && s.inflight < s.cfg.MaxParallelWrites && sess.inflight < s.cfg.MaxParallelPerSession {
		slot := s.grantLocked(sess, wctx, wcancel)
		s.mu.Unlock()
		return slot, nil
	}

	if len(sess.queue) >= s.cfg.QueueDepth {
		s.maybeDropLocked(sess)
		s.mu.Unlock()
		wcancel()
		metrics.SchedulerRejectsTotal.WithLabelValues("overloaded").Inc()
		return nil, newError(KindOverloaded, "session %s has %d writes queued", handle, s.cfg.QueueDepth)
	}

	req := &admitRequest{grant: make(chan *Slot, 1), wctx: wctx, wcancel: wcancel}
	sess.queue = append(sess.queue, req)
	metrics.SchedulerQueueDepth.Inc()
	s.mu.Unlock()

	select {
	case slot := <-req.grant:
		if slot == nil {
			wcancel()
			return nil, newError(KindCancelled, "session %s is aborted", handle)
		}
		return slot, nil
	case <-wctx.Done():
		s.mu.Lock()
		if req.granted {
			s.mu.Unlock()
			// The grant raced our deadline; take it so we can release it.
			if slot := <-req.grant; slot != nil {
				slot.Release()
			}
		} else {
			s.removeRequestLocked(sess, req)
			s.mu.Unlock()
		}
		wcancel()
		if ctx.Err() != nil {
			return nil, wrapError(KindCancelled, ctx.Err(), "admission for %s", handle)
		}
		metrics.SchedulerRejectsTotal.WithLabelValues("timeout").Inc()
		return nil, newError(KindTimeout, "write for %s not admitted within %s", handle, s.cfg.WriteTimeout)
	}
}

// CancelSession fails every queued request for handle with Cancelled and
// signals in-flight writes to stop at the next safe point.
func (s *Scheduler) CancelSession(handle string) {
	s.mu.Lock()
	sess, ok := s.sessions[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.cancelled = true
	queued := sess.queue
	sess.queue = nil
	var cancels []context.CancelFunc
	for _, cancel := range sess.active {
		cancels = append(cancels, cancel)
	}
	s.maybeDropLocked(sess)
	s.mu.Unlock()

	for _, req := range queued {
		metrics.SchedulerQueueDepth.Dec()
		req.grant <- nil
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// InFlight returns the number of writes currently admitted.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Close rejects all queued work and stops admitting new writes.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var queued []*admitRequest
	for _, sess := range s.sessions {
		queued = append(queued, sess.queue...)
		sess.queue = nil
	}
	s.mu.Unlock()
	for _, req := range queued {
		metrics.SchedulerQueueDepth.Dec()
		req.grant <- nil
	}
}

// session returns the tracked state for handle, creating it on first use.
func (s *Scheduler) session(handle string) *schedSession {
	sess, ok := s.sessions[handle]
	if !ok {
		sess = &schedSession{handle: handle, active: make(map[*Slot]context.CancelFunc)}
		s.sessions[handle] = sess
		s.ring = append(s.ring, handle)
	}
	return sess
}

// grantLocked admits one write for sess under the scheduler lock.
func (s *Scheduler) grantLocked(sess *schedSession, wctx context.Context, wcancel context.CancelFunc) *Slot {
	s.inflight++
	sess.inflight++
	metrics.SchedulerInFlight.Inc()
	handle := sess.handle
	slot := &Slot{Ctx: wctx}
	slot.release = func() {
		wcancel()
		s.mu.Lock()
		s.inflight--
		if cur, ok := s.sessions[handle]; ok {
			cur.inflight--
			delete(cur.active, slot)
			s.maybeDropLocked(cur)
		}
		granted := s.dispatchLocked()
		s.mu.Unlock()
		metrics.SchedulerInFlight.Dec()
		for _, g := range granted {
			g.req.grant <- g.slot
		}
	}
	sess.active[slot] = wcancel
	return slot
}

type grantPair struct {
	req  *admitRequest
	slot *Slot
}

// dispatchLocked hands freed capacity to queued sessions in round-robin
// order. The grants are delivered outside the lock by the caller.
func (s *Scheduler) dispatchLocked() []grantPair {
	var out []grantPair
	if s.closed || len(s.ring) == 0 {
		return out
	}
	scanned := 0
	for s.inflight < s.cfg.MaxParallelWrites && scanned < len(s.ring) {
		if s.cursor >= len(s.ring) {
			s.cursor = 0
		}
		handle := s.ring[s.cursor]
		s.cursor++
		scanned++
		sess, ok := s.sessions[handle]
		if !ok || len(sess.queue) == 0 || sess.inflight >= s.cfg.MaxParallelPerSession {
			continue
		}
		req := sess.queue[0]
		sess.queue = sess.queue[1:]
		req.granted = true
		metrics.SchedulerQueueDepth.Dec()
		// The deadline started ticking when the request was enqueued, so
		// queue wait and write share the same 30s budget.
		slot := s.grantLocked(sess, req.wctx, req.wcancel)
		out = append(out, grantPair{req: req, slot: slot})
		// A grant may free per-session room for the same session again;
		// rescan from the top of the ring window.
		scanned = 0
	}
	return out
}

// removeRequestLocked drops an abandoned queue entry.
func (s *Scheduler) removeRequestLocked(sess *schedSession, req *admitRequest) {
	for i, q := range sess.queue {
		if q == req {
			sess.queue = append(sess.queue[:i], sess.queue[i+1:]...)
			metrics.SchedulerQueueDepth.Dec()
			break
		}
	}
	s.maybeDropLocked(sess)
}

// maybeDropLocked forgets a session once it has no queued or in-flight work.
func (s *Scheduler) maybeDropLocked(sess *schedSession) {
	if len(sess.queue) > 0 || sess.inflight > 0 {
		return
	}
	if _, ok := s.sessions[sess.handle]; !ok {
		return
	}
	delete(s.sessions, sess.handle)
	for i, h := range s.ring {
		if h == sess.handle {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			break
		}
	}
}
