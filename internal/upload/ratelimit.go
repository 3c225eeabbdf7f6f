package upload

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketClass selects which independent token bucket a request consumes.
type BucketClass int

const (
	// BucketGeneral covers init, complete, status, resume, and abort calls.
	BucketGeneral BucketClass = iota
	// BucketUpload covers chunk writes.
	BucketUpload
	// BucketMonitoring covers monitoring endpoints.
	BucketMonitoring
)

// BucketLimits configures each class as requests per window.
type BucketLimits struct {
	General    int
	Upload     int
	Monitoring int
	Window     time.Duration
}

// DefaultBucketLimits mirrors the documented per-IP policy.
func DefaultBucketLimits() BucketLimits {
	return BucketLimits{General: 100, Upload: 1000, Monitoring: 500, Window: 60 * time.Second}
}

// clientBuckets holds the three independent buckets for one client identity.
type clientBuckets struct {
	general    *rate.Limiter
	upload     *rate.Limiter
	monitoring *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// Limiter applies per-client token buckets keyed by best-effort identity
// (client IP). Entries are kept in a sync.Map and reaped when idle.
type Limiter struct {
	limits  BucketLimits
	clients sync.Map // identity -> *clientBuckets
}

// NewLimiter creates a limiter with the given per-class limits.
func NewLimiter(limits BucketLimits) *Limiter {
	if limits.Window <= 0 {
		limits.Window = 60 * time.Second
	}
	return &Limiter{limits: limits}
}

func newBucket(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
}

func (l *Limiter) buckets(identity string) *clientBuckets {
	if val, ok := l.clients.Load(identity); ok {
		cb := val.(*clientBuckets)
		cb.mu.Lock()
		cb.lastAccess = time.Now()
		cb.mu.Unlock()
		return cb
	}
	cb := &clientBuckets{
		general:    newBucket(l.limits.General, l.limits.Window),
		upload:     newBucket(l.limits.Upload, l.limits.Window),
		monitoring: newBucket(l.limits.Monitoring, l.limits.Window),
		lastAccess: time.Now(),
	}
	if actual, loaded := l.clients.LoadOrStore(identity, cb); loaded {
		return actual.(*clientBuckets)
	}
	return cb
}

// Allow consumes one token from the class bucket for identity. On denial it
// returns a RateLimited error carrying a retry hint.
func (l *Limiter) Allow(identity string, class BucketClass) (time.Duration, error) {
	cb := l.buckets(identity)
	var lim *rate.Limiter
	switch class {
	case BucketUpload:
		lim = cb.upload
	case BucketMonitoring:
		lim = cb.monitoring
	default:
		lim = cb.general
	}
	if lim.Allow() {
		return 0, nil
	}
	// Reserve without consuming to learn when a token frees up.
	res := lim.Reserve()
	retry := res.Delay()
	res.Cancel()
	return retry, newError(KindRateLimited, "rate limit exceeded for %s", identity)
}

// Cleanup removes client entries idle longer than maxIdle to bound memory.
func (l *Limiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.clients.Range(func(key, value interface{}) bool {
		cb := value.(*clientBuckets)
		cb.mu.Lock()
		stale := cb.lastAccess.Before(cutoff)
		cb.mu.Unlock()
		if stale {
			l.clients.Delete(key)
		}
		return true
	})
}
