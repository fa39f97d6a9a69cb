package replaykit

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
)

// Guard is the local replay detector: a two-generation rotating bloom
// filter (zero false negatives within retention, bounded false positives)
// in front of a bounded exact buffer for confirmation, with asynchronous
// write-through to the shared cluster store.
//
// The local record and the write-through enqueue both happen before Check
// returns fresh; reordering either would open a replay window.
type Guard struct {
	store          SharedStore
	log            *logrus.Logger
	metrics        *metricskit.Registry
	capacity       uint
	falsePositive  float64
	exactSize      int
	escalateWindow time.Duration

	mu         sync.Mutex
	cur, prev  *bloom.BloomFilter
	rotatedAt  time.Time
	rotateTTL  time.Duration
	exact      map[string]time.Time
	order      []string
	head       int
	count      int

	writes chan writeReq
	done   chan struct{}
	wg     sync.WaitGroup
}

type writeReq struct {
	jti string
	ttl time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithFilterCapacity sets the expected jti volume per rotation window and
// the target false-positive rate of the filter.
func WithFilterCapacity(n uint, fp float64) GuardOption {
	return func(g *Guard) {
		g.capacity = n
		g.falsePositive = fp
	}
}

// WithExactBufferSize bounds the exact confirmation buffer. Size it so the
// shared-store disambiguation path stays rare.
func WithExactBufferSize(n int) GuardOption {
	return func(g *Guard) { g.exactSize = n }
}

// WithEscalateTimeout bounds the synchronous disambiguation call to the
// shared store; expiry of this timeout denies the entry.
func WithEscalateTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.escalateWindow = d }
}

// WithRotation sets the bloom generation rotation interval, which should
// match the access-token TTL.
func WithRotation(ttl time.Duration) GuardOption {
	return func(g *Guard) { g.rotateTTL = ttl }
}

// WithGuardLogger sets the structured logger.
func WithGuardLogger(log *logrus.Logger) GuardOption {
	return func(g *Guard) { g.log = log }
}

// WithGuardMetrics sets the metrics registry.
func WithGuardMetrics(m *metricskit.Registry) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard builds a replay guard writing through to the given shared
// store. A nil store disables cluster coordination; the uncertain
// disambiguation case then denies.
func NewGuard(store SharedStore, opts ...GuardOption) *Guard {
	g := &Guard{
		store:          store,
		log:            logrus.StandardLogger(),
		capacity:       1 << 20,
		falsePositive:  0.001,
		exactSize:      1 << 16,
		escalateWindow: 25 * time.Millisecond,
		rotateTTL:      5 * time.Minute,
		rotatedAt:      time.Now(),
		writes:         make(chan writeReq, 4096),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cur = bloom.NewWithEstimates(g.capacity, g.falsePositive)
	g.prev = bloom.NewWithEstimates(g.capacity, g.falsePositive)
	g.exact = make(map[string]time.Time, g.exactSize)
	g.order = make([]string, g.exactSize)
	g.wg.Add(1)
	go g.writeLoop()
	return g
}

// Check records the jti if fresh, or returns a *core.DenyError with
// ReplayDetected if it was already observed within ttl. The local record
// and the shared-store enqueue complete before a fresh result is
// returned, and neither is abandoned on caller cancellation.
func (g *Guard) Check(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return core.Denyf(core.CodeProofMismatch, "empty jti")
	}
	start := time.Now()
	defer func() { g.metrics.ObserveLatency("replay_check", time.Since(start)) }()

	now := time.Now()

	g.mu.Lock()
	g.maybeRotate(now)

	if !g.cur.TestString(jti) && !g.prev.TestString(jti) {
		if ttl <= g.filterCoverageLocked(now) {
			// Definitive miss: the filter has zero false negatives
			// inside its retention window, so no prior observation
			// exists locally.
			g.recordLocked(jti, now)
			g.mu.Unlock()
			g.enqueueWrite(jti, ttl)
			return nil
		}
		// The requested window reaches past what the two generations
		// retain; an observation could have rotated out of both. Treat
		// the miss as authoritative-uncertain.
		g.mu.Unlock()
		return g.escalate(ctx, jti, ttl, now)
	}

	// Filter hit: confirm against the exact buffer.
	seenAt, confirmed := g.exact[jti]
	covered := g.coversLocked(now, ttl)
	g.mu.Unlock()

	if confirmed {
		if now.Sub(seenAt) < ttl {
			g.metrics.IncReplayBlock()
			return core.Denyf(core.CodeReplayDetected, "jti observed %s ago", now.Sub(seenAt).Round(time.Millisecond))
		}
		// The previous observation aged out of its window; the jti is
		// usable again.
		g.mu.Lock()
		g.recordLocked(jti, now)
		g.mu.Unlock()
		g.enqueueWrite(jti, ttl)
		return nil
	}
	if covered {
		// The exact buffer still covers the full TTL window, so the
		// filter hit was a false positive.
		g.mu.Lock()
		g.recordLocked(jti, now)
		g.mu.Unlock()
		g.enqueueWrite(jti, ttl)
		return nil
	}

	// The buffer rotated past the retention horizon: authoritative-
	// uncertain. This is the sole case allowed to touch the shared store
	// synchronously on the hot path, bounded by a short timeout with
	// deny-on-timeout.
	return g.escalate(ctx, jti, ttl, now)
}

// filterCoverageLocked is the window over which a filter miss is
// definitive: the previous generation retains everything observed since
// one full rotation interval before the last rotation.
func (g *Guard) filterCoverageLocked(now time.Time) time.Duration {
	return now.Sub(g.rotatedAt) + g.rotateTTL
}

// maybeRotate shifts the bloom generations once per rotation window so
// entries remain queryable for at least one full TTL.
func (g *Guard) maybeRotate(now time.Time) {
	if now.Sub(g.rotatedAt) < g.rotateTTL {
		return
	}
	g.prev, g.cur = g.cur, g.prev
	g.cur.ClearAll()
	g.rotatedAt = now
}

// recordLocked inserts into the filter and exact buffer, evicting the
// oldest exact entry once the buffer is full.
func (g *Guard) recordLocked(jti string, now time.Time) {
	g.cur.AddString(jti)
	if _, exists := g.exact[jti]; exists {
		g.exact[jti] = now
		return
	}
	if g.count == g.exactSize {
		evict := g.order[g.head]
		delete(g.exact, evict)
		g.count--
	}
	g.order[g.head] = jti
	g.head = (g.head + 1) % g.exactSize
	g.exact[jti] = now
	g.count++
}

// coversLocked reports whether the exact buffer still retains everything
// observed within the last ttl, making a buffer miss authoritative.
func (g *Guard) coversLocked(now time.Time, ttl time.Duration) bool {
	if g.count < g.exactSize {
		return true
	}
	oldestIdx := g.head // with a full buffer, head points at the oldest entry
	oldest := g.exact[g.order[oldestIdx]]
	return now.Sub(oldest) >= ttl
}

func (g *Guard) escalate(ctx context.Context, jti string, ttl time.Duration, now time.Time) error {
	if g.store == nil {
		g.metrics.IncReplayBlock()
		return core.Denyf(core.CodeReplayDetected, "uncertain jti with no shared store")
	}
	// Detached from the caller: a cancelled request must not resurrect
	// the replay window.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.escalateWindow)
	defer cancel()
	fresh, err := g.store.PutIfAbsent(sctx, jti, ttl)
	if err != nil {
		g.log.WithFields(logrus.Fields{"jti": jti, "error": err}).Warn("replay disambiguation failed, denying")
		g.metrics.IncReplayBlock()
		return core.Denyf(core.CodeReplayDetected, "shared store disambiguation unavailable")
	}
	if !fresh {
		g.metrics.IncReplayBlock()
		return core.Denyf(core.CodeReplayDetected, "jti present in shared store")
	}
	g.mu.Lock()
	g.recordLocked(jti, now)
	g.mu.Unlock()
	return nil
}

// enqueueWrite hands the jti to the background write-through. A full
// queue falls back to a bounded synchronous write rather than dropping
// the record.
func (g *Guard) enqueueWrite(jti string, ttl time.Duration) {
	if g.store == nil {
		return
	}
	select {
	case g.writes <- writeReq{jti: jti, ttl: ttl}:
	default:
		g.writeThrough(writeReq{jti: jti, ttl: ttl})
	}
}

func (g *Guard) writeLoop() {
	defer g.wg.Done()
	for {
		select {
		case req := <-g.writes:
			g.writeThrough(req)
		case <-g.done:
			// Drain what is queued so shutdown does not lose records.
			for {
				select {
				case req := <-g.writes:
					g.writeThrough(req)
				default:
					return
				}
			}
		}
	}
}

func (g *Guard) writeThrough(req writeReq) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := g.store.PutIfAbsent(ctx, req.jti, req.ttl); err != nil {
		g.log.WithFields(logrus.Fields{"jti": req.jti, "error": err}).Warn("replay write-through failed")
	}
}

// Close stops the write-through worker after draining pending records.
func (g *Guard) Close() error {
	close(g.done)
	g.wg.Wait()
	return nil
}
