package replaykit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-rails/gatekit/core"
)

// stubStore is a synchronized in-memory SharedStore with optional
// failure injection.
type stubStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttls map[string]time.Duration
	err  error
}

func newStubStore() *stubStore {
	return &stubStore{seen: map[string]time.Time{}, ttls: map[string]time.Duration{}}
}

func (s *stubStore) PutIfAbsent(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if at, ok := s.seen[jti]; ok && time.Since(at) < s.ttls[jti] {
		return false, nil
	}
	s.seen[jti] = time.Now()
	s.ttls[jti] = ttl
	return true, nil
}

func (s *stubStore) has(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[jti]
	return ok
}

func TestGuardFreshThenReplay(t *testing.T) {
	g := NewGuard(nil)
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "jti-1", time.Minute))

	err := g.Check(ctx, "jti-1", time.Minute)
	require.Error(t, err)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
}

func TestGuardEmptyJTI(t *testing.T) {
	g := NewGuard(nil)
	defer g.Close()

	err := g.Check(context.Background(), "", time.Minute)
	require.Equal(t, core.CodeProofMismatch, core.CodeOf(err))
}

func TestGuardReuseAfterTTL(t *testing.T) {
	g := NewGuard(nil)
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "jti-ttl", 30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	// The earlier observation aged out of its window.
	require.NoError(t, g.Check(ctx, "jti-ttl", 30*time.Millisecond))
}

func TestGuardDistinctIDsAllPass(t *testing.T) {
	g := NewGuard(nil)
	defer g.Close()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, g.Check(ctx, fmt.Sprintf("jti-%d", i), time.Minute))
	}
	for i := 0; i < 1000; i++ {
		err := g.Check(ctx, fmt.Sprintf("jti-%d", i), time.Minute)
		require.Equal(t, core.CodeReplayDetected, core.CodeOf(err), "jti-%d must stay blocked", i)
	}
}

func TestGuardWritesThrough(t *testing.T) {
	store := newStubStore()
	g := NewGuard(store)
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "jti-shared", time.Minute))
	require.NoError(t, g.Close()) // drains the write queue

	require.True(t, store.has("jti-shared"))
}

func TestGuardEscalatesWhenBufferRotated(t *testing.T) {
	store := newStubStore()
	g := NewGuard(store, WithExactBufferSize(4))
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "evicted", time.Minute))
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Check(ctx, fmt.Sprintf("filler-%d", i), time.Minute))
	}

	// Wait for the background write-through to land.
	require.Eventually(t, func() bool { return store.has("evicted") }, time.Second, 5*time.Millisecond)

	// "evicted" is out of the exact buffer but still in the filter and in
	// the shared store: disambiguation must deny it.
	err := g.Check(ctx, "evicted", time.Minute)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
}

func TestGuardUncertainWithoutStoreDenies(t *testing.T) {
	g := NewGuard(nil, WithExactBufferSize(4))
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "evicted", time.Minute))
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Check(ctx, fmt.Sprintf("filler-%d", i), time.Minute))
	}

	err := g.Check(ctx, "evicted", time.Minute)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
}

func TestGuardStoreErrorDenies(t *testing.T) {
	store := newStubStore()
	g := NewGuard(store, WithExactBufferSize(4))
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "evicted", time.Minute))
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Check(ctx, fmt.Sprintf("filler-%d", i), time.Minute))
	}

	store.mu.Lock()
	store.err = errors.New("redis down")
	store.mu.Unlock()

	err := g.Check(ctx, "evicted", time.Minute)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
}

func TestGuardBloomRotationKeepsLongWindowBlocked(t *testing.T) {
	store := newStubStore()
	g := NewGuard(store, WithRotation(30*time.Millisecond))
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, "long-lived", time.Minute))
	require.Eventually(t, func() bool { return store.has("long-lived") }, time.Second, 5*time.Millisecond)

	// Drive two rotations so both generations drop the entry.
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, g.Check(ctx, "rotate-1", 10*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, g.Check(ctx, "rotate-2", 10*time.Millisecond))

	err := g.Check(ctx, "long-lived", time.Minute)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err),
		"a jti inside its window must stay blocked across filter rotations")
}

func TestGuardLongWindowBeyondRetentionDeniesWithoutStore(t *testing.T) {
	g := NewGuard(nil, WithRotation(30*time.Millisecond))
	defer g.Close()

	// The filter can only vouch for one rotation interval; a longer
	// window is authoritative-uncertain, and without a shared store
	// uncertainty denies.
	err := g.Check(context.Background(), "never-seen", time.Minute)
	require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
}

func TestGuardConcurrentSameJTI(t *testing.T) {
	g := NewGuard(nil)
	defer g.Close()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Check(ctx, "contested", time.Minute)
		}(i)
	}
	wg.Wait()

	passed := 0
	for _, err := range results {
		if err == nil {
			passed++
		} else {
			require.Equal(t, core.CodeReplayDetected, core.CodeOf(err))
		}
	}
	require.Equal(t, 1, passed, "exactly one concurrent use may pass")
}
