package sessionkit

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

type captureSink struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (c *captureSink) FlushSessions(_ context.Context, snaps []Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.snaps = append(c.snaps, snaps...)
	return nil
}

func ids(usid string) core.SessionID {
	return core.SessionID{USID: usid, WSID: "wf-1", ASID: "ag-1", MSID: "mcp-1"}
}

func TestTouchCreatesOnFirstContact(t *testing.T) {
	g := NewGraph()

	snap := g.Touch(ids("u1"), core.Resource{ID: "tool:search"})
	require.NotEmpty(t, snap.RecordID)
	require.Equal(t, 1, snap.DistinctResources)
	require.False(t, snap.CreatedAt.IsZero())

	again := g.Touch(ids("u1"), core.Resource{ID: "tool:search"})
	require.Equal(t, snap.RecordID, again.RecordID)
	require.Equal(t, 1, again.DistinctResources)
}

func TestDifferentTuplesAreDifferentSessions(t *testing.T) {
	g := NewGraph()

	a := g.Touch(ids("u1"), core.Resource{})
	b := g.Touch(ids("u2"), core.Resource{})
	// A partial tuple never correlates with a full one.
	c := g.Touch(core.SessionID{USID: "u1"}, core.Resource{})

	require.NotEqual(t, a.RecordID, b.RecordID)
	require.NotEqual(t, a.RecordID, c.RecordID)
}

func TestConcurrentFirstContactSingleWinner(t *testing.T) {
	g := NewGraph()

	const n = 64
	records := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i] = g.Touch(ids("contested"), core.Resource{ID: fmt.Sprintf("r%d", i)}).RecordID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, records[0], records[i], "all racers must observe one record")
	}
}

func TestFanoutFlagRaisesRisk(t *testing.T) {
	g := NewGraph(WithFanoutThreshold(5))

	var snap Snapshot
	for i := 0; i <= 6; i++ {
		snap = g.Touch(ids("fan"), core.Resource{ID: fmt.Sprintf("tool:%d", i)})
	}
	require.Contains(t, snap.AnomalyFlags, "resource_fanout")
	require.InDelta(t, 0.3, snap.RiskScore, 1e-9)

	// The flag is raised once; more fanout does not stack risk.
	snap = g.Touch(ids("fan"), core.Resource{ID: "tool:yet-another"})
	require.InDelta(t, 0.3, snap.RiskScore, 1e-9)
}

func TestMarkStaleSetsWatermark(t *testing.T) {
	g := NewGraph()
	lastFresh := time.Now().Add(-2 * time.Minute)

	snap := g.MarkStale(ids("st"), "pip:tool:search", lastFresh)
	require.Contains(t, snap.AnomalyFlags, "stale_pip:tool:search")
	require.InDelta(t, 0.2, snap.RiskScore, 1e-9)
	require.True(t, snap.Stale("pip:tool:search", time.Minute))
	require.False(t, snap.Stale("pip:tool:search", 5*time.Minute))
}

func TestPeekDoesNotCreate(t *testing.T) {
	g := NewGraph()

	_, ok := g.Peek(ids("ghost"))
	require.False(t, ok)

	g.Touch(ids("ghost"), core.Resource{})
	snap, ok := g.Peek(ids("ghost"))
	require.True(t, ok)
	require.NotEmpty(t, snap.RecordID)
}

func TestFlushSendsDirtyOnce(t *testing.T) {
	sink := &captureSink{}
	g := NewGraph(WithFlushSink(sink))
	ctx := context.Background()

	g.Touch(ids("f1"), core.Resource{ID: "a"})
	g.Flush(ctx)
	require.Len(t, sink.snaps, 1)

	// Clean sessions are not re-sent.
	g.Flush(ctx)
	require.Len(t, sink.snaps, 1)

	g.Touch(ids("f1"), core.Resource{ID: "b"})
	g.Flush(ctx)
	require.Len(t, sink.snaps, 2)
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	sink := &captureSink{err: errors.New("pg down")}
	g := NewGraph(WithFlushSink(sink))
	ctx := context.Background()

	g.Touch(ids("f2"), core.Resource{})
	g.Flush(ctx)
	require.Empty(t, sink.snaps)

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	// The record stayed dirty, so the next interval retries it.
	g.Flush(ctx)
	require.Len(t, sink.snaps, 1)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	g := NewGraph(WithIdleTTL(10 * time.Millisecond))

	g.Touch(ids("idle"), core.Resource{})
	time.Sleep(20 * time.Millisecond)
	g.Touch(ids("active"), core.Resource{})
	g.Sweep()

	_, ok := g.Peek(ids("idle"))
	require.False(t, ok)
	_, ok = g.Peek(ids("active"))
	require.True(t, ok)
}
