package decisionkit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-rails/gatekit/core"
)

func TestPermitCachePutGet(t *testing.T) {
	c := NewPermitCache(time.Minute, nil)

	c.Put("fp-a", core.Decision{Effect: core.EffectAllow, PolicyVersion: "v3"})
	e, ok := c.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, core.EffectAllow, e.Decision.Effect)
	require.Equal(t, "v3", e.PolicyVersion)
	require.False(t, e.StoredAt.IsZero())

	_, ok = c.Get("fp-missing")
	require.False(t, ok)
}

func TestPermitCacheExpiry(t *testing.T) {
	c := NewPermitCache(20*time.Millisecond, nil)

	c.Put("fp-b", core.Decision{Effect: core.EffectAllow})
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("fp-b")
	require.False(t, ok)
}

func TestPermitCacheSweep(t *testing.T) {
	c := NewPermitCache(10*time.Millisecond, nil)

	for i := 0; i < 32; i++ {
		c.Put(fmt.Sprintf("fp-%d", i), core.Decision{Effect: core.EffectAllow})
	}
	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	for _, sh := range c.shards {
		sh.mu.RLock()
		require.Empty(t, sh.entries)
		sh.mu.RUnlock()
	}
}
