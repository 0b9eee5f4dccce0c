package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTier() *Tier {
	return NewTier(Options{
		DefaultTTL:     map[Kind]time.Duration{KindMessages: time.Hour, KindGroups: time.Hour},
		CheckPeriod:    map[Kind]time.Duration{KindMessages: time.Hour, KindGroups: time.Hour},
		PerEntityMax:   0,
		GlobalMax:      0,
		KeepAfterClean: 0,
	})
}

func TestSetGetRoundTrip(t *testing.T) {
	tier := newTestTier()
	defer tier.Shutdown()

	tier.Set(KindMessages, "m1", "hello")
	v, ok := tier.Get(KindMessages, "m1")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestGetExpired(t *testing.T) {
	tier := newTestTier()
	defer tier.Shutdown()

	tier.SetTTL(KindMessages, "m1", "hello", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := tier.Get(KindMessages, "m1")
	assert.False(t, ok, "expired entry must not be returned")
}

func TestGetMissingKey(t *testing.T) {
	tier := newTestTier()
	defer tier.Shutdown()

	_, ok := tier.Get(KindMessages, "nope")
	assert.False(t, ok)
}

func TestPerEntityEviction(t *testing.T) {
	tier := NewTier(Options{
		DefaultTTL:     map[Kind]time.Duration{KindMessages: time.Hour},
		CheckPeriod:    map[Kind]time.Duration{KindMessages: time.Hour},
		PerEntityMax:   3,
		KeepAfterClean: 1,
	})
	defer tier.Shutdown()

	for i := 0; i < 5; i++ {
		tier.Set(KindMessages, string(rune('a'+i)), i)
		time.Sleep(time.Millisecond) // ensure distinct lastAccess ordering
	}

	tier.mu.Lock()
	n := len(tier.caches[KindMessages])
	tier.mu.Unlock()
	assert.LessOrEqual(t, n, 3, "eviction should have kept the cache within its per-entity threshold")
}

func TestRecentsBoundedDeque(t *testing.T) {
	tier := newTestTier()
	defer tier.Shutdown()

	for i := 0; i < recentsMaxPerChat+10; i++ {
		tier.PushRecent("chat1", string(rune('a'+(i%26))))
	}

	recents := tier.Recents("chat1")
	assert.Len(t, recents, recentsMaxPerChat)
}

func TestFlushEmitsEvents(t *testing.T) {
	tier := newTestTier()
	defer tier.Shutdown()

	tier.Set(KindGroups, "g1", "x")
	tier.Flush(KindGroups)

	_, ok := tier.Get(KindGroups, "g1")
	assert.False(t, ok)

	select {
	case ev := <-tier.Events():
		assert.Equal(t, Event{Kind: KindGroups, Op: "flush", Key: "g1"}, ev)
	case <-time.After(time.Second):
		t.Fatal("Flush emitted no event")
	}
}
