package lightstreamer

import (
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UniqueIDs(t *testing.T) {
	r := newRegistry(clock.New(), time.Second, slog.New(slog.DiscardHandler))

	spec := SubscriptionSpec{Group: "item1", Schema: []string{"last"}}
	seen := make(map[int]bool)
	for range 10 {
		sub := r.register(spec, ListenerFuncs{})
		require.False(t, seen[sub.ID()], "id %d reused", sub.ID())
		seen[sub.ID()] = true
		assert.Same(t, sub, r.lookup(sub.ID()))
	}

	// ids are not reused after removal
	sub := r.register(spec, ListenerFuncs{})
	r.remove(sub.ID())
	next := r.register(spec, ListenerFuncs{})
	assert.Greater(t, next.ID(), sub.ID())
}

func TestRegistry_RetireGracePeriod(t *testing.T) {
	mock := clock.NewMock()
	r := newRegistry(mock, 2*time.Second, slog.New(slog.DiscardHandler))

	sub := r.register(SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, ListenerFuncs{})
	r.retire(sub.ID())

	// still registered during the grace period, so in-flight frames find it
	require.NotNil(t, r.lookup(sub.ID()))
	sub.mu.RLock()
	retired := sub.retired
	sub.mu.RUnlock()
	assert.True(t, retired)

	mock.Add(3 * time.Second)
	assert.Eventually(t, func() bool { return r.lookup(sub.ID()) == nil }, time.Second, 10*time.Millisecond)
}

func TestRegistry_DetachAll(t *testing.T) {
	r := newRegistry(clock.New(), time.Second, slog.New(slog.DiscardHandler))
	var subs []*Subscription
	for range 3 {
		subs = append(subs, r.register(SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, ListenerFuncs{}))
	}

	detached := r.detachAll()
	assert.Len(t, detached, 3)
	for _, sub := range subs {
		assert.True(t, sub.Detached())
		// retained for inspection
		assert.NotNil(t, r.lookup(sub.ID()))
	}
}
