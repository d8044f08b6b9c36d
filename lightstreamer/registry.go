package lightstreamer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// registry owns the session's subscriptions. Subscription ids are assigned
// here and never reused while the session is alive.
type registry struct {
	clock  clock.Clock
	logger *slog.Logger
	grace  time.Duration

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func newRegistry(c clock.Clock, grace time.Duration, logger *slog.Logger) *registry {
	return &registry{
		clock:  c,
		logger: logger,
		grace:  grace,
		subs:   make(map[int]*Subscription),
	}
}

func (r *registry) register(spec SubscriptionSpec, listener Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		id:       r.nextID,
		spec:     spec,
		listener: listener,
		logger:   r.logger.With("subID", r.nextID),
		items:    make(map[int]*itemState),
	}
	r.subs[sub.id] = sub
	return sub
}

func (r *registry) lookup(id int) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[id]
}

// retire marks a subscription as unsubscribed but keeps it registered for a
// grace period, so that update frames the server had already queued for its
// id are still absorbed rather than reported as unknown.
func (r *registry) retire(id int) {
	r.mu.RLock()
	sub := r.subs[id]
	r.mu.RUnlock()
	if sub == nil {
		return
	}
	sub.markRetired()
	r.clock.AfterFunc(r.grace, func() { r.remove(id) })
}

func (r *registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func (r *registry) all() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	return subs
}

// detachAll marks every subscription as detached and returns them, so the
// caller can notify their listeners. Subscriptions are not removed: their
// last item state remains available for inspection.
func (r *registry) detachAll() []*Subscription {
	subs := r.all()
	for _, sub := range subs {
		sub.markDetached()
	}
	return subs
}
