package lightstreamer

import (
	"log/slog"
	"sync"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
)

// dispatcher routes data frames to their subscriptions and hands listener
// callbacks to a dedicated consumer goroutine, so a listener can safely call
// back into the session (subscribe, unsubscribe) without re-entering the
// frame loop. Events are queued in arrival order and never reordered.
type dispatcher struct {
	registry *registry
	logger   *slog.Logger
	metrics  *Metrics
	events   chan func()
	done     chan struct{}

	closeOnce sync.Once
}

func newDispatcher(reg *registry, buffer int, metrics *Metrics, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		registry: reg,
		logger:   logger,
		metrics:  metrics,
		events:   make(chan func(), buffer),
		done:     make(chan struct{}),
	}
}

func (d *dispatcher) run() {
	for event := range d.events {
		event()
	}
	close(d.done)
}

// handle processes one data frame. It runs on the session loop, which is the
// sole producer of listener events.
func (d *dispatcher) handle(frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.SubOK:
		d.confirm(f.SubID, f.Items, f.Fields, 0, 0)
	case protocol.SubCmd:
		d.confirm(f.SubID, f.Items, f.Fields, f.KeyField, f.CmdField)
	case protocol.Unsub:
		d.logger.Debug("subscription removed by server", "subID", f.SubID)
		d.registry.retire(f.SubID)
	case protocol.EOS:
		if sub := d.subscription(f.SubID); sub != nil {
			sub.endSnapshot(f.Item)
			d.deliver(sub, func() { sub.listener.OnSnapshotEnd(f.Item) })
		}
	case protocol.CS:
		if sub := d.subscription(f.SubID); sub != nil {
			sub.clearItem(f.Item)
			d.deliver(sub, func() { sub.listener.OnClearSnapshot(f.Item) })
		}
	case protocol.OV:
		if sub := d.subscription(f.SubID); sub != nil {
			sub.logger.Warn("updates lost to buffer overflow", "item", f.Item, "lost", f.Lost)
			d.deliver(sub, func() { sub.listener.OnOverflow(f.Item, f.Lost) })
		}
	case protocol.Conf:
		if sub := d.subscription(f.SubID); sub != nil {
			d.deliver(sub, func() { sub.listener.OnConfigured(f.MaxFrequency, f.Filtered) })
		}
	case protocol.U:
		d.update(f)
	}
}

func (d *dispatcher) confirm(subID, items, fields, keyField, cmdField int) {
	sub := d.subscription(subID)
	if sub == nil {
		return
	}
	if err := sub.confirm(items, fields, keyField, cmdField); err != nil {
		sub.logger.Error("subscription confirmation rejected", "err", err)
		d.deliver(sub, func() { sub.listener.OnSubscriptionError(0, err.Error()) })
	}
}

func (d *dispatcher) update(f protocol.U) {
	sub := d.subscription(f.SubID)
	if sub == nil {
		return
	}
	update, err := sub.applyUpdate(f.Item, f.Tokens)
	if err != nil {
		d.metrics.decodeError()
		sub.logger.Warn("dropping update", "item", f.Item, "err", err)
		return
	}
	d.metrics.update()
	d.deliver(sub, func() { sub.listener.OnUpdate(update) })
}

func (d *dispatcher) subscription(subID int) *Subscription {
	sub := d.registry.lookup(subID)
	if sub == nil {
		d.metrics.droppedEvent()
		d.logger.Warn("frame for unknown subscription", "subID", subID)
	}
	return sub
}

// deliver queues a listener callback. Frames for a retired subscription are
// still applied to its item state but no longer reach the listener.
func (d *dispatcher) deliver(sub *Subscription, event func()) {
	sub.mu.RLock()
	gone := sub.retired || sub.detached
	sub.mu.RUnlock()
	if gone {
		return
	}
	d.events <- event
}

// sessionEnd notifies every listener that the session is over. Called once,
// right before close.
func (d *dispatcher) sessionEnd(reason error, subs []*Subscription) {
	for _, sub := range subs {
		listener := sub.listener
		d.events <- func() { listener.OnSessionEnd(reason) }
	}
}

// close stops the consumer once all queued events have been delivered.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.events) })
	<-d.done
}
