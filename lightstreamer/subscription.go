package lightstreamer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
)

// Mode is the subscription mode. Its semantics are defined by the server; the
// client only forwards it and, for COMMAND, tracks the key/command field
// positions reported by the server.
type Mode string

const (
	Merge    Mode = "MERGE"
	Distinct Mode = "DISTINCT"
	Raw      Mode = "RAW"
	Command  Mode = "COMMAND"
)

// SubscriptionSpec describes what to subscribe to.
type SubscriptionSpec struct {
	// DataAdapter selects the data adapter within the adapter set. Defaults
	// to "DEFAULT".
	DataAdapter string
	// Group is the item group: one or more item names, space-separated.
	Group string
	// Schema is the ordered list of field names.
	Schema []string
	// Mode defaults to MERGE.
	Mode Mode
	// Snapshot requests the initial snapshot for each item.
	Snapshot bool
	// MaxFrequency caps the update frequency in updates/second. Zero leaves
	// the server default in place.
	MaxFrequency float64
}

func (s SubscriptionSpec) validate() error {
	if s.Group == "" {
		return fmt.Errorf("%w: empty item group", ErrConfiguration)
	}
	if len(s.Schema) == 0 {
		return fmt.Errorf("%w: empty field schema", ErrConfiguration)
	}
	for _, field := range s.Schema {
		if field == "" || strings.ContainsAny(field, " ,") {
			return fmt.Errorf("%w: invalid field name %q", ErrConfiguration, field)
		}
	}
	switch s.Mode {
	case "", Merge, Distinct, Raw, Command:
	default:
		return fmt.Errorf("%w: invalid mode %q", ErrConfiguration, s.Mode)
	}
	if s.MaxFrequency < 0 {
		return fmt.Errorf("%w: negative max frequency", ErrConfiguration)
	}
	return nil
}

func (s SubscriptionSpec) mode() Mode {
	if s.Mode == "" {
		return Merge
	}
	return s.Mode
}

// Update is delivered to a listener for every update frame. Values is an
// immutable snapshot of the item's full field set after the frame was
// applied; listeners may retain it.
type Update struct {
	// Values holds one entry per schema field.
	Values Values
	// Changed flags the fields this frame delivered. Carried-forward fields
	// are false.
	Changed []bool
	// FieldErrors is nil unless at least one field's delta could not be
	// applied; affected entries wrap ErrFieldDecode and the field keeps its
	// previous value.
	FieldErrors []error
	// Item is the 1-based item index within the subscription's group.
	Item int
	// Snapshot is true when this update is the item's initial snapshot.
	Snapshot bool
}

// Listener receives subscription events. Callbacks run on the session's
// dispatch goroutine, in frame-arrival order; they may call back into the
// session (e.g. Unsubscribe) but should not block for long.
type Listener interface {
	OnUpdate(update Update)
	OnSubscriptionError(code int, message string)
	OnSnapshotEnd(item int)
	OnClearSnapshot(item int)
	OnOverflow(item int, lost int)
	OnConfigured(maxFrequency float64, filtered bool)
	OnSessionEnd(reason error)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil
// callbacks are skipped.
type ListenerFuncs struct {
	Update            func(update Update)
	SubscriptionError func(code int, message string)
	SnapshotEnd       func(item int)
	ClearSnapshot     func(item int)
	Overflow          func(item int, lost int)
	Configured        func(maxFrequency float64, filtered bool)
	SessionEnd        func(reason error)
}

var _ Listener = ListenerFuncs{}

func (l ListenerFuncs) OnUpdate(update Update) {
	if l.Update != nil {
		l.Update(update)
	}
}

func (l ListenerFuncs) OnSubscriptionError(code int, message string) {
	if l.SubscriptionError != nil {
		l.SubscriptionError(code, message)
	}
}

func (l ListenerFuncs) OnSnapshotEnd(item int) {
	if l.SnapshotEnd != nil {
		l.SnapshotEnd(item)
	}
}

func (l ListenerFuncs) OnClearSnapshot(item int) {
	if l.ClearSnapshot != nil {
		l.ClearSnapshot(item)
	}
}

func (l ListenerFuncs) OnOverflow(item int, lost int) {
	if l.Overflow != nil {
		l.Overflow(item, lost)
	}
}

func (l ListenerFuncs) OnConfigured(maxFrequency float64, filtered bool) {
	if l.Configured != nil {
		l.Configured(maxFrequency, filtered)
	}
}

func (l ListenerFuncs) OnSessionEnd(reason error) {
	if l.SessionEnd != nil {
		l.SessionEnd(reason)
	}
}

// Subscription is a live subscription within a session. Item state is
// mutated only by the session's dispatch goroutine; accessors return copies
// and remain valid after the session ends.
type Subscription struct {
	listener Listener
	logger   *slog.Logger
	spec     SubscriptionSpec

	mu    sync.RWMutex
	items map[int]*itemState

	id int

	// set by SUBOK / SUBCMD
	nItems   int
	nFields  int
	keyField int
	cmdField int

	confirmed bool // SUBOK received
	retired   bool // unsubscribed, absorbing in-flight frames until purged
	detached  bool // session ended
}

// ID returns the client-assigned subscription id, unique within the session.
func (s *Subscription) ID() int { return s.id }

// Spec returns the parameters this subscription was created with.
func (s *Subscription) Spec() SubscriptionSpec { return s.spec }

type itemState struct {
	values Values
	// snapshotPending is true until the item's first update (when a snapshot
	// was requested) or until EOS in DISTINCT mode.
	snapshotPending bool
}

// confirm records the item/field counts from SUBOK (or SUBCMD, which adds the
// key and command field positions). The server's field count must match the
// requested schema.
func (s *Subscription) confirm(items, fields, keyField, cmdField int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fields != len(s.spec.Schema) {
		return fmt.Errorf("server confirmed %d fields, schema has %d", fields, len(s.spec.Schema))
	}
	s.nItems = items
	s.nFields = fields
	s.keyField = keyField
	s.cmdField = cmdField
	s.confirmed = true
	return nil
}

// applyUpdate folds an update frame's field tokens into the item's state and
// returns the resulting listener event.
func (s *Subscription) applyUpdate(item int, tokens []protocol.FieldToken) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.confirmed {
		return Update{}, fmt.Errorf("update before subscription was confirmed")
	}
	if item < 1 || (s.nItems > 0 && item > s.nItems) {
		return Update{}, fmt.Errorf("item %d out of range (1-%d)", item, s.nItems)
	}
	state, ok := s.items[item]
	if !ok {
		state = &itemState{
			values:          newValues(s.nFields),
			snapshotPending: s.spec.Snapshot,
		}
		s.items[item] = state
	}
	next, changed, fieldErrs, err := state.values.Apply(tokens)
	if err != nil {
		return Update{}, err
	}
	snapshot := state.snapshotPending
	if snapshot && s.mode() != Distinct {
		// in DISTINCT mode the snapshot phase lasts until EOS
		state.snapshotPending = false
	}
	state.values = next
	return Update{
		Item:        item,
		Values:      next.clone(),
		Changed:     changed,
		FieldErrors: fieldErrs,
		Snapshot:    snapshot,
	}, nil
}

func (s *Subscription) endSnapshot(item int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.items[item]; ok {
		state.snapshotPending = false
	}
}

// clearItem drops the stored state for an item (CS frame): the next update
// starts from scratch, as a snapshot if one was requested.
func (s *Subscription) clearItem(item int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, item)
}

func (s *Subscription) mode() Mode { return s.spec.mode() }

func (s *Subscription) markRetired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
}

func (s *Subscription) markDetached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

// Detached reports whether the subscription's session has ended. A detached
// subscription no longer receives updates but retains its last item state.
func (s *Subscription) Detached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detached
}

// LastValues returns the last known field values for an item, or nil if the
// item has not received any update.
func (s *Subscription) LastValues(item int) Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[item]
	if !ok {
		return nil
	}
	return state.values.clone()
}
