// Package store holds the canonical, versioned collections of fleet resources.
//
// The store has two layers. The authoritative layer is fed by registry
// snapshots and push patches. The overlay holds the subscription a pending or
// just-confirmed command expects a receiver to have, and is composed on top of
// the authoritative layer only when a View is taken, so discarding an overlay
// entry restores the last known-good value.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// stampKey identifies one field group of one entity.
type stampKey struct {
	kind  schemas.ResourceKind
	id    string
	group string
}

type overlayEntry struct {
	sub       schemas.Subscription
	commandID string
	confirmed bool
	// generation at which the entry was staged or confirmed.
	generation uint64
	// previous is the confirmed entry this one replaced. Discard restores it.
	previous *overlayEntry
}

// Store provides the in-memory implementation of the resource state.
// All mutators are safe for concurrent use, but the engine serializes them
// through a single goroutine so application order is FIFO.
type Store struct {
	mu         sync.RWMutex
	generation atomic.Uint64
	log        *zap.Logger

	nodes     *collection[schemas.ResourceNode]
	devices   *collection[schemas.ResourceDevice]
	senders   *collection[schemas.ResourceSender]
	receivers *collection[schemas.ResourceReceiver]

	// stamps records the generation at which a field group was last patched.
	stamps  map[stampKey]uint64
	overlay map[string]overlayEntry
}

// New creates an empty store at generation zero.
func New(logger *zap.Logger) *Store {
	return &Store{
		log:       logger.Named("store"),
		nodes:     newNodes(),
		devices:   newDevices(),
		senders:   newSenders(),
		receivers: newReceivers(),
		stamps:    make(map[stampKey]uint64),
		overlay:   make(map[string]overlayEntry),
	}
}

func newNodes() *collection[schemas.ResourceNode] {
	return newCollection(schemas.KindNode, func(r schemas.ResourceNode) string { return r.ID })
}

func newDevices() *collection[schemas.ResourceDevice] {
	return newCollection(schemas.KindDevice, func(r schemas.ResourceDevice) string { return r.ID })
}

func newSenders() *collection[schemas.ResourceSender] {
	return newCollection(schemas.KindSender, func(r schemas.ResourceSender) string { return r.ID })
}

func newReceivers() *collection[schemas.ResourceReceiver] {
	return newCollection(schemas.KindReceiver, func(r schemas.ResourceReceiver) string { return r.ID })
}

// Generation returns the current generation without taking the lock.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// ApplySnapshot replaces all four member sets in one step.
//
// fetchStartedAt is the generation observed when the fetch that produced snap
// began. Field groups patched after that point are carried over onto the
// entities the snapshot still contains; everything else takes the snapshot
// value. Confirmed overlay entries older than the fetch are dropped.
func (s *Store) ApplySnapshot(snap *schemas.Snapshot, fetchStartedAt uint64) uint64 {
	if snap == nil {
		return s.Generation()
	}

	next := map[schemas.ResourceKind]patchable{
		schemas.KindNode:     loadCollection(newNodes(), snap.Nodes, s.log),
		schemas.KindDevice:   loadCollection(newDevices(), snap.Devices, s.log),
		schemas.KindSender:   loadCollection(newSenders(), snap.Senders, s.log),
		schemas.KindReceiver: loadCollection(newReceivers(), snap.Receivers, s.log),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.collections()
	carried := 0
	for key, stampedAt := range s.stamps {
		target := next[key.kind]
		if stampedAt <= fetchStartedAt || !target.has(key.id) {
			delete(s.stamps, key)
			continue
		}
		if err := target.carry(current[key.kind], key.id, key.group); err != nil {
			s.log.Warn("Could not carry patched field over snapshot",
				observability.Kind(key.kind),
				zap.String("id", key.id),
				zap.String("field", key.group),
				zap.Error(err))
			delete(s.stamps, key)
			continue
		}
		carried++
	}

	for receiverID, entry := range s.overlay {
		switch {
		case entry.confirmed && entry.generation <= fetchStartedAt:
			delete(s.overlay, receiverID)
		case entry.previous != nil && entry.previous.generation <= fetchStartedAt:
			entry.previous = nil
			s.overlay[receiverID] = entry
		}
	}

	s.nodes = next[schemas.KindNode].(*collection[schemas.ResourceNode])
	s.devices = next[schemas.KindDevice].(*collection[schemas.ResourceDevice])
	s.senders = next[schemas.KindSender].(*collection[schemas.ResourceSender])
	s.receivers = next[schemas.KindReceiver].(*collection[schemas.ResourceReceiver])

	gen := s.generation.Add(1)
	s.log.Debug("Snapshot applied",
		observability.Generation(gen),
		zap.Uint64("fetch_started_at", fetchStartedAt),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("devices", len(snap.Devices)),
		zap.Int("senders", len(snap.Senders)),
		zap.Int("receivers", len(snap.Receivers)),
		zap.Int("carried_fields", carried))
	return gen
}

// ApplyPatch merges fields into the record kind/id, creating it if absent.
// Unknown or ill-typed fields are skipped with a warning. A nil value resets
// the field to its zero value.
func (s *Store) ApplyPatch(kind schemas.ResourceKind, id string, fields map[string]any) (uint64, error) {
	if id == "" {
		return s.Generation(), fmt.Errorf("patch for %s has no id", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections()[kind]
	if !ok {
		return s.Generation(), fmt.Errorf("unknown resource kind %q", kind)
	}

	applied, created, skipped := c.patch(id, fields)
	for _, sk := range skipped {
		s.log.Warn("Skipping patch field",
			observability.Kind(kind),
			zap.String("id", id),
			zap.String("field", sk.field),
			zap.String("reason", sk.reason))
	}
	if len(applied) == 0 && !created {
		return s.Generation(), nil
	}

	gen := s.generation.Add(1)
	for _, field := range applied {
		s.stamps[stampKey{kind: kind, id: id, group: field}] = gen
		if kind == schemas.KindReceiver && field == subscriptionGroup {
			s.dropConfirmedLocked(id)
		}
	}
	if created {
		s.log.Debug("Patch created record ahead of snapshot",
			observability.Kind(kind), zap.String("id", id))
	}
	return gen, nil
}

// PatchSubscription merges p into the subscription of receiverID only.
func (s *Store) PatchSubscription(receiverID string, p schemas.SubscriptionPatch) (uint64, error) {
	if receiverID == "" {
		return s.Generation(), fmt.Errorf("subscription patch has no receiver id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.receivers.get(receiverID)
	if !ok {
		rec = schemas.ResourceReceiver{ID: receiverID}
		s.log.Debug("Subscription patch created receiver ahead of snapshot", zap.String("id", receiverID))
	}
	rec.Subscription = p.Apply(rec.Subscription)
	s.receivers.put(receiverID, rec)

	gen := s.generation.Add(1)
	s.stamps[stampKey{kind: schemas.KindReceiver, id: receiverID, group: subscriptionGroup}] = gen
	s.dropConfirmedLocked(receiverID)
	return gen, nil
}

// dropConfirmedLocked removes a confirmed overlay once fresher authoritative
// data for that receiver arrives. Pending entries stay until their command
// ends, but no longer fall back to the confirmed entry they replaced.
func (s *Store) dropConfirmedLocked(receiverID string) {
	entry, ok := s.overlay[receiverID]
	switch {
	case !ok:
	case entry.confirmed:
		delete(s.overlay, receiverID)
	case entry.previous != nil:
		entry.previous = nil
		s.overlay[receiverID] = entry
	}
}

// -- Optimistic overlay --

// Stage records the subscription commandID expects receiverID to end up with.
// It replaces any previous entry for that receiver; a confirmed entry it
// replaces comes back if the new command is discarded.
func (s *Store) Stage(receiverID, commandID string, sub schemas.Subscription) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := overlayEntry{sub: sub, commandID: commandID}
	if old, ok := s.overlay[receiverID]; ok {
		if old.confirmed {
			old.previous = nil
			entry.previous = &old
		} else {
			entry.previous = old.previous
		}
	}
	gen := s.generation.Add(1)
	entry.generation = gen
	s.overlay[receiverID] = entry
	return gen
}

// Confirm marks the staged entry of commandID as confirmed. It is a no-op
// when another command owns the receiver's overlay.
func (s *Store) Confirm(receiverID, commandID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.overlay[receiverID]
	if !ok || entry.commandID != commandID {
		return s.Generation()
	}
	gen := s.generation.Add(1)
	entry.confirmed = true
	entry.generation = gen
	entry.previous = nil
	s.overlay[receiverID] = entry
	return gen
}

// Discard rolls back the staged entry of commandID to the confirmed entry it
// replaced, or to the authoritative value when there is none.
func (s *Store) Discard(receiverID, commandID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.overlay[receiverID]
	if !ok || entry.commandID != commandID {
		return s.Generation()
	}
	if entry.previous != nil {
		s.overlay[receiverID] = *entry.previous
	} else {
		delete(s.overlay, receiverID)
	}
	return s.generation.Add(1)
}

// -- Reads --

// View returns an immutable copy of the store with the overlay composed on
// top of the receivers.
func (s *Store) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := &View{
		Generation: s.generation.Load(),
		Nodes:      s.nodes.list(),
		Devices:    s.devices.list(),
		Senders:    s.senders.list(),
		Receivers:  s.receivers.list(),
		Overlays:   make(map[string]OverlayState, len(s.overlay)),
	}
	for i, rec := range v.Receivers {
		if entry, ok := s.overlay[rec.ID]; ok {
			v.Receivers[i].Subscription = entry.sub
			v.Overlays[rec.ID] = OverlayState{CommandID: entry.commandID, Confirmed: entry.confirmed}
		}
	}
	v.index()
	return v
}

func (s *Store) collections() map[schemas.ResourceKind]patchable {
	return map[schemas.ResourceKind]patchable{
		schemas.KindNode:     s.nodes,
		schemas.KindDevice:   s.devices,
		schemas.KindSender:   s.senders,
		schemas.KindReceiver: s.receivers,
	}
}
