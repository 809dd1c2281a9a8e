package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"grid-distributor/capabilities"
	"grid-distributor/grid"
	"grid-distributor/metrics"
	"grid-distributor/storage"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

var ErrInvalidStatus = errors.New("invalid node status")

// Options configures a Registry. Zero values are usable.
type Options struct {
	Clock clock.PassiveClock
	Store storage.Store[grid.NodeStatus]
}

// Registry is the distributor's view of every known node.
//
// Membership is guarded by one RWMutex and each node's slots by the node's own mutex,
// so reservations on different nodes never contend.
type Registry struct {
	clock clock.PassiveClock
	store storage.Store[grid.NodeStatus]

	// mu may be held while taking an entry's mu, never the other way round.
	mu       sync.RWMutex
	nodes    map[grid.NodeID]*entry
	onChange func()
}

type entry struct {
	mu sync.Mutex
	// status as last reported by the node, with local reservations applied
	status   grid.NodeStatus
	lastSeen time.Time
	down     bool
	draining bool
	removed  bool
	// slots reserved here whose delegation is not confirmed yet, by local slot id
	pending map[string]grid.SessionID
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Registry{
		clock: opts.Clock,
		store: opts.Store,
		nodes: make(map[grid.NodeID]*entry),
	}
}

// SetOnChange installs a callback fired after any mutation that may free capacity.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Register adds a node. Registering a known node updates it.
func (r *Registry) Register(ctx context.Context, status grid.NodeStatus) error {
	return r.Update(ctx, status)
}

// Update replaces a node's reported status and marks it seen. Unknown nodes are
// registered. Local reservations that are not confirmed yet survive a status that
// reports their slot as free.
func (r *Registry) Update(ctx context.Context, status grid.NodeStatus) error {
	status, err := normalize(status)
	if err != nil {
		return err
	}

	// e.mu is taken before r.mu is released so a concurrent Deregister either
	// happens entirely before this update or entirely after it.
	r.mu.Lock()
	e, known := r.nodes[status.NodeID]
	if !known {
		e = &entry{pending: make(map[string]grid.SessionID)}
		r.nodes[status.NodeID] = e
	}
	e.mu.Lock()
	r.mu.Unlock()

	if known {
		status = mergeReported(e, status)
	}
	e.status = status
	e.lastSeen = r.clock.Now()
	e.down = false
	r.persist(ctx, status)
	e.mu.Unlock()

	if known {
		log.Debug().Str("nodeId", string(status.NodeID)).Int("inUse", status.InUse()).Msg("registry: node updated")
	} else {
		log.Info().Str("nodeId", string(status.NodeID)).Str("uri", status.URI).Int("slots", len(status.Slots)).Msg("registry: node registered")
	}

	r.reportNodes()
	r.changed()
	return nil
}

func normalize(status grid.NodeStatus) (grid.NodeStatus, error) {
	if strings.TrimSpace(string(status.NodeID)) == "" {
		return status, fmt.Errorf("registry: missing node id: %w", ErrInvalidStatus)
	}
	status = status.Clone()
	if status.Availability == "" {
		status.Availability = grid.AvailabilityUp
	}
	for i := range status.Slots {
		if status.Slots[i].ID.NodeID == "" {
			status.Slots[i].ID.NodeID = status.NodeID
		}
		if status.Slots[i].ID.NodeID != status.NodeID {
			return status, fmt.Errorf("registry: slot %s does not belong to node %s: %w", status.Slots[i].ID, status.NodeID, ErrInvalidStatus)
		}
	}
	return status, nil
}

// mergeReported applies pending reservations onto an incoming status. Caller holds e.mu.
func mergeReported(e *entry, incoming grid.NodeStatus) grid.NodeStatus {
	present := make(map[string]bool, len(incoming.Slots))
	for i := range incoming.Slots {
		s := &incoming.Slots[i]
		present[s.ID.ID] = true
		if sid, ok := e.pending[s.ID.ID]; ok && s.IsFree() {
			s.SessionID = sid
		}
		if old, ok := e.status.Slot(s.ID); ok && old.LastStarted.After(s.LastStarted) {
			s.LastStarted = old.LastStarted
		}
	}
	for id := range e.pending {
		if !present[id] {
			delete(e.pending, id)
		}
	}
	return incoming
}

// Reserve binds sessionID to a free slot. It is the only compare-and-set on slot state:
// it fails when the node is unknown or not UP, the node is full, or the slot is unknown
// or already taken.
func (r *Registry) Reserve(slot grid.SlotID, sessionID grid.SessionID) bool {
	e := r.entry(slot.NodeID)
	if e == nil || sessionID == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.availability() != grid.AvailabilityUp || !e.status.HasCapacity() {
		return false
	}
	i := slotIndex(e.status, slot)
	if i < 0 || !e.status.Slots[i].IsFree() {
		return false
	}
	e.status.Slots[i].SessionID = sessionID
	e.status.Slots[i].LastStarted = r.clock.Now()
	e.pending[slot.ID] = sessionID
	return true
}

// Confirm records the session the node actually started on a reserved slot.
func (r *Registry) Confirm(slot grid.SlotID, sessionID grid.SessionID) bool {
	e := r.entry(slot.NodeID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	i := slotIndex(e.status, slot)
	if i < 0 || e.status.Slots[i].IsFree() {
		return false
	}
	e.status.Slots[i].SessionID = sessionID
	delete(e.pending, slot.ID)
	return true
}

// Release frees a slot.
func (r *Registry) Release(slot grid.SlotID) bool {
	e := r.entry(slot.NodeID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	i := slotIndex(e.status, slot)
	if i < 0 {
		e.mu.Unlock()
		return false
	}
	e.status.Slots[i].SessionID = ""
	delete(e.pending, slot.ID)
	e.mu.Unlock()

	log.Debug().Str("slotId", slot.String()).Msg("registry: slot released")
	r.changed()
	return true
}

// Deregister forgets a node. It reports whether the node was known.
func (r *Registry) Deregister(ctx context.Context, id grid.NodeID) bool {
	return r.remove(ctx, id, nil)
}

// remove deletes the node when stale is nil or reports true for its entry. stale runs
// with e.mu held.
func (r *Registry) remove(ctx context.Context, id grid.NodeID, stale func(e *entry) bool) bool {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.mu.Lock()
	if stale != nil && !stale(e) {
		e.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	delete(r.nodes, id)
	r.mu.Unlock()

	e.removed = true
	if r.store != nil {
		if err := r.store.Remove(ctx, string(id)); err != nil {
			log.Warn().Err(err).Str("nodeId", string(id)).Msg("registry: failed to remove node from store")
		}
	}
	e.mu.Unlock()

	log.Info().Str("nodeId", string(id)).Msg("registry: node deregistered")
	r.reportNodes()
	return true
}

// Drain stops new sessions from landing on the node. Running sessions are left alone.
func (r *Registry) Drain(id grid.NodeID) bool {
	e := r.entry(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	log.Info().Str("nodeId", string(id)).Msg("registry: node draining")
	r.reportNodes()
	return true
}

func (r *Registry) Get(id grid.NodeID) (grid.NodeStatus, bool) {
	e := r.entry(id)
	if e == nil {
		return grid.NodeStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view(), true
}

// Snapshot returns copies of every node's status ordered by node id.
func (r *Registry) Snapshot() []grid.NodeStatus {
	entries := r.entries()
	out := make([]grid.NodeStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.view())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b grid.NodeStatus) int {
		return strings.Compare(string(a.NodeID), string(b.NodeID))
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AvailableStereotypes counts the sessions each stereotype can start right now. A node
// contributes at most its remaining capacity per stereotype.
func (r *Registry) AvailableStereotypes() []grid.StereotypeCapacity {
	counts := make(map[string]*grid.StereotypeCapacity)
	for _, n := range r.Snapshot() {
		if n.Availability != grid.AvailabilityUp {
			continue
		}
		remaining := n.RemainingCapacity()
		if remaining == 0 {
			continue
		}
		free := make(map[string]int)
		stereotypes := make(map[string]capabilities.Capabilities)
		for _, s := range n.Slots {
			if !s.IsFree() {
				continue
			}
			k := s.Stereotype.Key()
			free[k]++
			stereotypes[k] = s.Stereotype
		}
		for k, c := range free {
			if c > remaining {
				c = remaining
			}
			if sc, ok := counts[k]; ok {
				sc.Count += c
				continue
			}
			counts[k] = &grid.StereotypeCapacity{Stereotype: stereotypes[k], Count: c}
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]grid.StereotypeCapacity, 0, len(keys))
	for _, k := range keys {
		out = append(out, *counts[k])
	}
	return out
}

func (r *Registry) entry(id grid.NodeID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e)
	}
	return out
}

// persist writes the status through to the store. Caller holds the node's e.mu.
func (r *Registry) persist(ctx context.Context, status grid.NodeStatus) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, string(status.NodeID), status); err != nil {
		log.Warn().Err(err).Str("nodeId", string(status.NodeID)).Msg("registry: failed to persist node status")
	}
}

func (r *Registry) reportNodes() {
	counts := map[grid.Availability]float64{
		grid.AvailabilityUp:       0,
		grid.AvailabilityDraining: 0,
		grid.AvailabilityDown:     0,
	}
	for _, e := range r.entries() {
		e.mu.Lock()
		counts[e.availability()]++
		e.mu.Unlock()
	}
	for a, c := range counts {
		metrics.Nodes.WithLabelValues(string(a)).Set(c)
	}
}

// availability folds local overrides into the reported state. Caller holds e.mu.
func (e *entry) availability() grid.Availability {
	switch {
	case e.down:
		return grid.AvailabilityDown
	case e.draining:
		return grid.AvailabilityDraining
	default:
		return e.status.Availability
	}
}

// view is the status other components see. Caller holds e.mu.
func (e *entry) view() grid.NodeStatus {
	out := e.status.Clone()
	out.Availability = e.availability()
	return out
}

func slotIndex(n grid.NodeStatus, id grid.SlotID) int {
	for i, s := range n.Slots {
		if s.ID == id {
			return i
		}
	}
	return -1
}
