// Package registry tracks the known worker nodes and their live state.
//
// Nodes live in an append-only arena addressed by stable id. The registry lock
// only guards membership; every node carries its own mutex so updates to one
// node never contend with reads or writes of another.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Filter selects nodes in List. A nil filter matches everything.
type Filter func(fleet.WorkerNode) bool

// Selectable matches nodes that can take a new job right now.
func Selectable(n fleet.WorkerNode) bool { return n.Selectable() }

// InState matches nodes in any of the given states.
func InState(states ...fleet.State) Filter {
	return func(n fleet.WorkerNode) bool {
		for _, s := range states {
			if n.State == s {
				return true
			}
		}
		return false
	}
}

type slot struct {
	mu   sync.Mutex
	node fleet.WorkerNode
}

// Registry holds WorkerNode records.
type Registry struct {
	mu    sync.RWMutex
	index map[string]int
	slots []*slot
	clock fleet.Clock
}

// New creates an empty Registry.
func New(clock fleet.Clock) *Registry {
	return &Registry{
		index: make(map[string]int),
		clock: clock,
	}
}

// Register adds a worker endpoint. Registering a known endpoint is a no-op
// that returns the existing node; a drained node is put back into rotation.
func (r *Registry) Register(endpoint string) (fleet.WorkerNode, error) {
	id, err := fleet.WorkerID(endpoint)
	if err != nil {
		return fleet.WorkerNode{}, err
	}
	r.mu.Lock()
	if idx, ok := r.index[id]; ok {
		s := r.slots[idx]
		r.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.node.Drained = false
		return s.node, nil
	}
	now := r.clock.Now()
	s := &slot{node: fleet.WorkerNode{
		ID:              id,
		Endpoint:        id,
		State:           fleet.StateHealthy,
		LastStateChange: now,
	}}
	r.index[id] = len(r.slots)
	r.slots = append(r.slots, s)
	r.mu.Unlock()
	return s.node, nil
}

// Get returns a consistent copy of one node.
func (r *Registry) Get(id string) (fleet.WorkerNode, error) {
	s, err := r.lookup(id)
	if err != nil {
		return fleet.WorkerNode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node, nil
}

// List returns copies of every node matching filter, sorted by id. Each copy
// is internally consistent; there is no cross-node snapshot guarantee.
func (r *Registry) List(filter Filter) []fleet.WorkerNode {
	r.mu.RLock()
	slots := append([]*slot(nil), r.slots...)
	r.mu.RUnlock()

	out := make([]fleet.WorkerNode, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		n := s.node
		s.mu.Unlock()
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.index))
	for id := range r.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Update applies mutation to a node atomically and returns the resulting
// copy. Identity fields cannot be changed by the mutation.
func (r *Registry) Update(id string, mutation func(*fleet.WorkerNode)) (fleet.WorkerNode, error) {
	s, err := r.lookup(id)
	if err != nil {
		return fleet.WorkerNode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.node
	next := s.node
	mutation(&next)
	next.ID = before.ID
	next.Endpoint = before.Endpoint
	if next.State != before.State {
		next.LastStateChange = r.clock.Now()
	}
	s.node = next
	return next, nil
}

// TryReserve marks the node in flight if, and only if, it is currently
// selectable. It is the compare-and-set that keeps node capacity at one.
func (r *Registry) TryReserve(id string) (bool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.node.Selectable() {
		return false, nil
	}
	s.node.InFlight = true
	return true, nil
}

// Drain takes a node out of rotation without forgetting it.
func (r *Registry) Drain(id string) (fleet.WorkerNode, error) {
	return r.Update(id, func(n *fleet.WorkerNode) { n.Drained = true })
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) lookup(id string) (*slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fleet.ErrWorkerNotFound, id)
	}
	return r.slots[idx], nil
}
