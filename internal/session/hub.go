package session

import (
	"sort"
	"sync"

	"collabdoc/internal/models"
)

// Hub is the registry of live rooms. At most one room exists per id.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*Room)} }

// GetOrCreate returns the room registered under id, creating it with create
// when absent. The second result reports whether the room is new.
func (h *Hub) GetOrCreate(id string, create func() *Room) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, false
	}
	r := create()
	h.rooms[id] = r
	return r, true
}

func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Remove deletes r if it is still the room registered under its id.
func (h *Hub) Remove(r *Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[r.ID]; ok && cur == r {
		delete(h.rooms, r.ID)
		return true
	}
	return false
}

// FindByDoc returns a live room of org hosting ref.
func (h *Hub) FindByDoc(org string, ref models.DocRef) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.findByDocLocked(org, ref)
}

func (h *Hub) findByDocLocked(org string, ref models.DocRef) (*Room, bool) {
	for _, r := range h.rooms {
		if r.Organization == org && r.Ref().Matches(ref) {
			return r, true
		}
	}
	return nil, false
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Rooms returns a snapshot of the live rooms ordered by id.
func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
