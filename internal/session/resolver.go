package session

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"collabdoc/internal/models"
)

// Resolver maps an open-document request to a room id.
type Resolver struct {
	hub *Hub
	// Max is the largest counter value before wrapping back to 1.
	Max uint64

	mu       sync.Mutex
	counters map[string]uint64
}

func NewResolver(hub *Hub) *Resolver {
	return &Resolver{hub: hub, Max: math.MaxUint32, counters: make(map[string]uint64)}
}

// Resolve prefers a live room already hosting ref, then explicitID, and
// otherwise mints a fresh id scoped to org.
func (rs *Resolver) Resolve(org, explicitID string, ref models.DocRef) string {
	rs.hub.mu.RLock()
	defer rs.hub.mu.RUnlock()
	return rs.resolveLocked(org, explicitID, ref)
}

// Acquire resolves the room for an open request and registers it with
// create when it is not live, all under the registry lock, so concurrent
// first opens of one document end up in the same room. A live room of
// another organization is reported as ErrRoomNotFound.
func (rs *Resolver) Acquire(org, explicitID string, ref models.DocRef, create func(id string) *Room) (*Room, bool, error) {
	h := rs.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	id := rs.resolveLocked(org, explicitID, ref)
	if r, ok := h.rooms[id]; ok {
		if r.Organization != org {
			return nil, false, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
		}
		return r, false, nil
	}
	r := create(id)
	h.rooms[id] = r
	return r, true, nil
}

// resolveLocked requires rs.hub.mu to be held.
func (rs *Resolver) resolveLocked(org, explicitID string, ref models.DocRef) string {
	if !ref.IsZero() {
		if r, ok := rs.hub.findByDocLocked(org, ref); ok {
			return r.ID
		}
	}
	if explicitID != "" {
		return explicitID
	}
	return rs.mint(org)
}

func (rs *Resolver) mint(org string) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for {
		n := rs.counters[org]
		if n >= rs.Max {
			n = 0
		}
		n++
		rs.counters[org] = n
		id := org + "-" + strconv.FormatUint(n, 10)
		if _, live := rs.hub.rooms[id]; !live {
			return id
		}
	}
}
