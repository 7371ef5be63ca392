// README: Room membership with per-room locks and garbage collection of empty rooms.
package room

import (
	"context"
	"sort"
	"sync"

	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/connection"
	"tracker/internal/types"
)

// Connections is the slice of the registry the manager needs.
type Connections interface {
	Get(id connection.ID) (connection.Info, bool)
	IsOpen(id connection.ID) bool
}

type members struct {
	mu   sync.Mutex
	set  map[connection.ID]struct{}
	dead bool
}

// Manager owns room membership. Lock order: a room's mutex may be held while
// taking the index mutex, never the reverse.
type Manager struct {
	conns  Connections
	policy *Policy

	mu    sync.Mutex
	rooms map[ID]*members
	joins map[connection.ID]map[ID]struct{}
}

func NewManager(conns Connections, policy *Policy) *Manager {
	if policy == nil {
		policy = &Policy{}
	}
	return &Manager{
		conns:  conns,
		policy: policy,
		rooms:  make(map[ID]*members),
		joins:  make(map[connection.ID]map[ID]struct{}),
	}
}

// Subscribe authorizes and adds connID to room id. Re-subscribing is a no-op.
func (m *Manager) Subscribe(ctx context.Context, connID connection.ID, id ID) error {
	info, ok := m.conns.Get(connID)
	if !ok || info.State != connection.StateOpen {
		return ErrConnectionUnknown
	}
	if err := m.policy.Authorize(ctx, info.Identity, id); err != nil {
		return err
	}
	return m.Join(connID, id)
}

// Join adds membership without authorization; used for implicit rooms
// (user:<self>, role:<self>) whose rules are satisfied by construction.
func (m *Manager) Join(connID connection.ID, id ID) error {
	for {
		r := m.room(id)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.set[connID] = struct{}{}
		r.mu.Unlock()
		break
	}

	m.mu.Lock()
	j, ok := m.joins[connID]
	if !ok {
		j = make(map[ID]struct{})
		m.joins[connID] = j
	}
	j[id] = struct{}{}
	m.mu.Unlock()

	// MarkClosed may have pruned between the caller's check and the add.
	if !m.conns.IsOpen(connID) {
		m.Unsubscribe(connID, id)
		return ErrConnectionUnknown
	}
	return nil
}

func (m *Manager) Unsubscribe(connID connection.ID, id ID) {
	m.remove(connID, id)

	m.mu.Lock()
	if j, ok := m.joins[connID]; ok {
		delete(j, id)
		if len(j) == 0 {
			delete(m.joins, connID)
		}
	}
	m.mu.Unlock()
}

// PruneConnection drops connID from every room it joined. Wired as a
// registry close hook.
func (m *Manager) PruneConnection(connID connection.ID) {
	m.mu.Lock()
	j := m.joins[connID]
	delete(m.joins, connID)
	m.mu.Unlock()

	for id := range j {
		m.remove(connID, id)
	}
	if len(j) > 0 {
		logging.Debug().Str("conn", string(connID)).Int("rooms", len(j)).Msg("pruned connection from rooms")
	}
}

// MembersOf returns a snapshot; membership may change right after.
func (m *Manager) MembersOf(id ID) []connection.ID {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]connection.ID, 0, len(r.set))
	for c := range r.set {
		out = append(out, c)
	}
	return out
}

func (m *Manager) RoomsOf(connID connection.ID) []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ID, 0, len(m.joins[connID]))
	for id := range m.joins[connID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// HasMembers reports whether anyone is currently in room id.
func (m *Manager) HasMembers(id ID) bool {
	return len(m.MembersOf(id)) > 0
}

// Authorize exposes the room rules to callers that read room-scoped data
// without joining (REST location reads).
func (m *Manager) Authorize(ctx context.Context, who types.Identity, id ID) error {
	return m.policy.Authorize(ctx, who, id)
}

func (m *Manager) room(id ID) *members {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = &members{set: make(map[connection.ID]struct{})}
		m.rooms[id] = r
		metrics.RoomsActive.Inc()
	}
	return r
}

func (m *Manager) remove(connID connection.ID, id ID) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, connID)
	if len(r.set) > 0 || r.dead {
		return
	}
	r.dead = true
	m.mu.Lock()
	if m.rooms[id] == r {
		delete(m.rooms, id)
		metrics.RoomsActive.Dec()
	}
	m.mu.Unlock()
}
