// Package app holds the relay's shared state and scheduling: the room
// registry and the dispatch pool. It has no transport or storage code.
package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ekinoks/chatrelay/internal/core"
	"github.com/ekinoks/chatrelay/internal/domain"
)

// roomState is the live membership of one room. Access only while
// holding Registry.mu.
type roomState struct {
	members map[core.SessionID]core.Member
	seeded  bool // pre-loaded at startup; may sit empty until its first join
}

// Registry is the single source of truth for which sessions belong to
// which room. A room entry exists iff it has at least one member, except
// for startup placeholders. All mutation and fan-out happen under one
// coarse lock so a broadcast never observes a half-applied membership
// change.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*roomState)}
}

// Preload installs empty placeholder rooms for ids known to the store.
func (r *Registry) Preload(ids []domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.rooms[id]; !ok {
			r.rooms[id] = &roomState{members: make(map[core.SessionID]core.Member), seeded: true}
		}
	}
	log.Info().Str("module", "app.registry").Int("rooms", len(ids)).Msg("preloaded rooms")
}

// Join adds the member to the room, creating the entry when absent.
// Owner checks belong to the store, not here: joining an unknown id is
// how a freshly created room first materializes.
func (r *Registry) Join(roomID domain.RoomID, m core.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomState{members: make(map[core.SessionID]core.Member)}
		r.rooms[roomID] = room
	}
	room.members[m.SID] = m
	log.Info().Str("module", "app.registry").Int64("room", int64(roomID)).
		Str("sid", string(m.SID)).Str("user", m.Username).Int("members", len(room.members)).
		Msg("member joined")
}

// Leave removes the session from the room and deletes the entry once the
// member set is empty. Leaving a room you are not in is a no-op. The
// returned snapshot is the post-leave membership, for departure
// notifications.
func (r *Registry) Leave(roomID domain.RoomID, sid core.SessionID) (remaining []core.MemberInfo, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, ok := room.members[sid]; !ok {
		return nil, false
	}
	delete(room.members, sid)
	if len(room.members) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Int64("room", int64(roomID)).Msg("room emptied, entry removed")
		return nil, true
	}
	log.Info().Str("module", "app.registry").Int64("room", int64(roomID)).
		Str("sid", string(sid)).Int("members", len(room.members)).Msg("member left")
	return snapshotLocked(room), true
}

// BroadcastExcept fans one line out to every member but the sender. It
// holds the read lock for the whole fan-out, so membership cannot change
// mid-broadcast. Returns how many members the line was queued for.
func (r *Registry) BroadcastExcept(roomID domain.RoomID, sender core.SessionID, line string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	sent := 0
	for sid, m := range room.members {
		if sid == sender {
			continue
		}
		if m.Out.TrySend(line) {
			sent++
		} else {
			log.Warn().Str("module", "app.registry").Int64("room", int64(roomID)).
				Str("sid", string(sid)).Msg("slow member, line dropped")
		}
	}
	return sent
}

// SnapshotMembers returns a consistent point-in-time copy of the
// membership, ordered by username.
func (r *Registry) SnapshotMembers(roomID domain.RoomID) []core.MemberInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return snapshotLocked(room)
}

// MemberCount reports the live member count, 0 for unknown rooms.
func (r *Registry) MemberCount(roomID domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.members)
}

// Close delivers the terminal line to every member and removes the room
// entry in one critical section, so no join can interleave with the
// shutdown of the old membership. The detached members are returned for
// the caller to disconnect outside the lock.
func (r *Registry) Close(roomID domain.RoomID, terminal string) ([]core.Member, bool) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	members := make([]core.Member, 0, len(room.members))
	for _, m := range room.members {
		m.Out.TrySend(terminal)
		members = append(members, m)
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Int64("room", int64(roomID)).
		Int("members", len(members)).Msg("room closed")
	return members, true
}

// HasRoom reports whether an entry (live or placeholder) exists.
func (r *Registry) HasRoom(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

func snapshotLocked(room *roomState) []core.MemberInfo {
	out := make([]core.MemberInfo, 0, len(room.members))
	for _, m := range room.members {
		out = append(out, core.MemberInfo{SID: m.SID, UserID: m.UserID, Username: m.Username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
