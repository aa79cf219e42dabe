package realtime

import (
	"sort"

	"tasksync/internal/metrics"
)

// Registry maps rooms (one per project) to the sessions that joined them.
// Each room's membership is mutated under that room's own lock.
type Registry struct {
	rooms *roomTable[map[string]*Session]
}

func NewRegistry() *Registry {
	table := newRoomTable(func() map[string]*Session { return make(map[string]*Session) })
	table.onCreate = metrics.ActiveRooms.Inc
	table.onRemove = metrics.ActiveRooms.Dec
	return &Registry{rooms: table}
}

// Join adds s to roomID, creating the room on first join. It reports whether
// the session was newly added; joining twice leaves membership unchanged.
func (r *Registry) Join(s *Session, roomID string) bool {
	added := false
	r.rooms.with(roomID, true, func(members map[string]*Session) bool {
		if _, ok := members[s.ID]; !ok {
			members[s.ID] = s
			added = true
		}
		return false
	})
	s.addRoom(roomID)
	return added
}

// Leave removes s from roomID. The room is destroyed when its last member leaves.
func (r *Registry) Leave(s *Session, roomID string) bool {
	removed := false
	r.rooms.with(roomID, false, func(members map[string]*Session) bool {
		if _, ok := members[s.ID]; ok {
			delete(members, s.ID)
			removed = true
		}
		return len(members) == 0
	})
	s.removeRoom(roomID)
	return removed
}

// Broadcast enqueues data to every member of roomID except exclude and
// returns the number of sessions that accepted it. Delivery is best-effort.
func (r *Registry) Broadcast(roomID, eventType string, data []byte, exclude string) int {
	sent := 0
	r.rooms.with(roomID, false, func(members map[string]*Session) bool {
		for id, member := range members {
			if id == exclude {
				continue
			}
			if member.Send(data) {
				sent++
				metrics.FramesTotal.WithLabelValues("out", eventType).Inc()
			} else {
				metrics.FramesDropped.WithLabelValues(eventType).Inc()
			}
		}
		return len(members) == 0
	})
	return sent
}

// Members returns the session ids in roomID, sorted.
func (r *Registry) Members(roomID string) []string {
	var ids []string
	r.rooms.with(roomID, false, func(members map[string]*Session) bool {
		ids = make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		return len(members) == 0
	})
	sort.Strings(ids)
	return ids
}

func (r *Registry) RoomCount() int {
	return r.rooms.len()
}

// RoomsOf returns the rooms s currently belongs to, sorted.
func (r *Registry) RoomsOf(s *Session) []string {
	return s.Rooms()
}
