package client

import (
	"sync"

	"tasksync/internal/wire"
)

// PresenceView keeps the latest presence snapshot per room. It is cleared on
// disconnect so stale presence is never shown while reconnecting.
type PresenceView struct {
	mu    sync.RWMutex
	rooms map[string][]wire.PresenceEntry
	stop  []func()
}

func NewPresenceView(sub Subscriber) *PresenceView {
	v := &PresenceView{rooms: make(map[string][]wire.PresenceEntry)}
	v.stop = append(v.stop,
		sub.On(wire.EventPresenceSnapshot, v.applySnapshot),
		sub.On(wire.EventDisconnected, func(wire.Frame) { v.reset() }),
	)
	return v
}

// Room returns the entries of roomID from the last snapshot.
func (v *PresenceView) Room(roomID string) []wire.PresenceEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]wire.PresenceEntry(nil), v.rooms[roomID]...)
}

// Editors returns who is editing entityID in roomID.
func (v *PresenceView) Editors(roomID, entityID string) []wire.PresenceEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []wire.PresenceEntry
	for _, entry := range v.rooms[roomID] {
		if entry.Action == wire.ActionEditing && entry.EntityID == entityID {
			out = append(out, entry)
		}
	}
	return out
}

func (v *PresenceView) Close() {
	for _, stop := range v.stop {
		stop()
	}
}

func (v *PresenceView) applySnapshot(frame wire.Frame) {
	var snapshot wire.PresenceSnapshot
	if err := frame.Bind(&snapshot); err != nil || snapshot.RoomID == "" {
		return
	}
	v.mu.Lock()
	v.rooms[snapshot.RoomID] = snapshot.Entries
	v.mu.Unlock()
}

func (v *PresenceView) reset() {
	v.mu.Lock()
	v.rooms = make(map[string][]wire.PresenceEntry)
	v.mu.Unlock()
}
