package realtime

import (
	"sort"
	"sync"
)

// roomTable holds per-room state behind per-room locks. The table lock only
// guards lookup, creation and removal of slots, so rooms never contend.
type roomTable[T any] struct {
	mu       sync.Mutex
	slots    map[string]*roomSlot[T]
	newState func() T
	onCreate func()
	onRemove func()
}

type roomSlot[T any] struct {
	mu      sync.Mutex
	state   T
	removed bool
}

func newRoomTable[T any](newState func() T) *roomTable[T] {
	return &roomTable[T]{
		slots:    make(map[string]*roomSlot[T]),
		newState: newState,
	}
}

// with runs fn while holding roomID's lock. When create is false and the room
// does not exist fn is not called and with reports false. If fn reports the
// room empty, the slot is removed from the table.
func (t *roomTable[T]) with(roomID string, create bool, fn func(state T) (empty bool)) bool {
	for {
		slot := t.slot(roomID, create)
		if slot == nil {
			return false
		}
		slot.mu.Lock()
		if slot.removed {
			// Lost a race with the last member leaving; look the room up again.
			slot.mu.Unlock()
			continue
		}
		empty := fn(slot.state)
		if empty {
			slot.removed = true
		}
		slot.mu.Unlock()

		if empty {
			t.mu.Lock()
			if t.slots[roomID] == slot {
				delete(t.slots, roomID)
				if t.onRemove != nil {
					t.onRemove()
				}
			}
			t.mu.Unlock()
		}
		return true
	}
}

func (t *roomTable[T]) slot(roomID string, create bool) *roomSlot[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[roomID]
	if ok {
		return slot
	}
	if !create {
		return nil
	}
	slot = &roomSlot[T]{state: t.newState()}
	t.slots[roomID] = slot
	if t.onCreate != nil {
		t.onCreate()
	}
	return slot
}

// ids returns the current room ids in sorted order.
func (t *roomTable[T]) ids() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (t *roomTable[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
