package client

import (
	"sort"
	"sync"

	"tasksync/internal/wire"
)

// Inbox holds the notifications delivered to this client. The unread count
// is derived from the held set, never tracked separately.
type Inbox struct {
	ch   Channel
	stop []func()

	mu    sync.Mutex
	items map[string]wire.Notification
}

func NewInbox(ch Channel) *Inbox {
	in := &Inbox{ch: ch, items: make(map[string]wire.Notification)}
	in.stop = append(in.stop,
		ch.On(wire.EventNotification, in.receive),
		ch.On(wire.EventNotificationRead, in.markRead),
	)
	return in
}

// Add seeds the inbox, typically with history loaded from the data layer.
func (in *Inbox) Add(notifications ...wire.Notification) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, n := range notifications {
		in.put(n)
	}
}

// Ack marks id read and tells the server. Unknown and already-read ids are no-ops.
func (in *Inbox) Ack(id string) error {
	in.mu.Lock()
	n, ok := in.items[id]
	if !ok || n.Read {
		in.mu.Unlock()
		return nil
	}
	n.Read = true
	in.items[id] = n
	in.mu.Unlock()

	return in.ch.Send(wire.EventAckNotification, wire.AckPayload{ID: id})
}

func (in *Inbox) Unread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	unread := 0
	for _, n := range in.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

// List returns the held notifications, newest first.
func (in *Inbox) List() []wire.Notification {
	in.mu.Lock()
	out := make([]wire.Notification, 0, len(in.items))
	for _, n := range in.items {
		out = append(out, n)
	}
	in.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (in *Inbox) Close() {
	for _, stop := range in.stop {
		stop()
	}
}

func (in *Inbox) receive(frame wire.Frame) {
	var n wire.Notification
	if err := frame.Bind(&n); err != nil || n.ID == "" {
		return
	}
	in.mu.Lock()
	in.put(n)
	in.mu.Unlock()
}

func (in *Inbox) markRead(frame wire.Frame) {
	var payload wire.AckPayload
	if err := frame.Bind(&payload); err != nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if n, ok := in.items[payload.ID]; ok {
		n.Read = true
		in.items[payload.ID] = n
	}
}

// put stores n without ever reverting a read notification. Callers hold in.mu.
func (in *Inbox) put(n wire.Notification) {
	if existing, ok := in.items[n.ID]; ok && existing.Read {
		n.Read = true
	}
	in.items[n.ID] = n
}
