package realtime

import (
	"sync"

	"tasksync/internal/metrics"
	"tasksync/internal/wire"
)

// defaultTrackedNotifications bounds the per-user read state kept in memory.
const defaultTrackedNotifications = 512

// Subscription is a live notification stream for one user. C is closed by Close.
type Subscription struct {
	C <-chan wire.Notification

	id     uint64
	userID string
	router *Router
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.router.unsubscribe(s.userID, s.id) })
}

type userStream struct {
	mu    sync.Mutex
	subs  map[uint64]chan wire.Notification
	read  map[string]bool
	order []string
}

// Router fans notifications out to per-user streams. Nothing is queued for
// users without a live subscription; the data layer keeps history.
type Router struct {
	mu      sync.Mutex
	users   map[string]*userStream
	nextID  uint64
	buffer  int
	tracked int
}

func NewRouter(buffer int) *Router {
	if buffer <= 0 {
		buffer = 1
	}
	return &Router{
		users:   make(map[string]*userStream),
		buffer:  buffer,
		tracked: defaultTrackedNotifications,
	}
}

func (r *Router) Subscribe(userID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.users[userID]
	if !ok {
		stream = &userStream{
			subs: make(map[uint64]chan wire.Notification),
			read: make(map[string]bool),
		}
		r.users[userID] = stream
	}
	r.nextID++
	ch := make(chan wire.Notification, r.buffer)
	stream.mu.Lock()
	stream.subs[r.nextID] = ch
	stream.mu.Unlock()
	return &Subscription{C: ch, id: r.nextID, userID: userID, router: r}
}

func (r *Router) unsubscribe(userID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.users[userID]
	if !ok {
		return
	}
	stream.mu.Lock()
	if ch, ok := stream.subs[id]; ok {
		delete(stream.subs, id)
		close(ch)
	}
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(r.users, userID)
	}
}

func (r *Router) stream(userID string) *userStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

// Notify delivers n at most once to each live subscription of userID and
// returns how many accepted it. Offline users and full buffers drop it.
func (r *Router) Notify(userID string, n wire.Notification) int {
	stream := r.stream(userID)
	if stream == nil {
		metrics.Notifications.WithLabelValues("offline").Inc()
		return 0
	}
	n.RecipientUserID = userID

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if read, seen := stream.read[n.ID]; seen {
		// read never reverts
		n.Read = n.Read || read
		stream.read[n.ID] = n.Read
	} else {
		stream.read[n.ID] = n.Read
		stream.order = append(stream.order, n.ID)
		if len(stream.order) > r.tracked {
			delete(stream.read, stream.order[0])
			stream.order = stream.order[1:]
		}
	}
	delivered := 0
	for _, ch := range stream.subs {
		select {
		case ch <- n:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		metrics.Notifications.WithLabelValues("dropped").Inc()
	} else {
		metrics.Notifications.WithLabelValues("delivered").Inc()
	}
	return delivered
}

// Acknowledge marks a delivered notification read. It reports true only for
// the first acknowledgement; unknown or already-read ids are no-ops.
func (r *Router) Acknowledge(userID, notificationID string) bool {
	stream := r.stream(userID)
	if stream == nil {
		return false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	read, seen := stream.read[notificationID]
	if !seen || read {
		return false
	}
	stream.read[notificationID] = true
	metrics.Notifications.WithLabelValues("acknowledged").Inc()
	return true
}

// IsRead reports the read state of a notification delivered to userID.
func (r *Router) IsRead(userID, notificationID string) (read, known bool) {
	stream := r.stream(userID)
	if stream == nil {
		return false, false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	read, known = stream.read[notificationID]
	return read, known
}
