package realtime

import (
	"sort"
	"sync"
)

// Session is one attached connection. It is created on connect, destroyed on
// disconnect and never persisted.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	Role        string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewSession(id, userID, displayName, role string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		out:         make(chan []byte, buffer),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
}

// Send enqueues data without blocking. It reports false when the session is
// closed or its buffer is full; delivery is best-effort.
func (s *Session) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

func (s *Session) Outbound() <-chan []byte {
	return s.out
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the rooms this session has joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	sort.Strings(rooms)
	return rooms
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}
