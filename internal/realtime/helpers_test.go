package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tasksync/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []string
}

func (m *fakeMarker) MarkRead(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, userID+"/"+notificationID)
	return nil
}

func newTestHub(t *testing.T, opts Options) (*Hub, *fakeClock) {
	t.Helper()
	if opts.PresenceTimeout == 0 {
		opts.PresenceTimeout = time.Minute
	}
	if opts.NotificationBuffer == 0 {
		opts.NotificationBuffer = 8
	}
	opts.Logger = zerolog.Nop()
	hub := NewHub(opts)
	clock := newFakeClock()
	hub.presence.now = clock.Now
	return hub, clock
}

func attach(t *testing.T, hub *Hub, id, userID, role string) *Session {
	t.Helper()
	s := NewSession(id, userID, "User "+userID, role, 64)
	hub.Attach(context.Background(), s)
	t.Cleanup(func() { hub.Detach(context.Background(), s) })
	return s
}

func send(t *testing.T, hub *Hub, s *Session, eventType string, payload any) {
	t.Helper()
	data, err := wire.Encode(eventType, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	hub.HandleFrame(context.Background(), s, data)
}

// drain returns the frames queued for s without blocking.
func drain(t *testing.T, s *Session) []wire.Frame {
	t.Helper()
	var frames []wire.Frame
	for {
		select {
		case data := <-s.Outbound():
			frame, err := wire.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

// waitFrame blocks until a frame of eventType arrives for s.
func waitFrame(t *testing.T, s *Session, eventType string) wire.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data := <-s.Outbound():
			frame, err := wire.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if frame.Type == eventType {
				return frame
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
			return wire.Frame{}
		}
	}
}

func ofType(frames []wire.Frame, eventType string) []wire.Frame {
	var out []wire.Frame
	for _, frame := range frames {
		if frame.Type == eventType {
			out = append(out, frame)
		}
	}
	return out
}

func lastSnapshot(t *testing.T, frames []wire.Frame) wire.PresenceSnapshot {
	t.Helper()
	snapshots := ofType(frames, wire.EventPresenceSnapshot)
	if len(snapshots) == 0 {
		t.Fatal("expected at least one presence snapshot")
	}
	var snapshot wire.PresenceSnapshot
	if err := snapshots[len(snapshots)-1].Bind(&snapshot); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	return snapshot
}

func findEntry(snapshot wire.PresenceSnapshot, userID string) (wire.PresenceEntry, bool) {
	for _, entry := range snapshot.Entries {
		if entry.UserID == userID {
			return entry, true
		}
	}
	return wire.PresenceEntry{}, false
}
