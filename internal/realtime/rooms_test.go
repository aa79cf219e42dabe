package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryJoinLeave(t *testing.T) {
	registry := NewRegistry()
	s := NewSession("s-1", "user-1", "One", "member", 4)

	if !registry.Join(s, "P1") {
		t.Fatal("first join should add the session")
	}
	if registry.Join(s, "P1") {
		t.Fatal("second join should be a no-op")
	}
	if registry.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", registry.RoomCount())
	}
	if !registry.Leave(s, "P1") {
		t.Fatal("leave should remove the session")
	}
	if registry.Leave(s, "P1") {
		t.Fatal("leaving twice should be a no-op")
	}
	if registry.RoomCount() != 0 {
		t.Fatalf("room count = %d, want 0", registry.RoomCount())
	}
}

func TestRegistryBroadcastSkipsExcludedAndFullSessions(t *testing.T) {
	registry := NewRegistry()
	a := NewSession("s-a", "user-a", "A", "member", 1)
	b := NewSession("s-b", "user-b", "B", "member", 1)
	c := NewSession("s-c", "user-c", "C", "member", 1)
	for _, s := range []*Session{a, b, c} {
		registry.Join(s, "P1")
	}
	c.Send([]byte("filler"))

	sent := registry.Broadcast("P1", "entity_changed", []byte("payload"), "s-a")
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(a.Outbound()) != 0 {
		t.Fatal("excluded session received the frame")
	}
	if got := string(<-b.Outbound()); got != "payload" {
		t.Fatalf("b received %q", got)
	}
	if got := registry.Broadcast("P404", "entity_changed", []byte("x"), ""); got != 0 {
		t.Fatalf("broadcast to unknown room sent %d", got)
	}
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	registry := NewRegistry()
	const workers = 32
	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewSession(fmt.Sprintf("s-%d", i), fmt.Sprintf("user-%d", i), "", "member", 1)
			room := fmt.Sprintf("P%d", i%4)
			for r := 0; r < rounds; r++ {
				registry.Join(s, room)
				registry.Broadcast(room, "ping", []byte("x"), "")
				registry.Leave(s, room)
			}
		}(i)
	}
	wg.Wait()

	if registry.RoomCount() != 0 {
		t.Fatalf("room count = %d, want 0", registry.RoomCount())
	}
}
