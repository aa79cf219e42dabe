package realtime

import (
	"testing"
	"time"

	"tasksync/internal/wire"
)

func TestRouterDeliversOnlyToLiveSubscribers(t *testing.T) {
	router := NewRouter(4)

	if got := router.Notify("user-a", wire.Notification{ID: "n-0"}); got != 0 {
		t.Fatalf("offline delivery = %d, want 0", got)
	}

	first := router.Subscribe("user-a")
	second := router.Subscribe("user-a")
	defer first.Close()

	if got := router.Notify("user-a", wire.Notification{ID: "n-1", Title: "Hello"}); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	n := <-first.C
	if n.RecipientUserID != "user-a" || n.Title != "Hello" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	<-second.C

	second.Close()
	second.Close()
	if _, ok := <-second.C; ok {
		t.Fatal("closed subscription should have a closed channel")
	}
	if got := router.Notify("user-a", wire.Notification{ID: "n-2"}); got != 1 {
		t.Fatalf("delivered after close = %d, want 1", got)
	}
}

func TestRouterFullBufferDrops(t *testing.T) {
	router := NewRouter(1)
	sub := router.Subscribe("user-a")
	defer sub.Close()

	router.Notify("user-a", wire.Notification{ID: "n-1"})
	if got := router.Notify("user-a", wire.Notification{ID: "n-2"}); got != 0 {
		t.Fatalf("delivered to full buffer = %d, want 0", got)
	}
}

func TestRouterReadStateIsMonotonic(t *testing.T) {
	router := NewRouter(4)
	sub := router.Subscribe("user-a")
	defer sub.Close()

	router.Notify("user-a", wire.Notification{ID: "n-1"})
	<-sub.C

	if router.Acknowledge("user-a", "missing") {
		t.Fatal("unknown id should be a no-op")
	}
	if !router.Acknowledge("user-a", "n-1") {
		t.Fatal("first acknowledgement should succeed")
	}
	if router.Acknowledge("user-a", "n-1") {
		t.Fatal("second acknowledgement should be a no-op")
	}

	router.Notify("user-a", wire.Notification{ID: "n-1", Read: false})
	select {
	case n := <-sub.C:
		if !n.Read {
			t.Fatal("redelivered notification reverted to unread")
		}
	case <-time.After(time.Second):
		t.Fatal("redelivery not received")
	}
	if read, known := router.IsRead("user-a", "n-1"); !read || !known {
		t.Fatalf("IsRead = %v, %v", read, known)
	}
}

func TestRouterBoundsTrackedReadState(t *testing.T) {
	router := NewRouter(1)
	router.tracked = 2
	sub := router.Subscribe("user-a")
	defer sub.Close()

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		router.Notify("user-a", wire.Notification{ID: id})
	}
	if _, known := router.IsRead("user-a", "n-1"); known {
		t.Fatal("oldest id should have been evicted")
	}
	if _, known := router.IsRead("user-a", "n-3"); !known {
		t.Fatal("newest id should be tracked")
	}
}
