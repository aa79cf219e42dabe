package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tasksync/internal/cache"
	"tasksync/internal/wire"
)

func TestPresenceViewTracksSnapshotsAndResets(t *testing.T) {
	ch := newFakeChannel()
	view := NewPresenceView(ch)
	defer view.Close()

	ch.emit(t, wire.EventPresenceSnapshot, wire.PresenceSnapshot{
		RoomID: "P1",
		Entries: []wire.PresenceEntry{
			{UserID: "user-a", Action: wire.ActionEditing, EntityID: "T7", RoomID: "P1"},
			{UserID: "user-b", Action: wire.ActionViewing, RoomID: "P1"},
		},
	})

	if got := len(view.Room("P1")); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
	editors := view.Editors("P1", "T7")
	if len(editors) != 1 || editors[0].UserID != "user-a" {
		t.Fatalf("editors = %+v", editors)
	}

	ch.emit(t, wire.EventDisconnected, nil)
	if got := len(view.Room("P1")); got != 0 {
		t.Fatalf("entries after disconnect = %d, want 0", got)
	}
}

func TestInboxUnreadIsDerivedAndMonotonic(t *testing.T) {
	ch := newFakeChannel()
	inbox := NewInbox(ch)
	defer inbox.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ch.emit(t, wire.EventNotification, wire.Notification{ID: "n-1", CreatedAt: base})
	ch.emit(t, wire.EventNotification, wire.Notification{ID: "n-2", CreatedAt: base.Add(time.Minute)})

	if got := inbox.Unread(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}
	if list := inbox.List(); list[0].ID != "n-2" {
		t.Fatalf("newest first, got %s", list[0].ID)
	}

	if err := inbox.Ack("n-1"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := inbox.Ack("n-1"); err != nil {
		t.Fatalf("second Ack() error = %v", err)
	}
	if err := inbox.Ack("missing"); err != nil {
		t.Fatalf("Ack(unknown) error = %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0].Type != wire.EventAckNotification {
		t.Fatalf("sent = %+v, want a single ack", ch.sent)
	}

	ch.emit(t, wire.EventNotification, wire.Notification{ID: "n-1", CreatedAt: base})
	if got := inbox.Unread(); got != 1 {
		t.Fatalf("redelivery reverted read state, unread = %d", got)
	}

	ch.emit(t, wire.EventNotificationRead, wire.AckPayload{ID: "n-2"})
	if got := inbox.Unread(); got != 0 {
		t.Fatalf("unread after read on another device = %d, want 0", got)
	}
}

type card struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestBindEntitiesAppliesMatchingKeys(t *testing.T) {
	ch := newFakeChannel()
	c := cache.New(cache.Options[card]{Logger: zerolog.Nop()})
	stop := BindEntities(ch, "task", c, zerolog.Nop())

	ch.emit(t, wire.EventEntityChanged, wire.EntityChanged{Key: "task:T1", Value: json.RawMessage(`{"id":"T1","title":"Ship"}`)})
	ch.emit(t, wire.EventEntityChanged, wire.EntityChanged{Key: "comment:C1", Value: json.RawMessage(`{"id":"C1"}`)})

	value, _, ok := c.Read("task:T1")
	if !ok || value.Title != "Ship" {
		t.Fatalf("task:T1 = %+v, %v", value, ok)
	}
	if _, _, ok := c.Read("comment:C1"); ok {
		t.Fatal("foreign entity applied to the task cache")
	}

	ch.emit(t, wire.EventEntityDeleted, wire.EntityDeleted{Key: "task:T1"})
	if _, _, ok := c.Read("task:T1"); ok {
		t.Fatal("deleted task still cached")
	}

	stop()
	ch.emit(t, wire.EventEntityChanged, wire.EntityChanged{Key: "task:T2", Value: json.RawMessage(`{"id":"T2"}`)})
	if _, _, ok := c.Read("task:T2"); ok {
		t.Fatal("handler still bound after stop")
	}
}

func TestRESTMapsStatusToFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tasks/T1":
			_, _ = w.Write([]byte(`{"id":"T1","title":"Server"}`))
		case "/api/tasks/invalid":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","error":"invalid task","details":{"title":"required"}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"INTERNAL","error":"boom"}`))
		}
	}))
	defer server.Close()

	rest := NewREST(server.URL+"/", "tok", server.Client())
	ctx := context.Background()

	got, err := Call[card](rest, http.MethodPatch, "/api/tasks/T1", card{Title: "Local"})(ctx)
	if err != nil || got.Title != "Server" {
		t.Fatalf("Call() = %+v, %v", got, err)
	}

	_, err = Call[card](rest, http.MethodPatch, "/api/tasks/invalid", card{})(ctx)
	var validation *cache.ValidationFailure
	if !errors.As(err, &validation) || validation.Fields["title"] != "required" || validation.Status != 422 {
		t.Fatalf("error = %#v, want ValidationFailure", err)
	}

	_, err = Call[card](rest, http.MethodPatch, "/api/tasks/other", card{})(ctx)
	var failure *cache.RequestFailure
	if !errors.As(err, &failure) || failure.Status != 500 {
		t.Fatalf("error = %#v, want RequestFailure", err)
	}
	if errors.As(err, &validation) {
		t.Fatal("500 must not be a validation failure")
	}
}

func TestRESTDrivesCacheRollback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","error":"title too long"}`))
	}))
	defer server.Close()

	rest := NewREST(server.URL, "", server.Client())
	c := cache.New(cache.Options[card]{Logger: zerolog.Nop()})
	c.ApplyServerEvent("task:T1", card{ID: "T1", Title: "Short"})

	m := c.Mutate("task:T1", func(current card) card {
		current.Title = "Very long"
		return current
	}, Call[card](rest, http.MethodPatch, "/api/tasks/T1", card{Title: "Very long"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Wait(ctx)
	var validation *cache.ValidationFailure
	if !errors.As(err, &validation) {
		t.Fatalf("error = %#v, want ValidationFailure", err)
	}
	if value, _, _ := c.Read("task:T1"); value.Title != "Short" {
		t.Fatalf("title = %q, want rollback to Short", value.Title)
	}
}
