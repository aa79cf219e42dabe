package realtime

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tasksync/internal/metrics"
	"tasksync/internal/wire"
)

// SnapshotPublisher receives recomputed presence snapshots. Calls happen while
// the room's presence lock is held, so snapshots for one room arrive in
// transition order.
type SnapshotPublisher interface {
	PublishSnapshot(snapshot wire.PresenceSnapshot)
	SendSnapshot(s *Session, snapshot wire.PresenceSnapshot)
}

// PresenceSharer replicates the entries held by this instance to the other
// instances. seq increases with every call, so receivers can drop stale shares.
type PresenceSharer interface {
	SharePresence(roomID string, seq uint64, entries []wire.PresenceEntry)
}

type presenceEntry struct {
	entry    wire.PresenceEntry
	sessions map[string]struct{}
}

// remotePresence is the last share received from one other instance.
type remotePresence struct {
	entries    []wire.PresenceEntry
	seq        uint64
	receivedAt time.Time
}

type roomPresence struct {
	local  map[string]*presenceEntry
	remote map[string]*remotePresence
}

func (p *roomPresence) empty() bool {
	return len(p.local) == 0 && len(p.remote) == 0
}

type share struct {
	roomID  string
	seq     uint64
	entries []wire.PresenceEntry
}

// Tracker keeps one presence entry per (user, room):
//
//	absent -> viewing -> editing -> viewing -> absent
//
// Every transition publishes the full snapshot of the room, not a diff.
// Entries shared by other instances are merged into every snapshot and
// expire like local ones unless refreshed.
type Tracker struct {
	rooms     *roomTable[*roomPresence]
	timeout   time.Duration
	now       func() time.Time
	publisher SnapshotPublisher
	sharer    PresenceSharer
	seq       atomic.Uint64
	log       zerolog.Logger
}

func NewTracker(timeout time.Duration, publisher SnapshotPublisher, logger zerolog.Logger) *Tracker {
	sharer, _ := publisher.(PresenceSharer)
	return &Tracker{
		rooms: newRoomTable(func() *roomPresence {
			return &roomPresence{
				local:  make(map[string]*presenceEntry),
				remote: make(map[string]*remotePresence),
			}
		}),
		timeout:   timeout,
		now:       time.Now,
		publisher: publisher,
		sharer:    sharer,
		log:       logger,
	}
}

// Join marks the user as viewing roomID. The joining session always receives
// a snapshot; the rest of the room only when the entry set changed.
func (t *Tracker) Join(roomID string, s *Session) {
	var out *share
	t.rooms.with(roomID, true, func(state *roomPresence) bool {
		now := t.now()
		pruned := t.prune(roomID, state, now)
		item, ok := state.local[s.UserID]
		if !ok {
			item = newPresenceEntry(roomID, s, wire.ActionViewing)
			state.local[s.UserID] = item
		}
		item.sessions[s.ID] = struct{}{}
		item.entry.UpdatedAt = now

		snapshot := buildSnapshot(roomID, state)
		if !ok || pruned {
			t.publish(snapshot)
			out = t.prepareShare(roomID, state)
		} else {
			t.publisher.SendSnapshot(s, snapshot)
		}
		return false
	})
	t.share(out)
}

// StartEditing moves the user to editing entityID, replacing any prior entry in the room.
func (t *Tracker) StartEditing(roomID string, s *Session, entityID string) {
	var out *share
	t.rooms.with(roomID, true, func(state *roomPresence) bool {
		now := t.now()
		t.prune(roomID, state, now)
		item, ok := state.local[s.UserID]
		if !ok {
			item = newPresenceEntry(roomID, s, "")
			state.local[s.UserID] = item
		}
		item.sessions[s.ID] = struct{}{}
		item.entry.Action = wire.ActionEditing
		item.entry.EntityID = entityID
		item.entry.UpdatedAt = now
		t.publish(buildSnapshot(roomID, state))
		out = t.prepareShare(roomID, state)
		return false
	})
	t.share(out)
}

// StopEditing returns the user to viewing. entityID must match the entity
// being edited unless it is empty.
func (t *Tracker) StopEditing(roomID string, s *Session, entityID string) {
	var out *share
	t.rooms.with(roomID, false, func(state *roomPresence) bool {
		now := t.now()
		pruned := t.prune(roomID, state, now)
		item, ok := state.local[s.UserID]
		changed := false
		if ok {
			item.entry.UpdatedAt = now
			if item.entry.Action == wire.ActionEditing && (entityID == "" || entityID == item.entry.EntityID) {
				item.entry.Action = wire.ActionViewing
				item.entry.EntityID = ""
				changed = true
			}
		}
		if changed || pruned {
			t.publish(buildSnapshot(roomID, state))
			out = t.prepareShare(roomID, state)
		}
		return state.empty()
	})
	t.share(out)
}

// Leave drops the session from the user's entry; the entry goes away with the
// user's last session in the room.
func (t *Tracker) Leave(roomID string, s *Session) {
	var out *share
	t.rooms.with(roomID, false, func(state *roomPresence) bool {
		pruned := t.prune(roomID, state, t.now())
		removed := false
		if item, ok := state.local[s.UserID]; ok {
			delete(item.sessions, s.ID)
			if len(item.sessions) == 0 {
				delete(state.local, s.UserID)
				removed = true
			}
		}
		if removed || pruned {
			t.publish(buildSnapshot(roomID, state))
			out = t.prepareShare(roomID, state)
		}
		return state.empty()
	})
	t.share(out)
}

// Touch refreshes the user's liveness in roomID. An entry already pruned for
// inactivity comes back as viewing.
func (t *Tracker) Touch(roomID string, s *Session) {
	var out *share
	t.rooms.with(roomID, true, func(state *roomPresence) bool {
		now := t.now()
		pruned := t.prune(roomID, state, now)
		item, ok := state.local[s.UserID]
		if !ok {
			item = newPresenceEntry(roomID, s, wire.ActionViewing)
			state.local[s.UserID] = item
		}
		item.sessions[s.ID] = struct{}{}
		item.entry.UpdatedAt = now
		if !ok || pruned {
			t.publish(buildSnapshot(roomID, state))
			out = t.prepareShare(roomID, state)
		}
		return false
	})
	t.share(out)
}

// ApplyRemote replaces the entries another instance holds for roomID. Shares
// older than the last one applied from that instance are ignored. The room is
// republished locally only when the merged entries changed.
func (t *Tracker) ApplyRemote(instance, roomID string, seq uint64, entries []wire.PresenceEntry) {
	t.rooms.with(roomID, len(entries) > 0, func(state *roomPresence) bool {
		now := t.now()
		pruned := t.prune(roomID, state, now)
		if prev, ok := state.remote[instance]; ok && seq <= prev.seq {
			if pruned {
				t.publish(buildSnapshot(roomID, state))
			}
			return state.empty()
		}
		before := buildSnapshot(roomID, state)
		state.remote[instance] = &remotePresence{entries: entries, seq: seq, receivedAt: now}
		after := buildSnapshot(roomID, state)
		if pruned || !sameEntries(before.Entries, after.Entries) {
			t.publish(after)
		}
		return state.empty()
	})
}

// Snapshot returns the current entries of roomID after pruning stale ones.
func (t *Tracker) Snapshot(roomID string) wire.PresenceSnapshot {
	snapshot := wire.PresenceSnapshot{RoomID: roomID, Entries: []wire.PresenceEntry{}}
	t.rooms.with(roomID, false, func(state *roomPresence) bool {
		if t.prune(roomID, state, t.now()) {
			t.publish(buildSnapshot(roomID, state))
		}
		snapshot = buildSnapshot(roomID, state)
		return state.empty()
	})
	return snapshot
}

// Sweep prunes stale entries in every room and publishes the rooms that
// changed. Rooms with local entries are shared again so other instances keep
// them alive.
func (t *Tracker) Sweep() {
	for _, roomID := range t.rooms.ids() {
		var out *share
		t.rooms.with(roomID, false, func(state *roomPresence) bool {
			if t.prune(roomID, state, t.now()) {
				t.publish(buildSnapshot(roomID, state))
			}
			if len(state.local) > 0 {
				out = t.prepareShare(roomID, state)
			}
			return state.empty()
		})
		t.share(out)
	}
}

// Run sweeps on every interval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) prune(roomID string, state *roomPresence, now time.Time) bool {
	pruned := false
	for userID, item := range state.local {
		if now.Sub(item.entry.UpdatedAt) > t.timeout {
			delete(state.local, userID)
			pruned = true
			metrics.PresencePruned.Inc()
			t.log.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("presence entry expired")
		}
	}
	for instance, remote := range state.remote {
		if now.Sub(remote.receivedAt) > t.timeout {
			delete(state.remote, instance)
			if len(remote.entries) > 0 {
				pruned = true
				metrics.PresencePruned.Add(float64(len(remote.entries)))
			}
			t.log.Debug().Str("room_id", roomID).Str("instance", instance).Msg("remote presence expired")
		}
	}
	return pruned
}

func (t *Tracker) publish(snapshot wire.PresenceSnapshot) {
	metrics.PresenceSnapshots.Inc()
	t.publisher.PublishSnapshot(snapshot)
}

// prepareShare captures the local entries under the room lock; share sends
// them once the lock is released.
func (t *Tracker) prepareShare(roomID string, state *roomPresence) *share {
	if t.sharer == nil {
		return nil
	}
	entries := make([]wire.PresenceEntry, 0, len(state.local))
	for _, item := range state.local {
		entries = append(entries, item.entry)
	}
	sortEntries(entries)
	return &share{roomID: roomID, seq: t.seq.Add(1), entries: entries}
}

func (t *Tracker) share(out *share) {
	if out == nil {
		return
	}
	t.sharer.SharePresence(out.roomID, out.seq, out.entries)
}

func newPresenceEntry(roomID string, s *Session, action wire.Action) *presenceEntry {
	return &presenceEntry{
		entry: wire.PresenceEntry{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			Action:      action,
			RoomID:      roomID,
		},
		sessions: make(map[string]struct{}),
	}
}

// buildSnapshot merges local and remote entries. A user present on several
// instances keeps the most recently updated entry.
func buildSnapshot(roomID string, state *roomPresence) wire.PresenceSnapshot {
	byUser := make(map[string]wire.PresenceEntry, len(state.local))
	for userID, item := range state.local {
		byUser[userID] = item.entry
	}
	for _, remote := range state.remote {
		for _, entry := range remote.entries {
			if current, ok := byUser[entry.UserID]; ok && !entry.UpdatedAt.After(current.UpdatedAt) {
				continue
			}
			byUser[entry.UserID] = entry
		}
	}
	out := make([]wire.PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		out = append(out, entry)
	}
	sortEntries(out)
	return wire.PresenceSnapshot{RoomID: roomID, Entries: out}
}

func sortEntries(entries []wire.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
}

// sameEntries compares sorted entry lists, ignoring UpdatedAt.
func sameEntries(a, b []wire.PresenceEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].DisplayName != b[i].DisplayName ||
			a[i].Action != b[i].Action || a[i].EntityID != b[i].EntityID {
			return false
		}
	}
	return true
}
