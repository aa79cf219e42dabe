package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tasksync/internal/metrics"
	"tasksync/internal/rbac"
	"tasksync/internal/util"
	"tasksync/internal/wire"
)

var (
	ErrMissingRoom      = errors.New("roomId is required")
	ErrMissingRecipient = errors.New("recipientUserId is required")
)

const sharePresenceTimeout = 2 * time.Second

// FrameConn is the transport a session is served over.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// Directory records live sessions outside this process.
type Directory interface {
	Register(ctx context.Context, sessionID, userID, displayName string) error
	Touch(ctx context.Context, sessionID, userID string) error
	Unregister(ctx context.Context, sessionID, userID string) error
}

// ReadMarker forwards first acknowledgements to the data layer.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
}

type Options struct {
	PresenceTimeout    time.Duration
	SweepInterval      time.Duration
	NotificationBuffer int
	Bus                Bus
	Directory          Directory
	ReadMarker         ReadMarker
	Logger             zerolog.Logger
}

// Hub attaches sessions to the room registry, presence tracker and
// notification router, and routes inbound frames between them.
type Hub struct {
	instance      string
	registry      *Registry
	presence      *Tracker
	router        *Router
	bus           Bus
	directory     Directory
	marker        ReadMarker
	sweepInterval time.Duration
	log           zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[string]map[string]*Session
	subs     map[string]*Subscription
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		instance:      util.NewID("hub"),
		registry:      NewRegistry(),
		router:        NewRouter(opts.NotificationBuffer),
		bus:           opts.Bus,
		directory:     opts.Directory,
		marker:        opts.ReadMarker,
		sweepInterval: opts.SweepInterval,
		log:           opts.Logger,
		sessions:      make(map[string]*Session),
		users:         make(map[string]map[string]*Session),
		subs:          make(map[string]*Subscription),
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = opts.PresenceTimeout / 2
	}
	h.presence = NewTracker(opts.PresenceTimeout, h, opts.Logger)
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Tracker() *Tracker { return h.presence }
func (h *Hub) Router() *Router { return h.router }

// Run sweeps presence and, with a bus configured, delivers envelopes from
// other instances until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.presence.Run(ctx, h.sweepInterval)
		return nil
	})
	if h.bus != nil {
		g.Go(func() error {
			return h.bus.Listen(ctx, h.Deliver)
		})
	}
	return g.Wait()
}

// Serve attaches s, pumps frames between conn and the hub, and detaches s
// when the connection ends or ctx is canceled.
func (h *Hub) Serve(ctx context.Context, conn FrameConn, s *Session) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	h.Attach(ctx, s)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-s.Done():
				return
			case data := <-s.Outbound():
				if err := conn.WriteFrame(data); err != nil {
					h.log.Debug().Err(err).Str("session_id", s.ID).Msg("write failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			h.log.Debug().Err(err).Str("session_id", s.ID).Msg("connection closed")
			break
		}
		h.HandleFrame(ctx, s, data)
	}

	h.Detach(context.WithoutCancel(ctx), s)
	<-writerDone
	_ = conn.Close()
}

func (h *Hub) Attach(ctx context.Context, s *Session) {
	sub := h.router.Subscribe(s.UserID)

	h.mu.Lock()
	h.sessions[s.ID] = s
	if h.users[s.UserID] == nil {
		h.users[s.UserID] = make(map[string]*Session)
	}
	h.users[s.UserID][s.ID] = s
	h.subs[s.ID] = sub
	h.mu.Unlock()
	metrics.ConnectedSessions.Inc()

	go func() {
		for n := range sub.C {
			h.sendTo(s, wire.EventNotification, n)
		}
	}()

	if h.directory != nil {
		if err := h.directory.Register(ctx, s.ID, s.UserID, s.DisplayName); err != nil {
			h.log.Warn().Err(err).Str("session_id", s.ID).Msg("register session")
		}
	}
	h.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session attached")
}

// Detach removes s from every room it joined, recomputing presence for each.
func (h *Hub) Detach(ctx context.Context, s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	if byUser := h.users[s.UserID]; byUser != nil {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.users, s.UserID)
		}
	}
	sub := h.subs[s.ID]
	delete(h.subs, s.ID)
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	for _, roomID := range h.registry.RoomsOf(s) {
		h.registry.Leave(s, roomID)
		h.presence.Leave(roomID, s)
	}
	if h.directory != nil {
		if err := h.directory.Unregister(ctx, s.ID, s.UserID); err != nil {
			h.log.Warn().Err(err).Str("session_id", s.ID).Msg("unregister session")
		}
	}
	s.Close()
	metrics.ConnectedSessions.Dec()
	h.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session detached")
}

// HandleFrame applies one inbound frame from s. Invalid frames are answered
// with an error frame; unknown event types are ignored.
func (h *Hub) HandleFrame(ctx context.Context, s *Session, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		h.reject(s, "INVALID_FRAME", err.Error())
		return
	}

	switch frame.Type {
	case wire.EventJoinRoom:
		h.joinRoom(s, frame)
	case wire.EventLeaveRoom:
		h.leaveRoom(s, frame)
	case wire.EventStartEditing:
		h.startEditing(s, frame)
	case wire.EventStopEditing:
		h.stopEditing(s, frame)
	case wire.EventAckNotification:
		h.acknowledge(ctx, s, frame)
	case wire.EventHeartbeat:
		h.heartbeat(ctx, s)
	case wire.EventResync:
		h.resync(s, frame)
	default:
		h.log.Debug().Str("session_id", s.ID).Str("type", frame.Type).Msg("ignoring unknown frame")
		return
	}
	metrics.FramesTotal.WithLabelValues("in", frame.Type).Inc()
}

func (h *Hub) joinRoom(s *Session, frame wire.Frame) {
	var payload wire.RoomPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	roomID := normalizeRoom(payload.RoomID)
	if roomID == "" {
		h.reject(s, "VALIDATION_ERROR", ErrMissingRoom.Error())
		return
	}
	if !rbac.Can(rbac.Normalize(s.Role), rbac.ActionView) {
		h.reject(s, "FORBIDDEN", "Forbidden")
		return
	}
	h.registry.Join(s, roomID)
	h.presence.Join(roomID, s)
}

func (h *Hub) leaveRoom(s *Session, frame wire.Frame) {
	var payload wire.RoomPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	roomID := normalizeRoom(payload.RoomID)
	if !s.InRoom(roomID) {
		return
	}
	h.registry.Leave(s, roomID)
	h.presence.Leave(roomID, s)
}

func (h *Hub) startEditing(s *Session, frame wire.Frame) {
	var payload wire.EditingPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	roomID, entityID := normalizeRoom(payload.RoomID), strings.TrimSpace(payload.EntityID)
	if roomID == "" || entityID == "" {
		h.reject(s, "VALIDATION_ERROR", "roomId and entityId are required")
		return
	}
	if !s.InRoom(roomID) {
		h.reject(s, "NOT_IN_ROOM", "join the room before editing")
		return
	}
	if !rbac.Can(rbac.Normalize(s.Role), rbac.ActionEdit) {
		h.reject(s, "FORBIDDEN", "Forbidden")
		return
	}
	h.presence.StartEditing(roomID, s, entityID)
}

func (h *Hub) stopEditing(s *Session, frame wire.Frame) {
	var payload wire.EditingPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	roomID := normalizeRoom(payload.RoomID)
	if !s.InRoom(roomID) {
		return
	}
	h.presence.StopEditing(roomID, s, strings.TrimSpace(payload.EntityID))
}

func (h *Hub) acknowledge(ctx context.Context, s *Session, frame wire.Frame) {
	var payload wire.AckPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	if payload.ID == "" || !h.router.Acknowledge(s.UserID, payload.ID) {
		return
	}
	if h.marker != nil {
		if err := h.marker.MarkRead(ctx, s.UserID, payload.ID); err != nil {
			h.log.Warn().Err(err).Str("notification_id", payload.ID).Msg("mark notification read")
		}
	}
	readFrame, err := wire.NewFrame(wire.EventNotificationRead, wire.AckPayload{ID: payload.ID})
	if err != nil {
		return
	}
	if err := h.publish(ctx, Envelope{Kind: KindUser, UserID: s.UserID, Frame: &readFrame}); err != nil {
		h.log.Warn().Err(err).Str("user_id", s.UserID).Msg("publish read state")
	}
}

func (h *Hub) heartbeat(ctx context.Context, s *Session) {
	for _, roomID := range s.Rooms() {
		h.presence.Touch(roomID, s)
	}
	if h.directory != nil {
		if err := h.directory.Touch(ctx, s.ID, s.UserID); err != nil {
			h.log.Debug().Err(err).Str("session_id", s.ID).Msg("touch session")
		}
	}
}

func (h *Hub) resync(s *Session, frame wire.Frame) {
	var payload wire.RoomPayload
	if !h.bind(s, frame, &payload) {
		return
	}
	roomID := normalizeRoom(payload.RoomID)
	if !s.InRoom(roomID) {
		h.reject(s, "NOT_IN_ROOM", "join the room before requesting presence")
		return
	}
	h.sendTo(s, wire.EventPresenceSnapshot, h.presence.Snapshot(roomID))
}

// PublishSnapshot broadcasts a presence snapshot to the room.
func (h *Hub) PublishSnapshot(snapshot wire.PresenceSnapshot) {
	data, err := wire.Encode(wire.EventPresenceSnapshot, snapshot)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", snapshot.RoomID).Msg("encode presence snapshot")
		return
	}
	h.registry.Broadcast(snapshot.RoomID, wire.EventPresenceSnapshot, data, "")
}

// SharePresence publishes the entries held by this instance for roomID to
// the other instances. Without a bus presence stays local.
func (h *Hub) SharePresence(roomID string, seq uint64, entries []wire.PresenceEntry) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharePresenceTimeout)
	defer cancel()
	env := Envelope{Kind: KindPresence, Instance: h.instance, RoomID: roomID, Seq: seq, Entries: entries}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("share presence")
	}
}

// SendSnapshot sends a presence snapshot to a single session.
func (h *Hub) SendSnapshot(s *Session, snapshot wire.PresenceSnapshot) {
	h.sendTo(s, wire.EventPresenceSnapshot, snapshot)
}

// Presence returns the pruned presence snapshot of roomID.
func (h *Hub) Presence(roomID string) wire.PresenceSnapshot {
	return h.presence.Snapshot(normalizeRoom(roomID))
}

// PublishEntityChanged relays an authoritative entity value to the room.
func (h *Hub) PublishEntityChanged(ctx context.Context, roomID, key string, value json.RawMessage, exclude string) error {
	roomID = normalizeRoom(roomID)
	if roomID == "" {
		return ErrMissingRoom
	}
	frame, err := wire.NewFrame(wire.EventEntityChanged, wire.EntityChanged{Key: key, Value: value})
	if err != nil {
		return err
	}
	return h.publish(ctx, Envelope{Kind: KindRoom, RoomID: roomID, Exclude: exclude, Frame: &frame})
}

// PublishEntityDeleted relays an entity deletion to the room.
func (h *Hub) PublishEntityDeleted(ctx context.Context, roomID, key, exclude string) error {
	roomID = normalizeRoom(roomID)
	if roomID == "" {
		return ErrMissingRoom
	}
	frame, err := wire.NewFrame(wire.EventEntityDeleted, wire.EntityDeleted{Key: key})
	if err != nil {
		return err
	}
	return h.publish(ctx, Envelope{Kind: KindRoom, RoomID: roomID, Exclude: exclude, Frame: &frame})
}

// Notify routes n to its recipient's live streams on every instance.
func (h *Hub) Notify(ctx context.Context, n wire.Notification) error {
	if n.RecipientUserID == "" {
		return ErrMissingRecipient
	}
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Read = false
	return h.publish(ctx, Envelope{Kind: KindNotify, UserID: n.RecipientUserID, Notification: &n})
}

// Deliver applies an envelope to the sessions attached to this instance.
func (h *Hub) Deliver(env Envelope) {
	switch env.Kind {
	case KindRoom:
		if env.Frame == nil {
			return
		}
		data, err := wire.EncodeFrame(*env.Frame)
		if err != nil {
			h.log.Error().Err(err).Msg("encode room frame")
			return
		}
		h.registry.Broadcast(env.RoomID, env.Frame.Type, data, env.Exclude)
	case KindNotify:
		if env.Notification == nil {
			return
		}
		h.router.Notify(env.UserID, *env.Notification)
	case KindUser:
		if env.Frame == nil {
			return
		}
		data, err := wire.EncodeFrame(*env.Frame)
		if err != nil {
			h.log.Error().Err(err).Msg("encode user frame")
			return
		}
		for _, s := range h.userSessions(env.UserID) {
			if !s.Send(data) {
				metrics.FramesDropped.WithLabelValues(env.Frame.Type).Inc()
			}
		}
	case KindPresence:
		if env.Instance == "" || env.Instance == h.instance || env.RoomID == "" {
			return
		}
		h.presence.ApplyRemote(env.Instance, env.RoomID, env.Seq, env.Entries)
	default:
		h.log.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}

func (h *Hub) publish(ctx context.Context, env Envelope) error {
	if h.bus == nil {
		h.Deliver(env)
		return nil
	}
	if err := h.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s envelope: %w", env.Kind, err)
	}
	return nil
}

func (h *Hub) userSessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// normalizeRoom is applied to every room id a client or caller supplies, so
// " P1" and "P1" name the same room.
func normalizeRoom(roomID string) string {
	return strings.TrimSpace(roomID)
}

func (h *Hub) bind(s *Session, frame wire.Frame, target any) bool {
	if err := frame.Bind(target); err != nil {
		h.reject(s, "INVALID_PAYLOAD", err.Error())
		return false
	}
	return true
}

func (h *Hub) reject(s *Session, code, message string) {
	h.sendTo(s, wire.EventError, wire.ErrorPayload{Code: code, Message: message})
}

func (h *Hub) sendTo(s *Session, eventType string, payload any) {
	data, err := wire.Encode(eventType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("encode frame")
		return
	}
	if s.Send(data) {
		metrics.FramesTotal.WithLabelValues("out", eventType).Inc()
	} else {
		metrics.FramesDropped.WithLabelValues(eventType).Inc()
	}
}
