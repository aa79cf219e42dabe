// Package client is the client side of the connection channel: a single
// reconnecting connection manager plus the views that hang off it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"tasksync/internal/metrics"
	"tasksync/internal/transport"
	"tasksync/internal/wire"
)

var ErrClosed = errors.New("connection manager is closed")

const (
	defaultInitialBackoff    = 250 * time.Millisecond
	defaultMaxBackoff        = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
)

// Conn is one established transport.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// Dialer opens a transport, returning once the handshake completes.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Handler receives one inbound frame. Local connected/disconnected events
// carry no payload.
type Handler func(frame wire.Frame)

// Subscriber is the part of Manager views register handlers with.
type Subscriber interface {
	On(eventType string, handler Handler) (unsubscribe func())
}

// Channel is a Subscriber that can also send frames.
type Channel interface {
	Subscriber
	Send(eventType string, payload any) error
}

type Options struct {
	URL string
	// InitialBackoff and MaxBackoff bound the reconnect delay. Retries never give up.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	Dial              Dialer
	Logger            zerolog.Logger
	// Handlers are registered before the read loop starts, so they observe
	// the first connected event and any frame that follows it.
	Handlers map[string][]Handler
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager owns the single connection of a client session. Transport drops
// are recovered internally: it reconnects with exponential backoff and
// re-joins every room that was joined before the drop.
type Manager struct {
	opts   Options
	header http.Header
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   Conn
	rooms  map[string]struct{}
	closed bool

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerEntry
	nextHandler uint64
}

// Connect opens the transport with token as the session credential and
// starts the read loop.
func Connect(ctx context.Context, token string, opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Dial == nil {
		opts.Dial = dialTransport
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := opts.Dial(ctx, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		header:   header,
		log:      opts.Logger,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		conn:     conn,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]handlerEntry),
	}
	for eventType, handlers := range opts.Handlers {
		for _, handler := range handlers {
			m.On(eventType, handler)
		}
	}
	go m.run(conn)
	return m, nil
}

func dialTransport(ctx context.Context, url string, header http.Header) (Conn, error) {
	return transport.Dial(ctx, url, header)
}

// On registers handler for eventType. Handlers for one type run in
// registration order on the read loop goroutine.
func (m *Manager) On(eventType string, handler Handler) func() {
	m.handlersMu.Lock()
	m.nextHandler++
	id := m.nextHandler
	m.handlers[eventType] = append(m.handlers[eventType], handlerEntry{id: id, fn: handler})
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()
			entries := m.handlers[eventType]
			for i, entry := range entries {
				if entry.id == id {
					m.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(m.handlers[eventType]) == 0 {
				delete(m.handlers, eventType)
			}
		})
	}
}

// Send writes one frame. Frames sent while the transport is down are dropped;
// room joins and leaves are still remembered for the next reconnect.
func (m *Manager) Send(eventType string, payload any) error {
	frame, err := wire.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if eventType == wire.EventJoinRoom || eventType == wire.EventLeaveRoom {
		var room wire.RoomPayload
		if err := frame.Bind(&room); err != nil {
			m.mu.Unlock()
			return err
		}
		if eventType == wire.EventJoinRoom {
			m.rooms[room.RoomID] = struct{}{}
		} else {
			delete(m.rooms, room.RoomID)
		}
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.log.Debug().Str("type", eventType).Msg("dropping frame while disconnected")
		metrics.FramesDropped.WithLabelValues(eventType).Inc()
		return nil
	}
	if err := conn.WriteFrame(data); err != nil {
		// The read loop observes the broken transport and reconnects.
		m.log.Debug().Err(err).Str("type", eventType).Msg("write failed")
		_ = conn.Close()
		return nil
	}
	metrics.FramesTotal.WithLabelValues("out", eventType).Inc()
	return nil
}

func (m *Manager) JoinRoom(roomID string) error {
	return m.Send(wire.EventJoinRoom, wire.RoomPayload{RoomID: roomID})
}

func (m *Manager) LeaveRoom(roomID string) error {
	return m.Send(wire.EventLeaveRoom, wire.RoomPayload{RoomID: roomID})
}

// Rooms returns the rooms re-joined on reconnect, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRooms()
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Disconnect closes the transport and stops reconnecting. Later sends fail
// with ErrClosed. It waits for the read loop, so it must not be called from a
// Handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-m.done
}

func (m *Manager) run(conn Conn) {
	defer close(m.done)
	for {
		m.emit(wire.EventConnected)
		stop := make(chan struct{})
		go m.heartbeat(stop)
		m.readLoop(conn)
		close(stop)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.emit(wire.EventDisconnected)

		if m.ctx.Err() != nil {
			return
		}
		conn = m.reconnect()
		if conn == nil {
			return
		}
	}
}

func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			m.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		metrics.FramesTotal.WithLabelValues("in", frame.Type).Inc()
		m.dispatch(frame)
	}
}

// reconnect dials until it succeeds or the manager is closed, then re-joins
// the remembered rooms before the connection is published to senders.
func (m *Manager) reconnect() Conn {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.InitialBackoff
	policy.MaxInterval = m.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	conn, err := backoff.RetryNotifyWithData(func() (Conn, error) {
		attempt++
		return m.opts.Dial(m.ctx, m.opts.URL, m.header)
	}, backoff.WithContext(policy, m.ctx), func(err error, next time.Duration) {
		metrics.Reconnects.WithLabelValues("error").Inc()
		m.log.Info().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("reconnect failed")
	})
	if err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = conn.Close()
		return nil
	}
	for _, roomID := range m.sortedRooms() {
		data, err := wire.Encode(wire.EventJoinRoom, wire.RoomPayload{RoomID: roomID})
		if err != nil {
			continue
		}
		if err := conn.WriteFrame(data); err != nil {
			m.log.Warn().Err(err).Str("room_id", roomID).Msg("rejoin failed")
			break
		}
	}
	m.conn = conn
	metrics.Reconnects.WithLabelValues("success").Inc()
	m.log.Info().Int("attempt", attempt).Int("rooms", len(m.rooms)).Msg("reconnected")
	return conn
}

func (m *Manager) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Send(wire.EventHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) emit(eventType string) {
	m.dispatch(wire.Frame{Type: eventType})
}

func (m *Manager) dispatch(frame wire.Frame) {
	m.handlersMu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[frame.Type]...)
	m.handlersMu.RUnlock()
	for _, entry := range entries {
		entry.fn(frame)
	}
}

func (m *Manager) sortedRooms() []string {
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}
