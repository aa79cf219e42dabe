package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksync/internal/wire"
)

var errClosedPipe = errors.New("closed pipe")

type fakeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 256),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.toClient:
		return data, nil
	case <-c.closed:
		return nil, errClosedPipe
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return errClosedPipe
	default:
	}
	select {
	case c.fromClient <- data:
		return nil
	case <-c.closed:
		return errClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := wire.Encode(eventType, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	c.toClient <- data
}

// expect returns the next frame of eventType written by the client,
// skipping heartbeats.
func (c *fakeConn) expect(t *testing.T, eventType string) wire.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.fromClient:
			frame, err := wire.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if frame.Type == wire.EventHeartbeat {
				continue
			}
			if frame.Type != eventType {
				t.Fatalf("got %s frame, want %s", frame.Type, eventType)
			}
			return frame
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
			return wire.Frame{}
		}
	}
}

// quiet fails if the client writes anything but heartbeats within d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case data := <-c.fromClient:
			frame, _ := wire.Decode(data)
			if frame.Type != wire.EventHeartbeat {
				t.Fatalf("unexpected %s frame: %s", frame.Type, frame.Payload)
			}
		case <-timeout:
			return
		}
	}
}

type fakeServer struct {
	conns   chan *fakeConn
	refuse  atomic.Bool
	headers chan http.Header
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		conns:   make(chan *fakeConn, 8),
		headers: make(chan http.Header, 8),
	}
}

func (s *fakeServer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.refuse.Load() {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	s.headers <- header
	s.conns <- conn
	return conn, nil
}

func (s *fakeServer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client did not dial")
		return nil
	}
}

// fakeChannel dispatches frames synchronously to registered handlers.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]*Handler
	sent     []wire.Frame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]*Handler)}
}

func (c *fakeChannel) On(eventType string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &handler
	c.handlers[eventType] = append(c.handlers[eventType], h)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[eventType]
		for i, candidate := range list {
			if candidate == h {
				c.handlers[eventType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) Send(eventType string, payload any) error {
	frame, err := wire.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) emit(t *testing.T, eventType string, payload any) {
	t.Helper()
	frame, err := wire.NewFrame(eventType, payload)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	c.mu.Lock()
	handlers := append([]*Handler(nil), c.handlers[eventType]...)
	c.mu.Unlock()
	for _, h := range handlers {
		(*h)(frame)
	}
}
