// Package transport frames connection-channel messages over a websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeTimeout = 10 * time.Second

	// DefaultMaxFrameSize bounds an inbound message when no limit is given.
	DefaultMaxFrameSize int64 = 64 << 10
)

var ErrFrameTooLarge = errors.New("websocket message exceeds size limit")

// Conn is one websocket connection. Reads must come from a single goroutine;
// writes are safe from any goroutine.
type Conn struct {
	conn        net.Conn
	source      io.Reader
	state       ws.State
	readTimeout time.Duration
	maxFrame    int64

	mu     sync.Mutex
	closed bool
}

// Upgrade completes the server side of the websocket handshake.
// readTimeout bounds the wait for each inbound frame; zero disables it.
// maxFrameSize bounds each inbound message; zero means DefaultMaxFrameSize.
func Upgrade(w http.ResponseWriter, r *http.Request, readTimeout time.Duration, maxFrameSize int64) (*Conn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Conn{conn: conn, source: conn, state: ws.StateServerSide, readTimeout: readTimeout, maxFrame: maxFrameSize}, nil
}

// Dial opens the client side of a websocket to url, sending header with the handshake.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := ws.Dialer{}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	var source io.Reader = conn
	if br != nil {
		// The server may have written frames right after the handshake.
		source = io.MultiReader(br, conn)
	}
	return &Conn{conn: conn, source: source, state: ws.StateClientSide, maxFrame: DefaultMaxFrameSize}, nil
}

// ReadFrame blocks until the next text or binary message arrives.
// Control frames are answered inline; a close frame ends the connection with an error.
// A message over the size limit is answered with a 1009 close and ErrFrameTooLarge.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	rd := &wsutil.Reader{
		Source:         c.source,
		State:          c.state,
		CheckUTF8:      true,
		MaxFrameSize:   c.maxFrame,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if errors.Is(err, wsutil.ErrFrameTooLarge) {
			return nil, c.rejectOversized()
		}
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		// Fragmented messages can exceed the limit across frames.
		data, err := io.ReadAll(io.LimitReader(rd, c.maxFrame+1))
		if errors.Is(err, wsutil.ErrFrameTooLarge) || int64(len(data)) > c.maxFrame {
			return nil, c.rejectOversized()
		}
		return data, err
	}
}

func (c *Conn) rejectOversized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusMessageTooBig, ErrFrameTooLarge.Error()))
	}
	return fmt.Errorf("read frame over %d bytes: %w", c.maxFrame, ErrFrameTooLarge)
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, c.state)(hdr, r)
}

// WriteFrame sends data as a single text message.
func (c *Conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.conn, c.state, ws.OpText, data)
}

// Close sends a normal-closure frame when possible and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
