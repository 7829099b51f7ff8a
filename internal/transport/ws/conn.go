// Package ws provides the WebSocket transport for the realtime socket,
// on top of gobwas/ws. The same Conn serves the client side (Dial) and
// the server side (Accept).
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Close codes used by the client core.
const (
	StatusNormalClosure   = int(ws.StatusNormalClosure)
	StatusGoingAway       = int(ws.StatusGoingAway)
	StatusAbnormalClosure = int(ws.StatusAbnormalClosure)
)

// closeWriteTimeout bounds how long Close waits to deliver the close
// frame before dropping the TCP connection.
const closeWriteTimeout = time.Second

// Conn is one WebSocket connection. Read must not be called
// concurrently; Write and Close may be called from any goroutine.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	state      ws.State
	remoteAddr string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	// closeSent is set once a close frame went out in reply to the peer.
	closeSent atomic.Bool
}

// Dial opens a client connection to rawURL, sending header with the
// handshake request.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	dialer := ws.Dialer{}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	conn, br, _, err := dialer.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}

	// br holds frames the server sent right after the handshake.
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return newConn(conn, br, ws.StateClientSide, conn.RemoteAddr().String()), nil
}

// Accept upgrades an HTTP request to a server-side connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	return newConn(conn, src, ws.StateServerSide, r.RemoteAddr), nil
}

func newConn(conn net.Conn, src io.Reader, state ws.State, remoteAddr string) *Conn {
	c := &Conn{
		conn:       conn,
		state:      state,
		remoteAddr: remoteAddr,
	}
	c.reader = &wsutil.Reader{
		Source:    src,
		State:     state,
		CheckUTF8: true,
	}
	c.reader.OnIntermediate = c.handleControl
	return c
}

// Read returns the payload of the next text or binary message. Control
// frames are answered internally; a close frame from the peer ends the
// connection with a wsutil.ClosedError (see CloseCode).
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		return io.ReadAll(c.reader)
	}
}

// handleControl answers a control frame. The reply is buffered and
// written under the write lock so it cannot interleave with a data frame.
func (c *Conn) handleControl(hdr ws.Header, src io.Reader) error {
	var reply bytes.Buffer
	handler := wsutil.ControlHandler{
		Src:                 src,
		Dst:                 &reply,
		State:               c.state,
		DisableSrcCiphering: true,
	}
	handleErr := handler.Handle(hdr)
	if hdr.OpCode == ws.OpClose {
		c.closeSent.Store(true)
	}

	if reply.Len() > 0 {
		c.wmu.Lock()
		_, writeErr := c.conn.Write(reply.Bytes())
		c.wmu.Unlock()
		if handleErr == nil && writeErr != nil {
			return writeErr
		}
	}
	return handleErr
}

// Write sends data as a single text message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteMessage(c.conn, c.state, ws.OpText, data)
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close() error {
	return c.CloseWith(StatusNormalClosure, "")
}

// CloseWith sends a close frame carrying code and reason, then closes
// the underlying connection. Only the first call has any effect.
func (c *Conn) CloseWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		if !c.closeSent.Load() {
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
			c.wmu.Unlock()
		}

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// CloseCode extracts the close code a peer sent from an error returned
// by Read. ok is false when the connection ended without a close frame.
func CloseCode(err error) (code int, ok bool) {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return int(closed.Code), true
	}
	return 0, false
}
