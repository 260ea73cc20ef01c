// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// transport carries frames over TCP with the intermediate framing: the client
// opens with a 4 byte tag and every frame is preceded by its little-endian
// 32 bit length.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/companyzero/mtpcore/dcoptions"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/session"
)

const (
	tagIntermediate = 0xeeeeeeee

	// DefaultMaxFrameSize bounds received frames.
	DefaultMaxFrameSize = 16*1024*1024 + 1024

	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

var (
	ErrFrameSize = errors.New("invalid frame size")
	ErrTag       = errors.New("invalid transport tag")
)

// Error is a transport level error code sent by the server in place of a
// frame, for example -404 for an unknown auth key.
type Error struct {
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error %v", e.Code)
}

// Conn is a framed connection.  Send and Receive may be used concurrently
// with each other.
type Conn struct {
	MaxFrameSize int
	WriteTimeout time.Duration

	conn net.Conn
	wmtx sync.Mutex
	rmtx sync.Mutex
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		MaxFrameSize: DefaultMaxFrameSize,
		WriteTimeout: DefaultWriteTimeout,
		conn:         c,
	}
}

// Client starts the intermediate framing on c.
func Client(c net.Conn) (*Conn, error) {
	tc := newConn(c)
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], tagIntermediate)
	if err := tc.write(tag[:]); err != nil {
		return nil, err
	}
	return tc, nil
}

// Server accepts the intermediate framing on c.
func Server(c net.Conn) (*Conn, error) {
	tc := newConn(c)
	var tag [4]byte
	if _, err := io.ReadFull(c, tag[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(tag[:]) != tagIntermediate {
		return nil, ErrTag
	}
	return tc, nil
}

func (c *Conn) write(b []byte) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()

	if c.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	_, err := c.conn.Write(b)
	return err
}

// Send writes one frame.
func (c *Conn) Send(frame []byte) error {
	if len(frame) == 0 || len(frame) > c.MaxFrameSize {
		return ErrFrameSize
	}
	b := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(b, uint32(len(frame)))
	copy(b[4:], frame)
	return c.write(b)
}

// Receive reads one frame.  It returns early with the context error when
// ctx is done.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.rmtx.Lock()
	defer c.rmtx.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			// the deadline may already be set
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	frame, err := c.read()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return frame, err
}

func (c *Conn) read() ([]byte, error) {
	var h [4]byte
	if _, err := io.ReadFull(c.conn, h[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(h[:])
	if n == 0 || int64(n) > int64(c.MaxFrameSize) {
		return nil, fmt.Errorf("%w: %v", ErrFrameSize, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, err
	}
	if n == 4 {
		return nil, &Error{Code: int32(binary.LittleEndian.Uint32(frame))}
	}
	return frame, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Dialer connects to the endpoints of a datacenter catalog, best first.
type Dialer struct {
	Catalog *dcoptions.Catalog
	Timeout time.Duration // DefaultDialTimeout when 0
	Log     *debug.Debug
	LogID   int
}

// Dial connects to datacenter dc.
func (d *Dialer) Dial(ctx context.Context, dc int) (session.Conn, error) {
	endpoints := d.Catalog.Endpoints(dc)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w %v", dcoptions.ErrNoEndpoint, dc)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	var err error
	for _, addr := range endpoints {
		var c net.Conn
		nd := net.Dialer{Timeout: timeout}
		c, err = nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			d.Log.Warn(d.LogID, "dc %v: dial %v: %v", dc, addr, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		d.Log.Dbg(d.LogID, "dc %v: connected to %v", dc, addr)
		tc, err := Client(c)
		if err != nil {
			c.Close()
			return nil, err
		}
		return tc, nil
	}
	return nil, err
}
