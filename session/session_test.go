// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/keybinder"
	"github.com/companyzero/mtpcore/registry"
	"github.com/companyzero/mtpcore/rpc"
	"golang.org/x/sync/errgroup"
)

// fakeConn is one end of an in memory connection.
type fakeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func newFakeConns() (client, server *fakeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	closed := make(chan struct{})
	once := new(sync.Once)
	return &fakeConn{in: a, out: b, closed: closed, once: once},
		&fakeConn{in: b, out: a, closed: closed, once: once}
}

func (c *fakeConn) Send(frame []byte) error {
	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	dials atomic.Int32
	conns chan *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, dc int) (Conn, error) {
	d.dials.Add(1)
	client, server := newFakeConns()
	select {
	case d.conns <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

// fakeServer answers pings and test calls.  On the connections listed in
// badSession every answer carries a wrong session id.
type fakeServer struct {
	key        *authkey.AuthKey
	salt       uint64
	badSession map[int]bool
	ids        serverIDs
}

func (fs *fakeServer) seal(sessionID uint64, body []byte) ([]byte, error) {
	n := headerSize + len(body)
	pad := minPadding + (16-(n+minPadding)%16)%16
	pt := make([]byte, n+pad)
	binary.LittleEndian.PutUint64(pt[0:], fs.salt)
	binary.LittleEndian.PutUint64(pt[8:], sessionID)
	binary.LittleEndian.PutUint64(pt[16:], fs.ids.next())
	binary.LittleEndian.PutUint32(pt[24:], 1)
	binary.LittleEndian.PutUint32(pt[28:], uint32(len(body)))
	copy(pt[headerSize:], body)
	return fs.key.Encrypt(authkey.ServerToClient, pt)
}

func (fs *fakeServer) serve(ctx context.Context, n int, conn *fakeConn) error {
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return nil
		}
		pt, err := fs.key.Decrypt(authkey.ClientToServer, frame)
		if err != nil {
			return err
		}
		sessionID := binary.LittleEndian.Uint64(pt[8:])
		msgID := binary.LittleEndian.Uint64(pt[16:])
		l := binary.LittleEndian.Uint32(pt[28:])
		body := pt[headerSize : headerSize+l]

		items := []rpc.ContainerItem{{MsgID: msgID, Body: body}}
		if rpc.PeekConstructor(body) == rpc.CRCMsgContainer {
			items, err = rpc.UnmarshalContainer(body)
			if err != nil {
				return err
			}
		}
		if fs.badSession[n] {
			sessionID++
		}
		for _, it := range items {
			var answer []byte
			switch rpc.PeekConstructor(it.Body) {
			case rpc.CRCPing, rpc.CRCPingDelayDisconnect:
				d := rpc.NewDecoder(it.Body[4:])
				answer = rpc.Marshal(&rpc.Pong{
					MsgID:  it.MsgID,
					PingID: d.Uint64(),
				})
			case testCRC:
				answer = rpc.Marshal(result(it.MsgID,
					testBody(binary.LittleEndian.Uint32(it.Body[4:])+100)))
			default:
				continue
			}
			f, err := fs.seal(sessionID, answer)
			if err != nil {
				return err
			}
			if err := conn.Send(f); err != nil {
				return nil
			}
		}
	}
}

func installKey(t *testing.T, reg *registry.Registry, dc int) *authkey.AuthKey {
	t.Helper()
	d := reg.Dc(dc)
	if c := d.AcquireKeyCreation(registry.Regular); c != registry.Persistent {
		t.Fatalf("unexpected claim %v", c)
	}
	temp := newTestKey(t)
	persistent := newTestKey(t)
	if !d.ReleaseKeyCreationOnDone(registry.Persistent, temp, persistent) {
		t.Fatalf("key not installed")
	}
	return temp
}

func TestRunReconnect(t *testing.T) {
	reg := registry.New(nil, 0)
	key := installKey(t, reg, 2)
	dialer := &fakeDialer{conns: make(chan *fakeConn)}
	fs := &fakeServer{
		key:        key,
		salt:       0x5a17,
		badSession: map[int]bool{0: true},
	}
	s := New(Config{
		DC:       2,
		Dialer:   dialer,
		Registry: reg,
		Clock:    rpc.NewClock(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		for n := 0; ; n++ {
			select {
			case conn := <-dialer.conns:
				if err := fs.serve(ctx, n, conn); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	eg.Go(func() error {
		err := s.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	reply, err := s.Invoke(ctx, testBody(7))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, testBody(107)) {
		t.Fatalf("unexpected reply %x", reply)
	}
	if n := dialer.dials.Load(); n != 2 {
		t.Fatalf("dialed %v times", n)
	}
	if st := s.State(); st != Connected {
		t.Fatalf("state %v", st)
	}

	cancel()
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestBound(t *testing.T) {
	data := make([]byte, authkey.Size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	// stored long enough ago to be destroyed
	persistent, err := authkey.NewStored(2, data,
		time.Now().Add(-2*keyOldEnoughForDestroy))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		answer  keybinder.State
		changed bool // persistent key forgotten during the bind
	}{
		{keybinder.Success, false},
		{keybinder.DefinitelyDestroyed, false},
		{keybinder.Success, true},
	}
	for _, test := range tests {
		answer := test.answer
		reg := registry.New(nil, 0)
		reg.AddPersistentKeys([]*authkey.AuthKey{persistent})
		dc := reg.Dc(2)
		claim := dc.AcquireKeyCreation(registry.Regular)
		if claim != registry.TemporaryRegular {
			t.Fatalf("unexpected claim %v", claim)
		}

		s := New(Config{DC: 2, Registry: reg})
		temp := newTestKey(t)
		temp.SetExpiresAt(time.Now().Add(time.Hour))
		s.st.setKey(temp)
		b := &binding{
			claim:     claim,
			binder:    keybinder.New(persistent),
			temporary: temp,
			call:      NewCall(nil),
		}
		b.call.build = func(msgID uint64) ([]byte, error) {
			return b.binder.PrepareBindRequest(temp, s.st.sessionID, msgID)
		}
		other := NewCall(testBody(1))
		s.st.submit(other)
		s.st.submitFirst(b.call)

		// only the bind request goes out
		m := flushOpen(t, s.st)
		if rpc.PeekConstructor(m.body) != rpc.CRCAuthBindTempAuthKey {
			t.Fatalf("unexpected %08x", rpc.PeekConstructor(m.body))
		}
		if len(s.st.queue) != 1 {
			t.Fatalf("other call sent")
		}

		var reply []byte
		if answer == keybinder.Success {
			e := rpc.NewEncoder(4)
			e.PutBool(true)
			reply = e.Buf()
		} else {
			reply = rpc.Marshal(&rpc.RPCError{Code: 400,
				Message: "ENCRYPTED_MESSAGE_INVALID"})
		}
		var sids serverIDs
		if r := receive(t, s.st, &sids, 1, result(m.msgID, reply)); r != Success {
			t.Fatalf("got %v", r)
		}
		if !b.call.finished || s.st.binding != nil {
			t.Fatalf("bind not finished")
		}

		if test.changed {
			dc.DestroyConfirmedForgottenKey(persistent.ID())
		}
		err := s.bound(dc, b)
		switch {
		case test.changed:
			if !errors.Is(err, errKeyChanged) || b.done {
				t.Fatalf("bound: %v", err)
			}
			if dc.TemporaryKey(registry.Regular) != nil {
				t.Fatalf("temporary key installed")
			}
			// somebody may create keys again
			if c := dc.AcquireKeyCreation(registry.Regular); c != registry.Persistent {
				t.Fatalf("unexpected claim %v", c)
			}
		case answer == keybinder.Success:
			if err != nil || !b.done {
				t.Fatalf("bound: %v", err)
			}
			if !dc.TemporaryKey(registry.Regular).Equal(temp) {
				t.Fatalf("temporary key not installed")
			}
		case answer == keybinder.DefinitelyDestroyed:
			if !errors.Is(err, errBindFailed) || b.done {
				t.Fatalf("bound: %v", err)
			}
			if dc.PersistentKey() != nil {
				t.Fatalf("persistent key not destroyed")
			}
		}
	}
}
