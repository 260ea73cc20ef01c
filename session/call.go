// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"time"
)

// Call is one request submitted to a Session.  The session owns a Call from
// Submit until it is sent on Done.
type Call struct {
	Body  []byte // boxed request
	After *Call  // executed by the server after After, may be nil

	// Reply is the boxed answer with gzip_packed removed.  Error is set
	// as well when the answer is an rpc_error; it is then an
	// *rpc.RPCError.
	Reply []byte
	Error error

	Done chan *Call // receives the call once answered, buffered

	id       uint64   // local request id
	msgID    uint64   // id of the last send
	msgIDs   []uint64 // every id the call was sent with
	sent     time.Time
	acked    bool
	finished bool

	// build creates the body once the message id is known.
	build func(msgID uint64) ([]byte, error)
}

// NewCall returns a call for body.
func NewCall(body []byte) *Call {
	return &Call{
		Body: body,
		Done: make(chan *Call, 1),
	}
}

// MsgID returns the message id the call was last sent with, 0 while queued.
// Only meaningful once the call is done.
func (c *Call) MsgID() uint64 {
	return c.msgID
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
	}
}

// placement records where a sent message id went.  Every id the session sent
// and still cares about is in exactly one placement.
type placement int

const (
	direct      placement = iota // sent on its own
	inContainer                  // sent as a member of container
	resending                    // replaced by a newer id of the same call
	container                    // a container, members lists its items
)

func (p placement) String() string {
	switch p {
	case direct:
		return "direct"
	case inContainer:
		return "container member"
	case resending:
		return "resending"
	case container:
		return "container"
	}
	return "invalid"
}

// entry is the sent state of one message id.
type entry struct {
	placement placement
	container uint64   // inContainer: the outer id
	members   []uint64 // container: items; state request: queried ids
	call      *Call    // nil for service messages
	service   uint32   // constructor of a service message
	sent      time.Time
}
