// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/companyzero/mtpcore/aesige"
	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/rpc"
)

var (
	ErrCanceled = errors.New("call canceled")
	ErrNoKey    = errors.New("session has no auth key")
)

const (
	// headerSize is salt, session id, msg id, seqno and length.
	headerSize = 8 + 8 + 8 + 4 + 4

	minPadding   = 12
	maxPadding   = 1024
	minFrameSize = 24 + 48
	maxFrameSize = 16 * 1024 * 1024

	// DefaultCutSize is the amount of request bytes after which a flush
	// leaves the remaining requests for the next one.
	DefaultCutSize = 16 * 1024

	maxAcks = 8192

	stateRequestAfter = 10 * time.Second
	containerLives    = 600 * time.Second
)

// state is the message bookkeeping of a session.  It is owned by the
// session run loop and survives reconnects.
type state struct {
	clock *rpc.Clock
	rand  io.Reader
	log   *debug.Debug
	logID int

	key       *authkey.AuthKey
	sessionID uint64
	salt      uint64
	seq       int32 // content related messages sent in this session
	cutSize   int

	nextID   uint64
	queue    []*Call // ordered by local id
	sent     map[uint64]*entry
	received receivedIDs

	acks           []uint64
	stateReqs      []uint64
	resendReqs     []uint64
	stateInfos     [][]byte
	forceContainer bool

	pingID    uint64 // ping to send
	pingDelay int32
	pingMsgID uint64 // ping waiting for pong
	pingSent  time.Time

	binding *Call // only this call is sent while set
	updates [][]byte
	rtt     time.Duration // last measured round trip
	rewound bool          // clock set back, the session must start over
}

func newState(clock *rpc.Clock, random io.Reader, log *debug.Debug, logID int) *state {
	if random == nil {
		random = rand.Reader
	}
	s := &state{
		clock:   clock,
		rand:    random,
		log:     log,
		logID:   logID,
		cutSize: DefaultCutSize,
		sent:    make(map[uint64]*entry),
	}
	s.newSession()
	return s
}

func (s *state) random64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(s.rand, b[:]); err != nil {
		// crypto/rand does not fail; a broken reader still gets a
		// usable id from the clock.
		return s.clock.MsgID()
	}
	return binary.LittleEndian.Uint64(b[:])
}

// newSession starts a new server side session: new id, sequence numbers
// from zero and an empty received set.
func (s *state) newSession() {
	s.sessionID = s.random64()
	s.seq = 0
	s.received = receivedIDs{}
	s.acks = nil
	s.stateInfos = nil
}

// resetSession starts a new session and sends everything again in it.
func (s *state) resetSession() {
	s.newSession()
	s.resendAll(true)
}

// setKey switches to key.  A different key starts a new session without a
// salt.
func (s *state) setKey(key *authkey.AuthKey) {
	if key.Equal(s.key) {
		return
	}
	s.key = key
	s.salt = 0
	if key != nil {
		s.newSession()
	}
}

func (s *state) nextSeq(contentRelated bool) int32 {
	if !contentRelated {
		return s.seq * 2
	}
	seq := s.seq*2 + 1
	s.seq++
	return seq
}

func (s *state) enqueue(c *Call) {
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].id > c.id
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = c
}

func (s *state) dequeue(c *Call) bool {
	for i, q := range s.queue {
		if q == c {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *state) submit(c *Call) {
	s.nextID++
	c.id = s.nextID
	if c.Done == nil {
		c.Done = make(chan *Call, 1)
	}
	s.enqueue(c)
}

// submitFirst queues c ahead of every other call and holds the others back
// until c is answered.
func (s *state) submitFirst(c *Call) {
	s.submit(c)
	s.dequeue(c)
	s.queue = append([]*Call{c}, s.queue...)
	s.binding = c
}

// cancel drops c unless the server already acknowledged it.
func (s *state) cancel(c *Call) bool {
	if c.finished || c.acked {
		return false
	}
	s.finish(c, nil, ErrCanceled)
	return true
}

// finish delivers the answer of c.  A call is delivered once.
func (s *state) finish(c *Call, reply []byte, err error) bool {
	if c.finished {
		return false
	}
	c.finished = true
	c.Reply = reply
	c.Error = err
	for _, id := range c.msgIDs {
		delete(s.sent, id)
	}
	s.dequeue(c)
	if s.binding == c {
		s.binding = nil
	}
	c.done()
	return true
}

// ping arranges for a ping to go out with the next flush.
func (s *state) ping(id uint64, disconnectDelay int32) {
	s.pingID = id
	s.pingDelay = disconnectDelay
}

// pending reports whether a flush would send anything.
func (s *state) pending() bool {
	return len(s.queue) > 0 || len(s.acks) > 0 || len(s.stateReqs) > 0 ||
		len(s.resendReqs) > 0 || len(s.stateInfos) > 0 || s.pingID != 0
}

type outgoing struct {
	call           *Call
	body           []byte
	service        uint32
	members        []uint64
	contentRelated bool
}

// flush packs everything pending into one encrypted frame.  A single message
// goes out bare, anything more in a container.  Nil is returned when there is
// nothing to send.
func (s *state) flush(now time.Time) ([]byte, error) {
	if s.key == nil {
		return nil, ErrNoKey
	}

	var outs []outgoing
	if s.pingID != 0 {
		var body []byte
		if s.pingDelay > 0 {
			body = rpc.Marshal(&rpc.PingDelayDisconnect{
				PingID:          s.pingID,
				DisconnectDelay: s.pingDelay,
			})
		} else {
			body = rpc.Marshal(&rpc.Ping{PingID: s.pingID})
		}
		outs = append(outs, outgoing{
			body:           body,
			service:        rpc.CRCPing,
			members:        []uint64{s.pingID},
			contentRelated: true,
		})
		s.pingID = 0
	}
	if len(s.stateReqs) > 0 {
		outs = append(outs, outgoing{
			body:           rpc.Marshal(rpc.NewMsgsStateReq(s.stateReqs)),
			service:        rpc.CRCMsgsStateReq,
			members:        s.stateReqs,
			contentRelated: true,
		})
		s.stateReqs = nil
	}
	if len(s.resendReqs) > 0 {
		outs = append(outs, outgoing{
			body:           rpc.Marshal(rpc.NewMsgResendReq(s.resendReqs)),
			contentRelated: true,
		})
		s.resendReqs = nil
	}
	for _, info := range s.stateInfos {
		outs = append(outs, outgoing{body: info})
	}
	s.stateInfos = nil

	// requests, cut once enough bytes are taken
	size := 0
	rest := s.queue[:0]
	for _, c := range s.queue {
		if (s.binding != nil && c != s.binding) || size >= s.cutSize {
			rest = append(rest, c)
			continue
		}
		outs = append(outs, outgoing{call: c, contentRelated: true})
		size += len(c.Body)
	}
	s.queue = rest

	if len(s.acks) > 0 {
		n := len(s.acks)
		if n > maxAcks {
			n = maxAcks
		}
		outs = append(outs, outgoing{
			body: rpc.Marshal(rpc.NewMsgsAck(s.acks[:n])),
		})
		s.acks = s.acks[n:]
	}

	if len(outs) == 0 {
		return nil, nil
	}

	items := make([]rpc.ContainerItem, 0, len(outs))
	var members []uint64
	for _, o := range outs {
		id := s.clock.MsgID()
		body := o.body
		if o.call != nil {
			var err error
			body, err = s.callBody(o.call, id)
			if err != nil {
				s.log.Error(s.logID, "request %v: %v", o.call.id, err)
				s.finish(o.call, nil, err)
				continue
			}
			o.call.msgID = id
			o.call.msgIDs = append(o.call.msgIDs, id)
			o.call.sent = now
		}
		if o.call != nil || o.service != 0 {
			s.sent[id] = &entry{
				placement: direct,
				call:      o.call,
				service:   o.service,
				members:   o.members,
				sent:      now,
			}
			members = append(members, id)
		}
		if o.service == rpc.CRCPing {
			s.pingMsgID = id
			s.pingSent = now
		}
		items = append(items, rpc.ContainerItem{
			MsgID: id,
			SeqNo: s.nextSeq(o.contentRelated),
			Body:  body,
		})
	}
	if len(items) == 0 {
		return nil, nil
	}

	if len(items) == 1 && !s.forceContainer {
		it := items[0]
		return s.seal(it.MsgID, it.SeqNo, it.Body)
	}

	cid := s.clock.MsgID()
	for _, id := range members {
		e := s.sent[id]
		e.placement = inContainer
		e.container = cid
	}
	if len(members) > 0 {
		s.sent[cid] = &entry{
			placement: container,
			members:   members,
			sent:      now,
		}
	}
	s.forceContainer = false
	return s.seal(cid, s.nextSeq(false), rpc.MarshalContainer(items))
}

// callBody returns the body c is sent with as msgID.  A call whose
// predecessor is still unanswered is wrapped in invokeAfterMsg.
func (s *state) callBody(c *Call, msgID uint64) ([]byte, error) {
	body := c.Body
	if c.build != nil {
		b, err := c.build(msgID)
		if err != nil {
			return nil, err
		}
		body = b
	}
	if a := c.After; a != nil && !a.finished {
		if _, ok := s.sent[a.msgID]; ok {
			body = rpc.InvokeAfterMsg(a.msgID, body)
		}
	}
	return body, nil
}

// seal encrypts one message into a frame.
func (s *state) seal(msgID uint64, seqNo int32, body []byte) ([]byte, error) {
	n := headerSize + len(body)
	pad := minPadding + (aesige.BlockSize-(n+minPadding)%aesige.BlockSize)%
		aesige.BlockSize
	pt := make([]byte, n+pad)
	binary.LittleEndian.PutUint64(pt[0:], s.salt)
	binary.LittleEndian.PutUint64(pt[8:], s.sessionID)
	binary.LittleEndian.PutUint64(pt[16:], msgID)
	binary.LittleEndian.PutUint32(pt[24:], uint32(seqNo))
	binary.LittleEndian.PutUint32(pt[28:], uint32(len(body)))
	copy(pt[headerSize:], body)
	if _, err := io.ReadFull(s.rand, pt[n:]); err != nil {
		return nil, err
	}
	return s.key.Encrypt(authkey.ClientToServer, pt)
}

// resend queues msgID again.  Containers resend their members.  force makes
// the next flush use a container.
func (s *state) resend(msgID uint64, force bool) {
	e, ok := s.sent[msgID]
	if !ok {
		return
	}
	s.forceContainer = s.forceContainer || force

	switch e.placement {
	case container:
		delete(s.sent, msgID)
		for _, id := range e.members {
			s.resend(id, force)
		}
		return
	case resending:
		return
	}

	if e.call == nil {
		delete(s.sent, msgID)
		switch e.service {
		case rpc.CRCPing:
			if s.pingMsgID == msgID {
				s.pingMsgID = 0
				s.pingID = e.members[0]
			}
		case rpc.CRCMsgsStateReq:
			s.stateReqs = append(s.stateReqs, e.members...)
		}
		return
	}

	c := e.call
	e.placement = resending
	if c.finished || c.msgID != msgID {
		return
	}
	s.log.Dbg(s.logID, "resending request %v, was %016x", c.id, msgID)
	c.acked = false
	s.enqueue(c)
}

// resendAll queues every unanswered message again.
func (s *state) resendAll(force bool) {
	ids := make([]uint64, 0, len(s.sent))
	for id, e := range s.sent {
		if e.placement == container {
			delete(s.sent, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.resend(id, force)
	}
}

// ack marks msgID as received by the server.
func (s *state) ack(msgID uint64) {
	e, ok := s.sent[msgID]
	if !ok {
		return
	}
	switch {
	case e.placement == container:
		delete(s.sent, msgID)
		for _, id := range e.members {
			s.ack(id)
		}
	case e.call != nil:
		e.call.acked = true
	}
}

// checkSent requests the state of requests unanswered for a while and
// resends containers that were never acknowledged.  It reports whether
// anything was queued.
func (s *state) checkSent(now time.Time) bool {
	var ask, old []uint64
	for id, e := range s.sent {
		switch {
		case e.placement == container:
			if now.Sub(e.sent) >= containerLives {
				old = append(old, id)
			}
		case e.placement == resending:
		case e.call != nil && now.Sub(e.sent) >= stateRequestAfter:
			ask = append(ask, id)
			e.sent = now
		}
	}
	sort.Slice(ask, func(i, j int) bool { return ask[i] < ask[j] })
	s.stateReqs = append(s.stateReqs, ask...)
	for _, id := range old {
		s.resend(id, true)
	}
	return len(ask) > 0 || len(old) > 0
}

// waiting reports whether an answer is outstanding.
func (s *state) waiting() bool {
	for _, e := range s.sent {
		if e.call != nil && e.placement != resending {
			return true
		}
	}
	return s.pingMsgID != 0
}
