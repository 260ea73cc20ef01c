// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/rpc"
)

// HandleResult tells the run loop what to do after a frame was handled.
type HandleResult int

const (
	Success HandleResult = iota
	Ignored
	RestartConnection
	ResetSession
	DestroyTemporaryKey
	ParseError
)

func (r HandleResult) String() string {
	switch r {
	case Success:
		return "success"
	case Ignored:
		return "ignored"
	case RestartConnection:
		return "restart connection"
	case ResetSession:
		return "reset session"
	case DestroyTemporaryKey:
		return "destroy temporary key"
	case ParseError:
		return "parse error"
	}
	return "invalid"
}

const (
	receivedIDsMax = 400

	badTimePast   = 300 * time.Second
	badTimeFuture = 60 * time.Second
)

// bad_msg_notification error codes
const (
	badMsgIDTooLow         = 16
	badMsgIDTooHigh        = 17
	badMsgSeqNoTooLow      = 32
	badMsgSeqNoTooHigh     = 33
	badMsgServerSalt       = 48
	badMsgInvalidContainer = 64
)

type receiveState int

const (
	added receiveState = iota
	duplicate
	tooOld
)

// receivedIDs is the sorted set of the most recent server message ids.
type receivedIDs struct {
	ids []uint64
}

func (r *receivedIDs) search(id uint64) (int, bool) {
	i := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= id })
	return i, i < len(r.ids) && r.ids[i] == id
}

func (r *receivedIDs) add(id uint64) receiveState {
	i, found := r.search(id)
	if found {
		return duplicate
	}
	if len(r.ids) >= receivedIDsMax && i == 0 {
		return tooOld
	}
	r.ids = append(r.ids, 0)
	copy(r.ids[i+1:], r.ids[i:])
	r.ids[i] = id
	if len(r.ids) > receivedIDsMax {
		r.ids = r.ids[1:]
	}
	return added
}

func (r *receivedIDs) has(id uint64) bool {
	_, found := r.search(id)
	return found
}

// info returns the msgs_state_info status of id.
func (r *receivedIDs) info(id uint64) byte {
	i, found := r.search(id)
	switch {
	case found:
		return 4 // received
	case len(r.ids) >= receivedIDsMax && i == 0:
		return 1 // too old to know
	case i == len(r.ids):
		return 3 // newer than anything received
	}
	return 2 // not received
}

// badTime reports whether msgID lies outside the accepted clock skew.
func (s *state) badTime(msgID uint64) bool {
	t := rpc.MsgIDTime(msgID)
	now := s.clock.Now()
	return t.Before(now.Add(-badTimePast)) || t.After(now.Add(badTimeFuture))
}

// fixTimeSalt decides whether a message with a bad time can be trusted.  It
// can when it references a message we sent, in which case the clock and salt
// are taken from it.
func (s *state) fixTimeSalt(badTime bool, msgID, serverSalt uint64, refs ...uint64) bool {
	if !badTime {
		return true
	}
	for _, ref := range refs {
		if _, ok := s.sent[ref]; ok {
			s.log.Warn(s.logID, "correcting clock from message %016x",
				msgID)
			if s.clock.Update(rpc.MsgIDTime(msgID)) {
				s.rewound = true
			}
			s.salt = serverSalt
			return true
		}
	}
	return false
}

func validServerMsgID(msgID uint64) bool {
	return msgID&3 == 1 || msgID&3 == 3
}

// handleFrame decrypts and dispatches one frame received from the server.
func (s *state) handleFrame(frame []byte, now time.Time) HandleResult {
	if len(frame) < minFrameSize || len(frame) > maxFrameSize {
		s.log.Error(s.logID, "bad frame size %v", len(frame))
		return RestartConnection
	}
	if s.key == nil {
		return RestartConnection
	}
	pt, err := s.key.Decrypt(authkey.ServerToClient, frame)
	if err != nil {
		s.log.Error(s.logID, "decrypt: %v", err)
		return RestartConnection
	}

	serverSalt := binary.LittleEndian.Uint64(pt[0:])
	sessionID := binary.LittleEndian.Uint64(pt[8:])
	msgID := binary.LittleEndian.Uint64(pt[16:])
	seqNo := int32(binary.LittleEndian.Uint32(pt[24:]))
	n := int(binary.LittleEndian.Uint32(pt[28:]))

	if sessionID != s.sessionID {
		s.log.Error(s.logID, "session id mismatch: %016x != %016x",
			sessionID, s.sessionID)
		return RestartConnection
	}
	padding := len(pt) - headerSize - n
	if n%4 != 0 || padding < minPadding || padding > maxPadding {
		s.log.Error(s.logID, "bad message length %v in %v", n, len(pt))
		return RestartConnection
	}
	if !validServerMsgID(msgID) {
		s.log.Error(s.logID, "bad server msg id %016x", msgID)
		return RestartConnection
	}

	badTime := s.badTime(msgID)
	if !badTime && serverSalt != s.salt {
		s.log.Dbg(s.logID, "server salt now %016x", serverSalt)
		s.salt = serverSalt
	}
	r := s.handleMessage(msgID, seqNo, pt[headerSize:headerSize+n],
		serverSalt, badTime, now)
	if s.rewound {
		// ids already sent in this session are above the clock now
		s.rewound = false
		if r == Success || r == Ignored {
			r = ResetSession
		}
	}
	return r
}

// handleMessage dispatches one message, recursing into containers.
func (s *state) handleMessage(msgID uint64, seqNo int32, body []byte, serverSalt uint64, badTime bool, now time.Time) HandleResult {
	if seqNo&1 == 1 {
		s.acks = append(s.acks, msgID)
	}
	switch s.received.add(msgID) {
	case duplicate:
		s.log.Dbg(s.logID, "duplicate message %016x", msgID)
		return Ignored
	case tooOld:
		s.log.Warn(s.logID, "message %016x too old", msgID)
		return ResetSession
	}

	c := rpc.PeekConstructor(body)
	switch c {
	case rpc.CRCMsgContainer:
		items, err := rpc.UnmarshalContainer(body)
		if err != nil {
			s.log.Error(s.logID, "container: %v", err)
			return ParseError
		}
		result := Success
		for _, it := range items {
			if !validServerMsgID(it.MsgID) {
				return ParseError
			}
			r := s.handleMessage(it.MsgID, it.SeqNo, it.Body,
				serverSalt, badTime || s.badTime(it.MsgID), now)
			switch r {
			case Success, Ignored:
			case ResetSession:
				result = ResetSession
			default:
				return r
			}
		}
		return result

	case rpc.CRCMsgsAck:
		var m rpc.MsgsAck
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.IDs...) {
			return Ignored
		}
		for _, id := range m.IDs {
			s.ack(id)
		}
		return Success

	case rpc.CRCBadMsgNotification:
		var m rpc.BadMsgNotification
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		return s.handleBadMsg(msgID, serverSalt, badTime, &m)

	case rpc.CRCBadServerSalt:
		var m rpc.BadServerSalt
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.BadMsgID) {
			return Ignored
		}
		s.log.Dbg(s.logID, "bad server salt, now %016x", m.NewServerSalt)
		s.salt = m.NewServerSalt
		s.resend(m.BadMsgID, true)
		return Success

	case rpc.CRCMsgsStateReq:
		var m rpc.MsgsStateReq
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		info := make([]byte, len(m.IDs))
		for i, id := range m.IDs {
			info[i] = s.received.info(id)
		}
		s.stateInfos = append(s.stateInfos,
			rpc.Marshal(&rpc.MsgsStateInfo{ReqMsgID: msgID, Info: info}))
		return Success

	case rpc.CRCMsgsStateInfo:
		var m rpc.MsgsStateInfo
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.ReqMsgID) {
			return Ignored
		}
		e, ok := s.sent[m.ReqMsgID]
		if !ok || e.service != rpc.CRCMsgsStateReq {
			return Ignored
		}
		delete(s.sent, m.ReqMsgID)
		s.applyStates(e.members, m.Info)
		return Success

	case rpc.CRCMsgsAllInfo:
		var m rpc.MsgsAllInfo
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if badTime {
			return Ignored
		}
		s.applyStates(m.IDs, m.Info)
		return Success

	case rpc.CRCMsgDetailedInfo, rpc.CRCMsgNewDetailedInfo:
		var m rpc.MsgDetailedInfo
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if m.New {
			if badTime {
				return Ignored
			}
		} else {
			if !s.fixTimeSalt(badTime, msgID, serverSalt, m.MsgID) {
				return Ignored
			}
			s.ack(m.MsgID)
		}
		if s.received.has(m.AnswerMsgID) {
			s.acks = append(s.acks, m.AnswerMsgID)
		} else {
			s.resendReqs = append(s.resendReqs, m.AnswerMsgID)
		}
		return Success

	case rpc.CRCMsgResendReq:
		var m rpc.MsgResendReq
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		for _, id := range m.IDs {
			s.resend(id, false)
		}
		return Success

	case rpc.CRCNewSessionCreated:
		var m rpc.NewSessionCreated
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.FirstMsgID) {
			return Ignored
		}
		s.log.Dbg(s.logID, "new session created, first %016x",
			m.FirstMsgID)
		s.salt = m.ServerSalt
		var ids []uint64
		for id := range s.sent {
			if id < m.FirstMsgID {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			s.resend(id, false)
		}
		return Success

	case rpc.CRCPong:
		var m rpc.Pong
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.MsgID) {
			return Ignored
		}
		if m.MsgID == s.pingMsgID {
			s.pingMsgID = 0
			delete(s.sent, m.MsgID)
			return Success
		}
		if e, ok := s.sent[m.MsgID]; ok && e.call != nil {
			s.finish(e.call, body, nil)
		}
		return Success

	case rpc.CRCRPCResult:
		var m rpc.RPCResult
		if err := rpc.Unmarshal(body, &m); err != nil {
			return ParseError
		}
		if !s.fixTimeSalt(badTime, msgID, serverSalt, m.ReqMsgID) {
			return Ignored
		}
		return s.handleResult(&m, now)
	}

	if badTime {
		return Ignored
	}
	if s.log.Tracing() {
		s.log.T(s.logID, "unsolicited %08x: %v", c, debug.Dump(body))
	}
	s.updates = append(s.updates, body)
	return Success
}

func (s *state) handleBadMsg(msgID, serverSalt uint64, badTime bool, m *rpc.BadMsgNotification) HandleResult {
	if !s.fixTimeSalt(badTime, msgID, serverSalt, m.BadMsgID) {
		return Ignored
	}
	s.log.Warn(s.logID, "bad msg %016x: code %v", m.BadMsgID, m.ErrorCode)

	switch m.ErrorCode {
	case badMsgIDTooLow, badMsgIDTooHigh:
		if _, ok := s.sent[m.BadMsgID]; !ok {
			return Ignored
		}
		rewound := s.clock.Update(rpc.MsgIDTime(msgID))
		if rewound || m.ErrorCode == badMsgIDTooHigh {
			// lower ids need a new session
			return ResetSession
		}
		s.resend(m.BadMsgID, true)
		return Success
	case badMsgSeqNoTooLow, badMsgSeqNoTooHigh:
		return ResetSession
	case badMsgServerSalt, badMsgInvalidContainer:
		s.resend(m.BadMsgID, true)
		return Success
	}

	// not recoverable, fail whatever was sent as BadMsgID
	e, ok := s.sent[m.BadMsgID]
	if !ok {
		return Ignored
	}
	reply := rpc.ProtocolError()
	fail := func(e *entry) {
		if e.call != nil {
			s.finish(e.call, reply, &rpc.RPCError{
				Code:    500,
				Message: "PROTOCOL_ERROR",
			})
		}
	}
	if e.placement == container {
		delete(s.sent, m.BadMsgID)
		for _, id := range e.members {
			if me, ok := s.sent[id]; ok {
				fail(me)
			}
		}
	} else {
		fail(e)
	}
	return Success
}

// applyStates acts on msgs_state_info statuses of our messages.
func (s *state) applyStates(ids []uint64, info []byte) {
	for i, id := range ids {
		if i >= len(info) {
			return
		}
		switch info[i] & 7 {
		case 1, 2, 3:
			s.resend(id, false)
		case 4:
			s.ack(id)
		}
	}
}

func (s *state) handleResult(m *rpc.RPCResult, now time.Time) HandleResult {
	e, ok := s.sent[m.ReqMsgID]
	if !ok || e.call == nil {
		s.log.Dbg(s.logID, "result for unknown %016x", m.ReqMsgID)
		return Ignored
	}
	c := e.call
	reply, err := rpc.Ungzip(m.Result)
	if err != nil {
		s.log.Error(s.logID, "result %016x: %v", m.ReqMsgID, err)
		return ParseError
	}

	var rpcErr error
	if rpc.PeekConstructor(reply) == rpc.CRCRPCError {
		var re rpc.RPCError
		if err := rpc.Unmarshal(reply, &re); err != nil {
			return ParseError
		}
		if re.DestroyedTemporaryKey() {
			// the call goes again with the next key
			return DestroyTemporaryKey
		}
		rpcErr = &re
	}
	if !c.sent.IsZero() {
		s.rtt = now.Sub(c.sent)
	}
	s.finish(c, reply, rpcErr)
	return Success
}
