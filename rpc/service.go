// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import "fmt"

// ids is the body shared by msgs_ack, msgs_state_req and msg_resend_req.
type ids struct {
	IDs []uint64
}

func (m *ids) Encode(e *Encoder) {
	e.PutLongVector(m.IDs)
}

func (m *ids) decode(d *Decoder, c, want uint32) {
	expect(d, c, want)
	m.IDs = d.LongVector()
}

type MsgsAck struct{ ids }

func (m *MsgsAck) Constructor() uint32         { return CRCMsgsAck }
func (m *MsgsAck) Decode(d *Decoder, c uint32) { m.decode(d, c, CRCMsgsAck) }

type MsgsStateReq struct{ ids }

func (m *MsgsStateReq) Constructor() uint32         { return CRCMsgsStateReq }
func (m *MsgsStateReq) Decode(d *Decoder, c uint32) { m.decode(d, c, CRCMsgsStateReq) }

type MsgResendReq struct{ ids }

func (m *MsgResendReq) Constructor() uint32         { return CRCMsgResendReq }
func (m *MsgResendReq) Decode(d *Decoder, c uint32) { m.decode(d, c, CRCMsgResendReq) }

// NewMsgsAck, NewMsgsStateReq and NewMsgResendReq are shorthands for the list
// messages.
func NewMsgsAck(v []uint64) *MsgsAck           { return &MsgsAck{ids{v}} }
func NewMsgsStateReq(v []uint64) *MsgsStateReq { return &MsgsStateReq{ids{v}} }
func NewMsgResendReq(v []uint64) *MsgResendReq { return &MsgResendReq{ids{v}} }

// BadMsgNotification reports a message the server refused.  When ErrorCode is
// 48 the server sends BadServerSalt instead.
type BadMsgNotification struct {
	BadMsgID    uint64
	BadMsgSeqNo int32
	ErrorCode   int32
}

func (m *BadMsgNotification) Constructor() uint32 { return CRCBadMsgNotification }

func (m *BadMsgNotification) Encode(e *Encoder) {
	e.PutUint64(m.BadMsgID)
	e.PutInt32(m.BadMsgSeqNo)
	e.PutInt32(m.ErrorCode)
}

func (m *BadMsgNotification) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCBadMsgNotification)
	m.BadMsgID = d.Uint64()
	m.BadMsgSeqNo = d.Int32()
	m.ErrorCode = d.Int32()
}

type BadServerSalt struct {
	BadMsgID      uint64
	BadMsgSeqNo   int32
	ErrorCode     int32
	NewServerSalt uint64
}

func (m *BadServerSalt) Constructor() uint32 { return CRCBadServerSalt }

func (m *BadServerSalt) Encode(e *Encoder) {
	e.PutUint64(m.BadMsgID)
	e.PutInt32(m.BadMsgSeqNo)
	e.PutInt32(m.ErrorCode)
	e.PutUint64(m.NewServerSalt)
}

func (m *BadServerSalt) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCBadServerSalt)
	m.BadMsgID = d.Uint64()
	m.BadMsgSeqNo = d.Int32()
	m.ErrorCode = d.Int32()
	m.NewServerSalt = d.Uint64()
}

// MsgsStateInfo answers a MsgsStateReq.  Info holds one state byte per
// requested id.
type MsgsStateInfo struct {
	ReqMsgID uint64
	Info     []byte
}

func (m *MsgsStateInfo) Constructor() uint32 { return CRCMsgsStateInfo }

func (m *MsgsStateInfo) Encode(e *Encoder) {
	e.PutUint64(m.ReqMsgID)
	e.PutBytes(m.Info)
}

func (m *MsgsStateInfo) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCMsgsStateInfo)
	m.ReqMsgID = d.Uint64()
	m.Info = d.Bytes()
}

// MsgsAllInfo is an unsolicited state report for IDs.
type MsgsAllInfo struct {
	IDs  []uint64
	Info []byte
}

func (m *MsgsAllInfo) Constructor() uint32 { return CRCMsgsAllInfo }

func (m *MsgsAllInfo) Encode(e *Encoder) {
	e.PutLongVector(m.IDs)
	e.PutBytes(m.Info)
}

func (m *MsgsAllInfo) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCMsgsAllInfo)
	m.IDs = d.LongVector()
	m.Info = d.Bytes()
}

// MsgDetailedInfo announces an answer.  MsgID is zero for
// msg_new_detailed_info, which is not tied to a request.
type MsgDetailedInfo struct {
	New         bool
	MsgID       uint64
	AnswerMsgID uint64
	Bytes       int32
	Status      int32
}

func (m *MsgDetailedInfo) Constructor() uint32 {
	if m.New {
		return CRCMsgNewDetailedInfo
	}
	return CRCMsgDetailedInfo
}

func (m *MsgDetailedInfo) Encode(e *Encoder) {
	if !m.New {
		e.PutUint64(m.MsgID)
	}
	e.PutUint64(m.AnswerMsgID)
	e.PutInt32(m.Bytes)
	e.PutInt32(m.Status)
}

func (m *MsgDetailedInfo) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCMsgDetailedInfo, CRCMsgNewDetailedInfo)
	m.New = c == CRCMsgNewDetailedInfo
	m.MsgID = 0
	if !m.New {
		m.MsgID = d.Uint64()
	}
	m.AnswerMsgID = d.Uint64()
	m.Bytes = d.Int32()
	m.Status = d.Int32()
}

// RPCError is the error answer to a request.
type RPCError struct {
	Code    int32
	Message string
}

func (m *RPCError) Constructor() uint32 { return CRCRPCError }

func (m *RPCError) Encode(e *Encoder) {
	e.PutInt32(m.Code)
	e.PutString(m.Message)
}

func (m *RPCError) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCRPCError)
	m.Code = d.Int32()
	m.Message = d.String()
}

func (m *RPCError) Error() string {
	return fmt.Sprintf("rpc error %v: %v", m.Code, m.Message)
}

// DestroyedTemporaryKey reports whether the server forgot the persistent
// key a temporary key was bound to.
func (m *RPCError) DestroyedTemporaryKey() bool {
	return m.Code == 401 && m.Message == "AUTH_KEY_PERM_EMPTY"
}

// ProtocolError is delivered to a requester whose message could not be
// recovered after a bad_msg_notification.
func ProtocolError() []byte {
	return Marshal(&RPCError{Code: 500, Message: "PROTOCOL_ERROR"})
}

type Ping struct {
	PingID uint64
}

func (m *Ping) Constructor() uint32 { return CRCPing }

func (m *Ping) Encode(e *Encoder) {
	e.PutUint64(m.PingID)
}

func (m *Ping) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCPing)
	m.PingID = d.Uint64()
}

// PingDelayDisconnect asks the server to close the connection when no
// further ping arrives within DisconnectDelay seconds.
type PingDelayDisconnect struct {
	PingID          uint64
	DisconnectDelay int32
}

func (m *PingDelayDisconnect) Constructor() uint32 { return CRCPingDelayDisconnect }

func (m *PingDelayDisconnect) Encode(e *Encoder) {
	e.PutUint64(m.PingID)
	e.PutInt32(m.DisconnectDelay)
}

func (m *PingDelayDisconnect) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCPingDelayDisconnect)
	m.PingID = d.Uint64()
	m.DisconnectDelay = d.Int32()
}

type Pong struct {
	MsgID  uint64
	PingID uint64
}

func (m *Pong) Constructor() uint32 { return CRCPong }

func (m *Pong) Encode(e *Encoder) {
	e.PutUint64(m.MsgID)
	e.PutUint64(m.PingID)
}

func (m *Pong) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCPong)
	m.MsgID = d.Uint64()
	m.PingID = d.Uint64()
}

type NewSessionCreated struct {
	FirstMsgID uint64
	UniqueID   uint64
	ServerSalt uint64
}

func (m *NewSessionCreated) Constructor() uint32 { return CRCNewSessionCreated }

func (m *NewSessionCreated) Encode(e *Encoder) {
	e.PutUint64(m.FirstMsgID)
	e.PutUint64(m.UniqueID)
	e.PutUint64(m.ServerSalt)
}

func (m *NewSessionCreated) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCNewSessionCreated)
	m.FirstMsgID = d.Uint64()
	m.UniqueID = d.Uint64()
	m.ServerSalt = d.Uint64()
}

// BindAuthKeyInner is encrypted with the persistent key inside
// BindTempAuthKey.
type BindAuthKeyInner struct {
	Nonce         uint64
	TempAuthKeyID uint64
	PermAuthKeyID uint64
	TempSessionID uint64
	ExpiresAt     int32
}

func (m *BindAuthKeyInner) Constructor() uint32 { return CRCBindAuthKeyInner }

func (m *BindAuthKeyInner) Encode(e *Encoder) {
	e.PutUint64(m.Nonce)
	e.PutUint64(m.TempAuthKeyID)
	e.PutUint64(m.PermAuthKeyID)
	e.PutUint64(m.TempSessionID)
	e.PutInt32(m.ExpiresAt)
}

func (m *BindAuthKeyInner) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCBindAuthKeyInner)
	m.Nonce = d.Uint64()
	m.TempAuthKeyID = d.Uint64()
	m.PermAuthKeyID = d.Uint64()
	m.TempSessionID = d.Uint64()
	m.ExpiresAt = d.Int32()
}

type BindTempAuthKey struct {
	PermAuthKeyID    uint64
	Nonce            uint64
	ExpiresAt        int32
	EncryptedMessage []byte
}

func (m *BindTempAuthKey) Constructor() uint32 { return CRCAuthBindTempAuthKey }

func (m *BindTempAuthKey) Encode(e *Encoder) {
	e.PutUint64(m.PermAuthKeyID)
	e.PutUint64(m.Nonce)
	e.PutInt32(m.ExpiresAt)
	e.PutBytes(m.EncryptedMessage)
}

func (m *BindTempAuthKey) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCAuthBindTempAuthKey)
	m.PermAuthKeyID = d.Uint64()
	m.Nonce = d.Uint64()
	m.ExpiresAt = d.Int32()
	m.EncryptedMessage = d.Bytes()
}

// RPCResult is the answer to request ReqMsgID.  Result is the boxed answer
// object, possibly gzip packed.
type RPCResult struct {
	ReqMsgID uint64
	Result   []byte
}

func (m *RPCResult) Constructor() uint32 { return CRCRPCResult }

func (m *RPCResult) Encode(e *Encoder) {
	e.PutUint64(m.ReqMsgID)
	e.PutRaw(m.Result)
}

func (m *RPCResult) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCRPCResult)
	m.ReqMsgID = d.Uint64()
	m.Result = append([]byte{}, d.Rest()...)
}

// InvokeAfterMsg wraps query so the server executes it only after msgID.
func InvokeAfterMsg(msgID uint64, query []byte) []byte {
	e := NewEncoder(12 + len(query))
	e.PutUint32(CRCInvokeAfterMsg)
	e.PutUint64(msgID)
	e.PutRaw(query)
	return e.Buf()
}

// ContainerItem is one message inside a msg_container.
type ContainerItem struct {
	MsgID uint64
	SeqNo int32
	Body  []byte
}

// MarshalContainer packs items into a msg_container body.
func MarshalContainer(items []ContainerItem) []byte {
	size := 8
	for _, it := range items {
		size += 16 + len(it.Body)
	}
	e := NewEncoder(size)
	e.PutUint32(CRCMsgContainer)
	e.PutUint32(uint32(len(items)))
	for _, it := range items {
		e.PutUint64(it.MsgID)
		e.PutInt32(it.SeqNo)
		e.PutUint32(uint32(len(it.Body)))
		e.PutRaw(it.Body)
	}
	return e.Buf()
}

// UnmarshalContainer splits a msg_container.  Each body length must be a
// multiple of 4 and fit in the container.
func UnmarshalContainer(b []byte) ([]ContainerItem, error) {
	d := NewDecoder(b)
	d.Expect(CRCMsgContainer)
	n := d.Uint32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	if int(n) > d.Remaining()/16 {
		return nil, ErrVectorTooLong
	}
	items := make([]ContainerItem, 0, n)
	for i := uint32(0); i < n; i++ {
		var it ContainerItem
		it.MsgID = d.Uint64()
		it.SeqNo = d.Int32()
		l := d.Uint32()
		if d.Err() != nil {
			return nil, d.Err()
		}
		if l%4 != 0 || int(l) > d.Remaining() {
			return nil, ErrBadLength
		}
		it.Body = d.Raw(int(l))
		items = append(items, it)
	}
	return items, d.Err()
}
