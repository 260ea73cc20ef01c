// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// rpc contains the structures exchanged with a datacenter that this core has
// to understand.  Application requests and responses are opaque byte blobs;
// only the envelopes around them are modeled here.
//
// A connection to a datacenter goes through two phases:
//	1. plain phase, messages are sent with auth_key_id 0 and carry the key
//	   exchange (ReqPQMulti .. DHGenAnswer)
//	2. encrypted phase, messages are encrypted with an AuthKey and carry
//	   service messages (acks, salts, state queries, pings) next to the
//	   application payloads
//
// Every object starts with a 32 bit constructor id.  Integers are little
// endian and byte strings are padded to 4 bytes.
package rpc

import (
	"encoding/binary"
	"fmt"
)

const (
	// core types
	CRCVector    = 0x1cb5c415
	CRCBoolTrue  = 0x997275b5
	CRCBoolFalse = 0xbc799737

	// plain phase
	CRCReqPQMulti          = 0xbe7e8ef1
	CRCResPQ               = 0x05162463
	CRCPQInnerDataDc       = 0xa9f55f95
	CRCPQInnerDataTempDc   = 0x56fddf88
	CRCReqDHParams         = 0xd712e4be
	CRCServerDHParamsFail  = 0x79cb045d
	CRCServerDHParamsOk    = 0xd0e8075c
	CRCServerDHInnerData   = 0xb5890dba
	CRCClientDHInnerData   = 0x6643b654
	CRCSetClientDHParams   = 0xf5045f1f
	CRCDHGenOk             = 0x3bcbf734
	CRCDHGenRetry          = 0x46dc1fb9
	CRCDHGenFail           = 0xa69dae02
	CRCBindAuthKeyInner    = 0x75a3f765
	CRCAuthBindTempAuthKey = 0xcdd42a05

	// encrypted phase, service messages
	CRCMsgContainer        = 0x73f1f8dc
	CRCMsgsAck             = 0x62d6b459
	CRCBadMsgNotification  = 0xa7eff811
	CRCBadServerSalt       = 0xedab447b
	CRCMsgsStateReq        = 0xda69fb52
	CRCMsgsStateInfo       = 0x04deb57d
	CRCMsgsAllInfo         = 0x8cc0d131
	CRCMsgDetailedInfo     = 0x276d3ec6
	CRCMsgNewDetailedInfo  = 0x809db6df
	CRCMsgResendReq        = 0x7d861a08
	CRCRPCResult           = 0xf35c6d01
	CRCRPCError            = 0x2144ca19
	CRCGzipPacked          = 0x3072cfa1
	CRCPong                = 0x347773c5
	CRCPing                = 0x7abe77ec
	CRCPingDelayDisconnect = 0xf3427b8c
	CRCNewSessionCreated   = 0x9ec20908
	CRCInvokeAfterMsg      = 0xcb9f372d
)

// Message is a wire object.  Encode writes the body without the constructor
// id.  Decode reads the body of an object whose constructor id was c and
// records an error in d when c is not one it understands.
type Message interface {
	Constructor() uint32
	Encode(e *Encoder)
	Decode(d *Decoder, c uint32)
}

// Marshal returns the boxed serialization of m.
func Marshal(m Message) []byte {
	e := NewEncoder(64)
	e.PutUint32(m.Constructor())
	m.Encode(e)
	return e.Buf()
}

// Unmarshal decodes a boxed object into m.  Trailing bytes are allowed since
// encrypted payloads carry padding.
func Unmarshal(b []byte, m Message) error {
	d := NewDecoder(b)
	c := d.Uint32()
	if d.Err() != nil {
		return d.Err()
	}
	m.Decode(d, c)
	if d.Err() != nil {
		return fmt.Errorf("%T: %w", m, d.Err())
	}
	return nil
}

func expect(d *Decoder, c uint32, valid ...uint32) {
	for _, v := range valid {
		if v == c {
			return
		}
	}
	if d.err == nil {
		d.err = ErrUnexpected
	}
}

// ReqPQMulti starts a key exchange.
type ReqPQMulti struct {
	Nonce [16]byte
}

func (m *ReqPQMulti) Constructor() uint32 { return CRCReqPQMulti }

func (m *ReqPQMulti) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
}

func (m *ReqPQMulti) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCReqPQMulti)
	m.Nonce = d.Int128()
}

// ResPQ carries the product to factor and the fingerprints of the RSA keys
// the server is able to decrypt with.
type ResPQ struct {
	Nonce        [16]byte
	ServerNonce  [16]byte
	PQ           []byte
	Fingerprints []uint64
}

func (m *ResPQ) Constructor() uint32 { return CRCResPQ }

func (m *ResPQ) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutBytes(m.PQ)
	e.PutLongVector(m.Fingerprints)
}

func (m *ResPQ) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCResPQ)
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.PQ = d.Bytes()
	m.Fingerprints = d.LongVector()
}

// PQInnerData is RSA encrypted inside ReqDHParams.  A zero ExpiresIn selects
// the persistent key flavor.
type PQInnerData struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte
	DC          int32
	ExpiresIn   int32
}

func (m *PQInnerData) Constructor() uint32 {
	if m.ExpiresIn != 0 {
		return CRCPQInnerDataTempDc
	}
	return CRCPQInnerDataDc
}

func (m *PQInnerData) Encode(e *Encoder) {
	e.PutBytes(m.PQ)
	e.PutBytes(m.P)
	e.PutBytes(m.Q)
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutInt256(m.NewNonce)
	e.PutInt32(m.DC)
	if m.ExpiresIn != 0 {
		e.PutInt32(m.ExpiresIn)
	}
}

func (m *PQInnerData) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCPQInnerDataDc, CRCPQInnerDataTempDc)
	m.PQ = d.Bytes()
	m.P = d.Bytes()
	m.Q = d.Bytes()
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.NewNonce = d.Int256()
	m.DC = d.Int32()
	m.ExpiresIn = 0
	if c == CRCPQInnerDataTempDc {
		m.ExpiresIn = d.Int32()
	}
}

type ReqDHParams struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	P             []byte
	Q             []byte
	Fingerprint   uint64
	EncryptedData []byte
}

func (m *ReqDHParams) Constructor() uint32 { return CRCReqDHParams }

func (m *ReqDHParams) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutBytes(m.P)
	e.PutBytes(m.Q)
	e.PutUint64(m.Fingerprint)
	e.PutBytes(m.EncryptedData)
}

func (m *ReqDHParams) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCReqDHParams)
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.P = d.Bytes()
	m.Q = d.Bytes()
	m.Fingerprint = d.Uint64()
	m.EncryptedData = d.Bytes()
}

// ServerDHParams is either server_DH_params_ok, with an encrypted answer, or
// server_DH_params_fail, with a hash of the new nonce.
type ServerDHParams struct {
	Ok              bool
	Nonce           [16]byte
	ServerNonce     [16]byte
	NewNonceHash    [16]byte // fail only
	EncryptedAnswer []byte   // ok only
}

func (m *ServerDHParams) Constructor() uint32 {
	if m.Ok {
		return CRCServerDHParamsOk
	}
	return CRCServerDHParamsFail
}

func (m *ServerDHParams) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	if m.Ok {
		e.PutBytes(m.EncryptedAnswer)
	} else {
		e.PutInt128(m.NewNonceHash)
	}
}

func (m *ServerDHParams) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCServerDHParamsOk, CRCServerDHParamsFail)
	m.Ok = c == CRCServerDHParamsOk
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	if m.Ok {
		m.EncryptedAnswer = d.Bytes()
	} else {
		m.NewNonceHash = d.Int128()
	}
}

type ServerDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

func (m *ServerDHInnerData) Constructor() uint32 { return CRCServerDHInnerData }

func (m *ServerDHInnerData) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutInt32(m.G)
	e.PutBytes(m.DHPrime)
	e.PutBytes(m.GA)
	e.PutInt32(m.ServerTime)
}

func (m *ServerDHInnerData) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCServerDHInnerData)
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.G = d.Int32()
	m.DHPrime = d.Bytes()
	m.GA = d.Bytes()
	m.ServerTime = d.Int32()
}

type ClientDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	RetryID     uint64
	GB          []byte
}

func (m *ClientDHInnerData) Constructor() uint32 { return CRCClientDHInnerData }

func (m *ClientDHInnerData) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutUint64(m.RetryID)
	e.PutBytes(m.GB)
}

func (m *ClientDHInnerData) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCClientDHInnerData)
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.RetryID = d.Uint64()
	m.GB = d.Bytes()
}

type SetClientDHParams struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	EncryptedData []byte
}

func (m *SetClientDHParams) Constructor() uint32 { return CRCSetClientDHParams }

func (m *SetClientDHParams) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutBytes(m.EncryptedData)
}

func (m *SetClientDHParams) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCSetClientDHParams)
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.EncryptedData = d.Bytes()
}

// DHGenAnswer is one of dh_gen_ok, dh_gen_retry or dh_gen_fail as selected by
// Result.
type DHGenAnswer struct {
	Result       uint32
	Nonce        [16]byte
	ServerNonce  [16]byte
	NewNonceHash [16]byte
}

func (m *DHGenAnswer) Constructor() uint32 { return m.Result }

func (m *DHGenAnswer) Encode(e *Encoder) {
	e.PutInt128(m.Nonce)
	e.PutInt128(m.ServerNonce)
	e.PutInt128(m.NewNonceHash)
}

func (m *DHGenAnswer) Decode(d *Decoder, c uint32) {
	expect(d, c, CRCDHGenOk, CRCDHGenRetry, CRCDHGenFail)
	m.Result = c
	m.Nonce = d.Int128()
	m.ServerNonce = d.Int128()
	m.NewNonceHash = d.Int128()
}

// Selector returns the byte mixed into the new nonce hash for this answer.
func (m *DHGenAnswer) Selector() byte {
	switch m.Result {
	case CRCDHGenOk:
		return 1
	case CRCDHGenRetry:
		return 2
	default:
		return 3
	}
}

// MarshalPlain wraps body in an unencrypted envelope: a zero auth_key_id,
// the message id and the body length.
func MarshalPlain(msgID uint64, body []byte) []byte {
	b := make([]byte, 20, 20+len(body))
	binary.LittleEndian.PutUint64(b[8:], msgID)
	binary.LittleEndian.PutUint32(b[16:], uint32(len(body)))
	return append(b, body...)
}

// UnmarshalPlain validates an unencrypted envelope and returns its contents.
func UnmarshalPlain(frame []byte) (uint64, []byte, error) {
	if len(frame) < 20 {
		return 0, nil, ErrShortBuffer
	}
	if binary.LittleEndian.Uint64(frame) != 0 {
		return 0, nil, fmt.Errorf("plain envelope: %w", ErrUnexpected)
	}
	msgID := binary.LittleEndian.Uint64(frame[8:])
	l := binary.LittleEndian.Uint32(frame[16:])
	if int(l) != len(frame)-20 {
		return 0, nil, ErrBadLength
	}
	return msgID, frame[20:], nil
}
