// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"errors"
	"testing"
)

func TestBytesPadding(t *testing.T) {
	tests := []struct {
		n    int
		size int
	}{
		{0, 4},
		{1, 4},
		{3, 4},
		{4, 8},
		{253, 256},
		{254, 260},
		{1000, 1004},
	}
	for _, test := range tests {
		e := NewEncoder(0)
		e.PutBytes(bytes.Repeat([]byte{0xaa}, test.n))
		if e.Len() != test.size {
			t.Fatalf("%v: size %v, want %v", test.n, e.Len(), test.size)
		}
		d := NewDecoder(e.Buf())
		b := d.Bytes()
		if d.Err() != nil {
			t.Fatalf("%v: %v", test.n, d.Err())
		}
		if len(b) != test.n || d.Remaining() != 0 {
			t.Fatalf("%v: got %v remaining %v", test.n, len(b),
				d.Remaining())
		}
	}
}

func TestShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{1, 2, 3})
	if d.Uint64() != 0 {
		t.Fatalf("expected zero value")
	}
	if !errors.Is(d.Err(), ErrShortBuffer) {
		t.Fatalf("expected short buffer, got %v", d.Err())
	}
	// sticky
	d.Uint32()
	if !errors.Is(d.Err(), ErrShortBuffer) {
		t.Fatalf("error not sticky")
	}
}

func TestVectorTooLong(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint32(CRCVector)
	e.PutUint32(100)
	e.PutUint64(1)
	d := NewDecoder(e.Buf())
	d.LongVector()
	if !errors.Is(d.Err(), ErrVectorTooLong) {
		t.Fatalf("expected vector too long, got %v", d.Err())
	}
}

func TestMessageVariants(t *testing.T) {
	in := PQInnerData{
		PQ:        []byte{0x17, 0xed, 0x48, 0x94, 0x1a, 0x08, 0xf9, 0x81},
		P:         []byte{0x49, 0x4c, 0x55, 0x3b},
		Q:         []byte{0x53, 0x91, 0x10, 0x73},
		DC:        2,
		ExpiresIn: 86400,
	}
	in.Nonce[0] = 1
	in.NewNonce[31] = 2
	b := Marshal(&in)
	if PeekConstructor(b) != CRCPQInnerDataTempDc {
		t.Fatalf("wrong constructor %x", PeekConstructor(b))
	}
	var out PQInnerData
	if err := Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.ExpiresIn != 86400 || out.DC != 2 || out.NewNonce[31] != 2 ||
		!bytes.Equal(out.Q, in.Q) {
		t.Fatalf("corrupted %+v", out)
	}

	in.ExpiresIn = 0
	b = Marshal(&in)
	if PeekConstructor(b) != CRCPQInnerDataDc {
		t.Fatalf("wrong constructor %x", PeekConstructor(b))
	}

	// a constructor of another type is refused
	var res ResPQ
	if err := Unmarshal(b, &res); !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected unexpected constructor, got %v", err)
	}
}

func TestDetailedInfo(t *testing.T) {
	b := Marshal(&MsgDetailedInfo{New: true, AnswerMsgID: 7, Bytes: 8,
		Status: 0})
	var m MsgDetailedInfo
	if err := Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if !m.New || m.MsgID != 0 || m.AnswerMsgID != 7 {
		t.Fatalf("corrupted %+v", m)
	}
}

func TestAckList(t *testing.T) {
	b := Marshal(NewMsgsAck([]uint64{1, 2, 3}))
	var ack MsgsAck
	if err := Unmarshal(b, &ack); err != nil {
		t.Fatal(err)
	}
	if len(ack.IDs) != 3 || ack.IDs[2] != 3 {
		t.Fatalf("corrupted %v", ack.IDs)
	}
	var resend MsgResendReq
	if err := Unmarshal(b, &resend); !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected unexpected constructor, got %v", err)
	}
}

func TestContainer(t *testing.T) {
	items := []ContainerItem{
		{MsgID: 4, SeqNo: 1, Body: Marshal(&Ping{PingID: 9})},
		{MsgID: 8, SeqNo: 3, Body: []byte{1, 2, 3, 4}},
	}
	b := MarshalContainer(items)
	got, err := UnmarshalContainer(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].MsgID != 8 || got[1].SeqNo != 3 ||
		!bytes.Equal(got[0].Body, items[0].Body) {
		t.Fatalf("corrupted %+v", got)
	}

	// body length not a multiple of 4
	bad := MarshalContainer([]ContainerItem{{MsgID: 1, Body: []byte{1, 2}}})
	if _, err := UnmarshalContainer(bad); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPlain(t *testing.T) {
	body := Marshal(&ReqPQMulti{})
	frame := MarshalPlain(0x51e57ac42770964a, body)
	id, got, err := UnmarshalPlain(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x51e57ac42770964a || !bytes.Equal(got, body) {
		t.Fatalf("corrupted envelope")
	}

	frame[0] = 1
	if _, _, err := UnmarshalPlain(frame); err == nil {
		t.Fatalf("expected error on non zero key id")
	}
	if _, _, err := UnmarshalPlain(frame[:len(frame)-1]); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestGzip(t *testing.T) {
	body := bytes.Repeat(Marshal(&Pong{MsgID: 1, PingID: 2}), 100)
	packed, err := Gzip(body)
	if err != nil {
		t.Fatal(err)
	}
	if PeekConstructor(packed) != CRCGzipPacked {
		t.Fatalf("not packed")
	}
	if len(packed) >= len(body) {
		t.Fatalf("no compression %v >= %v", len(packed), len(body))
	}
	out, err := Ungzip(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("corrupted data")
	}

	// passthrough
	out, err = Ungzip(body)
	if err != nil || !bytes.Equal(out, body) {
		t.Fatalf("passthrough failed: %v", err)
	}
}

func TestRPCErrorKinds(t *testing.T) {
	var e RPCError
	if err := Unmarshal(ProtocolError(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != 500 || e.Message != "PROTOCOL_ERROR" {
		t.Fatalf("unexpected %v", e.Error())
	}
	if e.DestroyedTemporaryKey() {
		t.Fatalf("not a destroyed key error")
	}
	e = RPCError{Code: 401, Message: "AUTH_KEY_PERM_EMPTY"}
	if !e.DestroyedTemporaryKey() {
		t.Fatalf("expected destroyed key error")
	}
}
