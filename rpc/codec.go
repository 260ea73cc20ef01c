// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShortBuffer   = errors.New("short buffer")
	ErrBadLength     = errors.New("bad length")
	ErrUnexpected    = errors.New("unexpected constructor")
	ErrVectorTooLong = errors.New("vector too long")
)

// maxVector bounds the element count of vectors read from the wire.
const maxVector = 1 << 20

// Encoder serializes values in wire order: little-endian integers and byte
// strings padded to a multiple of 4 bytes.
type Encoder struct {
	buf []byte
}

func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Buf returns the encoded bytes.
func (e *Encoder) Buf() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutInt32(v int32) {
	e.PutUint32(uint32(v))
}

func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutInt128(v [16]byte) {
	e.buf = append(e.buf, v[:]...)
}

func (e *Encoder) PutInt256(v [32]byte) {
	e.buf = append(e.buf, v[:]...)
}

// PutRaw appends b as is.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutBytes appends a length prefixed byte string.  Short strings use a single
// length byte, long ones 0xfe followed by a 3 byte length.
func (e *Encoder) PutBytes(b []byte) {
	l := len(b)
	if l <= 253 {
		e.buf = append(e.buf, byte(l))
		l++
	} else {
		e.buf = append(e.buf, 0xfe, byte(l), byte(l>>8), byte(l>>16))
		l += 4
	}
	e.buf = append(e.buf, b...)
	for ; l%4 != 0; l++ {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) PutString(s string) {
	e.PutBytes([]byte(s))
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint32(CRCBoolTrue)
	} else {
		e.PutUint32(CRCBoolFalse)
	}
}

// PutLongVector appends a boxed vector of 64 bit values.
func (e *Encoder) PutLongVector(v []uint64) {
	e.PutUint32(CRCVector)
	e.PutUint32(uint32(len(v)))
	for _, x := range v {
		e.PutUint64(x)
	}
}

// Decoder reads values written by Encoder.  The first error is sticky; all
// subsequent reads return zero values and Err reports it.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Rest returns all unread bytes and consumes them.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int128() (v [16]byte) {
	copy(v[:], d.take(16))
	return
}

func (d *Decoder) Int256() (v [32]byte) {
	copy(v[:], d.take(32))
	return
}

// Raw returns the next n bytes without copying.
func (d *Decoder) Raw(n int) []byte {
	return d.take(n)
}

// Bytes reads a length prefixed byte string.  The returned slice is a copy.
func (d *Decoder) Bytes() []byte {
	h := d.take(1)
	if h == nil {
		return nil
	}
	l, hl := int(h[0]), 1
	if l == 0xfe {
		x := d.take(3)
		if x == nil {
			return nil
		}
		l, hl = int(x[0])|int(x[1])<<8|int(x[2])<<16, 4
	} else if l == 0xff {
		d.err = ErrBadLength
		return nil
	}
	b := d.take(l)
	if b == nil {
		return nil
	}
	if pad := (hl + l) % 4; pad != 0 {
		d.take(4 - pad)
	}
	if d.err != nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) Bool() bool {
	switch c := d.Uint32(); c {
	case CRCBoolTrue:
		return true
	case CRCBoolFalse:
		return false
	default:
		if d.err == nil {
			d.err = ErrUnexpected
		}
		return false
	}
}

// LongVector reads a boxed vector of 64 bit values.
func (d *Decoder) LongVector() []uint64 {
	if c := d.Uint32(); c != CRCVector {
		if d.err == nil {
			d.err = ErrUnexpected
		}
		return nil
	}
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if n > maxVector || int(n)*8 > d.Remaining() {
		d.err = ErrVectorTooLong
		return nil
	}
	v := make([]uint64, n)
	for i := range v {
		v[i] = d.Uint64()
	}
	return v
}

// Expect consumes a constructor id and fails if it is not crc.
func (d *Decoder) Expect(crc uint32) {
	if c := d.Uint32(); c != crc && d.err == nil {
		d.err = ErrUnexpected
	}
}

// PeekConstructor returns the constructor id at the head of b, or zero.
func PeekConstructor(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
