// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// authkey is the 2048 bit shared secret negotiated with a datacenter and the
// message encryption built on top of it.
//
// An encrypted frame is laid out as:
//	auth_key_id (8) | msg_key (16) | AES-256-IGE(plaintext)
//
// The AES key and iv are derived from the auth key and msg_key.  The
// derivation differs per direction so a frame can not be reflected.
package authkey

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/companyzero/mtpcore/aesige"
)

// Size is the length of an auth key in bytes.
const Size = 256

var (
	ErrKeySize = errors.New("invalid auth key size")
	ErrKeyID   = errors.New("auth key id mismatch")
	ErrMsgKey  = errors.New("msg_key mismatch")
	ErrFrame   = errors.New("invalid encrypted frame")
)

// Kind tells how a key came to be.
type Kind int

const (
	Persistent Kind = iota
	Temporary
	ReadFromStorage
)

func (k Kind) String() string {
	switch k {
	case Persistent:
		return "persistent"
	case Temporary:
		return "temporary"
	case ReadFromStorage:
		return "stored"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Direction selects the key derivation window.
type Direction int

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 8
)

// AuthKey is immutable once created except for its expiry.  It is shared by
// pointer between the registry and every session using it.
type AuthKey struct {
	kind    Kind
	dc      int
	key     [Size]byte
	id      uint64
	created time.Time
	expires atomic.Int64 // unix seconds, 0 is never
}

// New creates a key from the big endian result of the exchange.  Shorter
// values are left padded with zeroes.
func New(kind Kind, dc int, data []byte) (*AuthKey, error) {
	if len(data) == 0 || len(data) > Size {
		return nil, ErrKeySize
	}
	k := &AuthKey{
		kind:    kind,
		dc:      dc,
		created: time.Now(),
	}
	copy(k.key[Size-len(data):], data)
	h := sha1.Sum(k.key[:])
	k.id = binary.LittleEndian.Uint64(h[12:20])
	return k, nil
}

// NewStored recreates a key that was written to storage.
func NewStored(dc int, data []byte, created time.Time) (*AuthKey, error) {
	k, err := New(ReadFromStorage, dc, data)
	if err != nil {
		return nil, err
	}
	k.created = created
	return k, nil
}

func (k *AuthKey) ID() uint64         { return k.id }
func (k *AuthKey) Kind() Kind         { return k.kind }
func (k *AuthKey) DC() int            { return k.dc }
func (k *AuthKey) Created() time.Time { return k.created }

// Bytes returns a copy of the key material.
func (k *AuthKey) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k.key[:])
	return b
}

// ExpiresAt returns the expiry, the zero time for keys that never expire.
func (k *AuthKey) ExpiresAt() time.Time {
	s := k.expires.Load()
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}

func (k *AuthKey) SetExpiresAt(t time.Time) {
	if t.IsZero() {
		k.expires.Store(0)
		return
	}
	k.expires.Store(t.Unix())
}

// Equal reports whether both keys hold the same material.  Nil keys are
// equal to each other only.
func (k *AuthKey) Equal(o *AuthKey) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.id == o.id && subtle.ConstantTimeCompare(k.key[:], o.key[:]) == 1
}

// AuxHash is the 64 bit value the server echoes in the dh_gen answers.
func (k *AuthKey) AuxHash() uint64 {
	h := sha1.Sum(k.key[:])
	return binary.LittleEndian.Uint64(h[0:8])
}

// AuxHashBytes returns AuxHash in wire order.
func (k *AuthKey) AuxHashBytes() []byte {
	h := sha1.Sum(k.key[:])
	return h[0:8]
}

// MsgKey derives the v2 msg_key of a padded plaintext.
func (k *AuthKey) MsgKey(dir Direction, plaintext []byte) (mk [16]byte) {
	x := int(dir)
	h := sha256.New()
	h.Write(k.key[88+x : 88+x+32])
	h.Write(plaintext)
	copy(mk[:], h.Sum(nil)[8:24])
	return
}

// AES derives the v2 AES key and iv for msgKey.
func (k *AuthKey) AES(dir Direction, msgKey [16]byte) (key, iv []byte) {
	x := int(dir)
	h := sha256.New()
	h.Write(msgKey[:])
	h.Write(k.key[x : x+36])
	a := h.Sum(nil)

	h.Reset()
	h.Write(k.key[40+x : 40+x+36])
	h.Write(msgKey[:])
	b := h.Sum(nil)

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:24]...)
	key = append(key, a[24:32]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, b[0:8]...)
	iv = append(iv, a[8:24]...)
	iv = append(iv, b[24:32]...)
	return key, iv
}

// AESv1 derives the legacy SHA-1 based AES key and iv.  It is only used for
// the inner message of a key binding.
func (k *AuthKey) AESv1(dir Direction, msgKey [16]byte) (key, iv []byte) {
	x := int(dir)

	a := sha1Sum(msgKey[:], k.key[x:x+32])
	b := sha1Sum(k.key[32+x:32+x+16], msgKey[:], k.key[48+x:48+x+16])
	c := sha1Sum(k.key[64+x:64+x+32], msgKey[:])
	d := sha1Sum(msgKey[:], k.key[96+x:96+x+32])

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:20]...)
	key = append(key, c[4:16]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, a[8:20]...)
	iv = append(iv, b[0:8]...)
	iv = append(iv, c[16:20]...)
	iv = append(iv, d[0:8]...)
	return key, iv
}

func sha1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Encrypt seals a padded plaintext (a multiple of 16 bytes) into a frame.
func (k *AuthKey) Encrypt(dir Direction, plaintext []byte) ([]byte, error) {
	mk := k.MsgKey(dir, plaintext)
	key, iv := k.AES(dir, mk)
	encrypted, err := aesige.Encrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 24, 24+len(encrypted))
	binary.LittleEndian.PutUint64(frame, k.id)
	copy(frame[8:], mk[:])
	return append(frame, encrypted...), nil
}

// Decrypt opens a frame sealed with Encrypt.  The msg_key is recomputed over
// the whole plaintext and compared in constant time.
func (k *AuthKey) Decrypt(dir Direction, frame []byte) ([]byte, error) {
	if len(frame) < 24+aesige.BlockSize || (len(frame)-24)%aesige.BlockSize != 0 {
		return nil, ErrFrame
	}
	if binary.LittleEndian.Uint64(frame) != k.id {
		return nil, ErrKeyID
	}
	var mk [16]byte
	copy(mk[:], frame[8:24])
	key, iv := k.AES(dir, mk)
	plaintext, err := aesige.Decrypt(key, iv, frame[24:])
	if err != nil {
		return nil, err
	}
	check := k.MsgKey(dir, plaintext)
	if subtle.ConstantTimeCompare(check[:], mk[:]) != 1 {
		return nil, ErrMsgKey
	}
	return plaintext, nil
}

// EncryptV1 seals data with the legacy scheme.  The msg_key covers only the
// first dataLen bytes of plaintext, the rest is padding.
func (k *AuthKey) EncryptV1(dir Direction, plaintext []byte, dataLen int) ([]byte, error) {
	if dataLen > len(plaintext) {
		return nil, ErrFrame
	}
	var mk [16]byte
	h := sha1.Sum(plaintext[:dataLen])
	copy(mk[:], h[4:20])
	key, iv := k.AESv1(dir, mk)
	encrypted, err := aesige.Encrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 24, 24+len(encrypted))
	binary.LittleEndian.PutUint64(frame, k.id)
	copy(frame[8:], mk[:])
	return append(frame, encrypted...), nil
}

// DecryptV1 opens a frame sealed with EncryptV1.  dataLen returns the length
// covered by the msg_key, read from the plaintext at lenOffset.
func (k *AuthKey) DecryptV1(dir Direction, frame []byte, lenOffset int) ([]byte, error) {
	if len(frame) < 24+aesige.BlockSize || (len(frame)-24)%aesige.BlockSize != 0 {
		return nil, ErrFrame
	}
	if binary.LittleEndian.Uint64(frame) != k.id {
		return nil, ErrKeyID
	}
	var mk [16]byte
	copy(mk[:], frame[8:24])
	key, iv := k.AESv1(dir, mk)
	plaintext, err := aesige.Decrypt(key, iv, frame[24:])
	if err != nil {
		return nil, err
	}
	if lenOffset+4 > len(plaintext) {
		return nil, ErrFrame
	}
	dataLen := lenOffset + 4 + int(binary.LittleEndian.Uint32(plaintext[lenOffset:]))
	if dataLen > len(plaintext) {
		return nil, ErrFrame
	}
	h := sha1.Sum(plaintext[:dataLen])
	if !bytes.Equal(h[4:20], mk[:]) {
		return nil, ErrMsgKey
	}
	return plaintext[:dataLen], nil
}
