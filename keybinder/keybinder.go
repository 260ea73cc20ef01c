// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keybinder ties a freshly created temporary key to the persistent key of
// the same datacenter.  The bind request travels inside the session of the
// temporary key while its payload is encrypted with the persistent key, which
// proves possession of both.
package keybinder

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/rpc"
)

var ErrNoExpiry = errors.New("temporary key has no expiry")

// State is the outcome of a bind response.
type State int

const (
	Ignored State = iota
	Success
	DefinitelyDestroyed // the server no longer knows the persistent key
	Failed
)

func (s State) String() string {
	switch s {
	case Ignored:
		return "ignored"
	case Success:
		return "success"
	case DefinitelyDestroyed:
		return "destroyed"
	case Failed:
		return "failed"
	}
	return "invalid"
}

// header is salt, session id, msg id, seqno and length.
const headerSize = 8 + 8 + 8 + 4 + 4

// Binder binds temporary keys to one persistent key.  It is not safe for
// concurrent use; a session owns it.
type Binder struct {
	persistent *authkey.AuthKey
	lastMsgID  uint64
	Rand       io.Reader // defaults to crypto/rand
}

func New(persistent *authkey.AuthKey) *Binder {
	return &Binder{persistent: persistent}
}

// Persistent returns the key temporary keys are bound to.
func (b *Binder) Persistent() *authkey.AuthKey {
	return b.persistent
}

func (b *Binder) rand() io.Reader {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.Reader
}

// PrepareBindRequest returns the serialized auth.bindTempAuthKey call that
// binds temp, used in session sessionID.  msgID is the id the session will
// send the request with.
func (b *Binder) PrepareBindRequest(temp *authkey.AuthKey, sessionID, msgID uint64) ([]byte, error) {
	expires := temp.ExpiresAt()
	if expires.IsZero() {
		return nil, ErrNoExpiry
	}

	var nb [8]byte
	if _, err := io.ReadFull(b.rand(), nb[:]); err != nil {
		return nil, err
	}
	nonce := binary.LittleEndian.Uint64(nb[:])

	inner := rpc.Marshal(&rpc.BindAuthKeyInner{
		Nonce:         nonce,
		TempAuthKeyID: temp.ID(),
		PermAuthKeyID: b.persistent.ID(),
		TempSessionID: sessionID,
		ExpiresAt:     int32(expires.Unix()),
	})

	// random salt and session, the outer msg id, seqno 0
	dataLen := headerSize + len(inner)
	size := dataLen
	if pad := size % 16; pad != 0 {
		size += 16 - pad
	}
	plain := make([]byte, size)
	if _, err := io.ReadFull(b.rand(), plain[0:16]); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(plain[16:], msgID)
	binary.LittleEndian.PutUint32(plain[28:], uint32(len(inner)))
	copy(plain[headerSize:], inner)
	if _, err := io.ReadFull(b.rand(), plain[dataLen:]); err != nil {
		return nil, err
	}

	encrypted, err := b.persistent.EncryptV1(authkey.ClientToServer, plain,
		dataLen)
	if err != nil {
		return nil, err
	}

	b.lastMsgID = msgID
	return rpc.Marshal(&rpc.BindTempAuthKey{
		PermAuthKeyID:    b.persistent.ID(),
		Nonce:            nonce,
		ExpiresAt:        int32(expires.Unix()),
		EncryptedMessage: encrypted,
	}), nil
}

// HandleResponse interprets the answer to the request sent as msgID.  Answers
// to anything but the last prepared request are ignored.
func (b *Binder) HandleResponse(msgID uint64, payload []byte) State {
	if b.lastMsgID == 0 || msgID != b.lastMsgID {
		return Ignored
	}
	b.lastMsgID = 0

	d := rpc.NewDecoder(payload)
	switch rpc.PeekConstructor(payload) {
	case rpc.CRCBoolTrue, rpc.CRCBoolFalse:
		if d.Bool() {
			return Success
		}
		return Failed
	case rpc.CRCRPCError:
		var e rpc.RPCError
		if err := rpc.Unmarshal(payload, &e); err != nil {
			return Failed
		}
		if e.Message == "ENCRYPTED_MESSAGE_INVALID" {
			return DefinitelyDestroyed
		}
	}
	return Failed
}
