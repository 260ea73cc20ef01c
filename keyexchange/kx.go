// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keyexchange creates auth keys with a datacenter.  The exchange is a
// Diffie-Hellman handshake whose server half is authenticated by one of the
// RSA keys in the datacenter catalog.  All messages travel in plain
// envelopes over a Pipe that is owned by the caller for the duration of the
// exchange.
package keyexchange

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/companyzero/mtpcore/aesige"
	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/dcoptions"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/rpc"
)

var (
	ErrFactorizationFailed = errors.New("could not factor pq")
	ErrUnknownPublicKey    = errors.New("no trusted public key offered")
	ErrProtocol            = errors.New("key exchange protocol error")
	ErrExhausted           = errors.New("too many dh_gen_retry answers")

	// ErrBadPrime is a protocol error; errors.Is(ErrBadPrime, ErrProtocol)
	// holds.
	ErrBadPrime = fmt.Errorf("%w: unacceptable dh prime or g_a", ErrProtocol)
)

const (
	// maxRetries is the number of set_client_DH_params sent before giving
	// up on dh_gen_retry answers.
	maxRetries = 5

	// maxInnerSize is the largest p_q_inner_data that fits the RSA block.
	maxInnerSize = 235
)

// Pipe carries plain frames.  Receive blocks until a frame arrives or ctx is
// done.
type Pipe interface {
	Send(frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// KeyLookup finds a trusted RSA key among the fingerprints a server offers.
type KeyLookup interface {
	LookupKey(fingerprints []uint64) (*dcoptions.PublicKey, bool)
}

// KX runs key exchanges over Pipe.  A KX may be reused for several exchanges
// on the same pipe but not concurrently.
type KX struct {
	Pipe       Pipe
	Keys       KeyLookup
	Clock      *rpc.Clock
	DC         int   // datacenter the key belongs to
	ProtocolDC int32 // datacenter id announced to the server
	Log        *debug.Debug
	LogID      int
	Rand       io.Reader // defaults to crypto/rand
}

// Result is the outcome of one exchange.
type Result struct {
	Key  *authkey.AuthKey
	Salt uint64 // first server salt to use with Key
}

// exchange is the state of one handshake.
type exchange struct {
	nonce       [16]byte
	serverNonce [16]byte
	newNonce    [32]byte
	aesKey      []byte
	aesIV       []byte

	g     int32
	prime *big.Int
	ga    *big.Int
}

func (kx *KX) rand() io.Reader {
	if kx.Rand != nil {
		return kx.Rand
	}
	return rand.Reader
}

func (kx *KX) send(m rpc.Message) error {
	if kx.Log.Tracing() {
		kx.Log.T(kx.LogID, "send %T: %v", m, debug.Dump(m))
	}
	return kx.Pipe.Send(rpc.MarshalPlain(kx.Clock.MsgID(), rpc.Marshal(m)))
}

func (kx *KX) receive(ctx context.Context, m rpc.Message) error {
	frame, err := kx.Pipe.Receive(ctx)
	if err != nil {
		return err
	}
	_, body, err := rpc.UnmarshalPlain(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := rpc.Unmarshal(body, m); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if kx.Log.Tracing() {
		kx.Log.T(kx.LogID, "received %T: %v", m, debug.Dump(m))
	}
	return nil
}

func (ex *exchange) checkNonces(nonce, serverNonce [16]byte, what string) error {
	if nonce != ex.nonce {
		return fmt.Errorf("%w: nonce mismatch in %v", ErrProtocol, what)
	}
	if serverNonce != ex.serverNonce {
		return fmt.Errorf("%w: server_nonce mismatch in %v", ErrProtocol,
			what)
	}
	return nil
}

// nonceDigest returns the low 128 bits of SHA-1 over parts.
func nonceDigest(parts ...[]byte) (d [16]byte) {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	copy(d[:], h.Sum(nil)[4:20])
	return
}

// temporaryAES derives the AES key and iv protecting the DH parameters from
// the two nonces.
func temporaryAES(newNonce [32]byte, serverNonce [16]byte) (key, iv []byte) {
	ns := sha1.Sum(append(newNonce[:], serverNonce[:]...))
	sn := sha1.Sum(append(serverNonce[:], newNonce[:]...))
	nn := sha1.Sum(append(newNonce[:], newNonce[:]...))

	key = make([]byte, 0, 32)
	key = append(key, ns[:]...)
	key = append(key, sn[0:12]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, sn[12:20]...)
	iv = append(iv, nn[:]...)
	iv = append(iv, newNonce[0:4]...)
	return key, iv
}

// encryptInnerRSA lays out 0 | SHA1(data) | data | random and encrypts the
// 256 bytes with key.
func encryptInnerRSA(key *dcoptions.PublicKey, data []byte, r io.Reader) ([]byte, error) {
	if len(data) > maxInnerSize {
		return nil, fmt.Errorf("%w: p_q_inner_data too large (%v)",
			ErrProtocol, len(data))
	}
	buf := make([]byte, dcoptions.KeySize)
	h := sha1.Sum(data)
	copy(buf[1:], h[:])
	copy(buf[21:], data)
	if _, err := io.ReadFull(r, buf[21+len(data):]); err != nil {
		return nil, err
	}
	return key.Encrypt(buf)
}

// Create runs one exchange.  A zero expiresIn creates a persistent key,
// anything else a temporary key valid for expiresIn.
func (kx *KX) Create(ctx context.Context, expiresIn time.Duration) (*Result, error) {
	var ex exchange
	r := kx.rand()

	// Step 1: send a random nonce, receive the server nonce, pq and the
	// offered key fingerprints.
	if _, err := io.ReadFull(r, ex.nonce[:]); err != nil {
		return nil, err
	}
	kx.Log.Dbg(kx.LogID, "dc %v: sending req_pq_multi", kx.DC)
	if err := kx.send(&rpc.ReqPQMulti{Nonce: ex.nonce}); err != nil {
		return nil, err
	}
	var resPQ rpc.ResPQ
	if err := kx.receive(ctx, &resPQ); err != nil {
		return nil, err
	}
	if resPQ.Nonce != ex.nonce {
		return nil, fmt.Errorf("%w: nonce mismatch in resPQ", ErrProtocol)
	}
	ex.serverNonce = resPQ.ServerNonce

	// Step 2: factor pq.
	p, q, err := FactorPQ(resPQ.PQ)
	if err != nil {
		kx.Log.Error(kx.LogID, "dc %v: could not factor pq %x", kx.DC,
			resPQ.PQ)
		return nil, err
	}

	// Step 3: pick a trusted RSA key.
	rsaKey, ok := kx.Keys.LookupKey(resPQ.Fingerprints)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownPublicKey,
			resPQ.Fingerprints)
	}

	// Step 4: send the RSA encrypted inner data.
	if _, err := io.ReadFull(r, ex.newNonce[:]); err != nil {
		return nil, err
	}
	inner := rpc.PQInnerData{
		PQ:          resPQ.PQ,
		P:           p,
		Q:           q,
		Nonce:       ex.nonce,
		ServerNonce: ex.serverNonce,
		NewNonce:    ex.newNonce,
		DC:          kx.ProtocolDC,
		ExpiresIn:   int32(expiresIn / time.Second),
	}
	encrypted, err := encryptInnerRSA(rsaKey, rpc.Marshal(&inner), r)
	if err != nil {
		return nil, err
	}
	kx.Log.Dbg(kx.LogID, "dc %v: sending req_DH_params", kx.DC)
	err = kx.send(&rpc.ReqDHParams{
		Nonce:         ex.nonce,
		ServerNonce:   ex.serverNonce,
		P:             p,
		Q:             q,
		Fingerprint:   rsaKey.Fingerprint(),
		EncryptedData: encrypted,
	})
	if err != nil {
		return nil, err
	}

	// Step 5: decrypt and verify the DH parameters.
	var params rpc.ServerDHParams
	if err := kx.receive(ctx, &params); err != nil {
		return nil, err
	}
	if err := ex.checkNonces(params.Nonce, params.ServerNonce,
		"server_DH_params"); err != nil {
		return nil, err
	}
	if !params.Ok {
		if params.NewNonceHash != nonceDigest(ex.newNonce[:]) {
			return nil, fmt.Errorf("%w: new_nonce_hash mismatch in "+
				"server_DH_params_fail", ErrProtocol)
		}
		return nil, fmt.Errorf("%w: server_DH_params_fail", ErrProtocol)
	}
	if err := kx.readDHInner(&ex, params.EncryptedAnswer); err != nil {
		return nil, err
	}

	// Step 6: validate the group.
	if !IsPrimeAndGood(ex.prime.Bytes(), ex.g) {
		kx.Log.Error(kx.LogID, "dc %v: bad dh_prime primality", kx.DC)
		return nil, ErrBadPrime
	}

	// Step 7: pick b once, it is reused on dh_gen_retry.
	gb, err := CreateModExp(ex.g, ex.prime, r)
	if err != nil {
		return nil, fmt.Errorf("could not generate g_b: %w", err)
	}
	keyData := CreateAuthKey(ex.ga, gb.Power, ex.prime)
	if keyData == nil {
		kx.Log.Error(kx.LogID, "dc %v: bad g_a", kx.DC)
		return nil, ErrBadPrime
	}
	kind := authkey.Persistent
	if expiresIn != 0 {
		kind = authkey.Temporary
	}
	key, err := authkey.New(kind, kx.DC, keyData)
	if err != nil {
		return nil, err
	}
	auxHash := key.AuxHashBytes()

	var retryID uint64
	for retries := 1; ; retries++ {
		if retries > maxRetries {
			return nil, ErrExhausted
		}

		// Step 8: send g_b.
		err := kx.sendClientDH(&ex, retryID, gb.ModExp, r)
		if err != nil {
			return nil, err
		}

		// Step 9: the server accepts, asks to retry or refuses.
		var answer rpc.DHGenAnswer
		if err := kx.receive(ctx, &answer); err != nil {
			return nil, err
		}
		if err := ex.checkNonces(answer.Nonce, answer.ServerNonce,
			"dh_gen answer"); err != nil {
			return nil, err
		}
		want := nonceDigest(ex.newNonce[:], []byte{answer.Selector()},
			auxHash)
		if subtle.ConstantTimeCompare(want[:], answer.NewNonceHash[:]) != 1 {
			return nil, fmt.Errorf("%w: new_nonce_hash%v mismatch",
				ErrProtocol, answer.Selector())
		}

		switch answer.Result {
		case rpc.CRCDHGenOk:
			salt := binary.LittleEndian.Uint64(ex.newNonce[0:8]) ^
				binary.LittleEndian.Uint64(ex.serverNonce[0:8])
			kx.Log.Dbg(kx.LogID, "dc %v: %v key %016x created", kx.DC,
				kind, key.ID())
			return &Result{Key: key, Salt: salt}, nil
		case rpc.CRCDHGenRetry:
			kx.Log.Dbg(kx.LogID, "dc %v: dh_gen_retry %v", kx.DC,
				retries)
			retryID = binary.LittleEndian.Uint64(auxHash)
		default:
			return nil, fmt.Errorf("%w: dh_gen_fail", ErrProtocol)
		}
	}
}

// readDHInner decrypts server_DH_inner_data into ex and corrects the clock.
func (kx *KX) readDHInner(ex *exchange, encrypted []byte) error {
	if len(encrypted)%aesige.BlockSize != 0 || len(encrypted) < 24 {
		return fmt.Errorf("%w: bad encrypted answer length %v",
			ErrProtocol, len(encrypted))
	}
	ex.aesKey, ex.aesIV = temporaryAES(ex.newNonce, ex.serverNonce)
	answer, err := aesige.Decrypt(ex.aesKey, ex.aesIV, encrypted)
	if err != nil {
		return err
	}

	d := rpc.NewDecoder(answer[sha1.Size:])
	var inner rpc.ServerDHInnerData
	inner.Decode(d, d.Uint32())
	if d.Err() != nil {
		return fmt.Errorf("%w: could not decrypt server_DH_inner_data",
			ErrProtocol)
	}
	innerLen := len(answer) - sha1.Size - d.Remaining()
	h := sha1.Sum(answer[sha1.Size : sha1.Size+innerLen])
	if !bytes.Equal(h[:], answer[:sha1.Size]) {
		return fmt.Errorf("%w: server_DH_inner_data hash mismatch",
			ErrProtocol)
	}
	if err := ex.checkNonces(inner.Nonce, inner.ServerNonce,
		"server_DH_inner_data"); err != nil {
		return err
	}

	kx.Clock.Update(time.Unix(int64(inner.ServerTime), 0))

	ex.g = inner.G
	ex.prime = new(big.Int).SetBytes(inner.DHPrime)
	ex.ga = new(big.Int).SetBytes(inner.GA)
	return nil
}

// sendClientDH sends SHA1(data) | data | random, AES-IGE encrypted with the
// temporary key.
func (kx *KX) sendClientDH(ex *exchange, retryID uint64, gb *big.Int, r io.Reader) error {
	inner := rpc.Marshal(&rpc.ClientDHInnerData{
		Nonce:       ex.nonce,
		ServerNonce: ex.serverNonce,
		RetryID:     retryID,
		GB:          gb.Bytes(),
	})
	size := sha1.Size + len(inner)
	if pad := size % aesige.BlockSize; pad != 0 {
		size += aesige.BlockSize - pad
	}
	buf := make([]byte, size)
	h := sha1.Sum(inner)
	copy(buf, h[:])
	copy(buf[sha1.Size:], inner)
	if _, err := io.ReadFull(r, buf[sha1.Size+len(inner):]); err != nil {
		return err
	}
	encrypted, err := aesige.Encrypt(ex.aesKey, ex.aesIV, buf)
	if err != nil {
		return err
	}

	kx.Log.Dbg(kx.LogID, "dc %v: sending set_client_DH_params", kx.DC)
	return kx.send(&rpc.SetClientDHParams{
		Nonce:         ex.nonce,
		ServerNonce:   ex.serverNonce,
		EncryptedData: encrypted,
	})
}
