// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyexchange

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/mtpcore/aesige"
	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/dcoptions"
	"github.com/companyzero/mtpcore/rpc"
	"golang.org/x/sync/errgroup"
)

var (
	serverKey     *rsa.PrivateKey
	serverKeyOnce sync.Once
)

func loadServerKey(t *testing.T) *rsa.PrivateKey {
	serverKeyOnce.Do(func() {
		var err error
		serverKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return serverKey
}

// pipe is one end of an in memory frame pipe.
type pipe struct {
	in  <-chan []byte
	out chan<- []byte
}

func newPipes() (client, server *pipe) {
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	return &pipe{in: a, out: b}, &pipe{in: b, out: a}
}

func (p *pipe) Send(frame []byte) error {
	p.out <- append([]byte(nil), frame...)
	return nil
}

func (p *pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mode int

const (
	modeOk mode = iota
	modeRetryOnce
	modeRetryAlways
	modeBadGA
	modeParamsFail
	modeUnknownKey
)

// fakeServer plays the server half of one exchange.
type fakeServer struct {
	t    *testing.T
	pipe *pipe
	priv *rsa.PrivateKey
	mode mode

	// results
	key            *authkey.AuthKey
	serverNonce    [16]byte
	newNonce       [32]byte
	setClientDHs   int
	expiresIn      int32
	innerConstruct uint32
}

func (s *fakeServer) send(m rpc.Message) error {
	return s.pipe.Send(rpc.MarshalPlain(0x51e57ac42770964d, rpc.Marshal(m)))
}

func (s *fakeServer) receive(ctx context.Context, m rpc.Message) error {
	frame, err := s.pipe.Receive(ctx)
	if err != nil {
		return err
	}
	_, body, err := rpc.UnmarshalPlain(frame)
	if err != nil {
		return err
	}
	return rpc.Unmarshal(body, m)
}

func (s *fakeServer) run(ctx context.Context) error {
	prime := new(big.Int).SetBytes(KnownPrime())
	pub := dcoptions.NewPublicKey(s.priv.N, big.NewInt(int64(s.priv.E)))

	var req rpc.ReqPQMulti
	if err := s.receive(ctx, &req); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, s.serverNonce[:]); err != nil {
		return err
	}
	fps := []uint64{1, pub.Fingerprint()}
	if s.mode == modeUnknownKey {
		fps = fps[:1]
	}
	err := s.send(&rpc.ResPQ{
		Nonce:        req.Nonce,
		ServerNonce:  s.serverNonce,
		PQ:           []byte{0x17, 0xed, 0x48, 0x94, 0x1a, 0x08, 0xf9, 0x81},
		Fingerprints: fps,
	})
	if err != nil || s.mode == modeUnknownKey {
		return err
	}

	var dhReq rpc.ReqDHParams
	if err := s.receive(ctx, &dhReq); err != nil {
		return err
	}
	if dhReq.Fingerprint != pub.Fingerprint() {
		return fmt.Errorf("wrong fingerprint")
	}
	if !bytes.Equal(dhReq.P, []byte{0x49, 0x4c, 0x55, 0x3b}) ||
		!bytes.Equal(dhReq.Q, []byte{0x53, 0x91, 0x10, 0x73}) {
		return fmt.Errorf("wrong factors %x %x", dhReq.P, dhReq.Q)
	}
	c := new(big.Int).SetBytes(dhReq.EncryptedData)
	m := new(big.Int).Exp(c, s.priv.D, s.priv.N).FillBytes(make([]byte, 256))
	if m[0] != 0 {
		return fmt.Errorf("rsa block does not start with zero")
	}
	d := rpc.NewDecoder(m[21:])
	var inner rpc.PQInnerData
	s.innerConstruct = d.Uint32()
	inner.Decode(d, s.innerConstruct)
	if d.Err() != nil {
		return d.Err()
	}
	innerLen := len(m) - 21 - d.Remaining()
	if h := sha1.Sum(m[21 : 21+innerLen]); !bytes.Equal(h[:], m[1:21]) {
		return fmt.Errorf("inner data hash mismatch")
	}
	s.newNonce = inner.NewNonce
	s.expiresIn = inner.ExpiresIn

	if s.mode == modeParamsFail {
		return s.send(&rpc.ServerDHParams{
			Nonce:        req.Nonce,
			ServerNonce:  s.serverNonce,
			NewNonceHash: nonceDigest(s.newNonce[:]),
		})
	}

	var abuf [256]byte
	if _, err := io.ReadFull(rand.Reader, abuf[:]); err != nil {
		return err
	}
	a := new(big.Int).SetBytes(abuf[:])
	ga := new(big.Int).Exp(big.NewInt(3), a, prime)
	if s.mode == modeBadGA {
		ga = new(big.Int).Sub(prime, big.NewInt(1))
	}
	dhInner := rpc.Marshal(&rpc.ServerDHInnerData{
		Nonce:       req.Nonce,
		ServerNonce: s.serverNonce,
		G:           3,
		DHPrime:     KnownPrime(),
		GA:          ga.Bytes(),
		ServerTime:  int32(time.Now().Unix()),
	})
	h := sha1.Sum(dhInner)
	answer := append(h[:], dhInner...)
	for len(answer)%16 != 0 {
		answer = append(answer, 0xaa)
	}
	key, iv := temporaryAES(s.newNonce, s.serverNonce)
	encrypted, err := aesige.Encrypt(key, iv, answer)
	if err != nil {
		return err
	}
	err = s.send(&rpc.ServerDHParams{
		Ok:              true,
		Nonce:           req.Nonce,
		ServerNonce:     s.serverNonce,
		EncryptedAnswer: encrypted,
	})
	if err != nil || s.mode == modeBadGA {
		return err
	}

	var lastRetryID uint64
	for {
		var set rpc.SetClientDHParams
		if err := s.receive(ctx, &set); err != nil {
			return err
		}
		s.setClientDHs++
		plain, err := aesige.Decrypt(key, iv, set.EncryptedData)
		if err != nil {
			return err
		}
		var cinner rpc.ClientDHInnerData
		d := rpc.NewDecoder(plain[20:])
		cinner.Decode(d, d.Uint32())
		if d.Err() != nil {
			return d.Err()
		}
		if cinner.RetryID != lastRetryID {
			return fmt.Errorf("retry id %x, want %x", cinner.RetryID,
				lastRetryID)
		}
		gb := new(big.Int).SetBytes(cinner.GB)
		kd := new(big.Int).Exp(gb, a, prime).FillBytes(make([]byte, 256))
		s.key, err = authkey.New(authkey.Persistent, 2, kd)
		if err != nil {
			return err
		}

		result := uint32(rpc.CRCDHGenOk)
		if s.mode == modeRetryAlways ||
			(s.mode == modeRetryOnce && s.setClientDHs == 1) {
			result = rpc.CRCDHGenRetry
		}
		answer := rpc.DHGenAnswer{
			Result:      result,
			Nonce:       req.Nonce,
			ServerNonce: s.serverNonce,
		}
		answer.NewNonceHash = nonceDigest(s.newNonce[:],
			[]byte{answer.Selector()}, s.key.AuxHashBytes())
		if err := s.send(&answer); err != nil {
			return err
		}
		if result == rpc.CRCDHGenOk {
			return nil
		}
		if s.mode == modeRetryAlways && s.setClientDHs == maxRetries {
			return nil
		}
		lastRetryID = s.key.AuxHash()
	}
}

func runExchange(t *testing.T, m mode, expiresIn time.Duration) (*Result, *fakeServer, error) {
	priv := loadServerKey(t)
	catalog := dcoptions.New()
	catalog.AddKey(dcoptions.NewPublicKey(priv.N, big.NewInt(int64(priv.E))))

	client, server := newPipes()
	fs := &fakeServer{t: t, pipe: server, priv: priv, mode: m}
	kx := &KX{
		Pipe:       client,
		Keys:       catalog,
		Clock:      rpc.NewClock(),
		DC:         2,
		ProtocolDC: 2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		return fs.run(ctx)
	})
	r, err := kx.Create(ctx, expiresIn)
	if serr := eg.Wait(); serr != nil {
		t.Fatalf("server: %v", serr)
	}
	return r, fs, err
}

func TestCreate(t *testing.T) {
	r, fs, err := runExchange(t, modeOk, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(r.Key.Bytes(), fs.key.Bytes()) {
		t.Fatalf("keys differ")
	}
	if r.Key.Kind() != authkey.Persistent {
		t.Fatalf("unexpected kind %v", r.Key.Kind())
	}
	if fs.innerConstruct != rpc.CRCPQInnerDataDc {
		t.Fatalf("persistent key sent %x", fs.innerConstruct)
	}
	if fs.setClientDHs != 1 {
		t.Fatalf("set_client_DH_params sent %v times", fs.setClientDHs)
	}
}

func TestCreateRetryOnce(t *testing.T) {
	r, fs, err := runExchange(t, modeRetryOnce, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if fs.setClientDHs != 2 {
		t.Fatalf("set_client_DH_params sent %v times", fs.setClientDHs)
	}
	if fs.innerConstruct != rpc.CRCPQInnerDataTempDc || fs.expiresIn != 3600 {
		t.Fatalf("temporary key request %x %v", fs.innerConstruct,
			fs.expiresIn)
	}
	salt := binary.LittleEndian.Uint64(fs.newNonce[:8]) ^
		binary.LittleEndian.Uint64(fs.serverNonce[:8])
	if r.Salt != salt {
		t.Fatalf("salt %x want %x", r.Salt, salt)
	}
	if !r.Key.Equal(fs.key) || r.Key.Kind() != authkey.Temporary {
		t.Fatalf("unexpected key")
	}
}

func TestCreateExhausted(t *testing.T) {
	_, fs, err := runExchange(t, modeRetryAlways, 0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if fs.setClientDHs != maxRetries {
		t.Fatalf("set_client_DH_params sent %v times", fs.setClientDHs)
	}
}

func TestCreateBadGA(t *testing.T) {
	_, _, err := runExchange(t, modeBadGA, 0)
	if !errors.Is(err, ErrBadPrime) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected bad prime, got %v", err)
	}
}

func TestCreateParamsFail(t *testing.T) {
	_, _, err := runExchange(t, modeParamsFail, 0)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestCreateUnknownKey(t *testing.T) {
	_, _, err := runExchange(t, modeUnknownKey, 0)
	if !errors.Is(err, ErrUnknownPublicKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
}

func TestCreateBound(t *testing.T) {
	priv := loadServerKey(t)
	catalog := dcoptions.New()
	catalog.AddKey(dcoptions.NewPublicKey(priv.N, big.NewInt(int64(priv.E))))

	client, server := newPipes()
	kx := &KX{
		Pipe:  client,
		Keys:  catalog,
		Clock: rpc.NewClock(),
		DC:    2,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persistent := &fakeServer{t: t, pipe: server, priv: priv}
	temporary := &fakeServer{t: t, pipe: server, priv: priv}
	eg := errgroup.Group{}
	eg.Go(func() error {
		if err := persistent.run(ctx); err != nil {
			return err
		}
		return temporary.run(ctx)
	})
	br, err := kx.CreateBound(ctx, true, 0)
	if err := eg.Wait(); err != nil {
		t.Fatalf("server: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	if !br.Persistent.Equal(persistent.key) ||
		!br.Temporary.Equal(temporary.key) {
		t.Fatalf("keys differ")
	}
	if temporary.expiresIn != 86400 || persistent.expiresIn != 0 {
		t.Fatalf("expires_in %v %v", persistent.expiresIn,
			temporary.expiresIn)
	}
	left := time.Until(br.Temporary.ExpiresAt())
	if left < TemporaryExpiresIn || left > TemporaryExpiresIn+time.Minute {
		t.Fatalf("unexpected expiry in %v", left)
	}
}

func TestFactorPQ(t *testing.T) {
	tests := []struct {
		pq   []byte
		p, q uint32
	}{
		{[]byte{0x17, 0xed, 0x48, 0x94, 0x1a, 0x08, 0xf9, 0x81},
			1229739323, 1402015859},
		// factors too far apart for the Fermat search
		{[]byte{0x01, 0x00, 0x00, 0xff, 0xfa, 0xff, 0xfb},
			65537, 4294967291},
		{[]byte{0x06}, 2, 3},
	}
	for _, test := range tests {
		p, q, err := FactorPQ(test.pq)
		if err != nil {
			t.Fatalf("%x: %v", test.pq, err)
		}
		if binary.BigEndian.Uint32(p) != test.p ||
			binary.BigEndian.Uint32(q) != test.q {
			t.Fatalf("%x: got %x %x", test.pq, p, q)
		}
	}

	for _, bad := range [][]byte{
		nil,
		make([]byte, 9),
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01}, // 65537 is prime
	} {
		if _, _, err := FactorPQ(bad); err != ErrFactorizationFailed {
			t.Fatalf("%x: expected failure, got %v", bad, err)
		}
	}
}

func TestIsPrimeAndGood(t *testing.T) {
	prime := KnownPrime()
	for _, g := range []int32{3, 4, 5, 7} {
		if !IsPrimeAndGood(prime, g) {
			t.Fatalf("known prime with g=%v refused", g)
		}
	}
	// p mod 8 == 3 rules out g = 2
	if IsPrimeAndGood(prime, 2) || IsPrimeAndGood(prime, 8) {
		t.Fatalf("bad generator accepted")
	}

	// full check path
	modified := KnownPrime()
	modified[len(modified)-1] ^= 2
	if IsPrimeAndGood(modified, 3) {
		t.Fatalf("composite accepted")
	}
	if IsPrimeAndGood(prime[1:], 3) {
		t.Fatalf("short prime accepted")
	}
}

func TestIsGoodModExpFirst(t *testing.T) {
	p := new(big.Int).SetBytes(KnownPrime())
	one := big.NewInt(1)
	if IsGoodModExpFirst(new(big.Int).Sub(p, one), p) {
		t.Fatalf("p-1 accepted")
	}
	if IsGoodModExpFirst(big.NewInt(2), p) {
		t.Fatalf("2 accepted")
	}
	if IsGoodModExpFirst(new(big.Int).Add(p, one), p) {
		t.Fatalf("p+1 accepted")
	}
	mid := new(big.Int).Rsh(p, 1)
	if !IsGoodModExpFirst(mid, p) {
		t.Fatalf("(p-1)/2 refused")
	}

	me, err := CreateModExp(3, p, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if !IsGoodModExpFirst(me.ModExp, p) {
		t.Fatalf("bad modexp generated")
	}
	if CreateAuthKey(new(big.Int).Sub(p, one), me.Power, p) != nil {
		t.Fatalf("auth key from g_a = p-1")
	}
	if len(CreateAuthKey(me.ModExp, me.Power, p)) != 256 {
		t.Fatalf("auth key size")
	}
}
