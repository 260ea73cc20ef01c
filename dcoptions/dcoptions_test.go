// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dcoptions

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func writeKey(t *testing.T, dir string) *rsa.PrivateKey {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}
	err = os.WriteFile(filepath.Join(dir, "server.pem"),
		pem.EncodeToMemory(block), 0600)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	priv := writeKey(t, dir)

	catalog := `
[dc2]
endpoint10 = 10.0.0.10:443
endpoint2 = 10.0.0.2:443
endpoint = 10.0.0.1:443

[dc4]
endpoint = 10.0.4.1:443

[keys]
main = server.pem
`
	filename := filepath.Join(dir, "dcoptions.conf")
	if err := os.WriteFile(filename, []byte(catalog), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(filename)
	if err != nil {
		t.Fatal(err)
	}

	e := c.Endpoints(2)
	if len(e) != 3 || e[0] != "10.0.0.1:443" || e[1] != "10.0.0.2:443" ||
		e[2] != "10.0.0.10:443" {
		t.Fatalf("unexpected ranking %v", e)
	}
	if ids := c.DCs(); len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Fatalf("unexpected dcs %v", ids)
	}
	if _, err := c.Endpoint(3); err == nil {
		t.Fatalf("expected missing endpoint")
	}

	pub := NewPublicKey(priv.N, big.NewInt(int64(priv.E)))
	k, ok := c.LookupKey([]uint64{1, pub.Fingerprint()})
	if !ok {
		t.Fatalf("key not found")
	}
	if k.N.Cmp(priv.N) != 0 {
		t.Fatalf("wrong key")
	}
	if _, ok := c.LookupKey([]uint64{1, 2}); ok {
		t.Fatalf("untrusted key found")
	}
}

func TestEncrypt(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	k := NewPublicKey(priv.N, big.NewInt(int64(priv.E)))

	data := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, data[1:]); err != nil {
		t.Fatal(err)
	}
	encrypted, err := k.Encrypt(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(encrypted) != KeySize {
		t.Fatalf("invalid size %v", len(encrypted))
	}

	c := new(big.Int).SetBytes(encrypted)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	if !bytes.Equal(m.FillBytes(make([]byte, KeySize)), data) {
		t.Fatalf("raw decrypt mismatch")
	}

	if _, err := k.Encrypt(data[1:]); err != ErrDataSize {
		t.Fatalf("expected size error, got %v", err)
	}
	if _, err := k.Encrypt(bytes.Repeat([]byte{0xff}, KeySize)); err != ErrDataSize {
		t.Fatalf("expected size error for m >= n, got %v", err)
	}
}

func TestParse(t *testing.T) {
	if _, err := ParsePublicKey([]byte("garbage")); err != ErrNoPEM {
		t.Fatalf("expected no PEM, got %v", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if _, err := ParsePublicKey(data); err != ErrKeySize {
		t.Fatalf("expected key size error, got %v", err)
	}
}
