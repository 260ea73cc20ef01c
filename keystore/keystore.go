// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keystore persists persistent auth keys between runs.  The file is a scrypt
// salt and a secretbox nonce followed by the sealed XDR encoding of all
// records:
//	salt (32) | nonce (24) | secretbox(xdr(keyFile))
//
// Temporary keys are never written; they are cheap to recreate and expire
// within a day.
package keystore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/companyzero/mtpcore/authkey"
	xdr "github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keyFileVersion = 1

	saltSize  = 32
	nonceSize = 24
)

var (
	ErrDecrypt = errors.New("could not decrypt key store")
	ErrVersion = errors.New("unsupported key store version")
	ErrCorrupt = errors.New("key store corrupt")
)

var (
	n = 16384
	r = 8
	p = 1
)

// SetNrp overrides the scrypt cost parameters.
func SetNrp(nn, rr, pp int) {
	n = nn
	r = rr
	p = pp
}

// Record is one stored key.
type Record struct {
	DC      int32
	Created int64 // unix seconds
	Key     [authkey.Size]byte
}

type keyFile struct {
	Version uint32
	Records []Record
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveKey stretches password with scrypt.
func DeriveKey(password string, salt *[saltSize]byte) (*[32]byte, error) {
	var key [32]byte
	dk, err := scrypt.Key([]byte(password), salt[:], n, r, p, len(key))
	if err != nil {
		return nil, err
	}
	copy(key[:], dk)
	zero(dk)

	return &key, nil
}

// Seal encrypts data with a fresh salt and nonce and returns the packed
// result.
func Seal(password string, data []byte) ([]byte, error) {
	var (
		salt  [saltSize]byte
		nonce [nonceSize]byte
	)
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	key, err := DeriveKey(password, &salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	packed := make([]byte, 0, saltSize+nonceSize+len(data)+secretbox.Overhead)
	packed = append(packed, salt[:]...)
	packed = append(packed, nonce[:]...)
	return secretbox.Seal(packed, data, &nonce, key), nil
}

// Open reverses Seal.
func Open(password string, packed []byte) ([]byte, error) {
	var (
		salt  [saltSize]byte
		nonce [nonceSize]byte
	)
	if len(packed) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrCorrupt
	}
	copy(salt[:], packed[0:saltSize])
	copy(nonce[:], packed[saltSize:saltSize+nonceSize])

	key, err := DeriveKey(password, &salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	data, ok := secretbox.Open(nil, packed[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return data, nil
}

// Store is an encrypted key file.
type Store struct {
	filename string
	password string
}

func New(filename, password string) *Store {
	return &Store{
		filename: filename,
		password: password,
	}
}

// Save replaces the key file with the non temporary keys in keys.
func (s *Store) Save(keys []*authkey.AuthKey) error {
	kf := keyFile{Version: keyFileVersion}
	for _, k := range keys {
		if k == nil || k.Kind() == authkey.Temporary {
			continue
		}
		rec := Record{
			DC:      int32(k.DC()),
			Created: k.Created().Unix(),
		}
		copy(rec.Key[:], k.Bytes())
		kf.Records = append(kf.Records, rec)
	}

	var b bytes.Buffer
	if _, err := xdr.Marshal(&b, kf); err != nil {
		return err
	}
	defer zero(b.Bytes())
	for i := range kf.Records {
		zero(kf.Records[i].Key[:])
	}

	sealed, err := Seal(s.password, b.Bytes())
	if err != nil {
		return err
	}

	// write next to the target and rename so a crash never truncates it
	if err := os.MkdirAll(filepath.Dir(s.filename), 0700); err != nil {
		return err
	}
	tmp := s.filename + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filename)
}

// Load returns the stored keys with kind ReadFromStorage.  A missing file
// yields no keys.
func (s *Store) Load() ([]*authkey.AuthKey, error) {
	sealed, err := os.ReadFile(s.filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	data, err := Open(s.password, sealed)
	if err != nil {
		return nil, err
	}
	defer zero(data)

	var kf keyFile
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if kf.Version != keyFileVersion {
		return nil, ErrVersion
	}

	keys := make([]*authkey.AuthKey, 0, len(kf.Records))
	for i := range kf.Records {
		rec := &kf.Records[i]
		k, err := authkey.NewStored(int(rec.DC), rec.Key[:],
			time.Unix(rec.Created, 0))
		zero(rec.Key[:])
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
