// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

var password = "mysekritpassword"

type summary struct {
	DC      int
	Created int64
	Key     []byte
}

func summarize(keys []*authkey.AuthKey) []summary {
	s := make([]summary, 0, len(keys))
	for _, k := range keys {
		s = append(s, summary{
			DC:      k.DC(),
			Created: k.Created().Unix(),
			Key:     k.Bytes(),
		})
	}
	return s
}

func newKey(t *testing.T, kind authkey.Kind, dc int) *authkey.AuthKey {
	var data [authkey.Size]byte
	if _, err := io.ReadFull(rand.Reader, data[:]); err != nil {
		t.Fatal(err)
	}
	k, err := authkey.New(kind, dc, data[:])
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSealOpen(t *testing.T) {
	var payload [1024]byte
	if _, err := io.ReadFull(rand.Reader, payload[:]); err != nil {
		t.Fatal(err)
	}
	sealed, err := Seal(password, payload[:])
	if err != nil {
		t.Fatal(err)
	}
	opened, err := Open(password, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload[:]) {
		t.Fatalf("corrupted data")
	}
	if _, err := Open("wrong", sealed); err != ErrDecrypt {
		t.Fatalf("expected decrypt error, got %v", err)
	}
	if _, err := Open(password, sealed[:40]); err != ErrCorrupt {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "keys", "authkeys")
	s := New(filename, password)

	// missing file is not an error
	keys, err := s.Load()
	if err != nil || len(keys) != 0 {
		t.Fatalf("unexpected %v %v", keys, err)
	}

	persistent := []*authkey.AuthKey{
		newKey(t, authkey.Persistent, 1),
		newKey(t, authkey.Persistent, 4),
	}
	all := append([]*authkey.AuthKey{newKey(t, authkey.Temporary, 1)},
		persistent...)
	if err := s.Save(all); err != nil {
		t.Fatal(err)
	}

	keys, err = s.Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if k.Kind() != authkey.ReadFromStorage {
			t.Fatalf("unexpected kind %v", k.Kind())
		}
	}
	a, b := summarize(keys), summarize(persistent)
	if !reflect.DeepEqual(a, b) {
		d := difflib.UnifiedDiff{
			A:        difflib.SplitLines(spew.Sdump(a)),
			B:        difflib.SplitLines(spew.Sdump(b)),
			FromFile: "loaded",
			ToFile:   "saved",
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(d)
		if err != nil {
			panic(err)
		}
		t.Fatalf("save/load failed %v", text)
	}

	// tmp file does not linger
	if _, err := os.Stat(filename + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	if _, err := New(filename, "wrong").Load(); err != ErrDecrypt {
		t.Fatalf("expected decrypt error, got %v", err)
	}
}
