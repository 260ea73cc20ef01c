// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

func write(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "mtpcore.conf")
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoad(t *testing.T) {
	filename := write(t, `
root = ~/mtp
keystore = /tmp/keys
dc = 4
testmode = yes
temporarykeylifetime = 3600

[session]
ping = no
pinginterval = 10
cutsize = 4096

[download]
maxsessions = 3

[log]
debug = yes
timeformat = 15:04
`)
	s := New()
	if err := s.Load(filename); err != nil {
		t.Fatal(err)
	}

	home, err := homedir.Dir()
	if err != nil {
		t.Fatal(err)
	}
	if s.Root != filepath.Join(home, "mtp") {
		t.Fatalf("root %v", s.Root)
	}
	if s.KeyStore != "/tmp/keys" {
		t.Fatalf("keystore %v", s.KeyStore)
	}
	if strings.HasPrefix(s.Catalog, "~") || strings.HasPrefix(s.LogFile, "~") {
		t.Fatalf("default paths not expanded: %v %v", s.Catalog,
			s.LogFile)
	}
	if s.DC != 4 || !s.TestMode || s.TemporaryKeyLifetime != time.Hour {
		t.Fatalf("default section %+v", s)
	}
	if s.Ping || s.PingInterval != 10*time.Second || s.CutSize != 4096 {
		t.Fatalf("session section %+v", s)
	}
	if s.MaxSessions != 3 {
		t.Fatalf("download section %+v", s)
	}
	if !s.Debug || s.Trace || s.TimeFormat != "15:04" {
		t.Fatalf("log section %+v", s)
	}
	if s.ProtocolDC(4) != 10004 {
		t.Fatalf("protocol dc %v", s.ProtocolDC(4))
	}
}

func TestLoadDefaults(t *testing.T) {
	s := New()
	if err := s.Load(write(t, "")); err != nil {
		t.Fatal(err)
	}
	d := New()
	if s.DC != d.DC || s.Ping != d.Ping || s.MaxSessions != d.MaxSessions ||
		s.CutSize != d.CutSize || s.PingInterval != d.PingInterval {
		t.Fatalf("defaults changed: %+v", s)
	}
	if s.ProtocolDC(2) != 2 {
		t.Fatalf("protocol dc %v", s.ProtocolDC(2))
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bool", "testmode = maybe\n"},
		{"int", "dc = two\n"},
		{"range", "[download]\nmaxsessions = 9\n"},
		{"seconds", "[session]\npinginterval = 0\n"},
	}
	for _, test := range tests {
		s := New()
		if err := s.Load(write(t, test.content)); err == nil {
			t.Fatalf("%v: expected error", test.name)
		}
	}

	if err := New().Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
