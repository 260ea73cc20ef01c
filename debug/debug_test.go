// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var b bytes.Buffer
	d := NewWriter(&b, "15:04:05")
	if err := d.Register(1, "[SES]"); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(1, "[SES]"); err != ErrDuplicateSubsystem {
		t.Fatalf("expected duplicate, got %v", err)
	}

	d.Info(1, "hello %v", 1)
	d.Dbg(1, "hidden")
	d.T(1, "hidden")
	d.EnableDebug()
	d.Dbg(1, "shown %v", "dbg")
	d.EnableTrace()
	d.T(2, "shown trace")

	out := b.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("disabled levels logged: %v", out)
	}
	for _, want := range []string{
		"[SES][INF] hello 1",
		"[SES][DBG] shown dbg",
		"[UNK][TRC] shown trace",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestNil(t *testing.T) {
	var d *Debug
	d.Info(0, "nothing")
	d.Dbg(0, "nothing")
	d.T(0, "nothing")
	if d.Tracing() {
		t.Fatalf("nil logger tracing")
	}
}

func TestFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "mtp.log")
	d, err := New(filename, "2006-01-02 15:04:05")
	if err != nil {
		t.Fatal(err)
	}
	d.Register(0, "[APP]")
	d.Warn(0, "disk %v", "ok")

	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[APP][WAR] disk ok") {
		t.Fatalf("unexpected log %q", data)
	}
}
