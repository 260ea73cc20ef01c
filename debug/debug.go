// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// debug is a subsystem aware logger.  Every line is prefixed with a time
// stamp, the subsystem name and the severity.  Info, Warn, Error and Critical
// are always written, Dbg only when debug is enabled and T only when trace is
// enabled.
//
// All methods may be called on a nil *Debug, in which case they do nothing.
// This allows library packages to take an optional logger.
package debug

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

var (
	ErrNoSubystems        = errors.New("no subsystems specified")
	ErrDuplicateSubsystem = errors.New("duplicate subsystem")
)

// Stderr may be used as filename in New to log to standard error.
const Stderr = "-"

type Debug struct {
	sync.Mutex
	filename   string
	out        io.Writer // used instead of filename when set
	format     string
	subsystems map[int]string
	debug      bool // debug enabled?
	trace      bool // trace enabled?
}

func (d *Debug) Info(id int, format string, args ...interface{}) {
	d.log(id, "[INF] ", format, args...)
}

func (d *Debug) Warn(id int, format string, args ...interface{}) {
	d.log(id, "[WAR] ", format, args...)
}

func (d *Debug) Error(id int, format string, args ...interface{}) {
	d.log(id, "[ERR] ", format, args...)
}

func (d *Debug) Critical(id int, format string, args ...interface{}) {
	d.log(id, "[CRI] ", format, args...)
}

func (d *Debug) Dbg(id int, format string, args ...interface{}) {
	// let it race!
	if d == nil || !d.debug {
		return
	}

	d.log(id, "[DBG] ", format, args...)
}

func (d *Debug) T(id int, format string, args ...interface{}) {
	// let it race!
	if d == nil || !d.trace {
		return
	}

	d.log(id, "[TRC] ", format, args...)
}

// Tracing reports whether trace output is enabled.  Callers use it to skip
// expensive dumps.
func (d *Debug) Tracing() bool {
	return d != nil && d.trace
}

// Dump returns a multi line rendering of v suitable for trace output.
func Dump(v interface{}) string {
	return spew.Sdump(v)
}

func (d *Debug) log(id int, prefix string, format string, args ...interface{}) {
	if d == nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	s, found := d.subsystems[id]
	if !found {
		s = "[UNK]"
	}
	t := time.Now().Format(d.format)
	line := fmt.Sprintf(t+" "+s+prefix+format+"\n", args...)

	if d.out != nil {
		io.WriteString(d.out, line)
		return
	}

	f, err := os.OpenFile(d.filename, os.O_CREATE|os.O_RDWR|os.O_APPEND,
		0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log error: %v", err)
		return
	}
	defer f.Close()

	io.WriteString(f, line)
}

// New returns a logger that appends to filename.  An empty filename or Stderr
// logs to standard error.
func New(filename, format string) (*Debug, error) {
	d := Debug{
		subsystems: make(map[int]string),
		format:     format,
		filename:   filename,
	}

	if filename == "" || filename == Stderr {
		d.out = os.Stderr
		return &d, nil
	}

	// make sure we can open file
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	f.Close()

	return &d, nil
}

// NewWriter returns a logger that writes to w.  It is mostly used by tests.
func NewWriter(w io.Writer, format string) *Debug {
	return &Debug{
		subsystems: make(map[int]string),
		format:     format,
		out:        w,
	}
}

func (d *Debug) Register(id int, name string) error {
	if d == nil {
		return nil
	}

	d.Lock()
	defer d.Unlock()

	_, found := d.subsystems[id]
	if found {
		return ErrDuplicateSubsystem
	}
	d.subsystems[id] = name
	return nil
}

func (d *Debug) EnableDebug() {
	d.Lock()
	defer d.Unlock()

	d.debug = true
}

func (d *Debug) DisableDebug() {
	d.Lock()
	defer d.Unlock()

	d.debug = false
}

func (d *Debug) EnableTrace() {
	d.Lock()
	defer d.Unlock()

	d.trace = true
}

func (d *Debug) DisableTrace() {
	d.Lock()
	defer d.Unlock()

	d.trace = false
}
