// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// MaxUnpackedSize bounds the output of Ungzip.
const MaxUnpackedSize = 16 * 1024 * 1024

var ErrUnpackedTooLarge = errors.New("gzip_packed payload too large")

// Gzip returns body wrapped in a gzip_packed object.
func Gzip(body []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := gzip.NewWriterLevel(&b, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	e := NewEncoder(8 + b.Len())
	e.PutUint32(CRCGzipPacked)
	e.PutBytes(b.Bytes())
	return e.Buf(), nil
}

// Ungzip unwraps a gzip_packed object.  Objects with another constructor are
// returned unchanged.
func Ungzip(b []byte) ([]byte, error) {
	if PeekConstructor(b) != CRCGzipPacked {
		return b, nil
	}
	d := NewDecoder(b[4:])
	packed := d.Bytes()
	if d.Err() != nil {
		return nil, d.Err()
	}
	r, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxUnpackedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxUnpackedSize {
		return nil, ErrUnpackedTooLarge
	}
	return out, nil
}
