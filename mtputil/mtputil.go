// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mtputil

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/marcopeereboom/goutil"
	"github.com/mitchellh/go-homedir"
)

const (
	appMajor = 0
	appMinor = 1
	appPatch = 0
)

var ErrDigest = errors.New("digest mismatch")

// Version returns the application version string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

func DefaultRootPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("homedir: %v", err)
	}
	return filepath.Join(home, ".mtpcore"), nil
}

// VerifyDigest compares the SHA256 of filename with a hex encoded digest.
func VerifyDigest(filename, digest string) error {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("invalid digest: %v", err)
	}
	fd, err := goutil.FileSHA256(filename)
	if err != nil {
		return fmt.Errorf("could not digest %v: %v", filename, err)
	}
	if !bytes.Equal(fd[:], want) {
		return fmt.Errorf("%w: %v", ErrDigest, filename)
	}
	return nil
}
