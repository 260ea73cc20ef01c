// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// aesige implements AES-256 in infinite garble extension mode.  The 32 byte
// iv holds the previous ciphertext block followed by the previous plaintext
// block.
package aesige

import (
	"crypto/aes"
	"errors"
)

var (
	ErrBlockSize = errors.New("data is not a multiple of the block size")
	ErrKeySize   = errors.New("key must be 32 bytes and iv 32 bytes")
)

const BlockSize = aes.BlockSize

// Encrypt returns the IGE encryption of src.  src must be a multiple of 16
// bytes.
func Encrypt(key, iv, src []byte) ([]byte, error) {
	return crypt(key, iv, src, true)
}

// Decrypt reverses Encrypt.
func Decrypt(key, iv, src []byte) ([]byte, error) {
	return crypt(key, iv, src, false)
}

func crypt(key, iv, src []byte, encrypt bool) ([]byte, error) {
	if len(key) != 32 || len(iv) != 32 {
		return nil, ErrKeySize
	}
	if len(src)%BlockSize != 0 {
		return nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// x is the chaining block xor-ed before the cipher, y the one after.
	var x, y [BlockSize]byte
	if encrypt {
		copy(x[:], iv[:BlockSize])
		copy(y[:], iv[BlockSize:])
	} else {
		copy(y[:], iv[:BlockSize])
		copy(x[:], iv[BlockSize:])
	}

	dst := make([]byte, len(src))
	var tmp [BlockSize]byte
	for i := 0; i < len(src); i += BlockSize {
		in := src[i : i+BlockSize]
		out := dst[i : i+BlockSize]
		for j := range tmp {
			tmp[j] = in[j] ^ x[j]
		}
		if encrypt {
			block.Encrypt(out, tmp[:])
		} else {
			block.Decrypt(out, tmp[:])
		}
		for j := range out {
			out[j] ^= y[j]
		}
		copy(x[:], out)
		copy(y[:], in)
	}
	return dst, nil
}
