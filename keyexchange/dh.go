// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyexchange

import (
	"bytes"
	"encoding/hex"
	"io"
	"math/big"
)

const (
	// PrimeBits is the only accepted size of the DH prime.
	PrimeBits = 2048

	// goodBits is the minimum size of g^a, g^b and their distance to the
	// prime.
	goodBits = PrimeBits - 64

	randomPowerSize = 256

	primalityRounds = 30
)

// knownPrime is the prime servers currently hand out.  It is a safe prime
// so the expensive primality checks can be skipped for it.
var knownPrime, _ = hex.DecodeString("" +
	"C71CAEB9C6B1C9048E6C522F70F13F73980D40238E3E21C14934D037563D930F" +
	"48198A0AA7C14058229493D22530F4DBFA336F6E0AC925139543AED44CCE7C37" +
	"20FD51F69458705AC68CD4FE6B6B13ABDC9746512969328454F18FAF8C595F64" +
	"2477FE96BB2A941D5BCD1D4AC8CC49880708FA9B378E3C4F3A9060BEE67CF9A4" +
	"A4A695811051907E162753B56B0F6B410DBA74D8A84B2A14B3144E0EF1284754" +
	"FD17ED950D5965B4B9DD46582DB1178D169C6BC465B0D6FF9CA3928FEF5B9AE4" +
	"E418FC15E83EBEA0F87FA9FF5EED70050DED2849F47BF959D956850CE929851F" +
	"0D8115F635B105EE2E4E15D04B2454BF6F4FADF034B10403119CD8E3B92FCC5B")

// KnownPrime returns a copy of the well known 2048 bit safe prime.
func KnownPrime() []byte {
	return append([]byte(nil), knownPrime...)
}

// IsPrimeAndGood reports whether prime is a 2048 bit safe prime and g
// generates a subgroup of order (prime-1)/2.
func IsPrimeAndGood(prime []byte, g int32) bool {
	if bytes.Equal(prime, knownPrime) {
		switch g {
		case 3, 4, 5, 7:
			return true
		}
	}

	p := new(big.Int).SetBytes(prime)
	if p.BitLen() != PrimeBits {
		return false
	}

	mod := func(m int64) int64 {
		return new(big.Int).Mod(p, big.NewInt(m)).Int64()
	}
	switch g {
	case 2:
		if mod(8) != 7 {
			return false
		}
	case 3:
		if mod(3) != 2 {
			return false
		}
	case 4:
	case 5:
		if r := mod(5); r != 1 && r != 4 {
			return false
		}
	case 6:
		if r := mod(24); r != 19 && r != 23 {
			return false
		}
	case 7:
		if r := mod(7); r != 3 && r != 5 && r != 6 {
			return false
		}
	default:
		return false
	}

	if !p.ProbablyPrime(primalityRounds) {
		return false
	}
	half := new(big.Int).Rsh(p, 1)
	return half.ProbablyPrime(primalityRounds)
}

// IsGoodModExpFirst reports whether x, a power of g modulo prime, is far
// enough from both 1 and prime - 1.
func IsGoodModExpFirst(x, prime *big.Int) bool {
	diff := new(big.Int).Sub(prime, x)
	if diff.Sign() < 0 || diff.BitLen() < goodBits {
		return false
	}
	if x.BitLen() < goodBits {
		return false
	}
	return (x.BitLen()+7)/8 <= randomPowerSize
}

// ModExp is g^power mod prime.
type ModExp struct {
	Power  *big.Int
	ModExp *big.Int
}

// CreateModExp picks a random power whose result passes IsGoodModExpFirst.
func CreateModExp(g int32, prime *big.Int, rand io.Reader) (*ModExp, error) {
	var buf [randomPowerSize]byte
	bg := big.NewInt(int64(g))
	for i := 0; i < 8; i++ {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, err
		}
		power := new(big.Int).SetBytes(buf[:])
		x := new(big.Int).Exp(bg, power, prime)
		if IsGoodModExpFirst(x, prime) {
			return &ModExp{Power: power, ModExp: x}, nil
		}
	}
	return nil, ErrProtocol
}

// CreateAuthKey returns ga^power mod prime as 256 big endian bytes, or nil
// when ga is not a good modexp.
func CreateAuthKey(ga, power, prime *big.Int) []byte {
	if !IsGoodModExpFirst(ga, prime) {
		return nil
	}
	k := new(big.Int).Exp(ga, power, prime)
	return k.FillBytes(make([]byte, randomPowerSize))
}
