// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyexchange

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// fermatRounds bounds the Fermat search before falling back to rho.
const fermatRounds = 1 << 22

// FactorPQ splits the big endian product pq into p < q, each returned as 4
// byte big endian values.
func FactorPQ(pqBytes []byte) (p, q []byte, err error) {
	if len(pqBytes) == 0 || len(pqBytes) > 8 {
		return nil, nil, ErrFactorizationFailed
	}
	var pq uint64
	for _, b := range pqBytes {
		pq = pq<<8 | uint64(b)
	}

	a, b, ok := fermat(pq)
	if !ok {
		a, b, ok = rho(pq)
	}
	if !ok || a <= 1 || b <= 1 || a > math.MaxUint32 || b > math.MaxUint32 {
		return nil, nil, ErrFactorizationFailed
	}
	if a > b {
		a, b = b, a
	}
	p = binary.BigEndian.AppendUint32(nil, uint32(a))
	q = binary.BigEndian.AppendUint32(nil, uint32(b))
	return p, q, nil
}

func isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	for r > 0 && (r > math.MaxUint32 || r*r > n) {
		r--
	}
	for r+1 <= math.MaxUint32 && (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// fermat looks for x with x*x - pq a perfect square y*y, giving
// pq = (x+y)(x-y).  It is quick when both factors are close.
func fermat(pq uint64) (uint64, uint64, bool) {
	x := isqrt(pq)
	if x*x < pq {
		x++
	}
	for i := 0; i < fermatRounds; i++ {
		hi, ySqr := bits.Mul64(x, x)
		if hi != 0 {
			return 0, 0, false
		}
		ySqr -= pq
		y := isqrt(ySqr)
		if ySqr == 0 || y+x >= pq {
			return 0, 0, false
		}
		if y*y == ySqr {
			a, b := x+y, x-y
			return a, b, true
		}
		x++
	}
	return 0, 0, false
}

func mulmod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, m)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// rho is Brent's variant of Pollard's rho.
func rho(n uint64) (uint64, uint64, bool) {
	if n%2 == 0 {
		return 2, n / 2, n > 2
	}
	for c := uint64(1); c < 32; c++ {
		f := func(x uint64) uint64 { return (mulmod(x, x, n) + c) % n }
		y, r, q := uint64(2), uint64(1), uint64(1)
		var x, ys, g uint64
		const m = 128
		for g = 1; g == 1; r *= 2 {
			x = y
			for i := uint64(0); i < r; i++ {
				y = f(y)
			}
			for k := uint64(0); k < r && g == 1; k += m {
				ys = y
				for i := uint64(0); i < m && i < r-k; i++ {
					y = f(y)
					d := x - y
					if x < y {
						d = y - x
					}
					q = mulmod(q, d, n)
				}
				g = gcd(q, n)
			}
			if r > 1<<26 {
				break
			}
		}
		if g == n {
			for {
				ys = f(ys)
				d := x - ys
				if x < ys {
					d = ys - x
				}
				g = gcd(d, n)
				if g > 1 {
					break
				}
			}
		}
		if g > 1 && g < n {
			return g, n / g, true
		}
	}
	return 0, 0, false
}
