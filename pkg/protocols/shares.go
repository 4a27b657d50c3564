// Package protocols implements the multi-party protocol scripts that run
// over the session runtime: distributed key derivation, threshold signing,
// resharing, guardian recovery, and operation locking. Cryptographic
// primitives are pure functions; everything stateful goes through the
// ledger or the sealed share store.
package protocols

import (
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/effects"
)

// Share is one point of a Shamir polynomial over GF(256), evaluated
// byte-wise. Index is the x coordinate and is never zero (x=0 holds the
// secret).
type Share struct {
	Index uint8  `json:"index"`
	Value []byte `json:"value"`
}

// Zero overwrites the share value in place.
func (s *Share) Zero() { effects.Zeroize(s.Value) }

// Clone deep-copies the share.
func (s Share) Clone() Share {
	return Share{Index: s.Index, Value: append([]byte(nil), s.Value...)}
}

var (
	ErrNotEnoughShares = errors.New("not enough shares to reconstruct")
	ErrBadShareSet     = errors.New("malformed share set")
)

// GF(256) with the AES reduction polynomial x^8+x^4+x^3+x+1.
var (
	gfExp [512]byte
	gfLog [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		// multiply by the generator 0x03
		x = gfMulNoTable(x, 3)
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMulNoTable(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+255-int(gfLog[b])]
}

// evalPoly evaluates the polynomial with the given coefficients (constant
// term first) at x, by Horner's rule.
func evalPoly(coeffs []byte, x byte) byte {
	acc := byte(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = gfMul(acc, x) ^ coeffs[i]
	}
	return acc
}

// Split shares a secret m-of-n: each byte becomes the constant term of a
// random degree m-1 polynomial and share j holds the evaluations at x=j+1.
// Any m shares reconstruct the secret; fewer reveal nothing about it.
func Split(secret []byte, m, n int, rnd effects.Rand) ([]Share, error) {
	if m < 1 || n < m || n > 255 {
		return nil, fmt.Errorf("%w: split %d-of-%d", ErrBadShareSet, m, n)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrBadShareSet)
	}
	shares := make([]Share, n)
	for j := range shares {
		shares[j] = Share{Index: uint8(j + 1), Value: make([]byte, len(secret))}
	}
	coeffs := make([]byte, m)
	for i, b := range secret {
		coeffs[0] = b
		if m > 1 {
			copy(coeffs[1:], rnd.Bytes(m-1))
		}
		for j := range shares {
			shares[j].Value[i] = evalPoly(coeffs, shares[j].Index)
		}
	}
	effects.Zeroize(coeffs)
	return shares, nil
}

// Reconstruct interpolates the secret at x=0 from at least m shares. With
// fewer than m shares it fails; extra shares beyond the first m are
// ignored. All shares must agree on length and carry distinct indices.
func Reconstruct(shares []Share, m int) ([]byte, error) {
	if m < 1 {
		return nil, fmt.Errorf("%w: threshold %d", ErrBadShareSet, m)
	}
	if len(shares) < m {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotEnoughShares, len(shares), m)
	}
	use := shares[:m]
	width := len(use[0].Value)
	seen := make(map[uint8]bool, m)
	for _, s := range use {
		if s.Index == 0 || len(s.Value) != width || seen[s.Index] {
			return nil, fmt.Errorf("%w: index %d", ErrBadShareSet, s.Index)
		}
		seen[s.Index] = true
	}

	// Lagrange coefficients at x=0 depend only on the index set.
	lambda := make([]byte, m)
	for i, si := range use {
		num, den := byte(1), byte(1)
		for j, sj := range use {
			if i == j {
				continue
			}
			num = gfMul(num, sj.Index)
			den = gfMul(den, si.Index^sj.Index)
		}
		lambda[i] = gfDiv(num, den)
	}

	secret := make([]byte, width)
	for k := 0; k < width; k++ {
		var acc byte
		for i, s := range use {
			acc ^= gfMul(lambda[i], s.Value[k])
		}
		secret[k] = acc
	}
	return secret, nil
}

// SubSplit re-shares one share for a new participant set: the share value
// becomes the secret of a fresh m'-of-n' polynomial. Combining sub-shares
// from m old holders with CombineSubShares yields the new holder's share of
// the original secret under the new threshold.
func SubSplit(old Share, newM, newN int, rnd effects.Rand) ([]Share, error) {
	return Split(old.Value, newM, newN, rnd)
}

// CombineSubShares folds the sub-shares a new participant received, one per
// old holder (Index = the old holder's share index), into that participant's
// share of the original secret. The math is the same Lagrange fold as
// Reconstruct applied at the new participant's coordinate.
func CombineSubShares(pieces []Share, oldM int) ([]byte, error) {
	return Reconstruct(pieces, oldM)
}
