// Package field implements arithmetic in the prime field Z/pZ.
//
// Every result is normalized to [0, p). A Field holds its own copy of the
// modulus and no other state, so a single value may be shared between
// goroutines.
package field

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var (
	// ErrDivisionByZero is returned when inverting an element congruent to zero.
	ErrDivisionByZero = errors.New("field: division by zero")

	// ErrInvalidModulus is returned when the modulus is missing or too small.
	ErrInvalidModulus = errors.New("field: modulus must be greater than 2")
)

var two = big.NewInt(2)

// Field is the finite field of integers modulo a prime p.
type Field struct {
	p *big.Int
	// pMinus2 is the Fermat exponent used by Inverse.
	pMinus2 *big.Int
}

// New returns the field defined by p. Primality is not checked here;
// callers load p from a generator or a verified record.
func New(p *big.Int) (*Field, error) {
	if p == nil || p.Cmp(two) <= 0 {
		return nil, ErrInvalidModulus
	}

	mod := new(big.Int).Set(p)
	return &Field{
		p:       mod,
		pMinus2: new(big.Int).Sub(mod, two),
	}, nil
}

// Modulus returns a copy of p.
func (f *Field) Modulus() *big.Int {
	return new(big.Int).Set(f.p)
}

// Reduce maps any integer, negative ones included, into [0, p).
func (f *Field) Reduce(a *big.Int) *big.Int {
	// big.Int.Mod is Euclidean, so the result is never negative.
	return new(big.Int).Mod(a, f.p)
}

// Add computes (a + b) mod p.
func (f *Field) Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, f.p)
}

// Sub computes (a - b) mod p.
func (f *Field) Sub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, f.p)
}

// Mul computes (a * b) mod p.
func (f *Field) Mul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, f.p)
}

// Neg computes (p - a) mod p.
func (f *Field) Neg(a *big.Int) *big.Int {
	r := new(big.Int).Sub(f.p, f.Reduce(a))
	return r.Mod(r, f.p)
}

// Inverse returns a^(p-2) mod p, the multiplicative inverse of a by Fermat's
// little theorem.
func (f *Field) Inverse(a *big.Int) (*big.Int, error) {
	r := f.Reduce(a)
	if r.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	return r.Exp(r, f.pMinus2, f.p), nil
}

// Div computes a * b^-1 mod p.
func (f *Field) Div(a, b *big.Int) (*big.Int, error) {
	inv, err := f.Inverse(b)
	if err != nil {
		return nil, err
	}
	return f.Mul(a, inv), nil
}

// Random returns a uniformly distributed element of [0, p) read from r.
// A nil reader means crypto/rand.
func (f *Field) Random(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, f.p)
	if err != nil {
		return nil, fmt.Errorf("field: failed to sample element: %w", err)
	}
	return n, nil
}

// Contains reports whether a is already a normalized element.
func (f *Field) Contains(a *big.Int) bool {
	return a != nil && a.Sign() >= 0 && a.Cmp(f.p) < 0
}
