// Package prime generates the large prime modulus that defines the share field.
//
// Candidates are random odd integers of a fixed bit length with the top bit
// forced, screened by trial division against the first ten primes and then
// by Miller-Rabin with independently random bases.
package prime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	// DefaultBits is one bit wider than a 256-bit key so every key fits the field.
	DefaultBits = 257

	// DefaultRounds bounds the false-positive rate by 4^-8 = 2^-16.
	DefaultRounds = 8

	// DefaultMaxAttempts is far above the expected ~ln(2^257)/2 candidates.
	DefaultMaxAttempts = 200000

	minBits = 16
)

var (
	// ErrAttemptsExhausted is returned when no prime was found within MaxAttempts.
	ErrAttemptsExhausted = errors.New("prime: attempts exhausted without finding a prime")

	// ErrInvalidOptions is returned for unusable generation options.
	ErrInvalidOptions = errors.New("prime: invalid options")
)

var smallPrimes = []int64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29}

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// Options controls Generate. Zero values select the defaults.
type Options struct {
	Bits        int
	Rounds      int
	MaxAttempts int
	// Rand must be a cryptographically secure source; nil means crypto/rand.
	Rand io.Reader
}

func (o Options) withDefaults() Options {
	if o.Bits == 0 {
		o.Bits = DefaultBits
	}
	if o.Rounds == 0 {
		o.Rounds = DefaultRounds
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	return o
}

func (o Options) validate() error {
	if o.Bits < minBits {
		return fmt.Errorf("%w: bits must be at least %d, got %d", ErrInvalidOptions, minBits, o.Bits)
	}
	if o.Rounds < 1 {
		return fmt.Errorf("%w: rounds must be positive, got %d", ErrInvalidOptions, o.Rounds)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidOptions, o.MaxAttempts)
	}
	return nil
}

// Generate returns a probable prime of exactly opts.Bits bits. The search
// stops with ctx.Err() when ctx is cancelled and with ErrAttemptsExhausted
// after opts.MaxAttempts candidates.
func Generate(ctx context.Context, opts Options) (*big.Int, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := randomCandidate(opts.Rand, opts.Bits)
		if err != nil {
			return nil, err
		}

		if hasSmallFactor(candidate) {
			continue
		}

		ok, err := millerRabin(candidate, opts.Rounds, opts.Rand)
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("%w: %d candidates of %d bits", ErrAttemptsExhausted, opts.MaxAttempts, opts.Bits)
}

// IsProbablePrime runs the same screening Generate applies. It is used to
// check moduli loaded from records.
func IsProbablePrime(n *big.Int, rounds int, r io.Reader) (bool, error) {
	if n == nil || n.Cmp(two) < 0 {
		return false, nil
	}
	if r == nil {
		r = rand.Reader
	}
	if rounds < 1 {
		rounds = DefaultRounds
	}

	for _, sp := range smallPrimes {
		if n.Cmp(big.NewInt(sp)) == 0 {
			return true, nil
		}
	}
	if hasSmallFactor(n) {
		return false, nil
	}

	return millerRabin(n, rounds, r)
}

// randomCandidate samples bits random bits and forces the top and low bits.
func randomCandidate(r io.Reader, bits int) (*big.Int, error) {
	buf := make([]byte, (bits+7)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("prime: failed to read randomness: %w", err)
	}

	// Clear the excess high bits of the leading byte.
	if excess := len(buf)*8 - bits; excess > 0 {
		buf[0] &= byte(0xff >> excess)
	}

	n := new(big.Int).SetBytes(buf)
	n.SetBit(n, bits-1, 1)
	n.SetBit(n, 0, 1)
	return n, nil
}

func hasSmallFactor(n *big.Int) bool {
	m := new(big.Int)
	for _, sp := range smallPrimes {
		p := big.NewInt(sp)
		if n.Cmp(p) == 0 {
			return false
		}
		if m.Mod(n, p).Sign() == 0 {
			return true
		}
	}
	return false
}

// millerRabin tests an odd n > 3 with rounds random bases in [2, n-2].
func millerRabin(n *big.Int, rounds int, r io.Reader) (bool, error) {
	nMinus1 := new(big.Int).Sub(n, one)

	// n - 1 = d * 2^s with d odd.
	s := nMinus1.TrailingZeroBits()
	d := new(big.Int).Rsh(nMinus1, s)

	// Bases are drawn as 2 + rand[0, n-3).
	baseRange := new(big.Int).Sub(n, big.NewInt(3))
	if baseRange.Sign() <= 0 {
		return n.Cmp(two) == 0 || n.Cmp(big.NewInt(3)) == 0, nil
	}

	x := new(big.Int)
	for i := 0; i < rounds; i++ {
		a, err := rand.Int(r, baseRange)
		if err != nil {
			return false, fmt.Errorf("prime: failed to sample witness: %w", err)
		}
		a.Add(a, two)

		x.Exp(a, d, n)
		if x.Cmp(one) == 0 || x.Cmp(nMinus1) == 0 {
			continue
		}

		composite := true
		for j := uint(1); j < s; j++ {
			x.Exp(x, two, n)
			if x.Cmp(nMinus1) == 0 {
				composite = false
				break
			}
		}
		if composite {
			return false, nil
		}
	}

	return true, nil
}
