// Package shamir implements Shamir's threshold secret sharing over a prime
// field.
//
// A secret s < p becomes the constant term of a random polynomial of degree
// k-1; share i is the point (i, f(i)). Any k shares determine f and hence s
// through Lagrange interpolation at zero, while k-1 shares are consistent
// with every possible secret.
//
// Supplying fewer than k shares to Reconstruct is not detectable: it returns
// the constant term of a different polynomial. Callers must pass the agreed
// threshold count.
package shamir

import (
	"fmt"
	"io"
	"math/big"

	"threshold-voting/field"
)

// Split divides secret into n shares, any k of which reconstruct it.
// Coefficients are drawn from r, which must be a cryptographically secure
// source; nil means crypto/rand.
func Split(secret *big.Int, k, n int, p *big.Int, r io.Reader) ([]Share, error) {
	if k < 1 || n < 1 || k > n {
		return nil, fmt.Errorf("%w: need 1 <= k <= n, got k=%d n=%d", ErrInvalidParameters, k, n)
	}

	f, err := field.New(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if secret == nil || !f.Contains(secret) {
		return nil, fmt.Errorf("%w: secret must satisfy 0 <= s < p", ErrInvalidParameters)
	}

	// Indices must stay distinct and non-zero modulo p.
	if big.NewInt(int64(n)).Cmp(p) >= 0 {
		return nil, fmt.Errorf("%w: n=%d does not fit the field", ErrInvalidParameters, n)
	}

	coefficients := make([]*big.Int, k)
	coefficients[0] = new(big.Int).Set(secret)
	for i := 1; i < k; i++ {
		c, err := f.Random(r)
		if err != nil {
			return nil, err
		}
		coefficients[i] = c
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(i + 1))
		shares[i] = Share{X: x, Y: evaluate(f, coefficients, x)}
	}

	return shares, nil
}

// evaluate computes sum(c_i * x^i) mod p with Horner's rule.
func evaluate(f *field.Field, coefficients []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int).Set(coefficients[len(coefficients)-1])
	for i := len(coefficients) - 2; i >= 0; i-- {
		result = f.Add(f.Mul(result, x), coefficients[i])
	}
	return result
}

// Reconstruct returns f(0) for the polynomial through the given shares.
//
// Two shares with the same x fail with ErrDuplicateShareIndex. Distinct
// indices that coincide modulo p fail with field.ErrDivisionByZero.
func Reconstruct(shares []Share, p *big.Int) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidParameters)
	}

	f, err := field.New(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if err := checkDistinct(shares); err != nil {
		return nil, err
	}

	return interpolate(f, shares, new(big.Int))
}

// interpolate evaluates the Lagrange polynomial through shares at x0:
// L_j(x0) = prod_{i != j} (x0 - x_i) / (x_j - x_i).
func interpolate(f *field.Field, shares []Share, x0 *big.Int) (*big.Int, error) {
	result := new(big.Int)

	for j, sj := range shares {
		num := big.NewInt(1)
		den := big.NewInt(1)

		for i, si := range shares {
			if i == j {
				continue
			}
			num = f.Mul(num, f.Sub(x0, si.X))
			den = f.Mul(den, f.Sub(sj.X, si.X))
		}

		basis, err := f.Div(num, den)
		if err != nil {
			return nil, fmt.Errorf("shamir: share %s: %w", sj.X, err)
		}

		result = f.Add(result, f.Mul(sj.Y, basis))
	}

	return result, nil
}

func checkDistinct(shares []Share) error {
	seen := make(map[string]bool, len(shares))
	for _, s := range shares {
		if s.X == nil || s.Y == nil {
			return fmt.Errorf("%w: incomplete share", ErrInvalidShareFormat)
		}
		key := s.X.String()
		if seen[key] {
			return fmt.Errorf("%w: x=%s", ErrDuplicateShareIndex, key)
		}
		seen[key] = true
	}
	return nil
}

// Consistent reports whether every share beyond the first k lies on the
// polynomial fixed by the first k. It needs more than k shares to say
// anything and returns ErrInvalidParameters otherwise.
func Consistent(shares []Share, k int, p *big.Int) (bool, error) {
	if k < 1 || len(shares) <= k {
		return false, fmt.Errorf("%w: need more than k=%d shares, got %d", ErrInvalidParameters, k, len(shares))
	}

	f, err := field.New(p)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if err := checkDistinct(shares); err != nil {
		return false, err
	}

	base := shares[:k]
	for _, extra := range shares[k:] {
		want, err := interpolate(f, base, extra.X)
		if err != nil {
			return false, err
		}
		if want.Cmp(f.Reduce(extra.Y)) != 0 {
			return false, nil
		}
	}

	return true, nil
}
