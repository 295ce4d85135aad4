package shamir

import (
	"context"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-voting/field"
	"threshold-voting/prime"
)

// secp256k1 field prime, 2^256 - 2^32 - 977.
var testPrime, _ = new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007908834671663", 10)

func randomBelow(t *testing.T, max int64) int {
	t.Helper()
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	require.NoError(t, err)
	return int(n.Int64())
}

// combinations returns every k-element subset of {0..n-1} in lexical order.
func combinations(n, k int) [][]int {
	var out [][]int
	var walk func(start int, picked []int)
	walk = func(start int, picked []int) {
		if len(picked) == k {
			out = append(out, append([]int(nil), picked...))
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(picked, i))
		}
	}
	walk(0, nil)
	return out
}

func pick(shares []Share, idx []int) []Share {
	out := make([]Share, len(idx))
	for i, j := range idx {
		out[i] = shares[j]
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		secret  *big.Int
		k, n    int
		p       *big.Int
		wantErr error
	}{
		{name: "3 of 5", secret: big.NewInt(42), k: 3, n: 5, p: testPrime},
		{name: "1 of 1", secret: big.NewInt(7), k: 1, n: 1, p: testPrime},
		{name: "5 of 5", secret: big.NewInt(0), k: 5, n: 5, p: testPrime},
		{name: "k greater than n", secret: big.NewInt(1), k: 4, n: 3, p: testPrime, wantErr: ErrInvalidParameters},
		{name: "k zero", secret: big.NewInt(1), k: 0, n: 3, p: testPrime, wantErr: ErrInvalidParameters},
		{name: "secret equals p", secret: testPrime, k: 2, n: 3, p: testPrime, wantErr: ErrInvalidParameters},
		{name: "negative secret", secret: big.NewInt(-1), k: 2, n: 3, p: testPrime, wantErr: ErrInvalidParameters},
		{name: "nil secret", secret: nil, k: 2, n: 3, p: testPrime, wantErr: ErrInvalidParameters},
		{name: "nil prime", secret: big.NewInt(1), k: 2, n: 3, p: nil, wantErr: ErrInvalidParameters},
		{name: "n does not fit field", secret: big.NewInt(1), k: 2, n: 13, p: big.NewInt(13), wantErr: ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := Split(tt.secret, tt.k, tt.n, tt.p, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, shares)
				return
			}

			require.NoError(t, err)
			require.Len(t, shares, tt.n)
			for i, s := range shares {
				assert.Equal(t, int64(i+1), s.X.Int64())
				assert.True(t, s.Y.Sign() >= 0 && s.Y.Cmp(tt.p) < 0)
			}
		})
	}
}

func TestSplitThresholdOneIsConstant(t *testing.T) {
	shares, err := Split(big.NewInt(99), 1, 4, testPrime, nil)
	require.NoError(t, err)

	for _, s := range shares {
		assert.Equal(t, int64(99), s.Y.Int64())
	}
}

func TestSplitReconstructProperty(t *testing.T) {
	for iter := 0; iter < 25; iter++ {
		n := 1 + randomBelow(t, 7)
		k := 1 + randomBelow(t, int64(n))

		secret, err := rand.Int(rand.Reader, testPrime)
		require.NoError(t, err)

		shares, err := Split(secret, k, n, testPrime, nil)
		require.NoError(t, err)

		// Every k-subset, whatever its order, yields the same secret.
		for _, subset := range combinations(n, k) {
			chosen := pick(shares, subset)
			if iter%2 == 1 {
				for i, j := 0, len(chosen)-1; i < j; i, j = i+1, j-1 {
					chosen[i], chosen[j] = chosen[j], chosen[i]
				}
			}

			got, err := Reconstruct(chosen, testPrime)
			require.NoError(t, err)
			require.Zero(t, secret.Cmp(got), "k=%d n=%d subset=%v", k, n, subset)
		}

		// More than k shares still lie on the same polynomial.
		got, err := Reconstruct(shares, testPrime)
		require.NoError(t, err)
		assert.Zero(t, secret.Cmp(got))
	}
}

func TestFewerThanThresholdGivesDifferentValue(t *testing.T) {
	secret := big.NewInt(123456789)
	shares, err := Split(secret, 3, 5, testPrime, nil)
	require.NoError(t, err)

	got, err := Reconstruct(shares[:2], testPrime)
	require.NoError(t, err)
	assert.NotZero(t, secret.Cmp(got))
}

func TestReconstructDuplicateIndex(t *testing.T) {
	shares, err := Split(big.NewInt(42), 3, 5, testPrime, nil)
	require.NoError(t, err)

	dup := []Share{shares[0], shares[1], shares[0]}
	got, err := Reconstruct(dup, testPrime)
	assert.ErrorIs(t, err, ErrDuplicateShareIndex)
	assert.Nil(t, got)

	// Same index, different value is still a duplicate.
	forged := []Share{shares[0], shares[1], {X: big.NewInt(1), Y: big.NewInt(5)}}
	_, err = Reconstruct(forged, testPrime)
	assert.ErrorIs(t, err, ErrDuplicateShareIndex)
}

func TestReconstructIndicesCongruentModP(t *testing.T) {
	p := big.NewInt(13)
	shares := []Share{
		{X: big.NewInt(1), Y: big.NewInt(4)},
		{X: big.NewInt(14), Y: big.NewInt(4)},
	}

	got, err := Reconstruct(shares, p)
	assert.ErrorIs(t, err, field.ErrDivisionByZero)
	assert.Nil(t, got)
}

func TestReconstructInvalidInput(t *testing.T) {
	_, err := Reconstruct(nil, testPrime)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Reconstruct([]Share{{X: big.NewInt(1), Y: big.NewInt(1)}}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Reconstruct([]Share{{X: big.NewInt(1)}}, testPrime)
	assert.ErrorIs(t, err, ErrInvalidShareFormat)
}

func TestKnownPolynomial(t *testing.T) {
	// f(x) = 5 + 3x + 2x^2 over GF(101).
	p := big.NewInt(101)
	shares := []Share{
		NewShare(1, big.NewInt(10)),
		NewShare(2, big.NewInt(19)),
		NewShare(3, big.NewInt(32)),
	}

	got, err := Reconstruct(shares, p)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Int64())

	f, err := field.New(p)
	require.NoError(t, err)
	coefficients := []*big.Int{big.NewInt(5), big.NewInt(3), big.NewInt(2)}
	assert.Equal(t, int64(49), evaluate(f, coefficients, big.NewInt(4)).Int64())
}

func TestConsistent(t *testing.T) {
	shares, err := Split(big.NewInt(777), 3, 5, testPrime, nil)
	require.NoError(t, err)

	ok, err := Consistent(shares, 3, testPrime)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := append([]Share(nil), shares...)
	tampered[4] = Share{X: shares[4].X, Y: new(big.Int).Add(shares[4].Y, big.NewInt(1))}
	ok, err = Consistent(tampered, 3, testPrime)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Consistent(shares[:3], 3, testPrime)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Consistent([]Share{shares[0], shares[1], shares[2], shares[0]}, 3, testPrime)
	assert.ErrorIs(t, err, ErrDuplicateShareIndex)
}

func TestEndToEndWithGeneratedPrime(t *testing.T) {
	p, err := prime.Generate(context.Background(), prime.Options{Bits: 257})
	require.NoError(t, err)

	secret := big.NewInt(42)
	shares, err := Split(secret, 3, 5, p, nil)
	require.NoError(t, err)

	for _, subset := range [][]int{{0, 1, 2}, {1, 3, 4}, {0, 2, 4}} {
		got, err := Reconstruct(pick(shares, subset), p)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.Int64(), "subset %v", subset)
	}

	// The same shares survive the text round trip used at tally time.
	parsed, err := ParseShares(FormatShares(pick(shares, []int{1, 3, 4})))
	require.NoError(t, err)
	got, err := Reconstruct(parsed, p)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Int64())
}
