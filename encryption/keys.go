package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// ErrKeyEncoding is returned when an integer does not fit a 32-byte key.
var ErrKeyEncoding = errors.New("encryption: secret does not fit a 32-byte key")

// GenerateKey returns KeySize random bytes from r, or crypto/rand when r is nil.
func GenerateKey(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("encryption: failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromSecret encodes s as a fixed-width 32-byte big-endian key.
func KeyFromSecret(s *big.Int) ([]byte, error) {
	if s == nil || s.Sign() < 0 {
		return nil, fmt.Errorf("%w: secret must be non-negative", ErrKeyEncoding)
	}
	if s.BitLen() > KeySize*8 {
		return nil, fmt.Errorf("%w: secret has %d bits", ErrKeyEncoding, s.BitLen())
	}
	return s.FillBytes(make([]byte, KeySize)), nil
}

// SecretFromKey reads key as a big-endian unsigned integer.
func SecretFromKey(key []byte) *big.Int {
	return new(big.Int).SetBytes(key)
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Fingerprint is a 0x-prefixed Keccak-256 commitment to a key or token.
// It lets records identify a key without storing it.
func Fingerprint(secret []byte) string {
	return hexutil.Encode(Keccak256(secret))
}

// ShortFingerprint keeps the first and last few hex digits for log lines.
func ShortFingerprint(secret []byte) string {
	fp := Fingerprint(secret)
	return fp[:10] + "..." + fp[len(fp)-6:]
}
