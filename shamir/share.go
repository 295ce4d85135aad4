package shamir

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Share is one point (x, y) on the sharing polynomial.
type Share struct {
	// X is the share index, 1..n.
	X *big.Int
	// Y is the polynomial value at X, a field element.
	Y *big.Int
}

// NewShare builds a share from small indices, mostly for tests and tools.
func NewShare(x int64, y *big.Int) Share {
	return Share{X: big.NewInt(x), Y: new(big.Int).Set(y)}
}

// String renders the share as the "x:y" token handed to shareholders.
func (s Share) String() string {
	return fmt.Sprintf("%s:%s", s.X, s.Y)
}

// MarshalJSON encodes the share as a two element array of JSON integers,
// matching the shamir_shares field of the meta record.
func (s Share) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]*big.Int{s.X, s.Y})
}

// UnmarshalJSON accepts the [x, y] array form.
func (s *Share) UnmarshalJSON(data []byte) error {
	var pair []*big.Int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShareFormat, err)
	}
	if len(pair) != 2 || pair[0] == nil || pair[1] == nil {
		return fmt.Errorf("%w: expected [x, y], got %s", ErrInvalidShareFormat, data)
	}
	s.X, s.Y = pair[0], pair[1]
	return nil
}

// ParseShare parses a single "x:y" token. Both parts must be decimal
// integers, x positive and y non-negative.
func ParseShare(token string) (Share, error) {
	token = strings.TrimSpace(token)

	xs, ys, ok := strings.Cut(token, ":")
	if !ok || strings.Contains(ys, ":") {
		return Share{}, fmt.Errorf("%w: %q is not x:y", ErrInvalidShareFormat, token)
	}

	x, ok := new(big.Int).SetString(strings.TrimSpace(xs), 10)
	if !ok || x.Sign() <= 0 {
		return Share{}, fmt.Errorf("%w: %q has an invalid index", ErrInvalidShareFormat, token)
	}

	y, ok := new(big.Int).SetString(strings.TrimSpace(ys), 10)
	if !ok || y.Sign() < 0 {
		return Share{}, fmt.Errorf("%w: %q has an invalid value", ErrInvalidShareFormat, token)
	}

	return Share{X: x, Y: y}, nil
}

// ParseShares parses the comma separated tally input, e.g. "1:123,2:456,3:789".
// Blank tokens are skipped; an input with no tokens at all is rejected.
func ParseShares(input string) ([]Share, error) {
	var shares []Share
	for _, part := range strings.Split(input, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}

		share, err := ParseShare(part)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}

	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares given", ErrInvalidShareFormat)
	}
	return shares, nil
}

// FormatShares is the inverse of ParseShares.
func FormatShares(shares []Share) string {
	tokens := make([]string, len(shares))
	for i, s := range shares {
		tokens[i] = s.String()
	}
	return strings.Join(tokens, ",")
}
