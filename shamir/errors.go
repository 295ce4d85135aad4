package shamir

import "errors"

var (
	// ErrInvalidParameters is returned for bad thresholds, share counts or secrets.
	ErrInvalidParameters = errors.New("shamir: invalid parameters")

	// ErrDuplicateShareIndex is returned when two shares carry the same x.
	ErrDuplicateShareIndex = errors.New("shamir: duplicate share index")

	// ErrInvalidShareFormat is returned when a share token cannot be parsed.
	ErrInvalidShareFormat = errors.New("shamir: invalid share format")
)
