package audit

import (
	"errors"
	"fmt"
)

// ErrChainIntegrity is matched by every *ChainIntegrityError.
var ErrChainIntegrity = errors.New("audit: chain integrity violated")

// ChainIntegrityError locates the first broken link. Index equals
// len(Entries) when only the record's master hash disagrees.
type ChainIntegrityError struct {
	Index  int
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit: chain integrity violated at entry %d: %s", e.Index, e.Reason)
}

func (e *ChainIntegrityError) Unwrap() error {
	return ErrChainIntegrity
}

// Verify walks the chain from the first entry and returns the first failure.
func Verify(rec Record) error {
	prev := ""
	for i, e := range rec.Entries {
		if e.Prev != prev {
			return &ChainIntegrityError{Index: i, Reason: "prev does not match the preceding hash"}
		}
		if got := HashEntry(e); got != e.Hash {
			return &ChainIntegrityError{Index: i, Reason: fmt.Sprintf("stored hash %.12s does not match computed %.12s", e.Hash, got)}
		}
		prev = e.Hash
	}

	if rec.MasterHash != prev {
		return &ChainIntegrityError{Index: len(rec.Entries), Reason: "master_hash does not match the last entry"}
	}
	return nil
}

// Valid is Verify as a boolean.
func Valid(rec Record) bool {
	return Verify(rec) == nil
}

// Rehash recomputes every entry hash. Where an entry's prev still names the
// stored predecessor hash it is relinked to the recomputed one, so a change
// to entry i shows up at i and at every later position.
func Rehash(rec Record) []string {
	hashes := make([]string, len(rec.Entries))
	stored, computed := "", ""

	for i, e := range rec.Entries {
		if e.Prev == stored {
			e.Prev = computed
		}
		hashes[i] = HashEntry(e)

		stored, computed = rec.Entries[i].Hash, hashes[i]
	}
	return hashes
}
