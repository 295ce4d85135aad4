package audit

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"threshold-voting/encryption"
)

// DecryptionErrorBucket counts entries that could not be decrypted.
const DecryptionErrorBucket = "<decryption error>"

// Decrypter opens a single ballot payload.
type Decrypter interface {
	Decrypt(key []byte, p encryption.Payload) ([]byte, error)
}

// Tally maps each decrypted choice to its number of votes.
type Tally map[string]int

// Total counts every entry, including failed decryptions.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// Errors is the size of the decryption error bucket.
func (t Tally) Errors() int {
	return t[DecryptionErrorBucket]
}

// Choices lists choices by descending count, ties broken by name.
func (t Tally) Choices() []string {
	out := make([]string, 0, len(t))
	for choice := range t {
		out = append(out, choice)
	}
	sort.Slice(out, func(i, j int) bool {
		if t[out[i]] != t[out[j]] {
			return t[out[i]] > t[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

type tallyOptions struct {
	workers int
}

// TallyOption configures DecryptAll.
type TallyOption func(*tallyOptions)

// WithWorkers bounds the number of concurrent decryptions.
func WithWorkers(n int) TallyOption {
	return func(o *tallyOptions) {
		o.workers = n
	}
}

// DecryptAll decrypts every entry of rec under key and counts the results.
// A failing entry is counted under DecryptionErrorBucket and the rest carry
// on; only cancellation of ctx aborts the tally.
func DecryptAll(ctx context.Context, rec Record, d Decrypter, key []byte, opts ...TallyOption) (Tally, error) {
	o := tallyOptions{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}

	votes := make([]string, len(rec.Entries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, e := range rec.Entries {
		i, e := i, e
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			plaintext, err := d.Decrypt(key, e.Payload)
			if err != nil {
				votes[i] = DecryptionErrorBucket
				return nil
			}
			votes[i] = string(plaintext)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tally := make(Tally)
	for _, v := range votes {
		tally[v]++
	}
	return tally, nil
}
